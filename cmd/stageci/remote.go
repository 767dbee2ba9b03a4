package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newSubmitCmd(a *app) *cobra.Command {
	var (
		server string
		start  bool
	)
	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Submit a pipeline to a stageci server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if server == "" {
				server = a.cfg.ServerURL
			}
			if server == "" {
				server = fmt.Sprintf("http://localhost:%d", a.cfg.Port)
			}
			server = strings.TrimRight(server, "/")
			client := &http.Client{Timeout: 30 * time.Second}

			var submitted struct {
				ID string `json:"id"`
			}
			if err := postJSON(client, server+"/pipelines", "application/x-yaml", data, http.StatusCreated, &submitted); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "pipeline %s\n", submitted.ID)
			if !start {
				return nil
			}

			body, err := json.Marshal(a.build)
			if err != nil {
				return err
			}
			var run struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			}
			if err := postJSON(client, server+"/pipelines/"+submitted.ID+"/runs", "application/json", body, http.StatusAccepted, &run); err != nil {
				return err
			}
			fmt.Fprintf(out, "run %s %s\n", run.ID, run.Status)
			return nil
		},
	}
	a.addBuildFlags(cmd)
	cmd.Flags().StringVar(&server, "server", "", "server URL (default from config)")
	cmd.Flags().BoolVar(&start, "run", false, "start a run after submitting")
	return cmd
}

func postJSON(client *http.Client, url, contentType string, body []byte, want int, out any) error {
	resp, err := client.Post(url, contentType, bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("server: %s", e.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return json.Unmarshal(data, out)
}
