package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"stageci/internal/ledger"
	"stageci/internal/security"

	"github.com/spf13/cobra"
)

func newLedgerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and verify a run ledger",
	}

	var runID string
	inspect := &cobra.Command{
		Use:   "inspect [PATH]",
		Short: "List ledger records",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.openLedger(args)
			if err != nil {
				return err
			}
			records := l.Records()
			if runID != "" {
				records = l.ForRun(runID)
			}
			w := cmd.OutOrStdout()
			for _, r := range records {
				hash := r.Hash
				if len(hash) > 16 {
					hash = hash[:16]
				}
				fmt.Fprintf(w, "%d run=%s stage=%s job=%s phase=%s exit=%d hash=%s\n",
					r.Index, r.RunID, r.Stage, r.Job, r.Phase, r.ExitCode, hash)
			}
			return nil
		},
	}
	inspect.Flags().StringVar(&runID, "run", "", "only records of this run")

	var pubKeyPath string
	verify := &cobra.Command{
		Use:   "verify [PATH]",
		Short: "Check hashes, links and signatures of every record",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := a.openLedger(args)
			if err != nil {
				return err
			}
			if pubKeyPath == "" {
				pubKeyPath = filepath.Join(a.cfg.KeysDir, security.PublicKeyFile)
			}
			pub, err := security.LoadPublicKey(pubKeyPath)
			if err != nil {
				return fmt.Errorf("load trusted key: %w", err)
			}
			if err := l.Verify(hex.EncodeToString(pub)); err != nil {
				return fmt.Errorf("verification failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger ok (%d records)\n", l.Len())
			return nil
		},
	}

	verify.Flags().StringVar(&pubKeyPath, "pubkey", "", "trusted public key file (default <keys_dir>/server.pub)")

	cmd.AddCommand(inspect, verify)
	return cmd
}

func (a *app) openLedger(args []string) (*ledger.Ledger, error) {
	path := a.cfg.LedgerPath
	if len(args) > 0 {
		path = args[0]
	}
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return ledger.Open(path)
}

func newKeygenCmd(a *app) *cobra.Command {
	var (
		dir   string
		force bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the ed25519 key pair used to sign ledger records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = a.cfg.KeysDir
			}
			pubPath := filepath.Join(dir, security.PublicKeyFile)
			privPath := filepath.Join(dir, security.PrivateKeyFile)
			if _, err := os.Stat(pubPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to replace)", pubPath)
			}
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
			pub, priv, err := security.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := security.SaveKeyPair(pub, priv, pubPath, privPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s and %s\n", pubPath, privPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "key directory (default from config)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing keys")
	return cmd
}
