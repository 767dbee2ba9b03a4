package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"stageci/internal/core"
)

// Client runs jobs on one remote agent.
type Client struct {
	Info Info
	HTTP *http.Client
}

func NewClient(info Info) *Client {
	return &Client{Info: info, HTTP: http.DefaultClient}
}

// RunJob implements core.JobRunner.
func (c *Client) RunJob(ctx context.Context, req core.JobRequest) (*core.JobResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(c.Info.URL, "/") + "/run"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("agent %s: %w", c.Info.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agent %s: %s: %s", c.Info.ID, resp.Status, strings.TrimSpace(string(msg)))
	}
	var res core.JobResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("agent %s: decode result: %w", c.Info.ID, err)
	}
	if res.AgentID == "" {
		res.AgentID = c.Info.ID
	}
	return &res, nil
}

// Pool dispatches jobs round-robin over registered agents and falls back
// to a local runner while none are registered.
type Pool struct {
	mu     sync.Mutex
	agents []*Client
	next   int
	local  core.JobRunner
}

func NewPool(local core.JobRunner) *Pool {
	return &Pool{local: local}
}

// Register adds or replaces an agent by ID.
func (p *Pool) Register(info Info) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, a := range p.agents {
		if a.Info.ID == info.ID {
			p.agents[i] = NewClient(info)
			return
		}
	}
	p.agents = append(p.agents, NewClient(info))
}

// List returns the registered agents.
func (p *Pool) List() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, len(p.agents))
	for i, a := range p.agents {
		out[i] = a.Info
	}
	return out
}

func (p *Pool) pick() core.JobRunner {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.agents) == 0 {
		return p.local
	}
	a := p.agents[p.next%len(p.agents)]
	p.next++
	return a
}

// RunJob implements core.JobRunner.
func (p *Pool) RunJob(ctx context.Context, req core.JobRequest) (*core.JobResult, error) {
	r := p.pick()
	if r == nil {
		return nil, fmt.Errorf("no agent available")
	}
	return r.RunJob(ctx, req)
}

// Register announces an agent to the server at serverURL.
func Register(ctx context.Context, serverURL string, info Info) error {
	body, err := json.Marshal(info)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(serverURL, "/")+"/agents/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("register agent: %s", resp.Status)
	}
	return nil
}
