// Package api is the HTTP control plane: pipelines are submitted as YAML,
// planned against a build context and run asynchronously.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"stageci/internal/agent"
	"stageci/internal/core"
	"stageci/internal/ledger"
	"stageci/pkg/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const maxDescriptorSize = 1 << 20

type pipelineEntry struct {
	ID          string
	Digest      string
	SubmittedAt time.Time
	Descriptor  *core.Descriptor
}

type runEntry struct {
	ID         string          `json:"id"`
	PipelineID string          `json:"pipeline"`
	Status     core.RunStatus  `json:"status"`
	Result     *core.RunResult `json:"result,omitempty"`
}

type Server struct {
	mu        sync.Mutex
	pipelines map[string]*pipelineEntry
	runs      map[string]*runEntry

	runner *core.Runner
	agents *agent.Pool
	ledger *ledger.Ledger
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server. runner.Jobs should normally be agents so that
// registered agents receive work; ledger may be nil.
func New(runner *core.Runner, agents *agent.Pool, l *ledger.Ledger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		pipelines: make(map[string]*pipelineEntry),
		runs:      make(map[string]*runEntry),
		runner:    runner,
		agents:    agents,
		ledger:    l,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Close cancels running pipelines and waits for them to stop.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
}

// Wait blocks until every started run has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/pipelines", func(r chi.Router) {
		r.Post("/", s.handleSubmitPipeline)
		r.Get("/", s.handleListPipelines)
		r.Get("/{id}", s.handleGetPipeline)
		r.Get("/{id}/plan", s.handlePlan)
		r.Post("/{id}/runs", s.handleStartRun)
	})
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/ledger/verify", s.handleVerifyLedger)
	r.Post("/agents/register", s.handleRegisterAgent)
	r.Get("/agents", s.handleListAgents)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type stageSummary struct {
	Name string `json:"name"`
	If   string `json:"if,omitempty"`
}

type jobSummary struct {
	Number int    `json:"number"`
	Name   string `json:"name"`
	Stage  string `json:"stage"`
	OS     string `json:"os,omitempty"`
}

type pipelineSummary struct {
	ID          string         `json:"id"`
	Digest      string         `json:"digest"`
	SubmittedAt time.Time      `json:"submitted_at"`
	Language    string         `json:"language,omitempty"`
	Stages      []stageSummary `json:"stages"`
	Jobs        []jobSummary   `json:"jobs"`
}

func summarize(p *pipelineEntry) pipelineSummary {
	out := pipelineSummary{ID: p.ID, Digest: p.Digest, SubmittedAt: p.SubmittedAt, Language: p.Descriptor.Language}
	for _, st := range p.Descriptor.Stages {
		out.Stages = append(out.Stages, stageSummary{Name: st.Name, If: st.If})
	}
	for _, j := range p.Descriptor.Jobs {
		out.Jobs = append(out.Jobs, jobSummary{Number: j.Number, Name: j.DisplayName(), Stage: j.Stage, OS: j.OS})
	}
	return out
}

// POST /pipelines -> submit a new pipeline YAML
func (s *Server) handleSubmitPipeline(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxDescriptorSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		return
	}
	if len(data) > maxDescriptorSize {
		writeError(w, http.StatusRequestEntityTooLarge, "pipeline too large")
		return
	}

	d, err := core.ParsePipeline(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	entry := &pipelineEntry{
		ID:          uuid.NewString(),
		Digest:      utils.HashBytes(data),
		SubmittedAt: time.Now().UTC(),
		Descriptor:  d,
	}
	s.mu.Lock()
	s.pipelines[entry.ID] = entry
	s.mu.Unlock()

	s.logger.Info("pipeline submitted", "id", entry.ID, "jobs", len(d.Jobs), "stages", len(d.Stages))
	writeJSON(w, http.StatusCreated, summarize(entry))
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]pipelineSummary, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, summarize(p))
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) pipeline(w http.ResponseWriter, r *http.Request) (*pipelineEntry, bool) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	p, ok := s.pipelines[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "pipeline not found")
	}
	return p, ok
}

// GET /pipelines/{id}
func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.pipeline(w, r); ok {
		writeJSON(w, http.StatusOK, summarize(p))
	}
}

func contextFromQuery(r *http.Request) core.BuildContext {
	q := r.URL.Query()
	ctx := core.BuildContext{
		Tag:    q.Get("tag"),
		Branch: q.Get("branch"),
		Event:  q.Get("event"),
		Repo:   q.Get("repo"),
	}
	if ctx.Event == "" {
		ctx.Event = "push"
	}
	return ctx
}

// GET /pipelines/{id}/plan?tag=&branch=&event=
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pipeline(w, r)
	if !ok {
		return
	}
	plan := core.NewPlan(p.Descriptor, contextFromQuery(r))
	writeJSON(w, http.StatusOK, plan.Filter(r.URL.Query().Get("stage"), r.URL.Query().Get("job")))
}

// POST /pipelines/{id}/runs with an optional JSON build context.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pipeline(w, r)
	if !ok {
		return
	}
	var bctx core.BuildContext
	if err := json.NewDecoder(r.Body).Decode(&bctx); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid build context: "+err.Error())
		return
	}
	if bctx.Event == "" {
		bctx.Event = "push"
	}
	plan := core.NewPlan(p.Descriptor, bctx).Filter(r.URL.Query().Get("stage"), r.URL.Query().Get("job"))

	run := &runEntry{ID: uuid.NewString(), PipelineID: p.ID, Status: core.RunPending}
	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.setRun(run.ID, core.RunRunning, nil)
		res := s.runner.RunPipelineWithID(s.ctx, run.ID, plan)
		s.setRun(run.ID, res.Status, res)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"id": run.ID, "status": string(core.RunPending)})
}

func (s *Server) setRun(id string, status core.RunStatus, res *core.RunResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run, ok := s.runs[id]; ok {
		run.Status = status
		if res != nil {
			run.Result = res
		}
	}
}

// GET /runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	run, ok := s.runs[id]
	var snapshot runEntry
	if ok {
		snapshot = *run
	}
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

// GET /ledger/verify
func (s *Server) handleVerifyLedger(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil || s.runner.Signer == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger disabled")
		return
	}
	if err := s.ledger.Verify(s.runner.Signer.PublicKeyHex()); err != nil {
		writeError(w, http.StatusInternalServerError, "ledger verification failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "records": s.ledger.Len()})
}

// POST /agents/register
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var info agent.Info
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil || info.ID == "" || info.URL == "" {
		writeError(w, http.StatusBadRequest, "agent needs id and url")
		return
	}
	s.agents.Register(info)
	s.logger.Info("agent registered", "id", info.ID, "url", info.URL)
	writeJSON(w, http.StatusOK, info)
}

// GET /agents
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.agents.List())
}
