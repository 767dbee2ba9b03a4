package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"stageci/internal/agent"
	"stageci/internal/core"
	"stageci/internal/ledger"
	"stageci/internal/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPipeline = `
stages:
  - test
  - name: release
    if: tag =~ ^v(\d+|\.)+[^a-z]\d+$
jobs:
  include:
    - stage: test
      script: echo unit
    - stage: release
      script: echo release
`

type testEnv struct {
	srv    *Server
	http   *httptest.Server
	ledger *ledger.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	l, err := ledger.Open(filepath.Join(dir, "ledger.jsonl"))
	require.NoError(t, err)
	signer, err := security.NewEphemeralSigner()
	require.NoError(t, err)

	exec := &core.Executor{Shell: "sh", WorkDir: dir, Timeout: 10 * time.Second}
	pool := agent.NewPool(core.NewLocalJobRunner(exec, "server", logger))
	runner := core.NewRunner(pool, core.NewScheduler(2), logger)
	runner.Ledger = l
	runner.Signer = signer

	s := New(runner, pool, l, logger)
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		ts.Close()
		s.Close()
	})
	return &testEnv{srv: s, http: ts, ledger: l}
}

func (e *testEnv) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *testEnv) submit(t *testing.T) pipelineSummary {
	t.Helper()
	var p pipelineSummary
	require.Equal(t, http.StatusCreated, e.do(t, http.MethodPost, "/pipelines", testPipeline, &p))
	return p
}

func TestSubmitPipeline(t *testing.T) {
	e := newTestEnv(t)
	p := e.submit(t)

	assert.NotEmpty(t, p.ID)
	assert.Len(t, p.Digest, 64)
	require.Len(t, p.Stages, 2)
	assert.Equal(t, "release", p.Stages[1].Name)
	assert.NotEmpty(t, p.Stages[1].If)
	assert.Len(t, p.Jobs, 2)

	var got pipelineSummary
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/pipelines/"+p.ID, "", &got))
	assert.Equal(t, p.ID, got.ID)

	var list []pipelineSummary
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/pipelines", "", &list))
	assert.Len(t, list, 1)
}

func TestSubmitInvalidPipeline(t *testing.T) {
	e := newTestEnv(t)
	var body map[string]string
	status := e.do(t, http.MethodPost, "/pipelines", "jobs:\n  include:\n    - name: idle\n", &body)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "no commands")
}

func TestUnknownPipelineAndRun(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/pipelines/nope", "", nil))
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodGet, "/runs/nope", "", nil))
	assert.Equal(t, http.StatusNotFound, e.do(t, http.MethodPost, "/pipelines/nope/runs", "", nil))
}

func TestPlanEndpoint(t *testing.T) {
	e := newTestEnv(t)
	p := e.submit(t)

	var plan core.Plan
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/pipelines/"+p.ID+"/plan?tag=v1.2.3", "", &plan))
	assert.Equal(t, []string{"test", "release"}, plan.ActiveStageNames())

	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/pipelines/"+p.ID+"/plan?tag=v1.2.3rc1", "", &plan))
	assert.Equal(t, []string{"test"}, plan.ActiveStageNames())
}

func waitForRun(t *testing.T, e *testEnv, id string) runEntry {
	t.Helper()
	var run runEntry
	require.Eventually(t, func() bool {
		run = runEntry{}
		e.do(t, http.MethodGet, "/runs/"+id, "", &run)
		return run.Status == core.RunPassed || run.Status == core.RunFailed || run.Status == core.RunCanceled
	}, 10*time.Second, 20*time.Millisecond)
	return run
}

func TestStartRun(t *testing.T) {
	e := newTestEnv(t)
	p := e.submit(t)

	body, _ := json.Marshal(core.BuildContext{Tag: "v1.0.0", Event: "push"})
	var started map[string]string
	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/pipelines/"+p.ID+"/runs", string(body), &started))
	require.NotEmpty(t, started["id"])

	run := waitForRun(t, e, started["id"])
	assert.Equal(t, core.RunPassed, run.Status)
	require.NotNil(t, run.Result)
	assert.Equal(t, core.StagePassed, run.Result.Stage("release").Status)

	var verify map[string]any
	assert.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/ledger/verify", "", &verify))
	assert.Equal(t, "ok", verify["status"])
	assert.EqualValues(t, 2, verify["records"])
}

func TestStartRunWithoutBodySkipsReleaseStage(t *testing.T) {
	e := newTestEnv(t)
	p := e.submit(t)

	var started map[string]string
	require.Equal(t, http.StatusAccepted, e.do(t, http.MethodPost, "/pipelines/"+p.ID+"/runs", "", &started))
	run := waitForRun(t, e, started["id"])
	assert.Equal(t, core.RunPassed, run.Status)
	assert.Equal(t, core.StageSkipped, run.Result.Stage("release").Status)
}

func TestStartRunRejectsBadContext(t *testing.T) {
	e := newTestEnv(t)
	p := e.submit(t)
	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/pipelines/"+p.ID+"/runs", "{not json", nil))
}

func TestAgentRegistration(t *testing.T) {
	e := newTestEnv(t)

	info := agent.Info{ID: "a1", URL: "http://127.0.0.1:1"}
	body, _ := json.Marshal(info)
	resp, err := http.Post(e.http.URL+"/agents/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var agents []agent.Info
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, "/agents", "", &agents))
	assert.Equal(t, []agent.Info{info}, agents)

	assert.Equal(t, http.StatusBadRequest, e.do(t, http.MethodPost, "/agents/register", `{"id":""}`, nil))
}

func TestLedgerVerifyDisabled(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(core.NewRunner(agent.NewPool(nil), nil, logger), agent.NewPool(nil), nil, logger)
	defer s.Close()

	rec := httptest.NewRecorder()
	s.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ledger/verify", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
