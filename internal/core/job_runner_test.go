package core

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRunner(t *testing.T) (*LocalJobRunner, string) {
	t.Helper()
	dir := t.TempDir()
	exec := &Executor{Shell: "sh", WorkDir: dir, Timeout: 10 * time.Second}
	return NewLocalJobRunner(exec, "test-agent", quietLogger()), dir
}

// trace returns the phases recorded in dir/trace, one per line.
func trace(t *testing.T, dir string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "trace"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Fields(string(data))
}

func mark(name string) string { return "echo " + name + " >> trace" }

func TestJobPhaseOrder(t *testing.T) {
	r, dir := newTestRunner(t)
	job := Job{Number: 1, Stage: "test", Lifecycle: Lifecycle{
		BeforeInstall: Commands{mark("before_install")},
		Install:       Commands{mark("install")},
		BeforeScript:  Commands{mark("before_script")},
		Script:        Commands{mark("script1"), mark("script2")},
		AfterSuccess:  Commands{mark("after_success")},
		AfterFailure:  Commands{mark("after_failure")},
		AfterScript:   Commands{mark("after_script")},
	}}

	res, err := r.RunJob(context.Background(), JobRequest{Job: job})
	require.NoError(t, err)
	assert.Equal(t, JobPassed, res.Status)
	assert.Equal(t,
		[]string{"before_install", "install", "before_script", "script1", "script2", "after_success", "after_script"},
		trace(t, dir))
	assert.Equal(t, "test-agent", res.AgentID)
}

func TestBeforeInstallFailureAbortsJob(t *testing.T) {
	r, dir := newTestRunner(t)
	job := Job{Number: 1, Stage: "test", Lifecycle: Lifecycle{
		BeforeInstall: Commands{"exit 3", mark("before_install_2")},
		Install:       Commands{mark("install")},
		Script:        Commands{mark("script")},
		AfterSuccess:  Commands{mark("after_success")},
		AfterFailure:  Commands{mark("after_failure")},
		AfterScript:   Commands{mark("after_script")},
	}}

	res, err := r.RunJob(context.Background(), JobRequest{Job: job})
	require.NoError(t, err)
	assert.Equal(t, JobErrored, res.Status)
	assert.Equal(t, []string{"after_script"}, trace(t, dir), "only cleanup runs after a setup failure")
	assert.False(t, res.Ran(PhaseInstall))
	assert.False(t, res.Ran(PhaseScript))
	assert.False(t, res.Ran(PhaseAfterSuccess))
	require.True(t, res.Ran(PhaseBeforeInstall))
	assert.Equal(t, 3, res.Phases[0].Commands[0].ExitCode)
	assert.Len(t, res.Phases[0].Commands, 1)
}

func TestScriptFailureRunsAllScriptsThenAfterFailure(t *testing.T) {
	r, dir := newTestRunner(t)
	job := Job{Number: 1, Stage: "test", Lifecycle: Lifecycle{
		Script:       Commands{"false", mark("script2")},
		AfterSuccess: Commands{mark("after_success")},
		AfterFailure: Commands{mark("after_failure")},
	}}

	res, err := r.RunJob(context.Background(), JobRequest{Job: job})
	require.NoError(t, err)
	assert.Equal(t, JobFailed, res.Status)
	assert.Equal(t, []string{"script2", "after_failure"}, trace(t, dir))
}

func TestAfterSuccessFailureKeepsStatus(t *testing.T) {
	r, _ := newTestRunner(t)
	job := Job{Number: 1, Lifecycle: Lifecycle{
		Script:       Commands{"true"},
		AfterSuccess: Commands{"exit 1"},
	}}
	res, err := r.RunJob(context.Background(), JobRequest{Job: job})
	require.NoError(t, err)
	assert.Equal(t, JobPassed, res.Status)
}

func TestJobEnvironment(t *testing.T) {
	r, dir := newTestRunner(t)
	job := Job{Number: 7, Name: "pkg", Stage: "pip_package", OS: "linux", Lifecycle: Lifecycle{
		Script: Commands{`printf '%s|%s|%s|%s|%s|%s' "$CI" "$TRAVIS_TAG" "$TRAVIS_BUILD_STAGE_NAME" "$PYPIUSER" "$GREETING" "$TRAVIS_JOB_NUMBER" > out`},
	}}
	req := JobRequest{
		Job:     job,
		Env:     EnvVars{{Name: "PPU", Value: "alice"}, {Name: "PYPIUSER", Value: "$PPU"}, {Name: "GREETING", Value: "hi there"}},
		Context: BuildContext{Tag: "v1.0.0"},
	}
	res, err := r.RunJob(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, JobPassed, res.Status)

	out, err := os.ReadFile(filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Equal(t, "true|v1.0.0|pip_package|alice|hi there|7", string(out))
}

func TestIsolatedEnvironmentHidesHostVars(t *testing.T) {
	t.Setenv("STAGECI_HOST_SECRET", "leak")
	e := &Executor{Isolated: true}
	for _, kv := range e.Environ(JobRequest{Job: Job{Number: 1}}) {
		assert.False(t, strings.HasPrefix(kv, "STAGECI_HOST_SECRET="))
	}

	e.Isolated = false
	assert.Contains(t, e.Environ(JobRequest{Job: Job{Number: 1}}), "STAGECI_HOST_SECRET=leak")
}

func TestNewExecutorDefaults(t *testing.T) {
	e := NewExecutor()
	assert.Equal(t, "sh", e.Shell)
	assert.Equal(t, 5*time.Minute, e.Timeout)
	res := e.RunCommand(context.Background(), "exit 2", nil)
	assert.Equal(t, 2, res.ExitCode)
}

func TestCommandTimeout(t *testing.T) {
	e := &Executor{Shell: "sh", WorkDir: t.TempDir(), Timeout: 200 * time.Millisecond}
	res := e.RunCommand(context.Background(), "sleep 5", nil)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, res.Duration, 4*time.Second)
}

func TestCanceledJob(t *testing.T) {
	r, dir := newTestRunner(t)
	ctx, cancel := context.WithCancel(context.Background())
	job := Job{Number: 1, Lifecycle: Lifecycle{
		Script:      Commands{"sleep 5", mark("script2")},
		AfterScript: Commands{mark("after_script")},
	}}
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	res, err := r.RunJob(ctx, JobRequest{Job: job})
	require.NoError(t, err)
	assert.Equal(t, JobCanceled, res.Status)
	assert.Equal(t, []string{"after_script"}, trace(t, dir))
}
