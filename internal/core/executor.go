package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Executor is responsible for running job commands.
type Executor struct {
	Shell   string
	WorkDir string
	Timeout time.Duration
	// Isolated starts jobs from an empty environment (plus PATH and HOME)
	// instead of the host environment.
	Isolated bool
}

func NewExecutor() *Executor {
	return &Executor{Shell: "sh", Timeout: 5 * time.Minute}
}

// RunCommand executes a single command as `<shell> -c command` and returns
// its combined output and exit code.
func (e *Executor) RunCommand(ctx context.Context, command string, environ []string) CommandResult {
	start := time.Now()
	res := CommandResult{Command: command}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = e.WorkDir
	cmd.Env = environ
	cmd.WaitDelay = 2 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res.Output = out.String()
	res.Duration = time.Since(start)

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.Error = fmt.Sprintf("timed out after %s", timeout)
	case ctx.Err() != nil:
		res.ExitCode = -1
		res.Error = "canceled"
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case err != nil:
		res.ExitCode = -1
		res.Error = err.Error()
	}
	return res
}

// Environ builds the process environment of a job: host (or minimal)
// variables, then CI variables, then the job's effective env. Values may
// reference earlier variables as $NAME or ${NAME}.
func (e *Executor) Environ(req JobRequest) []string {
	var (
		keys   []string
		values = map[string]string{}
	)
	set := func(k, v string) {
		if _, ok := values[k]; !ok {
			keys = append(keys, k)
		}
		values[k] = v
	}

	if e.Isolated {
		for _, k := range []string{"PATH", "HOME"} {
			if v, ok := os.LookupEnv(k); ok {
				set(k, v)
			}
		}
	} else {
		for _, kv := range os.Environ() {
			if k, v, ok := strings.Cut(kv, "="); ok {
				set(k, v)
			}
		}
	}

	set("CI", "true")
	set("TRAVIS", "true")
	set(EnvTag, req.Context.Tag)
	set(EnvBranch, req.Context.Branch)
	set(EnvEventType, req.Context.Event)
	set(EnvRepoSlug, req.Context.Repo)
	set("TRAVIS_OS_NAME", req.Job.OS)
	set("TRAVIS_JOB_NUMBER", req.Job.ID())
	set("TRAVIS_JOB_NAME", req.Job.DisplayName())
	set("TRAVIS_BUILD_STAGE_NAME", req.Job.Stage)
	if req.RunID != "" {
		set("STAGECI_RUN_ID", req.RunID)
	}

	for _, v := range req.Env {
		if v.Secure {
			continue
		}
		set(v.Name, os.Expand(v.Value, func(name string) string { return values[name] }))
	}

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+values[k])
	}
	return out
}
