package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pipelineYAML = `
env:
  global:
    - GREETING=hello
    - secure: c2VjcmV0
stages:
  - test
  - name: release
    if: tag =~ ^v(\d+|\.)+[^a-z]\d+$
jobs:
  include:
    - stage: test
      name: unit
      script: echo $GREETING
    - stage: release
      script: echo release
`

// setup isolates config and build context from the host and returns a
// pipeline file plus the state directory.
func setup(t *testing.T, pipeline string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	for _, k := range []string{"TRAVIS_TAG", "TRAVIS_BRANCH", "TRAVIS_EVENT_TYPE", "TRAVIS_REPO_SLUG"} {
		t.Setenv(k, "")
	}
	t.Setenv("STAGECI_LEDGER_PATH", filepath.Join(dir, "ledger.jsonl"))
	t.Setenv("STAGECI_LOG_DIR", filepath.Join(dir, "logs"))
	t.Setenv("STAGECI_KEYS_DIR", filepath.Join(dir, "keys"))
	t.Setenv("STAGECI_WORKDIR", dir)

	path := filepath.Join(dir, ".travis.yml")
	require.NoError(t, os.WriteFile(path, []byte(pipeline), 0o644))
	return path, dir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidate(t *testing.T) {
	path, _ := setup(t, pipelineYAML)
	out, err := execute(t, "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok (2 stages, 2 jobs)")

	bad, _ := setup(t, "jobs:\n  include:\n    - name: idle\n")
	_, err = execute(t, "validate", bad)
	assert.ErrorContains(t, err, "no commands")
}

func TestPlanFollowsTag(t *testing.T) {
	path, _ := setup(t, pipelineYAML)

	out, err := execute(t, "plan", path, "--tag", "v1.2.3")
	require.NoError(t, err)
	assert.Contains(t, out, "+ release")

	out, err = execute(t, "plan", path, "--tag", "v1.2.3rc1")
	require.NoError(t, err)
	assert.Contains(t, out, "- release: skipped")
}

func TestEnvHidesSecureValues(t *testing.T) {
	path, _ := setup(t, pipelineYAML)
	out, err := execute(t, "env", path, "--job", "unit")
	require.NoError(t, err)
	assert.Contains(t, out, "GREETING=hello")
	assert.Contains(t, out, "[secure]")
	assert.NotContains(t, out, "c2VjcmV0")

	_, err = execute(t, "env", path, "--job", "missing")
	assert.Error(t, err)
}

func TestRunRecordsLedger(t *testing.T) {
	path, dir := setup(t, pipelineYAML)

	out, err := execute(t, "run", path, "--tag", "v2.0.0")
	require.NoError(t, err, out)
	assert.Contains(t, out, "running stages: test, release")
	assert.Contains(t, out, ": passed")
	assert.FileExists(t, filepath.Join(dir, "keys", "server.pub"))

	out, err = execute(t, "ledger", "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "ledger ok (2 records)")

	other := filepath.Join(dir, "other-keys")
	_, err = execute(t, "keygen", "--dir", other)
	require.NoError(t, err)
	_, err = execute(t, "ledger", "verify", "--pubkey", filepath.Join(other, "server.pub"))
	assert.ErrorContains(t, err, "untrusted signing key")

	out, err = execute(t, "ledger", "inspect")
	require.NoError(t, err)
	assert.Contains(t, out, "stage=release")
}

func TestRunFailureReturnsError(t *testing.T) {
	path, _ := setup(t, "script: exit 1\n")
	_, err := execute(t, "run", path, "--no-record")
	assert.ErrorContains(t, err, "failed")
}

func TestRunDryRun(t *testing.T) {
	path, dir := setup(t, pipelineYAML)
	out, err := execute(t, "run", path, "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "+ test")
	assert.NoFileExists(t, filepath.Join(dir, "ledger.jsonl"))
}

func TestKeygenRefusesOverwrite(t *testing.T) {
	_, dir := setup(t, pipelineYAML)
	keys := filepath.Join(dir, "k")

	_, err := execute(t, "keygen", "--dir", keys)
	require.NoError(t, err)
	_, err = execute(t, "keygen", "--dir", keys)
	assert.ErrorContains(t, err, "already exists")
	_, err = execute(t, "keygen", "--dir", keys, "--force")
	assert.NoError(t, err)
}
