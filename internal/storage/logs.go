package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LogStorage saves command output as files under BaseDir, one directory
// per run:
//
//	<base>/<run>/<stage>/<job>/<phase>-<n>.log
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a new log storage handler
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// SaveLog writes the output of the n-th command of a job phase and returns
// the file path.
func (ls *LogStorage) SaveLog(runID, stage, job, phase string, n int, output string) (string, error) {
	dir := filepath.Join(ls.BaseDir, sanitize(runID), sanitize(stage), sanitize(job))
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-%02d.log", sanitize(phase), n))
	if err := os.WriteFile(path, []byte(output), 0644); err != nil {
		return "", err
	}
	return path, nil
}

// RunDir is the directory holding the logs of runID.
func (ls *LogStorage) RunDir(runID string) string {
	return filepath.Join(ls.BaseDir, sanitize(runID))
}

// sanitize removes special characters from names for filenames
func sanitize(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		case r == ' ' || r == '=' || r == '/':
			b.WriteRune('_')
		}
	}
	clean := strings.Trim(b.String(), ".")
	if clean == "" {
		return "step"
	}
	return clean
}
