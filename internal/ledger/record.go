package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Record is a tamper-evident entry for one executed command.
type Record struct {
	Index     int    `json:"index"`
	Timestamp string `json:"timestamp"`
	RunID     string `json:"runId"`
	Stage     string `json:"stage"`
	Job       string `json:"job"`
	Phase     string `json:"phase"`
	Command   string `json:"command"`
	ExitCode  int    `json:"exitCode"`
	LogPath   string `json:"logPath"`
	LogHash   string `json:"logHash"`
	PrevHash  string `json:"prevHash"`
	AgentID   string `json:"agentId"`
	Hash      string `json:"hash"`
	Signature string `json:"signature"`
	PubKey    string `json:"pubKey"`
}

// canonicalData returns the JSON bytes used to compute the record hash.
// It excludes Hash, Signature and PubKey.
func (r *Record) canonicalData() ([]byte, error) {
	view := struct {
		Index     int    `json:"index"`
		Timestamp string `json:"timestamp"`
		RunID     string `json:"runId"`
		Stage     string `json:"stage"`
		Job       string `json:"job"`
		Phase     string `json:"phase"`
		Command   string `json:"command"`
		ExitCode  int    `json:"exitCode"`
		LogPath   string `json:"logPath"`
		LogHash   string `json:"logHash"`
		PrevHash  string `json:"prevHash"`
		AgentID   string `json:"agentId"`
	}{
		Index:     r.Index,
		Timestamp: r.Timestamp,
		RunID:     r.RunID,
		Stage:     r.Stage,
		Job:       r.Job,
		Phase:     r.Phase,
		Command:   r.Command,
		ExitCode:  r.ExitCode,
		LogPath:   r.LogPath,
		LogHash:   r.LogHash,
		PrevHash:  r.PrevHash,
		AgentID:   r.AgentID,
	}
	return json.Marshal(view)
}

// ComputeHash calculates SHA256 over canonicalData
func (r *Record) ComputeHash() (string, error) {
	data, err := r.canonicalData()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
