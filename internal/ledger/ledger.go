// Package ledger keeps an append-only, hash-chained and signed record of
// every command a pipeline run executed. The file format is JSON lines.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"stageci/internal/security"
)

type Ledger struct {
	mu      sync.Mutex
	records []*Record
	path    string
}

// Open loads an existing ledger file or creates an empty one.
func Open(path string) (*Ledger, error) {
	l := &Ledger{path: path}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(bufio.NewReader(f))
	for dec.More() {
		var r Record
		if err := dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("failed to decode ledger entry %d: %w", len(l.records), err)
		}
		l.records = append(l.records, &r)
	}
	return l, nil
}

// Append assigns the next index and previous hash to r, hashes and signs
// it, persists it and keeps it in memory.
func (l *Ledger) Append(r *Record, signer *security.Signer) error {
	if signer == nil {
		return errors.New("no signer, cannot sign record")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r.Index = len(l.records)
	r.PrevHash = ""
	if n := len(l.records); n > 0 {
		r.PrevHash = l.records[n-1].Hash
	}
	if r.Timestamp == "" {
		r.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	h, err := r.ComputeHash()
	if err != nil {
		return fmt.Errorf("compute record hash: %w", err)
	}
	r.Hash = h
	r.Signature = signer.Sign([]byte(r.Hash))
	r.PubKey = signer.PublicKeyHex()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open ledger file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(r); err != nil {
		return fmt.Errorf("write ledger file: %w", err)
	}

	l.records = append(l.records, r)
	return nil
}

// Records returns the records in order. The pointers are shared with the
// ledger.
func (l *Ledger) Records() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Record, len(l.records))
	copy(out, l.records)
	return out
}

// Len returns the number of records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// LastHash returns the hash of the last record (or empty if none)
func (l *Ledger) LastHash() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) == 0 {
		return ""
	}
	return l.records[len(l.records)-1].Hash
}

// ForRun returns the records written by runID.
func (l *Ledger) ForRun(runID string) []*Record {
	var out []*Record
	for _, r := range l.Records() {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out
}
