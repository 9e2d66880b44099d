// Package statefile persists the single BalancerDesiredState to a local
// JSON file across restarts of the admin-writable configuration (the
// in-flight dispatch/buffer state itself is never persisted — spec
// Non-goals).
package statefile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/llmops/fleetbalancer/lib/domain"
)

const defaultVersion = "1"

// File is the on-disk envelope: {"balancer_desired_state": ..., "version": "1"}.
// Missing version defaults to "1"; unknown fields are rejected.
type File struct {
	BalancerDesiredState domain.BalancerDesiredState `json:"balancer_desired_state"`
	Version              string                      `json:"version"`
}

type fileWire struct {
	BalancerDesiredState *domain.BalancerDesiredState `json:"balancer_desired_state"`
	Version              *string                      `json:"version"`
}

// Decode parses raw JSON bytes into a File, defaulting a missing version
// to "1" and rejecting unknown fields (testable property 5).
func Decode(data []byte) (File, error) {
	var w fileWire
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return File{}, fmt.Errorf("statefile: decode: %w", err)
	}
	if w.BalancerDesiredState == nil {
		return File{}, fmt.Errorf("statefile: missing balancer_desired_state")
	}

	version := defaultVersion
	if w.Version != nil {
		version = *w.Version
	}

	return File{BalancerDesiredState: *w.BalancerDesiredState, Version: version}, nil
}

// Encode renders f back to its canonical JSON form.
func Encode(f File) ([]byte, error) {
	if f.Version == "" {
		f.Version = defaultVersion
	}
	return json.Marshal(f)
}

// Load reads and decodes the state file at path. A missing file is not an
// error; it returns a File wrapping domain.DefaultBalancerDesiredState so
// callers can start from a clean slate.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return File{BalancerDesiredState: domain.DefaultBalancerDesiredState(), Version: defaultVersion}, nil
		}
		return File{}, fmt.Errorf("statefile: reading %s: %w", path, err)
	}
	return Decode(data)
}

// Save encodes f and writes it to path, replacing any existing contents.
func Save(path string, f File) error {
	data, err := Encode(f)
	if err != nil {
		return fmt.Errorf("statefile: encode: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("statefile: writing %s: %w", path, err)
	}
	return nil
}
