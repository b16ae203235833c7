// Package artifactstore provides the per-run keyed blob store that upstream
// jobs write and the aggregator reads.
package artifactstore

import (
	"errors"
	"path"
	"sync"
)

// ErrSealed is returned by Put after the store has been sealed. A run seals
// its store before cancelling job contexts so a superseded run can never
// register partial artifacts.
var ErrSealed = errors.New("artifact store is sealed")

// Artifact is a named output blob produced by a job. Immutable after store.
// Name is the declared artifact name aggregation patterns match against; when
// one upload step stores several files under one name, Origin keeps the
// per-file source apart without leaking into the matched key.
type Artifact struct {
	Name     string
	Data     []byte
	Producer string // producing job's derived identity
	Origin   string // source file base name, empty when not file-backed
	Seq      int    // storage order, assigned at Put
}

// Store is an append-only artifact store scoped to one pipeline run.
// Writes are keyed by producer identity and only the owning job runner writes
// its own artifacts; the aggregator reads strictly after the completion
// barrier, so a single mutex is the only coordination needed.
type Store struct {
	mu        sync.Mutex
	artifacts []Artifact
	sealed    bool
}

// New creates an empty store.
func New() *Store {
	return &Store{}
}

// Put appends one artifact. Duplicate names are permitted; collision order is
// the deterministic storage sequence.
func (s *Store) Put(name string, data []byte, producer, origin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return ErrSealed
	}
	s.artifacts = append(s.artifacts, Artifact{
		Name:     name,
		Data:     data,
		Producer: producer,
		Origin:   origin,
		Seq:      len(s.artifacts),
	})
	return nil
}

// GetMatching returns all artifacts whose name matches the glob pattern, in
// storage order. Zero matches yields an empty slice, not an error.
func (s *Store) GetMatching(pattern string) []Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []Artifact
	for _, a := range s.artifacts {
		if ok, err := path.Match(pattern, a.Name); err == nil && ok {
			matched = append(matched, a)
		}
	}
	return matched
}

// Len returns the number of stored artifacts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.artifacts)
}

// Seal makes the store read-only. Idempotent.
func (s *Store) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
}
