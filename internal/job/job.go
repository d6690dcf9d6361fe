// Package job keeps the registered pipeline definitions. A job is one
// named pipeline plus the bookkeeping to reload it: re-registering
// bumps the version, and builds hold on to the definition they were
// enqueued with, so a reload never changes a build mid-flight.
package job

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/stagehand-ci/stagehand/internal/ctxlog"
	"github.com/stagehand-ci/stagehand/internal/fsutil"
	"github.com/stagehand-ci/stagehand/internal/hcldef"
	"github.com/stagehand-ci/stagehand/internal/schema"
	"github.com/stagehand-ci/stagehand/internal/yamldef"
)

// ErrUnknownJob reports a lookup of a name that was never registered.
var ErrUnknownJob = errors.New("unknown job")

// Job is one registered pipeline.
type Job struct {
	Name       string
	Definition *schema.Pipeline
	Version    int
	Source     string
}

// Store holds jobs by name. Safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	kinds schema.KindChecker
	jobs  map[string]*Job
}

// NewStore creates an empty store. kinds checks step and action kinds
// against the module registry during registration; nil skips the check.
func NewStore(kinds schema.KindChecker) *Store {
	return &Store{kinds: kinds, jobs: make(map[string]*Job)}
}

// Register validates a definition and stores it under its pipeline
// name. Registering a name again from the same source bumps the
// version; a second source claiming the same name is a conflict.
func (s *Store) Register(def *schema.Pipeline, source string) (*Job, error) {
	if issues := schema.Validate(def, s.kinds); len(issues) > 0 {
		return nil, &schema.ParseError{Source: source, Issues: issues}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	version := 1
	if prev, ok := s.jobs[def.Name]; ok {
		if prev.Source != source {
			return nil, fmt.Errorf("job %q already defined in %s", def.Name, prev.Source)
		}
		version = prev.Version + 1
	}
	j := &Job{Name: def.Name, Definition: def, Version: version, Source: source}
	s.jobs[def.Name] = j
	return j, nil
}

// Get returns the current registration of a job.
func (s *Store) Get(name string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return j, nil
}

// Names lists the registered job names, sorted.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadFile parses one definition file, picking the loader by extension.
func LoadFile(path string) (*schema.Pipeline, error) {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return yamldef.Load(path)
	case ".hcl":
		return hcldef.Load(path)
	}
	return nil, fmt.Errorf("unsupported definition extension on %s", path)
}

// LoadDir walks a directory tree and registers every definition file it
// finds. The first bad file stops the load; its ParseError lists every
// issue in that file.
func (s *Store) LoadDir(ctx context.Context, dir string) error {
	logger := ctxlog.FromContext(ctx)

	files, err := fsutil.FindFilesByExtensions(dir, ".hcl", ".yaml", ".yml")
	if err != nil {
		return fmt.Errorf("scan definitions in %s: %w", dir, err)
	}
	if len(files) == 0 {
		logger.Warn("No pipeline definitions found.", "dir", dir)
		return nil
	}

	for _, file := range files {
		def, err := LoadFile(file)
		if err != nil {
			return err
		}
		j, err := s.Register(def, file)
		if err != nil {
			return err
		}
		logger.Info("Registered job.", "job", j.Name, "version", j.Version, "source", file)
	}
	return nil
}
