// Package secret resolves the secret references a definition makes
// (`{secret: id}` / `secret("id")`) and keeps the resolved values out
// of everything that persists: events, state, API responses, and build
// logs. Values exist only in the process env of a running step; the
// Redactor masks any that leak into output.
package secret

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnknownSecret reports a reference to an id the provider does not
// hold.
var ErrUnknownSecret = errors.New("unknown secret")

// Provider resolves secret ids to values.
type Provider interface {
	Fetch(ctx context.Context, id string) (string, error)
}

// StaticProvider serves a fixed map. Used in tests and as the empty
// default when no secrets file is configured.
type StaticProvider map[string]string

// Fetch implements Provider.
func (p StaticProvider) Fetch(_ context.Context, id string) (string, error) {
	v, ok := p[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSecret, id)
	}
	return v, nil
}

// FileProvider serves a YAML id-to-value file loaded at startup.
type FileProvider struct {
	values map[string]string
}

// NewFileProvider loads a secrets file. The file must not be readable
// by group or others; a looser mode refuses to load at all rather than
// serving secrets from a world-readable file.
func NewFileProvider(path string) (*FileProvider, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("secrets file: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		return nil, fmt.Errorf("secrets file %s has mode %04o, want 0600 or stricter", path, mode)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secrets file: %w", err)
	}
	values := map[string]string{}
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return nil, fmt.Errorf("secrets file %s: %w", path, err)
	}
	return &FileProvider{values: values}, nil
}

// Fetch implements Provider.
func (p *FileProvider) Fetch(_ context.Context, id string) (string, error) {
	v, ok := p.values[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSecret, id)
	}
	return v, nil
}

const mask = "****"

// Redact masks every occurrence of the given values in s. Longer
// values mask first, so a secret containing another secret masks as
// one unit.
func Redact(s string, values []string) string {
	for _, v := range sortForMasking(values) {
		s = strings.ReplaceAll(s, v, mask)
	}
	return s
}

// Redactor is an io.Writer that masks secret values in the stream it
// forwards. A value may straddle two Writes, so the last len(longest)-1
// bytes stay buffered until later input or Close settles whether they
// start an occurrence.
type Redactor struct {
	dst      io.Writer
	values   [][]byte
	holdback int
	buf      []byte
}

// NewRedactor wraps dst. With no values it degenerates to a plain
// pass-through.
func NewRedactor(dst io.Writer, values []string) *Redactor {
	sorted := sortForMasking(values)
	bs := make([][]byte, len(sorted))
	holdback := 0
	for i, v := range sorted {
		bs[i] = []byte(v)
	}
	if len(sorted) > 0 {
		holdback = len(sorted[0]) - 1
	}
	return &Redactor{dst: dst, values: bs, holdback: holdback}
}

// Write implements io.Writer.
func (r *Redactor) Write(p []byte) (int, error) {
	r.buf = append(r.buf, p...)
	r.maskBuffered()
	if flush := len(r.buf) - r.holdback; flush > 0 {
		if _, err := r.dst.Write(r.buf[:flush]); err != nil {
			return 0, err
		}
		r.buf = append(r.buf[:0], r.buf[flush:]...)
	}
	return len(p), nil
}

// Close drains the held-back tail. The destination stays open.
func (r *Redactor) Close() error {
	r.maskBuffered()
	if len(r.buf) == 0 {
		return nil
	}
	_, err := r.dst.Write(r.buf)
	r.buf = nil
	return err
}

func (r *Redactor) maskBuffered() {
	for _, v := range r.values {
		r.buf = bytes.ReplaceAll(r.buf, v, []byte(mask))
	}
}

func sortForMasking(values []string) []string {
	filtered := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			filtered = append(filtered, v)
		}
	}
	sort.Slice(filtered, func(i, j int) bool { return len(filtered[i]) > len(filtered[j]) })
	return filtered
}
