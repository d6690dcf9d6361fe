// Package buildlog keeps one consolidated log per build. Writers from
// the engine stamp every line with the stage or step that produced it,
// secret values are masked before anything reaches disk, and readers
// can tail a running build or replay a finished one from the same
// endpoint.
package buildlog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/djherbis/stream"

	"github.com/stagehand-ci/stagehand/internal/secret"
)

// ErrNotFound reports a build with no log on record.
var ErrNotFound = errors.New("build log not found")

// ErrClosed reports a write to a log that was already sealed.
var ErrClosed = errors.New("build log closed")

// Manager owns the log directory and tracks which builds are still
// writing so tails can attach to the live stream.
type Manager struct {
	root string

	mu   sync.Mutex
	live map[string]*Log
}

// NewManager prepares the log directory.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("build log dir: %w", err)
	}
	return &Manager{root: dir, live: map[string]*Log{}}, nil
}

// Create opens the log for a build and registers it for live tailing.
// Occurrences of the given secret values are masked on the way in.
func (m *Manager) Create(job string, number int64, secretValues []string) (*Log, error) {
	path := m.path(job, number)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("build log dir: %w", err)
	}
	st, err := stream.New(path)
	if err != nil {
		return nil, fmt.Errorf("build log %s#%d: %w", job, number, err)
	}

	l := &Log{
		mgr:    m,
		key:    logKey(job, number),
		stream: st,
		red:    secret.NewRedactor(st, secretValues),
	}
	m.mu.Lock()
	m.live[l.key] = l
	m.mu.Unlock()
	return l, nil
}

// Reader streams the log for a build. While the build is writing the
// reader blocks for new output until the log closes or ctx ends; a
// finished build reads the sealed file straight through.
func (m *Manager) Reader(ctx context.Context, job string, number int64) (io.ReadCloser, error) {
	m.mu.Lock()
	l, ok := m.live[logKey(job, number)]
	m.mu.Unlock()

	if ok {
		r, err := l.stream.NextReader()
		if err == nil {
			return newCtxReader(ctx, r), nil
		}
		// The log sealed between the map lookup and NextReader; fall
		// through to the file on disk.
	}

	f, err := os.Open(m.path(job, number))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s#%d", ErrNotFound, job, number)
		}
		return nil, err
	}
	return f, nil
}

func (m *Manager) drop(key string) {
	m.mu.Lock()
	delete(m.live, key)
	m.mu.Unlock()
}

func (m *Manager) path(job string, number int64) string {
	return filepath.Join(m.root, pathSafe(job), fmt.Sprintf("%d.log", number))
}

func logKey(job string, number int64) string {
	return fmt.Sprintf("%s#%d", job, number)
}

// pathSafe keeps a job name from escaping the log directory. Job names
// are free-form, file names are not.
func pathSafe(job string) string {
	return strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(job)
}

// Log is the consolidated output of one build.
type Log struct {
	mgr    *Manager
	key    string
	stream *stream.Stream
	red    *secret.Redactor

	mu     sync.Mutex
	closed bool
}

// Writer returns a writer that stamps each line with the given scope,
// such as a stage path or step name. Writers from parallel branches
// interleave whole lines, never bytes. Close flushes a trailing
// partial line.
func (l *Log) Writer(scope string) io.WriteCloser {
	return &lineWriter{log: l, prefix: "[" + scope + "] "}
}

// Close seals the log. Attached tails drain the remaining output and
// end; later readers get the file on disk.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	err := l.red.Close()
	if cerr := l.stream.Close(); err == nil {
		err = cerr
	}
	l.mu.Unlock()

	l.mgr.drop(l.key)
	return err
}

func (l *Log) writeLine(line []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	_, err := l.red.Write(line)
	return err
}

type lineWriter struct {
	log    *Log
	prefix string
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := make([]byte, 0, len(w.prefix)+i+1)
		line = append(line, w.prefix...)
		line = append(line, w.buf[:i+1]...)
		if err := w.log.writeLine(line); err != nil {
			return 0, err
		}
		w.buf = w.buf[i+1:]
	}
}

func (w *lineWriter) Close() error {
	if len(w.buf) == 0 {
		return nil
	}
	line := make([]byte, 0, len(w.prefix)+len(w.buf)+1)
	line = append(line, w.prefix...)
	line = append(line, w.buf...)
	line = append(line, '\n')
	w.buf = nil
	return w.log.writeLine(line)
}

// ctxReader ends a blocking tail when its context does. The stream
// reader only unblocks by being closed, so a watcher closes it on
// cancellation.
type ctxReader struct {
	r    *stream.Reader
	done chan struct{}
	once sync.Once
	err  error
}

func newCtxReader(ctx context.Context, r *stream.Reader) *ctxReader {
	cr := &ctxReader{r: r, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			cr.Close()
		case <-cr.done:
		}
	}()
	return cr
}

func (c *ctxReader) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *ctxReader) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.err = c.r.Close()
	})
	return c.err
}
