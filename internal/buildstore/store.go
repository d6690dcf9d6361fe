// Package buildstore persists build event streams in sqlite and serves
// the folded states back. The store owns build numbering (per-job,
// strictly increasing), guards every append through the fold so illegal
// transitions never reach disk, and announces terminal builds on a
// completion feed consumed by upstream triggers and the dispatcher.
package buildstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stagehand-ci/stagehand/internal/build"
	"github.com/stagehand-ci/stagehand/internal/clock"
	"github.com/stagehand-ci/stagehand/internal/ctxlog"
)

// ErrNotFound reports a lookup of a build that was never created.
var ErrNotFound = errors.New("build not found")

// Completion is one terminal build announced on the feed.
type Completion struct {
	Job    string
	Number int64
	Status build.Status
}

// Dispatch is one recorded post-action outcome.
type Dispatch struct {
	Job       string
	Number    int64
	Action    string
	Condition string
	OK        bool
	Detail    string
	At        time.Time
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS builds (
	job       TEXT     NOT NULL,
	number    INTEGER  NOT NULL,
	status    TEXT     NOT NULL,
	queued_at DATETIME NOT NULL,
	PRIMARY KEY (job, number)
);
CREATE TABLE IF NOT EXISTS events (
	job    TEXT     NOT NULL,
	number INTEGER  NOT NULL,
	seq    INTEGER  NOT NULL,
	at     DATETIME NOT NULL,
	type   TEXT     NOT NULL,
	data   TEXT,
	PRIMARY KEY (job, number, seq)
);
CREATE TABLE IF NOT EXISTS dispatches (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	job       TEXT     NOT NULL,
	number    INTEGER  NOT NULL,
	action    TEXT     NOT NULL,
	condition TEXT     NOT NULL,
	ok        INTEGER  NOT NULL,
	detail    TEXT,
	at        DATETIME NOT NULL
);
`

const terminalSet = `('SUCCESS','UNSTABLE','FAILURE','ABORTED','SKIPPED')`

// Store is the sqlite-backed build state store. One mutex serializes
// all writers, so per-build event order equals production order.
type Store struct {
	db     *sql.DB
	clk    clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	open   map[string]*build.State
	subs   map[int]chan Completion
	nextID int
}

// Open opens (creating if needed) the store at path and runs crash
// recovery: any build a previous process left non-terminal is closed
// out as aborted.
func Open(ctx context.Context, path string, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open build store: %w", err)
	}
	// sqlite allows one writer; a single pooled connection avoids
	// SQLITE_BUSY and keeps :memory: stores coherent in tests.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create build store schema: %w", err)
	}

	s := &Store{
		db:     db,
		clk:    clk,
		logger: ctxlog.FromContext(ctx),
		open:   make(map[string]*build.State),
		subs:   make(map[int]chan Completion),
	}
	if err := s.recover(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// recover closes out builds interrupted by a process restart.
func (s *Store) recover() error {
	rows, err := s.db.Query(`SELECT job, number FROM builds WHERE status NOT IN ` + terminalSet)
	if err != nil {
		return fmt.Errorf("scan interrupted builds: %w", err)
	}
	type ref struct {
		job    string
		number int64
	}
	var interrupted []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.job, &r.number); err != nil {
			rows.Close()
			return err
		}
		interrupted = append(interrupted, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range interrupted {
		ev := build.NewEvent(s.clk.Now().UTC(), build.EventFinished, map[string]string{
			build.KeyStatus: string(build.StatusAborted),
			build.KeyReason: "interrupted by restart",
		})
		if err := s.appendLocked(r.job, r.number, ev); err != nil {
			return fmt.Errorf("recover %s: %w", build.Ref(r.job, r.number), err)
		}
		s.logger.Warn("Closed interrupted build as aborted.", "build", build.Ref(r.job, r.number))
	}
	return nil
}

// Create stamps a request with the next build number for its job,
// persists the build and its enqueue event atomically, and returns the
// folded state.
func (s *Store) Create(req build.Request) (*build.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var last sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(number) FROM builds WHERE job = ?`, req.Job).Scan(&last); err != nil {
		return nil, fmt.Errorf("number build for %s: %w", req.Job, err)
	}
	number := last.Int64 + 1

	now := s.clk.Now().UTC()
	req.Queued = now
	ev := build.NewEvent(now, build.EventEnqueued, build.EnqueueData(req))
	ev.Seq = 1

	st := build.NewState(req.Job, number)
	if err := st.Apply(ev); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`INSERT INTO builds (job, number, status, queued_at) VALUES (?, ?, ?, ?)`,
		req.Job, number, string(st.Status), now); err != nil {
		return nil, fmt.Errorf("insert build %s: %w", build.Ref(req.Job, number), err)
	}
	if err := insertEvent(tx, req.Job, number, ev); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.open[stateKey(req.Job, number)] = st
	return st.Snapshot(), nil
}

// Append folds one event into a build and persists it. The event gets
// the next sequence number; its time defaults to the store clock. An
// event the fold rejects is never written.
func (s *Store) Append(job string, number int64, ev build.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(job, number, ev)
}

func (s *Store) appendLocked(job string, number int64, ev build.Event) error {
	st, err := s.stateLocked(job, number)
	if err != nil {
		return err
	}

	ev.Seq = st.LastSeq + 1
	if ev.Time.IsZero() {
		ev.Time = s.clk.Now().UTC()
	}
	if err := st.Apply(ev); err != nil {
		return err
	}

	if err := s.persistEvent(job, number, ev, st.Status); err != nil {
		// The cached fold advanced but the database did not; drop it
		// so the next access refolds from what was actually written.
		delete(s.open, stateKey(job, number))
		return err
	}

	if st.Status.Terminal() {
		delete(s.open, stateKey(job, number))
		s.announce(Completion{Job: job, Number: number, Status: st.Status})
	}
	return nil
}

func (s *Store) persistEvent(job string, number int64, ev build.Event, status build.Status) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertEvent(tx, job, number, ev); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE builds SET status = ? WHERE job = ? AND number = ?`,
		string(status), job, number); err != nil {
		return fmt.Errorf("update build %s: %w", build.Ref(job, number), err)
	}
	return tx.Commit()
}

// Get returns a snapshot of one build's folded state.
func (s *Store) Get(job string, number int64) (*build.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.stateLocked(job, number)
	if err != nil {
		return nil, err
	}
	return st.Snapshot(), nil
}

// Events returns the persisted stream of one build in append order.
func (s *Store) Events(job string, number int64) ([]build.Event, error) {
	events, err := s.loadEvents(job, number)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, build.Ref(job, number))
	}
	return events, nil
}

// History returns up to limit builds of a job, newest first. A non-zero
// before restricts to numbers below it, so pages restart from the last
// number of the previous page.
func (s *Store) History(job string, limit int, before int64) ([]*build.State, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT number FROM builds WHERE job = ? ORDER BY number DESC LIMIT ?`
	args := []any{job, limit}
	if before > 0 {
		query = `SELECT number FROM builds WHERE job = ? AND number < ? ORDER BY number DESC LIMIT ?`
		args = []any{job, before, limit}
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	numbers, err := scanInt64s(rows)
	if err != nil {
		return nil, err
	}
	return s.fetchAll(job, numbers)
}

// Recent returns the most recently enqueued builds across all jobs.
func (s *Store) Recent(limit int) ([]*build.State, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT job, number FROM builds ORDER BY queued_at DESC, number DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*build.State
	for rows.Next() {
		var job string
		var number int64
		if err := rows.Scan(&job, &number); err != nil {
			return nil, err
		}
		st, err := s.Get(job, number)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

// PreviousTerminalStatus returns the terminal status of the newest
// build of a job below the given number. The second result is false
// when no such build exists.
func (s *Store) PreviousTerminalStatus(job string, before int64) (build.Status, bool, error) {
	var status string
	err := s.db.QueryRow(
		`SELECT status FROM builds WHERE job = ? AND number < ? AND status IN `+terminalSet+
			` ORDER BY number DESC LIMIT 1`, job, before).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return build.Status(status), true, nil
}

// Subscribe registers a completion feed consumer. The returned cancel
// removes the subscription and closes the channel. A consumer that
// stops draining loses completions rather than blocking the store.
func (s *Store) Subscribe() (<-chan Completion, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Completion, 16)
	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (s *Store) announce(c Completion) {
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
			s.logger.Warn("Completion feed subscriber lagging, dropping event.",
				"build", build.Ref(c.Job, c.Number), "status", string(c.Status))
		}
	}
}

// RecordDispatch stores one post-action outcome. Dispatch results are
// bookkeeping, not build events; a failed notification never changes
// the build that triggered it.
func (s *Store) RecordDispatch(job string, number int64, action, condition string, ok bool, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO dispatches (job, number, action, condition, ok, detail, at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job, number, action, condition, ok, detail, s.clk.Now().UTC())
	if err != nil {
		return fmt.Errorf("record dispatch for %s: %w", build.Ref(job, number), err)
	}
	return nil
}

// Dispatches returns the recorded post-action outcomes of one build in
// dispatch order.
func (s *Store) Dispatches(job string, number int64) ([]Dispatch, error) {
	rows, err := s.db.Query(
		`SELECT action, condition, ok, detail, at FROM dispatches WHERE job = ? AND number = ? ORDER BY id`,
		job, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Dispatch
	for rows.Next() {
		d := Dispatch{Job: job, Number: number}
		var detail sql.NullString
		if err := rows.Scan(&d.Action, &d.Condition, &d.OK, &detail, &d.At); err != nil {
			return nil, err
		}
		d.Detail = detail.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// stateLocked returns the live fold of an open build, or reloads a
// build from its events. Callers hold s.mu.
func (s *Store) stateLocked(job string, number int64) (*build.State, error) {
	if st, ok := s.open[stateKey(job, number)]; ok {
		return st, nil
	}
	events, err := s.loadEvents(job, number)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, build.Ref(job, number))
	}
	st, err := build.Replay(job, number, events)
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", build.Ref(job, number), err)
	}
	if !st.Status.Terminal() {
		s.open[stateKey(job, number)] = st
	}
	return st, nil
}

func (s *Store) fetchAll(job string, numbers []int64) ([]*build.State, error) {
	states := make([]*build.State, 0, len(numbers))
	for _, number := range numbers {
		st, err := s.Get(job, number)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

func (s *Store) loadEvents(job string, number int64) ([]build.Event, error) {
	rows, err := s.db.Query(
		`SELECT seq, at, type, data FROM events WHERE job = ? AND number = ? ORDER BY seq`, job, number)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []build.Event
	for rows.Next() {
		var ev build.Event
		var data sql.NullString
		if err := rows.Scan(&ev.Seq, &ev.Time, &ev.Type, &data); err != nil {
			return nil, err
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("decode event %d of %s: %w", ev.Seq, build.Ref(job, number), err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func insertEvent(tx *sql.Tx, job string, number int64, ev build.Event) error {
	var data any
	if len(ev.Data) > 0 {
		encoded, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
		data = string(encoded)
	}
	if _, err := tx.Exec(
		`INSERT INTO events (job, number, seq, at, type, data) VALUES (?, ?, ?, ?, ?, ?)`,
		job, number, ev.Seq, ev.Time, ev.Type, data); err != nil {
		return fmt.Errorf("insert event %s seq %d: %w", ev.Type, ev.Seq, err)
	}
	return nil
}

func scanInt64s(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func stateKey(job string, number int64) string {
	return fmt.Sprintf("%s#%d", job, number)
}
