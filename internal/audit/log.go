// Package audit is the append-only supervision event log. Each event is one
// JSON line; counts per event type are kept in memory for status reports.
package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/rcliao/agent-supervisor/internal/model"
)

// FileName is the audit log file name inside the data directory.
const FileName = "audit.log"

// Status is the administrative summary of the log.
type Status struct {
	Path         string                  `json:"path"`
	Total        int                     `json:"total"`
	CountsByType map[model.EventType]int `json:"counts_by_type"`
	Malformed    int                     `json:"malformed,omitempty"`
	Rejected     int                     `json:"rejected,omitempty"`
	WriteErrors  int                     `json:"write_errors,omitempty"`
	LastEvent    *model.SupervisionEvent `json:"last_event,omitempty"`
}

// Log appends supervision events to a JSONL file.
type Log struct {
	path   string
	logger *zap.Logger

	mu        sync.Mutex
	file      *os.File
	entropy   *ulid.MonotonicEntropy
	counts    map[model.EventType]int
	total     int
	malformed int
	rejected  int
	writeErrs int
	last      *model.SupervisionEvent
}

// Open opens or creates the log at path and rebuilds the tallies from the
// lines already in it.
func Open(path string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	l := &Log{
		path:    path,
		logger:  logger.Named("audit"),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		counts:  make(map[model.EventType]int),
	}
	if err := l.rebuild(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	l.file = f
	return l, nil
}

func (l *Log) rebuild() error {
	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}
	defer f.Close()

	return scanEvents(f, func(ev model.SupervisionEvent, ok bool) {
		if !ok {
			l.malformed++
			return
		}
		l.tally(ev)
	})
}

func scanEvents(r io.Reader, fn func(ev model.SupervisionEvent, ok bool)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev model.SupervisionEvent
		if err := json.Unmarshal(line, &ev); err != nil || !model.ValidEventTypes[ev.EventType] {
			fn(ev, false)
			continue
		}
		fn(ev, true)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan audit log: %w", err)
	}
	return nil
}

func (l *Log) tally(ev model.SupervisionEvent) {
	l.counts[ev.EventType]++
	l.total++
	e := ev
	l.last = &e
}

// Append writes ev, assigning an id and timestamp if missing, and returns
// the event as written. Events whose type is not in model.ValidEventTypes
// are counted and dropped. Failures are logged and never returned so an
// audit problem cannot block a cap decision.
func (l *Log) Append(ev model.SupervisionEvent) model.SupervisionEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.EventID == "" {
		id, err := ulid.New(ulid.Timestamp(ev.Timestamp), l.entropy)
		if err != nil {
			// timestamps outside the ULID range still get an id
			l.writeErrs++
			l.logger.Warn("audit event id from current time",
				zap.Time("timestamp", ev.Timestamp),
				zap.Error(err))
			id = ulid.MustNew(ulid.Timestamp(time.Now()), l.entropy)
		}
		ev.EventID = id.String()
	}

	if !model.ValidEventTypes[ev.EventType] {
		l.rejected++
		l.logger.Warn("audit event with unknown type rejected",
			zap.String("event_type", string(ev.EventType)),
			zap.String("subject", ev.Subject))
		return ev
	}

	if l.file == nil {
		l.writeErrs++
		l.logger.Warn("audit append on closed log", zap.String("event_type", string(ev.EventType)))
		return ev
	}

	data, err := json.Marshal(ev)
	if err == nil {
		_, err = l.file.Write(append(data, '\n'))
	}
	if err != nil {
		l.writeErrs++
		l.logger.Warn("audit append failed",
			zap.String("event_type", string(ev.EventType)),
			zap.String("subject", ev.Subject),
			zap.Error(err))
		return ev
	}

	l.tally(ev)
	return ev
}

// Status returns the running tallies.
func (l *Log) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[model.EventType]int, len(l.counts))
	for k, v := range l.counts {
		counts[k] = v
	}
	st := Status{
		Path:         l.path,
		Total:        l.total,
		CountsByType: counts,
		Malformed:    l.malformed,
		Rejected:     l.rejected,
		WriteErrors:  l.writeErrs,
	}
	if l.last != nil {
		e := *l.last
		st.LastEvent = &e
	}
	return st
}

// Recent returns up to limit of the newest events, newest first, optionally
// restricted to one subject.
func (l *Log) Recent(limit int, subject string) ([]model.SupervisionEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return []model.SupervisionEvent{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	defer f.Close()

	var all []model.SupervisionEvent
	err = scanEvents(f, func(ev model.SupervisionEvent, ok bool) {
		if ok && (subject == "" || ev.Subject == subject) {
			all = append(all, ev)
		}
	})
	if err != nil {
		return nil, err
	}

	out := make([]model.SupervisionEvent, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Close closes the log file. Closing twice is a no-op.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
