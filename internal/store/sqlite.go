package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"github.com/rcliao/agent-supervisor/internal/codec"
	"github.com/rcliao/agent-supervisor/internal/connmgr"
	"github.com/rcliao/agent-supervisor/internal/model"
)

const (
	// DBFile is the database file name inside the data directory.
	DBFile = "memory.db"
	// SchemaFile is the companion schema file applied on every open.
	SchemaFile = "schema.sql"

	// fixed-width so lexical order matches chronological order
	timeLayout = "2006-01-02T15:04:05.000000000Z"
)

//go:embed schema.sql
var defaultSchema string

const entryColumns = `memory_id, agent_id, type, content, tags, timestamp, project_id, status,
	task_type, task_id, memory_trace_id, agent_tone, metadata, goal_id`

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dir    string
	conns  *connmgr.Manager
	cache  *cache
	flight singleflight.Group
	logger *zap.Logger

	idMu     sync.Mutex
	entropy  *ulid.MonotonicEntropy
	lastTime time.Time

	unverified atomic.Int64
}

type options struct {
	logger       *zap.Logger
	entryCache   int
	queryCache   int
	cacheTTL     time.Duration
	wrapConn     func(connmgr.Conn) connmgr.Conn
	busyTimeoutM int
}

// Option configures a SQLiteStore.
type Option func(*options)

// WithLogger sets the store's logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCache sizes the entry and query caches. Zero disables a cache.
func WithCache(entries, queries int, ttl time.Duration) Option {
	return func(o *options) {
		o.entryCache = entries
		o.queryCache = queries
		o.cacheTTL = ttl
	}
}

// WithConnWrapper wraps every pinned connection the store opens.
func WithConnWrapper(wrap func(connmgr.Conn) connmgr.Conn) Option {
	return func(o *options) { o.wrapConn = wrap }
}

// WithBusyTimeout sets SQLite's busy timeout in milliseconds.
func WithBusyTimeout(ms int) Option {
	return func(o *options) { o.busyTimeoutM = ms }
}

// NewSQLiteStore opens or creates the store in dir. The directory holds the
// database file and its schema file.
func NewSQLiteStore(dir string, opts ...Option) (*SQLiteStore, error) {
	cfg := options{
		logger:       zap.NewNop(),
		entryCache:   1024,
		queryCache:   256,
		cacheTTL:     30 * time.Second,
		busyTimeoutM: 5000,
	}
	for _, o := range opts {
		o(&cfg)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, DBFile)
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(%d)", dbPath, cfg.busyTimeoutM)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{
		db:      db,
		dir:     dir,
		logger:  cfg.logger.Named("store"),
		cache:   newCache(cfg.entryCache, cfg.queryCache, cfg.cacheTTL),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}

	opener := connmgr.DBOpener(db)
	if cfg.wrapConn != nil {
		base := opener
		opener = func(ctx context.Context) (connmgr.Conn, error) {
			c, err := base(ctx)
			if err != nil {
				return nil, err
			}
			return cfg.wrapConn(c), nil
		}
	}
	s.conns = connmgr.New(opener, connmgr.WithLogger(s.logger))

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// migrate applies the schema file, writing the embedded default first if the
// directory has none.
func (s *SQLiteStore) migrate() error {
	path := filepath.Join(s.dir, SchemaFile)
	schema, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(path, []byte(defaultSchema), 0o644); err != nil {
			return fmt.Errorf("write schema file: %w", err)
		}
		schema = []byte(defaultSchema)
	} else if err != nil {
		return fmt.Errorf("read schema file: %w", err)
	}

	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// stamp returns a fresh id and a timestamp strictly after the previous one.
func (s *SQLiteStore) stamp() (string, time.Time) {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	now := time.Now().UTC().Round(0)
	if !now.After(s.lastTime) {
		now = s.lastTime.Add(time.Nanosecond)
	}
	s.lastTime = now
	return ulid.MustNew(ulid.Timestamp(now), s.entropy).String(), now
}

// withConn runs fn on the caller's connection. A closed handle is dropped
// and fn is retried once on a fresh connection.
func (s *SQLiteStore) withConn(ctx context.Context, op string, fn func(connmgr.Conn) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var conn connmgr.Conn
		conn, err = s.conns.Get(ctx)
		if err == nil {
			err = fn(conn)
			if err == nil {
				return nil
			}
		}
		if errors.Is(err, ErrNotFound) {
			return err
		}
		if attempt > 0 || !connmgr.IsRetryable(err) {
			break
		}
		s.logger.Warn("connection closed, retrying with a fresh one",
			zap.String("op", op),
			zap.String("caller", connmgr.CallerFrom(ctx)),
			zap.Error(err))
		_ = s.conns.Close(ctx)
	}
	return &StorageError{Op: op, Err: err}
}

func execErr(err error) error {
	if connmgr.IsClosedHandle(err) {
		return connmgr.Classify("exec", err)
	}
	return err
}

// Write persists a new entry. The entry is read back afterwards; a failed
// read-back is logged as degraded durability but the write still succeeds.
func (s *SQLiteStore) Write(ctx context.Context, p WriteParams) (*model.MemoryEntry, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	id, now := s.stamp()
	entry := model.MemoryEntry{
		MemoryID:      id,
		AgentID:       p.AgentID,
		Type:          p.Type,
		Content:       p.Content,
		Tags:          slices.Clone(p.Tags),
		Timestamp:     now,
		ProjectID:     p.ProjectID,
		Status:        p.Status,
		TaskType:      p.TaskType,
		TaskID:        p.TaskID,
		MemoryTraceID: p.MemoryTraceID,
		GoalID:        p.GoalID,
	}
	if entry.Tags == nil {
		entry.Tags = []string{}
	}
	entry.AgentTone = model.CloneAttributes(p.AgentTone)
	entry.Metadata = model.CloneAttributes(p.Metadata)
	if p.GoalID != "" {
		if entry.Metadata == nil {
			entry.Metadata = map[string]any{}
		}
		entry.Metadata[model.MetadataGoalKey] = p.GoalID
	}

	tone, err := encodeOptionalMap(entry.AgentTone)
	if err != nil {
		return nil, fmt.Errorf("%w: agent_tone: %v", ErrInvalidEntry, err)
	}
	meta, err := encodeOptionalMap(entry.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidEntry, err)
	}
	// callers, the cache and later readers all see the decoded stored form
	entry.AgentTone = decodedForm("agent_tone", tone)
	entry.Metadata = decodedForm("metadata", meta)

	attempts := 0
	err = s.withConn(ctx, "write", func(conn connmgr.Conn) error {
		attempts++
		if attempts > 1 {
			// the insert may have committed before the handle was lost
			_, err := s.selectByID(ctx, conn, entry.MemoryID)
			if err == nil {
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		_, err := conn.ExecContext(ctx,
			`INSERT INTO memories (`+entryColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.MemoryID, entry.AgentID, entry.Type, entry.Content,
			codec.EncodeTags(entry.Tags), entry.Timestamp.Format(timeLayout),
			nullable(entry.ProjectID), nullable(entry.Status), nullable(entry.TaskType),
			nullable(entry.TaskID), nullable(entry.MemoryTraceID),
			tone, meta, nullable(entry.GoalID))
		return execErr(err)
	})
	if err != nil {
		return nil, err
	}

	s.cache.invalidate()
	s.cache.putEntry(entry)

	if !s.verifyWrite(ctx, &entry) {
		s.unverified.Add(1)
	}

	out := entry.Clone()
	return &out, nil
}

// verifyWrite reads the entry back on the caller's connection.
func (s *SQLiteStore) verifyWrite(ctx context.Context, want *model.MemoryEntry) bool {
	warn := func(reason string, err error) bool {
		s.logger.Warn("degraded durability: write not verified",
			zap.String("memory_id", want.MemoryID),
			zap.String("reason", reason),
			zap.Error(err))
		return false
	}

	conn, err := s.conns.Get(ctx)
	if err != nil {
		return warn("no connection", err)
	}
	got, err := s.selectByID(ctx, conn, want.MemoryID)
	if err != nil {
		return warn("read back failed", err)
	}
	if got.AgentID != want.AgentID || got.Type != want.Type ||
		got.Content != want.Content || !got.Timestamp.Equal(want.Timestamp) ||
		!slices.Equal(got.Tags, want.Tags) ||
		!cmp.Equal(got.AgentTone, want.AgentTone) || !cmp.Equal(got.Metadata, want.Metadata) {
		return warn("read back mismatch", nil)
	}
	return true
}

// ReadByID returns the entry with the given id.
func (s *SQLiteStore) ReadByID(ctx context.Context, id string) (*model.MemoryEntry, error) {
	if e, ok := s.cache.getEntry(id); ok {
		return &e, nil
	}

	var entry *model.MemoryEntry
	err := s.withConn(ctx, "read", func(conn connmgr.Conn) error {
		var err error
		entry, err = s.selectByID(ctx, conn, id)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}

	s.cache.putEntry(*entry)
	out := entry.Clone()
	return &out, nil
}

func (s *SQLiteStore) selectByID(ctx context.Context, conn connmgr.Conn, id string) (*model.MemoryEntry, error) {
	rows, err := conn.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM memories WHERE memory_id = ?`, id)
	if err != nil {
		return nil, execErr(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, execErr(err)
		}
		return nil, ErrNotFound
	}
	m, err := s.scanEntry(rows)
	if err != nil {
		return nil, execErr(err)
	}
	return &m, nil
}

// Reset deletes every entry. It is the only removal path the store has.
func (s *SQLiteStore) Reset(ctx context.Context) (int64, error) {
	var n int64
	err := s.withConn(ctx, "reset", func(conn connmgr.Conn) error {
		res, err := conn.ExecContext(ctx, `DELETE FROM memories`)
		if err != nil {
			return execErr(err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	s.cache.reset()
	if err != nil {
		return 0, err
	}
	s.logger.Info("store reset", zap.Int64("deleted", n))
	return n, nil
}

// Release drops the caller's pinned connection.
func (s *SQLiteStore) Release(ctx context.Context) error {
	return s.conns.Close(ctx)
}

// Dir returns the data directory.
func (s *SQLiteStore) Dir() string { return s.dir }

// UnverifiedWrites counts writes whose read-back failed.
func (s *SQLiteStore) UnverifiedWrites() int64 { return s.unverified.Load() }

func (s *SQLiteStore) Close() error {
	err := s.conns.CloseAll()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEntry decodes one row. Malformed composite fields degrade to empty
// values and are logged.
func (s *SQLiteStore) scanEntry(row scanner) (model.MemoryEntry, error) {
	var m model.MemoryEntry
	var tags, ts string
	var project, status, taskType, taskID, trace, tone, meta, goal sql.NullString

	err := row.Scan(
		&m.MemoryID, &m.AgentID, &m.Type, &m.Content, &tags, &ts,
		&project, &status, &taskType, &taskID, &trace, &tone, &meta, &goal,
	)
	if err != nil {
		return m, err
	}

	m.Timestamp, err = time.Parse(timeLayout, ts)
	if err != nil {
		// rows written by other tools may carry plain RFC3339
		if t, rerr := time.Parse(time.RFC3339Nano, ts); rerr == nil {
			m.Timestamp = t.UTC()
		} else {
			s.degraded(m.MemoryID, "timestamp", err)
		}
	}

	if m.Tags, err = codec.DecodeTags(tags); err != nil {
		s.degraded(m.MemoryID, "tags", err)
	}
	if tone.Valid {
		if m.AgentTone, err = codec.DecodeField("agent_tone", tone.String); err != nil {
			s.degraded(m.MemoryID, "agent_tone", err)
		}
	}
	if meta.Valid {
		if m.Metadata, err = codec.DecodeField("metadata", meta.String); err != nil {
			s.degraded(m.MemoryID, "metadata", err)
		}
	}

	m.ProjectID = project.String
	m.Status = status.String
	m.TaskType = taskType.String
	m.TaskID = taskID.String
	m.MemoryTraceID = trace.String
	m.GoalID = goal.String
	return m, nil
}

func (s *SQLiteStore) degraded(id, field string, err error) {
	s.logger.Warn("degraded field on read",
		zap.String("memory_id", id),
		zap.String("field", field),
		zap.Error(err))
}

func encodeOptionalMap(m map[string]any) (*string, error) {
	if m == nil {
		return nil, nil
	}
	enc, err := codec.EncodeMap(m)
	if err != nil {
		return nil, err
	}
	return &enc, nil
}

func decodedForm(field string, enc *string) map[string]any {
	if enc == nil {
		return nil
	}
	m, _ := codec.DecodeField(field, *enc)
	return m
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
