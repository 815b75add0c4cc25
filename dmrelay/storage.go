package dmrelay

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

const (
	storeNameDatabase = "database"
	storeNameMemory   = "memory"
)

var ErrUserExists = errors.New("user already exists")

// Store persists token submissions, replies, dispatch logs and app users.
// Records are only ever inserted. List methods return the newest records
// first, limited to limit rows when limit > 0.
type Store interface {
	Name() string
	Ping(ctx context.Context) error

	SaveTokenSubmission(ctx context.Context, t *TokenSubmission) error
	ListTokenSubmissions(ctx context.Context, limit int) ([]TokenSubmission, error)

	SaveReply(ctx context.Context, r *MessageReply) error
	GetReply(ctx context.Context, id uint) (*MessageReply, error)
	ListReplies(ctx context.Context, limit int) ([]MessageReply, error)

	SaveDispatchLog(ctx context.Context, d *DispatchLog) error
	ListDispatchLogs(ctx context.Context, limit int) ([]DispatchLog, error)

	SaveAppUser(ctx context.Context, u *AppUser) error
	GetAppUser(ctx context.Context, username string) (*AppUser, error)
}

// gormStore is a Store backed by sqlite or postgres
type gormStore struct {
	db DBI
}

func newGormStore(db DBI) *gormStore {
	return &gormStore{db: db}
}

// NewDatabaseStore returns a Store backed by an already-migrated
// connection, as returned by CreateDB
func NewDatabaseStore(db *gorm.DB, databaseType string) Store {
	return newGormStore(NewDatabase(db, nil, databaseType == dbTypePostgres))
}

func (*gormStore) Name() string {
	return storeNameDatabase
}

func (s *gormStore) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return &PersistenceError{Op: "ping", Err: err}
	}
	return nil
}

func (s *gormStore) SaveTokenSubmission(ctx context.Context, t *TokenSubmission) error {
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	if _, err := s.db.Create(ctx, t); err != nil {
		return &PersistenceError{Op: "save token submission", Err: err}
	}
	return nil
}

func (s *gormStore) ListTokenSubmissions(ctx context.Context, limit int) (
	[]TokenSubmission,
	error,
) {
	var tokens []TokenSubmission
	err := s.db.Find(ctx, &tokens, columnTimestamp+" desc, id desc", limit)
	if err != nil {
		return nil, &PersistenceError{Op: "list token submissions", Err: err}
	}
	return tokens, nil
}

func (s *gormStore) SaveReply(ctx context.Context, r *MessageReply) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if _, err := s.db.Create(ctx, r); err != nil {
		return &PersistenceError{Op: "save reply", Err: err}
	}
	return nil
}

func (s *gormStore) GetReply(ctx context.Context, id uint) (*MessageReply, error) {
	var reply MessageReply
	if err := s.db.First(ctx, &reply, id); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{
				Resource: "reply",
				ID:       fmt.Sprintf("%d", id),
				Err:      err,
			}
		}
		return nil, &PersistenceError{Op: "get reply", Err: err}
	}
	return &reply, nil
}

func (s *gormStore) ListReplies(ctx context.Context, limit int) ([]MessageReply, error) {
	var replies []MessageReply
	err := s.db.Find(ctx, &replies, columnTimestamp+" desc, id desc", limit)
	if err != nil {
		return nil, &PersistenceError{Op: "list replies", Err: err}
	}
	return replies, nil
}

func (s *gormStore) SaveDispatchLog(ctx context.Context, d *DispatchLog) error {
	if _, err := s.db.Create(ctx, d); err != nil {
		return &PersistenceError{Op: "save dispatch log", Err: err}
	}
	return nil
}

func (s *gormStore) ListDispatchLogs(ctx context.Context, limit int) (
	[]DispatchLog,
	error,
) {
	var logs []DispatchLog
	err := s.db.Find(ctx, &logs, "created_at desc, id desc", limit)
	if err != nil {
		return nil, &PersistenceError{Op: "list dispatch logs", Err: err}
	}
	return logs, nil
}

func (s *gormStore) SaveAppUser(ctx context.Context, u *AppUser) error {
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var count int64
			if e := tx.Model(&AppUser{}).Where(
				columnUsername+" = ?",
				u.Username,
			).Count(&count).Error; e != nil {
				return e
			}
			if count > 0 {
				return ErrUserExists
			}
			return tx.Create(u).Error
		},
	)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUserExists):
		return err
	default:
		return &PersistenceError{Op: "save user", Err: err}
	}
}

func (s *gormStore) GetAppUser(ctx context.Context, username string) (*AppUser, error) {
	var u AppUser
	if err := s.db.First(ctx, &u, columnUsername+" = ?", username); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &NotFoundError{Resource: "user", ID: username, Err: err}
		}
		return nil, &PersistenceError{Op: "get user", Err: err}
	}
	return &u, nil
}

// memoryStore is a volatile Store. Everything is lost on exit.
type memoryStore struct {
	mu         sync.RWMutex
	tokens     []TokenSubmission
	replies    []MessageReply
	dispatches []DispatchLog
	users      []AppUser

	tokenSeq    uint
	replySeq    uint
	dispatchSeq uint
	userSeq     uint
}

func newMemoryStore() *memoryStore {
	return &memoryStore{}
}

func (*memoryStore) Name() string {
	return storeNameMemory
}

func (*memoryStore) Ping(context.Context) error {
	return nil
}

func (m *memoryStore) SaveTokenSubmission(_ context.Context, t *TokenSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tokenSeq++
	t.ID = m.tokenSeq
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	m.tokens = append(m.tokens, *t)
	return nil
}

func (m *memoryStore) ListTokenSubmissions(_ context.Context, limit int) (
	[]TokenSubmission,
	error,
) {
	m.mu.RLock()
	tokens := make([]TokenSubmission, len(m.tokens))
	copy(tokens, m.tokens)
	m.mu.RUnlock()

	sort.SliceStable(
		tokens, func(i, j int) bool {
			return newerThan(tokens[i].Timestamp, tokens[i].ID, tokens[j].Timestamp, tokens[j].ID)
		},
	)
	return limitSlice(tokens, limit), nil
}

func (m *memoryStore) SaveReply(_ context.Context, r *MessageReply) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.replySeq++
	r.ID = m.replySeq
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	m.replies = append(m.replies, *r)
	return nil
}

func (m *memoryStore) GetReply(_ context.Context, id uint) (*MessageReply, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.replies {
		if r.ID == id {
			reply := r
			return &reply, nil
		}
	}
	return nil, &NotFoundError{Resource: "reply", ID: fmt.Sprintf("%d", id)}
}

func (m *memoryStore) ListReplies(_ context.Context, limit int) ([]MessageReply, error) {
	m.mu.RLock()
	replies := make([]MessageReply, len(m.replies))
	copy(replies, m.replies)
	m.mu.RUnlock()

	sort.SliceStable(
		replies, func(i, j int) bool {
			return newerThan(replies[i].Timestamp, replies[i].ID, replies[j].Timestamp, replies[j].ID)
		},
	)
	return limitSlice(replies, limit), nil
}

func (m *memoryStore) SaveDispatchLog(_ context.Context, d *DispatchLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.dispatchSeq++
	d.ID = m.dispatchSeq
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	m.dispatches = append(m.dispatches, *d)
	return nil
}

func (m *memoryStore) ListDispatchLogs(_ context.Context, limit int) (
	[]DispatchLog,
	error,
) {
	m.mu.RLock()
	logs := make([]DispatchLog, len(m.dispatches))
	copy(logs, m.dispatches)
	m.mu.RUnlock()

	sort.SliceStable(
		logs, func(i, j int) bool {
			return newerThan(logs[i].CreatedAt, logs[i].ID, logs[j].CreatedAt, logs[j].ID)
		},
	)
	return limitSlice(logs, limit), nil
}

func (m *memoryStore) SaveAppUser(_ context.Context, u *AppUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.users {
		if existing.Username == u.Username {
			return ErrUserExists
		}
	}
	m.userSeq++
	u.ID = m.userSeq
	m.users = append(m.users, *u)
	return nil
}

func (m *memoryStore) GetAppUser(_ context.Context, username string) (*AppUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, u := range m.users {
		if u.Username == username {
			user := u
			return &user, nil
		}
	}
	return nil, &NotFoundError{Resource: "user", ID: username}
}

// newerThan orders by timestamp desc, then id desc
func newerThan(ts time.Time, id uint, otherTS time.Time, otherID uint) bool {
	if !ts.Equal(otherTS) {
		return ts.After(otherTS)
	}
	return id > otherID
}

func limitSlice[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// FallbackStore wraps a primary Store. The first time the primary returns
// a PersistenceError, it switches to the fallback for the rest of the
// process lifetime, and retries the failed operation there. Records
// written to the primary before the switch are not copied.
type FallbackStore struct {
	primary   Store
	fallback  Store
	logger    *slog.Logger
	degraded  atomic.Bool
	onDegrade func()
}

func NewFallbackStore(primary Store, fallback Store, logger *slog.Logger) *FallbackStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With(loggerNameKey, "store"),
	}
}

// Degraded reports whether the fallback store is in use
func (f *FallbackStore) Degraded() bool {
	return f.degraded.Load()
}

func (f *FallbackStore) active() Store {
	if f.degraded.Load() {
		return f.fallback
	}
	return f.primary
}

func (f *FallbackStore) Name() string {
	return f.active().Name()
}

func (f *FallbackStore) Ping(ctx context.Context) error {
	return f.active().Ping(ctx)
}

// do runs fn against the active store, switching to the fallback on
// a PersistenceError from the primary
func (f *FallbackStore) do(ctx context.Context, op string, fn func(s Store) error) error {
	if f.degraded.Load() {
		return fn(f.fallback)
	}
	err := fn(f.primary)
	if err == nil {
		return nil
	}
	var persistErr *PersistenceError
	if !errors.As(err, &persistErr) || ctx.Err() != nil {
		return err
	}

	if f.degraded.CompareAndSwap(false, true) {
		f.logger.WarnContext(
			ctx,
			"primary store failed, switching to in-memory store. "+
				"Data stored from now on will be lost on exit, and "+
				"previously stored data is unavailable",
			"op", op,
			"primary", f.primary.Name(),
			"fallback", f.fallback.Name(),
			tint.Err(err),
		)
		if f.onDegrade != nil {
			f.onDegrade()
		}
	}
	return fn(f.fallback)
}

func (f *FallbackStore) SaveTokenSubmission(ctx context.Context, t *TokenSubmission) error {
	return f.do(
		ctx, "save token submission", func(s Store) error {
			t.ID = 0
			return s.SaveTokenSubmission(ctx, t)
		},
	)
}

func (f *FallbackStore) ListTokenSubmissions(ctx context.Context, limit int) (
	[]TokenSubmission,
	error,
) {
	var rv []TokenSubmission
	err := f.do(
		ctx, "list token submissions", func(s Store) (e error) {
			rv, e = s.ListTokenSubmissions(ctx, limit)
			return e
		},
	)
	return rv, err
}

func (f *FallbackStore) SaveReply(ctx context.Context, r *MessageReply) error {
	return f.do(
		ctx, "save reply", func(s Store) error {
			r.ID = 0
			return s.SaveReply(ctx, r)
		},
	)
}

func (f *FallbackStore) GetReply(ctx context.Context, id uint) (*MessageReply, error) {
	var rv *MessageReply
	err := f.do(
		ctx, "get reply", func(s Store) (e error) {
			rv, e = s.GetReply(ctx, id)
			return e
		},
	)
	return rv, err
}

func (f *FallbackStore) ListReplies(ctx context.Context, limit int) ([]MessageReply, error) {
	var rv []MessageReply
	err := f.do(
		ctx, "list replies", func(s Store) (e error) {
			rv, e = s.ListReplies(ctx, limit)
			return e
		},
	)
	return rv, err
}

func (f *FallbackStore) SaveDispatchLog(ctx context.Context, d *DispatchLog) error {
	return f.do(
		ctx, "save dispatch log", func(s Store) error {
			d.ID = 0
			return s.SaveDispatchLog(ctx, d)
		},
	)
}

func (f *FallbackStore) ListDispatchLogs(ctx context.Context, limit int) (
	[]DispatchLog,
	error,
) {
	var rv []DispatchLog
	err := f.do(
		ctx, "list dispatch logs", func(s Store) (e error) {
			rv, e = s.ListDispatchLogs(ctx, limit)
			return e
		},
	)
	return rv, err
}

func (f *FallbackStore) SaveAppUser(ctx context.Context, u *AppUser) error {
	return f.do(
		ctx, "save user", func(s Store) error {
			u.ID = 0
			return s.SaveAppUser(ctx, u)
		},
	)
}

func (f *FallbackStore) GetAppUser(ctx context.Context, username string) (*AppUser, error) {
	var rv *AppUser
	err := f.do(
		ctx, "get user", func(s Store) (e error) {
			rv, e = s.GetAppUser(ctx, username)
			return e
		},
	)
	return rv, err
}
