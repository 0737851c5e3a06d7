// Package sqlite implements the registry store over a single SQLite database.
//
// One database file lives inside the configured data directory. Writes run in
// serialized immediate transactions; reads run concurrently under WAL. Every
// provider family keeps its own read cache and change-event bus on the shared
// Store value.
package sqlite

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/louisbranch/rollcall/internal/cache"
	"github.com/louisbranch/rollcall/internal/domain"
	"github.com/louisbranch/rollcall/internal/event"
	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
)

// DatabaseFileName is the store's file name inside the data directory.
const DatabaseFileName = "rollcall.db"

// Options tune a Store without changing its observable semantics.
type Options struct {
	// EncryptionKey and EncryptionSalt enable at-rest sealing of opaque
	// payloads when both are set.
	EncryptionKey  string
	EncryptionSalt string

	// CacheDisabled turns every provider cache into an always-miss cache.
	// Results must be identical either way; tests rely on that.
	CacheDisabled bool

	// Clock overrides the store's time source. Defaults to time.Now.
	Clock func() time.Time
}

type tokenKey struct {
	token  string
	userID domain.UserID
}

type credentialKey struct {
	userID domain.UserID
	name   string
}

// Store implements storage.Database over SQLite.
type Store struct {
	sqlDB   *sql.DB
	dir     string
	writeMu sync.Mutex
	now     func() time.Time
	sealer  *sealer
	tracer  trace.Tracer

	userCache       *cache.Cache[domain.UserID, domain.User]
	roleCache       *cache.Cache[domain.UserID, []domain.Role]
	classCache      *cache.Cache[domain.ClassID, domain.SchoolClass]
	orderingCache   *cache.Cache[domain.ClassID, []domain.OrderingEntry]
	absenceCache    *cache.Cache[domain.AbsenceID, domain.AbsenceRecord]
	tokenCache      *cache.Cache[tokenKey, bool]
	credentialCache *cache.Cache[credentialKey, string]

	userEvents    *event.Bus[domain.User]
	roleEvents    *event.Bus[domain.Role]
	lessonEvents  *event.Bus[domain.Lesson]
	absenceEvents *event.Bus[domain.AbsenceRecord]
	tokenEvents   *event.Bus[domain.Token]
}

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func toMillisPtr(value *time.Time) *int64 {
	if value == nil {
		return nil
	}
	ms := toMillis(*value)
	return &ms
}

func fromMillisPtr(value *int64) *time.Time {
	if value == nil {
		return nil
	}
	t := fromMillis(*value)
	return &t
}

// Open opens the registry store inside dir, creating the directory and the
// database file when missing, and applies bundled DDL migrations followed by
// the version-gated data migrations. Any failure is fatal: no partially
// migrated store is ever returned.
func Open(dir string, opts Options) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, platformerrors.New(platformerrors.CodeInvalidArgument, "data directory is required")
	}

	cleanDir := filepath.Clean(dir)
	if err := os.MkdirAll(cleanDir, 0o700); err != nil {
		return nil, platformerrors.Wrap(platformerrors.CodeStorageFailure, "create data directory", err)
	}

	path := filepath.Join(cleanDir, DatabaseFileName)
	dsn := path + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, platformerrors.Wrap(platformerrors.CodeStorageFailure, "open sqlite db", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, platformerrors.Wrap(platformerrors.CodeStorageFailure, "ping sqlite db", err)
	}

	now := opts.Clock
	if now == nil {
		now = time.Now
	}

	store := &Store{
		sqlDB:  sqlDB,
		dir:    cleanDir,
		now:    now,
		tracer: otel.Tracer("rollcall/storage/sqlite"),

		userEvents:    event.NewBus[domain.User](),
		roleEvents:    event.NewBus[domain.Role](),
		lessonEvents:  event.NewBus[domain.Lesson](),
		absenceEvents: event.NewBus[domain.AbsenceRecord](),
		tokenEvents:   event.NewBus[domain.Token](),
	}

	if !opts.CacheDisabled {
		store.userCache = cache.New[domain.UserID, domain.User](10*time.Minute, 10*time.Minute)
		store.roleCache = cache.New[domain.UserID, []domain.Role](6*time.Second, 6*time.Second)
		store.classCache = cache.New[domain.ClassID, domain.SchoolClass](5*time.Minute, 5*time.Minute)
		store.orderingCache = cache.New[domain.ClassID, []domain.OrderingEntry](5*time.Minute, 5*time.Minute)
		store.absenceCache = cache.New[domain.AbsenceID, domain.AbsenceRecord](time.Minute, time.Minute)
		store.tokenCache = cache.New[tokenKey, bool](time.Minute, 5*time.Minute)
		store.credentialCache = cache.New[credentialKey, string](5*time.Minute, 5*time.Minute)
	}

	if opts.EncryptionKey != "" || opts.EncryptionSalt != "" {
		sealed, err := newSealer(opts.EncryptionKey, opts.EncryptionSalt)
		if err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		store.sealer = sealed
	}

	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return store, nil
}

// Close releases the underlying SQLite database and stops the event buses.
// Safe to call more than once.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	s.userEvents.Close()
	s.roleEvents.Close()
	s.lessonEvents.Close()
	s.absenceEvents.Close()
	s.tokenEvents.Close()
	if err := s.sqlDB.Close(); err != nil {
		return platformerrors.Wrap(platformerrors.CodeStorageFailure, "close sqlite db", err)
	}
	return nil
}

// CloseWithRetry retries Close on storage failures with a fixed backoff until
// it succeeds or maxWait elapses. Shutdown path.
func (s *Store) CloseWithRetry(maxWait time.Duration) error {
	const backoff = time.Second
	deadline := time.Now().Add(maxWait)
	for {
		err := s.Close()
		if err == nil {
			return nil
		}
		if !platformerrors.IsCode(err, platformerrors.CodeStorageFailure) {
			return err
		}
		if time.Now().After(deadline) {
			return err
		}
		time.Sleep(backoff)
	}
}

// GC runs an incremental maintenance pass: checkpoints the WAL and lets the
// query planner refresh its statistics.
func (s *Store) GC(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return platformerrors.New(platformerrors.CodeStorageFailure, "storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return platformerrors.Wrap(platformerrors.CodeStorageFailure, "wal checkpoint", err)
	}
	if _, err := s.sqlDB.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return platformerrors.Wrap(platformerrors.CodeStorageFailure, "optimize", err)
	}
	return nil
}

// Backup writes a compressed point-in-time snapshot of the store to
// destination. Safe to call while the store serves live traffic: VACUUM INTO
// produces a transactionally consistent copy without blocking other readers
// or writers.
func (s *Store) Backup(ctx context.Context, destination string) error {
	if s == nil || s.sqlDB == nil {
		return platformerrors.New(platformerrors.CodeStorageFailure, "storage is not configured")
	}
	if strings.TrimSpace(destination) == "" {
		return platformerrors.New(platformerrors.CodeInvalidArgument, "backup destination is required")
	}
	return s.backupTo(ctx, filepath.Clean(destination))
}

// inTx runs fn inside a serialized write transaction. The callback's error
// aborts the transaction and propagates unchanged.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.transact(ctx, false, fn)
}

// inReadTx runs fn inside a read-only transaction. Read transactions never
// observe a partially committed write and may run concurrently.
func (s *Store) inReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.transact(ctx, true, fn)
}

func (s *Store) transact(ctx context.Context, readonly bool, fn func(tx *sql.Tx) error) error {
	if s == nil || s.sqlDB == nil {
		return platformerrors.New(platformerrors.CodeStorageFailure, "storage is not configured")
	}

	ctx, span := s.tracer.Start(ctx, "sqlite.transaction",
		trace.WithAttributes(attribute.Bool("readonly", readonly)))
	defer span.End()

	if !readonly {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
	}

	tx, err := s.sqlDB.BeginTx(ctx, &sql.TxOptions{ReadOnly: readonly})
	if err != nil {
		err = platformerrors.Wrap(platformerrors.CodeStorageFailure, "begin transaction", err)
		span.RecordError(err)
		return err
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		span.RecordError(err)
		return err
	}

	if err := tx.Commit(); err != nil {
		err = platformerrors.Wrap(platformerrors.CodeStorageFailure, "commit transaction", err)
		span.RecordError(err)
		return err
	}
	return nil
}

func storagef(op string, err error) error {
	return platformerrors.Wrap(platformerrors.CodeStorageFailure, op, err)
}
