package sqlite

import (
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/louisbranch/rollcall/internal/domain"
	"github.com/louisbranch/rollcall/internal/event"
	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
	"github.com/louisbranch/rollcall/internal/storage"
)

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	store, err := Open(t.TempDir(), opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

// seedClassroom creates the class, student and role most tests need.
func seedClassroom(t *testing.T, store *Store) domain.Role {
	t.Helper()
	ctx := context.Background()
	if err := store.CreateClass(ctx, domain.SchoolClass{ID: 1, Title: "5A", Shift: domain.ShiftFirst}); err != nil {
		t.Fatalf("create class: %v", err)
	}
	if err := store.CreateUser(ctx, domain.User{ID: 10, Name: domain.Name{First: "Anna", Last: "Ivanova"}}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	role, err := store.AppendRoleToUser(ctx, storage.NewRole{
		UserID:      10,
		Kind:        domain.RoleKindStudent,
		Information: domain.Payload(`{"classID":1}`),
		Granted:     time.Now(),
	})
	if err != nil {
		t.Fatalf("append role: %v", err)
	}
	return role
}

func waitEvent[T any](t *testing.T, sub *event.Subscription[T]) event.Event[T] {
	t.Helper()
	select {
	case evt, ok := <-sub.C:
		if !ok {
			t.Fatal("event stream closed")
		}
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	panic("unreachable")
}

func TestOpenRequiresDataDir(t *testing.T) {
	if _, err := Open("  ", Options{}); !platformerrors.IsCode(err, platformerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestOpenCreatesDirectoryAndSchema(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	store, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(filepath.Join(dir, DatabaseFileName)); err != nil {
		t.Fatalf("expected database file: %v", err)
	}

	var version int
	if err := store.sqlDB.QueryRow("SELECT schema_version FROM database WHERE id = 1").Scan(&version); err != nil {
		t.Fatalf("read schema version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Fatalf("expected schema version %d, got %d", currentSchemaVersion, version)
	}
}

func TestOpenIsIdempotentAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := first.CreateUser(context.Background(), domain.User{ID: 1, Name: domain.Name{First: "Ivan", Last: "Petrov"}}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()
	user, err := second.GetUser(context.Background(), 1)
	if err != nil {
		t.Fatalf("get user after reopen: %v", err)
	}
	if user.Name.First != "Ivan" {
		t.Fatalf("unexpected user after reopen: %+v", user)
	}
}

func TestOpenRejectsNewerSchema(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.sqlDB.Exec("UPDATE database SET schema_version = ? WHERE id = 1", currentSchemaVersion+1); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := Open(dir, Options{}); !platformerrors.IsCode(err, platformerrors.CodeSchemaTooNew) {
		t.Fatalf("expected schema-too-new, got %v", err)
	}
}

func TestMigrationRewritesLegacyAbsenceType(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	role := seedClassroom(t, store)
	record, err := store.CreateAbsence(context.Background(), storage.NewAbsence{
		StudentID:     10,
		ClassID:       1,
		Date:          "2023-09-05",
		Type:          domain.AbsenceTypeIllness,
		Lessons:       []int{1},
		CreatorRoleID: role.ExternalID,
	})
	if err != nil {
		t.Fatalf("create absence: %v", err)
	}

	// Rewind the store to schema version 1 with a legacy type value.
	if _, err := store.sqlDB.Exec("UPDATE absences SET type = ? WHERE id = ?",
		string(domain.LegacyAbsenceTypeOtherRespectful), record.ID); err != nil {
		t.Fatalf("write legacy type: %v", err)
	}
	if _, err := store.sqlDB.Exec("UPDATE database SET schema_version = 1 WHERE id = 1"); err != nil {
		t.Fatalf("rewind version: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	migrated, err := Open(dir, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer migrated.Close()

	var version int
	if err := migrated.sqlDB.QueryRow("SELECT schema_version FROM database WHERE id = 1").Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Fatalf("expected migrated version %d, got %d", currentSchemaVersion, version)
	}
	got, err := migrated.GetAbsence(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("get absence: %v", err)
	}
	if got.Type != domain.AbsenceTypeCompetition {
		t.Fatalf("expected legacy type rewritten to competition, got %s", got.Type)
	}
	if len(got.Lessons) != 1 || got.Lessons[0] != 1 {
		t.Fatalf("migration must not touch other fields, got lessons %v", got.Lessons)
	}
}

func TestBackupProducesCompressedSnapshot(t *testing.T) {
	store := newTestStore(t, Options{})
	seedClassroom(t, store)

	dest := filepath.Join(t.TempDir(), "snap", "registry.db.gz")
	if err := store.Backup(context.Background(), dest); err != nil {
		t.Fatalf("backup: %v", err)
	}

	f, err := os.Open(dest)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("snapshot is not gzip: %v", err)
	}
	header := make([]byte, 16)
	if _, err := gz.Read(header); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if string(header) != "SQLite format 3\x00" {
		t.Fatalf("snapshot does not contain a database, header %q", header)
	}
}

func TestBackupRequiresDestination(t *testing.T) {
	store := newTestStore(t, Options{})
	if err := store.Backup(context.Background(), " "); !platformerrors.IsCode(err, platformerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestSealedPayloadsRoundTripAndStayOpaqueAtRest(t *testing.T) {
	dir := t.TempDir()
	opts := Options{EncryptionKey: "registry-secret", EncryptionSalt: "registry-salt"}
	store, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	role := seedClassroom(t, store)
	if string(role.Information) != `{"classID":1}` {
		t.Fatalf("payload must round-trip byte-exact, got %s", role.Information)
	}

	var stored []byte
	if err := store.sqlDB.QueryRow("SELECT info FROM roles WHERE external_id = ?", role.ExternalID).Scan(&stored); err != nil {
		t.Fatalf("read sealed payload: %v", err)
	}
	if string(stored) == `{"classID":1}` {
		t.Fatal("payload stored in cleartext")
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	roles, err := reopened.GetRolesForUser(context.Background(), 10)
	if err != nil {
		t.Fatalf("get roles: %v", err)
	}
	if len(roles) != 1 || string(roles[0].Information) != `{"classID":1}` {
		t.Fatalf("sealed payload did not survive reopen: %+v", roles)
	}
}

func TestSealerRequiresKeyAndSalt(t *testing.T) {
	if _, err := Open(t.TempDir(), Options{EncryptionKey: "key-only"}); !platformerrors.IsCode(err, platformerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestCacheDisabledProducesIdenticalResults(t *testing.T) {
	ctx := context.Background()
	cached := newTestStore(t, Options{})
	direct := newTestStore(t, Options{CacheDisabled: true})

	for _, store := range []*Store{cached, direct} {
		role := seedClassroom(t, store)
		if _, err := store.CreateAbsence(ctx, storage.NewAbsence{
			StudentID:     10,
			ClassID:       1,
			Date:          "2023-09-05",
			Type:          domain.AbsenceTypeIllness,
			Lessons:       []int{1, 2},
			CreatorRoleID: role.ExternalID,
		}); err != nil {
			t.Fatalf("create absence: %v", err)
		}
	}

	for _, store := range []*Store{cached, direct} {
		user, err := store.GetUser(ctx, 10)
		if err != nil {
			t.Fatalf("get user: %v", err)
		}
		if user.Name.Last != "Ivanova" {
			t.Fatalf("unexpected user: %+v", user)
		}
		// Warm read, then again through whatever cache exists.
		again, err := store.GetUser(ctx, 10)
		if err != nil {
			t.Fatalf("get user again: %v", err)
		}
		if again != user {
			t.Fatalf("repeated read diverged: %+v vs %+v", again, user)
		}
		records, err := store.GetAbsencesForClass(ctx, 1, "2023-09-05")
		if err != nil {
			t.Fatalf("get absences: %v", err)
		}
		if len(records) != 1 || records[0].ID != 1 {
			t.Fatalf("unexpected absences: %+v", records)
		}
	}
}

func TestCacheCoherenceAfterUpdate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})
	seedClassroom(t, store)

	if _, err := store.GetUser(ctx, 10); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if err := store.UpdateUser(ctx, 10, domain.UserFieldLastName, "Petrova"); err != nil {
		t.Fatalf("update user: %v", err)
	}
	user, err := store.GetUser(ctx, 10)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user.Name.Last != "Petrova" {
		t.Fatalf("cache served stale value: %+v", user)
	}
}

func TestCloseWithRetryIsIdempotent(t *testing.T) {
	store, err := Open(t.TempDir(), Options{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.CloseWithRetry(time.Second); err != nil {
		t.Fatalf("close with retry: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestGCCompactsLiveStore(t *testing.T) {
	store := newTestStore(t, Options{})
	seedClassroom(t, store)
	if err := store.GC(context.Background()); err != nil {
		t.Fatalf("gc: %v", err)
	}
}
