package sqlite

import (
	"database/sql"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/louisbranch/rollcall/internal/domain"
	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
	"github.com/louisbranch/rollcall/internal/storage/sqlite/migrations"
)

const migrationTable = "schema_migrations"

// currentSchemaVersion is the data schema version this build understands.
const currentSchemaVersion = 2

// runMigrations brings the store up to date: embedded DDL snapshots first,
// then the version-gated data migrations on the singleton database row.
func (s *Store) runMigrations() error {
	if err := s.applyDDLMigrations(); err != nil {
		return err
	}
	return s.runDataMigrations()
}

// applyDDLMigrations executes each embedded *.sql file at most once, recorded
// in the schema_migrations table. Files apply in name order, one transaction
// per file.
func (s *Store) applyDDLMigrations() error {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return platformerrors.Wrap(platformerrors.CodeMigrationFailure, "read migrations dir", err)
	}

	var sqlFiles []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			sqlFiles = append(sqlFiles, entry.Name())
		}
	}
	sort.Strings(sqlFiles)

	createSQL := `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`
	if _, err := s.sqlDB.Exec(createSQL); err != nil {
		return platformerrors.Wrap(platformerrors.CodeMigrationFailure, "ensure migration table", err)
	}

	for _, file := range sqlFiles {
		applied, err := s.migrationApplied(file)
		if err != nil {
			return platformerrors.Wrap(platformerrors.CodeMigrationFailure, "check migration "+file, err)
		}
		if applied {
			continue
		}

		content, err := fs.ReadFile(migrations.FS, path.Join(".", file))
		if err != nil {
			return platformerrors.Wrap(platformerrors.CodeMigrationFailure, "read migration "+file, err)
		}

		upSQL := extractUpMigration(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}

		tx, err := s.sqlDB.Begin()
		if err != nil {
			return platformerrors.Wrap(platformerrors.CodeMigrationFailure, "begin migration "+file, err)
		}

		if _, err := tx.Exec(upSQL); err != nil {
			if !isAlreadyExistsError(err) {
				_ = tx.Rollback()
				return platformerrors.Wrap(platformerrors.CodeMigrationFailure, "exec migration "+file, err)
			}
		}

		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
			file, toMillis(time.Now()),
		); err != nil {
			_ = tx.Rollback()
			return platformerrors.Wrap(platformerrors.CodeMigrationFailure, "record migration "+file, err)
		}

		if err := tx.Commit(); err != nil {
			return platformerrors.Wrap(platformerrors.CodeMigrationFailure, "commit migration "+file, err)
		}
	}

	return nil
}

func (s *Store) migrationApplied(name string) (bool, error) {
	var found int
	row := s.sqlDB.QueryRow("SELECT 1 FROM "+migrationTable+" WHERE name = ?", name)
	err := row.Scan(&found)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// extractUpMigration returns the SQL in the -- +migrate Up section.
func extractUpMigration(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}

// isAlreadyExistsError reports whether this error indicates idempotent DDL
// success.
func isAlreadyExistsError(err error) bool {
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "already exists") || strings.Contains(value, "duplicate column name")
}

// runDataMigrations applies versioned data transformations exactly once,
// keyed on the singleton database row's schema_version. Every pending step
// runs inside one transaction so a partial migration never persists. A
// version newer than this build is fatal.
func (s *Store) runDataMigrations() error {
	return s.inTxNoCtx(func(tx *sql.Tx) error {
		var version int
		if err := tx.QueryRow("SELECT schema_version FROM database WHERE id = 1").Scan(&version); err != nil {
			return platformerrors.Wrap(platformerrors.CodeMigrationFailure, "read schema version", err)
		}

		if version > currentSchemaVersion {
			return platformerrors.WithMetadata(platformerrors.CodeSchemaTooNew,
				"store schema version is newer than this build understands",
				map[string]string{"stored": itoa(version), "supported": itoa(currentSchemaVersion)})
		}

		for version < currentSchemaVersion {
			step, ok := dataMigrations[version]
			if !ok {
				return platformerrors.New(platformerrors.CodeMigrationFailure,
					"no migration step from schema version "+itoa(version))
			}
			if err := step(tx); err != nil {
				return platformerrors.Wrap(platformerrors.CodeMigrationFailure,
					"migrate schema from version "+itoa(version), err)
			}
			version++
			if _, err := tx.Exec("UPDATE database SET schema_version = ? WHERE id = 1", version); err != nil {
				return platformerrors.Wrap(platformerrors.CodeMigrationFailure, "bump schema version", err)
			}
		}
		return nil
	})
}

// dataMigrations maps a source schema version to the step producing the next
// one. Each step is a pure data transformation.
var dataMigrations = map[int]func(tx *sql.Tx) error{
	1: migrateV1AbsenceTypes,
}

// migrateV1AbsenceTypes rewrites the retired OTHER_RESPECTFUL absence type to
// its replacement.
func migrateV1AbsenceTypes(tx *sql.Tx) error {
	_, err := tx.Exec("UPDATE absences SET type = ? WHERE type = ?",
		string(domain.AbsenceTypeCompetition), string(domain.LegacyAbsenceTypeOtherRespectful))
	return err
}

// inTxNoCtx is the startup-path transaction helper; migrations run before any
// caller-supplied context exists.
func (s *Store) inTxNoCtx(fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.sqlDB.Begin()
	if err != nil {
		return platformerrors.Wrap(platformerrors.CodeStorageFailure, "begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return platformerrors.Wrap(platformerrors.CodeStorageFailure, "commit transaction", err)
	}
	return nil
}

func itoa(v int) string {
	return strconv.Itoa(v)
}
