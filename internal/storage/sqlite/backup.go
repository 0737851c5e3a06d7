package sqlite

import (
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
)

// backupTo snapshots the live database into a temporary file with VACUUM INTO
// and gzips the result to destination. The temporary file carries a random
// name so concurrent backups cannot collide.
func (s *Store) backupTo(ctx context.Context, destination string) error {
	tmp := filepath.Join(s.dir, "backup-"+uuid.NewString()+".tmp")
	defer func() {
		_ = os.Remove(tmp)
	}()

	if _, err := s.sqlDB.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		return platformerrors.Wrap(platformerrors.CodeStorageFailure, "vacuum into snapshot", err)
	}

	snapshot, err := os.Open(tmp)
	if err != nil {
		return platformerrors.Wrap(platformerrors.CodeStorageFailure, "open snapshot", err)
	}
	defer snapshot.Close()

	if err := os.MkdirAll(filepath.Dir(destination), 0o700); err != nil {
		return platformerrors.Wrap(platformerrors.CodeStorageFailure, "create backup directory", err)
	}

	out, err := os.Create(destination)
	if err != nil {
		return platformerrors.Wrap(platformerrors.CodeStorageFailure, "create backup file", err)
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, snapshot); err != nil {
		_ = gz.Close()
		_ = out.Close()
		return platformerrors.Wrap(platformerrors.CodeStorageFailure, "write backup", err)
	}
	if err := gz.Close(); err != nil {
		_ = out.Close()
		return platformerrors.Wrap(platformerrors.CodeStorageFailure, "finish backup", err)
	}
	if err := out.Close(); err != nil {
		return platformerrors.Wrap(platformerrors.CodeStorageFailure, "close backup file", err)
	}
	return nil
}
