package sqlite

import (
	"database/sql"

	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
)

// Sequence allocation happens inside the caller's write transaction, so a
// rollback returns the value to the pool and a commit makes it permanent.
// Values are monotonically increasing per sequence and never reused, even
// when the entity they named is later deleted.

func nextSequenceValue(tx *sql.Tx, column string) (int64, error) {
	var next int64
	err := tx.QueryRow(
		"UPDATE database SET "+column+" = "+column+" + 1 WHERE id = 1 RETURNING "+column+" - 1",
	).Scan(&next)
	if err != nil {
		return 0, platformerrors.Wrap(platformerrors.CodeStorageFailure, "advance "+column+" sequence", err)
	}
	return next, nil
}

// nextRoleID allocates the next role sequence value.
func nextRoleID(tx *sql.Tx) (int64, error) {
	return nextSequenceValue(tx, "next_role_id")
}

// nextAbsenceID allocates the next absence record ID.
func nextAbsenceID(tx *sql.Tx) (int64, error) {
	return nextSequenceValue(tx, "next_absence_id")
}
