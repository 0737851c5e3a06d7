package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/louisbranch/rollcall/internal/domain"
	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
	"github.com/louisbranch/rollcall/internal/storage"
)

func validateCredentialName(name string) error {
	if strings.TrimSpace(name) == "" {
		return platformerrors.New(platformerrors.CodeValidationFailure, "credential name cannot be blank")
	}
	if name == domain.ReservedCredentialName {
		return platformerrors.New(platformerrors.CodeReservedCredential,
			"credential name is reserved")
	}
	return nil
}

// GetCredentials returns the user's named credential, or the empty string
// when none is set. Values are cached per (user, name) pair.
func (s *Store) GetCredentials(ctx context.Context, id domain.UserID, name string) (string, error) {
	if err := validateCredentialName(name); err != nil {
		return "", err
	}
	key := credentialKey{userID: id, name: name}
	if value, ok := s.credentialCache.Get(key); ok {
		return value, nil
	}

	var value string
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		if _, err := getUserTx(tx, id); err != nil {
			return err
		}
		var sealed []byte
		err := tx.QueryRow("SELECT value FROM user_credentials WHERE user_id = ? AND name = ?", id, name).
			Scan(&sealed)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return storagef("read credential", err)
		}
		opened, err := s.openPayload(sealed)
		if err != nil {
			return err
		}
		value = string(opened)
		return nil
	})
	if err != nil {
		return "", err
	}

	s.credentialCache.Put(key, value)
	return value, nil
}

// SetCredentials stores or replaces the user's named credential.
func (s *Store) SetCredentials(ctx context.Context, id domain.UserID, name, value string) error {
	if err := validateCredentialName(name); err != nil {
		return err
	}
	sealed, err := s.sealPayload([]byte(value))
	if err != nil {
		return err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getUserTx(tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO user_credentials (user_id, name, value) VALUES (?, ?, ?)
			 ON CONFLICT (user_id, name) DO UPDATE SET value = excluded.value`,
			id, name, sealed,
		); err != nil {
			return storagef("upsert credential", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.credentialCache.Put(credentialKey{userID: id, name: name}, value)
	return nil
}

// ClearCredentials removes the user's named credential. Clearing an unset
// credential is a no-op.
func (s *Store) ClearCredentials(ctx context.Context, id domain.UserID, name string) error {
	if err := validateCredentialName(name); err != nil {
		return err
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getUserTx(tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM user_credentials WHERE user_id = ? AND name = ?", id, name); err != nil {
			return storagef("delete credential", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.credentialCache.Invalidate(credentialKey{userID: id, name: name})
	return nil
}

// invalidateCredentialCacheForUser drops every cached credential after a user
// cascade delete. Credential names are not enumerable post-commit, so this
// clears the whole cache.
func (s *Store) invalidateCredentialCacheForUser(domain.UserID) {
	s.credentialCache.InvalidateAll()
}

var _ storage.CredentialProvider = (*Store)(nil)
