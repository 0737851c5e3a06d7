package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/louisbranch/rollcall/internal/domain"
	"github.com/louisbranch/rollcall/internal/event"
	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
	"github.com/louisbranch/rollcall/internal/storage"
)

// GenerateNewToken issues a fresh authentication token for an existing user.
func (s *Store) GenerateNewToken(ctx context.Context, id domain.UserID) (domain.Token, error) {
	token := domain.Token{
		UserID: id,
		Value:  uuid.NewString(),
		Issued: fromMillis(toMillis(s.now())),
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getUserTx(tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec(
			"INSERT INTO tokens (value, user_id, issued, expired) VALUES (?, ?, ?, NULL)",
			token.Value, token.UserID, toMillis(token.Issued),
		); err != nil {
			return storagef("insert token", err)
		}
		return nil
	})
	if err != nil {
		return domain.Token{}, err
	}

	s.tokenCache.Put(tokenKey{token: token.Value, userID: id}, true)
	s.tokenEvents.Publish(event.CreatedEvent(token))
	return token, nil
}

// CheckToken reports whether the token exists, belongs to the user and has
// not expired. Verdicts are cached per (token, user) pair.
func (s *Store) CheckToken(ctx context.Context, token string, id domain.UserID) (bool, error) {
	key := tokenKey{token: token, userID: id}
	if valid, ok := s.tokenCache.Get(key); ok {
		return valid, nil
	}

	stored, err := s.GetToken(ctx, token)
	if err != nil {
		if platformerrors.IsCode(err, platformerrors.CodeTokenNotFound) {
			s.tokenCache.Put(key, false)
			return false, nil
		}
		return false, err
	}

	valid := stored.UserID == id && stored.Active()
	s.tokenCache.Put(key, valid)
	return valid, nil
}

// GetToken returns the token with the given value.
func (s *Store) GetToken(ctx context.Context, token string) (domain.Token, error) {
	var stored domain.Token
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		stored, err = getTokenTx(tx, token)
		return err
	})
	if err != nil {
		return domain.Token{}, err
	}
	return stored, nil
}

// GetUserByToken resolves a token value to its owning user.
func (s *Store) GetUserByToken(ctx context.Context, token string) (domain.UserID, error) {
	stored, err := s.GetToken(ctx, token)
	if err != nil {
		return 0, err
	}
	return stored.UserID, nil
}

// GetUserTokens returns every token issued to the user, active or expired.
func (s *Store) GetUserTokens(ctx context.Context, id domain.UserID) ([]domain.Token, error) {
	var tokens []domain.Token
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		if _, err := getUserTx(tx, id); err != nil {
			return err
		}
		var err error
		tokens, err = getUserTokensTx(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return tokens, nil
}

// RevokeToken expires the token without deleting it.
func (s *Store) RevokeToken(ctx context.Context, token string) error {
	now := toMillis(s.now())
	var prior, updated domain.Token
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		prior, err = getTokenTx(tx, token)
		if err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE tokens SET expired = ? WHERE value = ?", now, token); err != nil {
			return storagef("revoke token", err)
		}
		updated, err = getTokenTx(tx, token)
		return err
	})
	if err != nil {
		return err
	}

	s.tokenCache.Invalidate(tokenKey{token: token, userID: prior.UserID})
	s.tokenEvents.Publish(event.UpdatedEvent(updated, prior))
	return nil
}

// DeleteToken removes the token entirely.
func (s *Store) DeleteToken(ctx context.Context, token string) error {
	var prior domain.Token
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		prior, err = getTokenTx(tx, token)
		if err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM tokens WHERE value = ?", token); err != nil {
			return storagef("delete token", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.tokenCache.Invalidate(tokenKey{token: token, userID: prior.UserID})
	s.tokenEvents.Publish(event.DeletedEvent(prior))
	return nil
}

// RevokeAllTokens deletes every token issued to the user, expired ones
// included.
func (s *Store) RevokeAllTokens(ctx context.Context, id domain.UserID) error {
	var deleted []domain.Token
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getUserTx(tx, id); err != nil {
			return err
		}
		var err error
		deleted, err = getUserTokensTx(tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM tokens WHERE user_id = ?", id); err != nil {
			return storagef("delete tokens", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	events := make([]event.Event[domain.Token], 0, len(deleted))
	for _, token := range deleted {
		s.tokenCache.Invalidate(tokenKey{token: token.Value, userID: id})
		events = append(events, event.DeletedEvent(token))
	}
	s.tokenEvents.Publish(events...)
	return nil
}

// TokenEvents returns the token change-event stream.
func (s *Store) TokenEvents() *event.Bus[domain.Token] {
	return s.tokenEvents
}

func getTokenTx(tx *sql.Tx, token string) (domain.Token, error) {
	row := tx.QueryRow("SELECT value, user_id, issued, expired FROM tokens WHERE value = ?", token)
	stored, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Token{}, platformerrors.New(platformerrors.CodeTokenNotFound, "token not found")
		}
		return domain.Token{}, err
	}
	return stored, nil
}

func getUserTokensTx(tx *sql.Tx, id domain.UserID) ([]domain.Token, error) {
	rows, err := tx.Query("SELECT value, user_id, issued, expired FROM tokens WHERE user_id = ? ORDER BY issued, value", id)
	if err != nil {
		return nil, storagef("query tokens", err)
	}
	defer rows.Close()
	var tokens []domain.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rowsErr(rows, "query tokens")
}

func scanToken(row rowScanner) (domain.Token, error) {
	var (
		token   domain.Token
		issued  int64
		expired sql.NullInt64
	)
	if err := row.Scan(&token.Value, &token.UserID, &issued, &expired); err != nil {
		return domain.Token{}, storagef("scan token", err)
	}
	token.Issued = fromMillis(issued)
	if expired.Valid {
		t := fromMillis(expired.Int64)
		token.Expired = &t
	}
	return token, nil
}

// invalidateTokenCacheForUser drops the cached verdicts for the listed tokens
// of one user after a cascade delete.
func (s *Store) invalidateTokenCacheForUser(id domain.UserID, tokens []domain.Token) {
	keys := make([]tokenKey, 0, len(tokens))
	for _, token := range tokens {
		keys = append(keys, tokenKey{token: token.Value, userID: id})
	}
	s.tokenCache.InvalidateKeys(keys)
}

var _ storage.TokenProvider = (*Store)(nil)
