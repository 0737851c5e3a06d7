package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/louisbranch/rollcall/internal/domain"
	"github.com/louisbranch/rollcall/internal/event"
	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
	"github.com/louisbranch/rollcall/internal/storage"
)

// CreateUser stores a new user. Creating an ID that already exists is a
// conflict regardless of the existing row's content.
func (s *Store) CreateUser(ctx context.Context, user domain.User) error {
	return s.CreateUsers(ctx, []domain.User{user})
}

// CreateUsers stores a batch of users in one transaction. The whole batch
// commits or none of it does.
func (s *Store) CreateUsers(ctx context.Context, users []domain.User) error {
	if len(users) == 0 {
		return nil
	}
	for _, user := range users {
		if strings.TrimSpace(user.Name.First) == "" || strings.TrimSpace(user.Name.Last) == "" {
			return platformerrors.WithMetadata(platformerrors.CodeValidationFailure,
				"user name requires first and last parts",
				map[string]string{"userID": strconv.Itoa(user.ID)})
		}
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, user := range users {
			if _, err := getUserTx(tx, user.ID); err == nil {
				return platformerrors.WithMetadata(platformerrors.CodeUserConflict,
					"user already exists",
					map[string]string{"userID": strconv.Itoa(user.ID)})
			} else if !platformerrors.IsCode(err, platformerrors.CodeUserNotFound) {
				return err
			}
			if _, err := tx.Exec(
				"INSERT INTO users (id, first_name, middle_name, last_name) VALUES (?, ?, ?, ?)",
				user.ID, user.Name.First, nullString(user.Name.Middle), user.Name.Last,
			); err != nil {
				return storagef("insert user", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	events := make([]event.Event[domain.User], 0, len(users))
	for _, user := range users {
		s.userCache.Put(user.ID, user)
		events = append(events, event.CreatedEvent(user))
	}
	s.userEvents.Publish(events...)
	return nil
}

// GetUser returns the user with the given ID, consulting the user cache
// first.
func (s *Store) GetUser(ctx context.Context, id domain.UserID) (domain.User, error) {
	if user, ok := s.userCache.Get(id); ok {
		return user, nil
	}
	var user domain.User
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		user, err = getUserTx(tx, id)
		return err
	})
	if err != nil {
		return domain.User{}, err
	}
	s.userCache.Put(id, user)
	return user, nil
}

// GetAllUsers returns every stored user ordered by ID.
func (s *Store) GetAllUsers(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query("SELECT id, first_name, middle_name, last_name FROM users ORDER BY id")
		if err != nil {
			return storagef("query users", err)
		}
		defer rows.Close()
		for rows.Next() {
			user, err := scanUser(rows)
			if err != nil {
				return err
			}
			users = append(users, user)
		}
		return rowsErr(rows, "query users")
	})
	if err != nil {
		return nil, err
	}
	cached := make(map[domain.UserID]domain.User, len(users))
	for _, user := range users {
		cached[user.ID] = user
	}
	s.userCache.PutAll(cached)
	return users, nil
}

// UpdateUser mutates one name part of the user and emits an update event
// carrying the state before and after.
func (s *Store) UpdateUser(ctx context.Context, id domain.UserID, field domain.UserField, value any) error {
	text, ok := value.(string)
	if !ok {
		return platformerrors.New(platformerrors.CodeInvalidArgument, "user field value must be a string")
	}

	var column string
	switch field {
	case domain.UserFieldFirstName:
		column = "first_name"
	case domain.UserFieldMiddleName:
		column = "middle_name"
	case domain.UserFieldLastName:
		column = "last_name"
	default:
		return platformerrors.New(platformerrors.CodeInvalidArgument, "unknown user field")
	}
	if field != domain.UserFieldMiddleName && strings.TrimSpace(text) == "" {
		return platformerrors.New(platformerrors.CodeValidationFailure, "user name part cannot be blank")
	}

	var prior, updated domain.User
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		prior, err = getUserTx(tx, id)
		if err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE users SET "+column+" = ? WHERE id = ?", nullString(text), id); err != nil {
			return storagef("update user", err)
		}
		updated, err = getUserTx(tx, id)
		return err
	})
	if err != nil {
		return err
	}

	s.userCache.Put(id, updated)
	s.userEvents.Publish(event.UpdatedEvent(updated, prior))
	return nil
}

// DeleteUser removes the user together with its owned roles, tokens and
// credentials. The delete is rejected while any absence record references the
// user as its student or one of the user's roles as an author.
func (s *Store) DeleteUser(ctx context.Context, id domain.UserID) error {
	var (
		prior        domain.User
		deletedRoles []domain.Role
		deletedToks  []domain.Token
	)
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		prior, err = getUserTx(tx, id)
		if err != nil {
			return err
		}

		conflict := func(rel storage.Relation) error {
			return platformerrors.WithMetadata(platformerrors.CodeEntityReferenced,
				"user is referenced by "+rel.From+" records",
				map[string]string{"userID": strconv.Itoa(id)})
		}
		if err := checkDeleteRelations(tx, storage.EntityUser, userRelationSQL, id, conflict); err != nil {
			return err
		}
		// Deleting the user cascades into its roles, so the roles' own
		// reject guards apply too.
		if err := checkDeleteRelations(tx, storage.EntityRole, roleOfUserRelationSQL, id, conflict); err != nil {
			return err
		}

		deletedRoles, err = getRolesForUserTx(tx, s, id)
		if err != nil {
			return err
		}
		deletedToks, err = getUserTokensTx(tx, id)
		if err != nil {
			return err
		}

		// Subgroup membership points at the user's roles; the role pass
		// clears those references before the user pass drops the roles.
		if err := applyDeleteRelations(tx, storage.EntityRole, roleOfUserRelationSQL, id); err != nil {
			return err
		}
		if err := applyDeleteRelations(tx, storage.EntityUser, userRelationSQL, id); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM users WHERE id = ?", id); err != nil {
			return storagef("delete user", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.userCache.Invalidate(id)
	s.roleCache.Invalidate(id)
	s.invalidateTokenCacheForUser(id, deletedToks)
	s.invalidateCredentialCacheForUser(id)
	for _, role := range deletedRoles {
		s.invalidateOrderingFor(role.Information)
	}

	roleEvents := make([]event.Event[domain.Role], 0, len(deletedRoles))
	for _, role := range deletedRoles {
		roleEvents = append(roleEvents, event.DeletedEvent(role))
	}
	tokenEvents := make([]event.Event[domain.Token], 0, len(deletedToks))
	for _, token := range deletedToks {
		tokenEvents = append(tokenEvents, event.DeletedEvent(token))
	}
	s.roleEvents.Publish(roleEvents...)
	s.tokenEvents.Publish(tokenEvents...)
	s.userEvents.Publish(event.DeletedEvent(prior))
	return nil
}

// UserEvents returns the user change-event stream.
func (s *Store) UserEvents() *event.Bus[domain.User] {
	return s.userEvents
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (domain.User, error) {
	var (
		user   domain.User
		middle sql.NullString
	)
	if err := row.Scan(&user.ID, &user.Name.First, &middle, &user.Name.Last); err != nil {
		return domain.User{}, storagef("scan user", err)
	}
	user.Name.Middle = middle.String
	return user, nil
}

func getUserTx(tx *sql.Tx, id domain.UserID) (domain.User, error) {
	row := tx.QueryRow("SELECT id, first_name, middle_name, last_name FROM users WHERE id = ?", id)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, platformerrors.WithMetadata(platformerrors.CodeUserNotFound,
				"user not found", map[string]string{"userID": strconv.Itoa(id)})
		}
		return domain.User{}, err
	}
	return user, nil
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func rowsErr(rows *sql.Rows, op string) error {
	if err := rows.Err(); err != nil {
		return storagef(op, err)
	}
	return nil
}

var _ storage.UserProvider = (*Store)(nil)

// Store must satisfy the full provider aggregate.
var _ storage.Database = (*Store)(nil)
