package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/louisbranch/rollcall/internal/domain"
	"github.com/louisbranch/rollcall/internal/event"
	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
	"github.com/louisbranch/rollcall/internal/storage"
)

// roleExternalID derives the globally unique external ID from a role sequence
// value. Deterministic so the same sequence value always names the same role.
func roleExternalID(seq int64) string {
	return uuid.NewMD5(uuid.NameSpaceOID, []byte(strconv.FormatInt(seq, 10))).String()
}

// roleScope holds the well-known scoping attributes plucked from the opaque
// role payload at write time. The payload itself is stored and returned
// verbatim.
type roleScope struct {
	classID   *int
	journalID *int
}

func scopeOf(information domain.Payload) roleScope {
	var scope roleScope
	if class := gjson.GetBytes(information, "classID"); class.Exists() {
		v := int(class.Int())
		scope.classID = &v
	}
	if journal := gjson.GetBytes(information, "journalID"); journal.Exists() {
		v := int(journal.Int())
		scope.journalID = &v
	}
	return scope
}

// AppendRoleToUser grants a new role to an existing user. The external ID is
// allocated from the role sequence inside the same transaction.
func (s *Store) AppendRoleToUser(ctx context.Context, role storage.NewRole) (domain.Role, error) {
	var created domain.Role
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = s.appendRoleTx(tx, role)
		return err
	})
	if err != nil {
		return domain.Role{}, err
	}
	s.roleCache.Invalidate(created.UserID)
	s.invalidateOrderingFor(created.Information)
	s.roleEvents.Publish(event.CreatedEvent(created))
	return created, nil
}

// AppendRolesToUsers grants one generated role per listed user atomically.
func (s *Store) AppendRolesToUsers(ctx context.Context, userIDs []domain.UserID, generate func(domain.UserID) storage.NewRole) ([]domain.Role, error) {
	if generate == nil {
		return nil, platformerrors.New(platformerrors.CodeInvalidArgument, "role generator is required")
	}
	var created []domain.Role
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range userIDs {
			role := generate(id)
			role.UserID = id
			granted, err := s.appendRoleTx(tx, role)
			if err != nil {
				return err
			}
			created = append(created, granted)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	events := make([]event.Event[domain.Role], 0, len(created))
	for _, role := range created {
		s.roleCache.Invalidate(role.UserID)
		s.invalidateOrderingFor(role.Information)
		events = append(events, event.CreatedEvent(role))
	}
	s.roleEvents.Publish(events...)
	return created, nil
}

func (s *Store) appendRoleTx(tx *sql.Tx, role storage.NewRole) (domain.Role, error) {
	if role.Kind != domain.RoleKindStudent && role.Kind != domain.RoleKindTeacher {
		return domain.Role{}, platformerrors.New(platformerrors.CodeValidationFailure, "unknown role kind")
	}
	if role.Expiration != nil && role.Expiration.Before(role.Granted) {
		return domain.Role{}, platformerrors.New(platformerrors.CodeValidationFailure,
			"role expiration precedes its grant")
	}
	if _, err := getUserTx(tx, role.UserID); err != nil {
		return domain.Role{}, err
	}

	seq, err := nextRoleID(tx)
	if err != nil {
		return domain.Role{}, err
	}
	externalID := roleExternalID(seq)

	info := role.Information
	if info == nil {
		info = domain.Payload("{}")
	}
	scope := scopeOf(info)
	sealed, err := s.sealPayload(info)
	if err != nil {
		return domain.Role{}, err
	}

	if _, err := tx.Exec(
		`INSERT INTO roles (external_id, user_id, kind, info, class_id, journal_id, granted, revoked)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		externalID, role.UserID, string(role.Kind), sealed,
		scope.classID, scope.journalID, toMillis(role.Granted), toMillisPtr(role.Expiration),
	); err != nil {
		return domain.Role{}, storagef("insert role", err)
	}

	created := domain.Role{
		ExternalID:  externalID,
		UserID:      role.UserID,
		Kind:        role.Kind,
		Information: info,
		Granted:     fromMillis(toMillis(role.Granted)),
	}
	if role.Expiration != nil {
		revoked := fromMillis(toMillis(*role.Expiration))
		created.Revoked = &revoked
	}
	return created, nil
}

// GetRolesForUser returns every role granted to the user, active or revoked.
func (s *Store) GetRolesForUser(ctx context.Context, id domain.UserID) ([]domain.Role, error) {
	if roles, ok := s.roleCache.Get(id); ok {
		return roles, nil
	}
	var roles []domain.Role
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		roles, err = getRolesForUserTx(tx, s, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.roleCache.Put(id, roles)
	return roles, nil
}

// GetAllRolesByKind returns every role of the given kind.
func (s *Store) GetAllRolesByKind(ctx context.Context, kind domain.RoleKind) ([]domain.Role, error) {
	var roles []domain.Role
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		roles, err = s.queryRolesTx(tx, "SELECT external_id, user_id, kind, info, granted, revoked FROM roles WHERE kind = ? ORDER BY external_id", string(kind))
		return err
	})
	if err != nil {
		return nil, err
	}
	return roles, nil
}

// GetAllRolesByMatch returns every role accepted by the match predicate. Full
// scan with in-memory filtering.
func (s *Store) GetAllRolesByMatch(ctx context.Context, match func(domain.Role) bool) ([]domain.Role, error) {
	if match == nil {
		return nil, platformerrors.New(platformerrors.CodeInvalidArgument, "match predicate is required")
	}
	var roles []domain.Role
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		all, err := s.queryRolesTx(tx, "SELECT external_id, user_id, kind, info, granted, revoked FROM roles ORDER BY external_id")
		if err != nil {
			return err
		}
		for _, role := range all {
			if match(role) {
				roles = append(roles, role)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return roles, nil
}

// GetAllRolesWithMatchingEntries returns every role whose information payload
// carries all of the given fields with the given values. Values compare by
// JSON equivalence, so an int entry matches a stored number.
func (s *Store) GetAllRolesWithMatchingEntries(ctx context.Context, entries map[string]any) ([]domain.Role, error) {
	want := make(map[string]any, len(entries))
	for key, value := range entries {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, platformerrors.Wrap(platformerrors.CodeInvalidArgument, "encode entry value", err)
		}
		var normalized any
		if err := json.Unmarshal(encoded, &normalized); err != nil {
			return nil, platformerrors.Wrap(platformerrors.CodeInvalidArgument, "encode entry value", err)
		}
		want[key] = normalized
	}

	return s.GetAllRolesByMatch(ctx, func(role domain.Role) bool {
		for key, value := range want {
			field := gjson.GetBytes(role.Information, key)
			if !field.Exists() || !reflect.DeepEqual(field.Value(), value) {
				return false
			}
		}
		return true
	})
}

// RevokeRole marks the role revoked at the given instant (now when nil) and
// clears the role from every subgroup that listed it as a member.
func (s *Store) RevokeRole(ctx context.Context, externalID string, at *time.Time) error {
	revoked := s.now().UTC()
	if at != nil {
		revoked = at.UTC()
	}

	var prior, updated domain.Role
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		prior, err = s.getRoleTx(tx, externalID)
		if err != nil {
			return err
		}
		if revoked.Before(prior.Granted) {
			return platformerrors.New(platformerrors.CodeValidationFailure,
				"role revocation precedes its grant")
		}
		if _, err := tx.Exec("UPDATE roles SET revoked = ? WHERE external_id = ?",
			toMillis(revoked), externalID); err != nil {
			return storagef("revoke role", err)
		}
		if _, err := tx.Exec("DELETE FROM subgroup_members WHERE role_external_id = ?", externalID); err != nil {
			return storagef("clear subgroup memberships", err)
		}
		updated, err = s.getRoleTx(tx, externalID)
		return err
	})
	if err != nil {
		return err
	}

	s.roleCache.Invalidate(prior.UserID)
	s.invalidateOrderingFor(prior.Information)
	s.roleEvents.Publish(event.UpdatedEvent(updated, prior))
	return nil
}

// UpdateRole mutates one role property, looked up by external ID. The
// external ID and owning user are protected.
func (s *Store) UpdateRole(ctx context.Context, externalID string, field domain.RoleField, value any) error {
	var prior, updated domain.Role
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		prior, err = s.getRoleTx(tx, externalID)
		if err != nil {
			return err
		}

		switch field {
		case domain.RoleFieldKind:
			kind, ok := value.(domain.RoleKind)
			if !ok {
				return platformerrors.New(platformerrors.CodeInvalidArgument, "role kind value must be a RoleKind")
			}
			if kind != domain.RoleKindStudent && kind != domain.RoleKindTeacher {
				return platformerrors.New(platformerrors.CodeValidationFailure, "unknown role kind")
			}
			_, err = tx.Exec("UPDATE roles SET kind = ? WHERE external_id = ?", string(kind), externalID)
		case domain.RoleFieldGranted:
			granted, ok := value.(time.Time)
			if !ok {
				return platformerrors.New(platformerrors.CodeInvalidArgument, "granted value must be a time")
			}
			if prior.Revoked != nil && prior.Revoked.Before(granted) {
				return platformerrors.New(platformerrors.CodeValidationFailure,
					"grant cannot postdate revocation")
			}
			_, err = tx.Exec("UPDATE roles SET granted = ? WHERE external_id = ?", toMillis(granted), externalID)
		case domain.RoleFieldRevoked:
			revoked, ok := value.(*time.Time)
			if !ok {
				if t, tok := value.(time.Time); tok {
					revoked, ok = &t, true
				}
			}
			if !ok {
				return platformerrors.New(platformerrors.CodeInvalidArgument, "revoked value must be a time or nil")
			}
			if revoked != nil && revoked.Before(prior.Granted) {
				return platformerrors.New(platformerrors.CodeValidationFailure,
					"role revocation precedes its grant")
			}
			_, err = tx.Exec("UPDATE roles SET revoked = ? WHERE external_id = ?", toMillisPtr(revoked), externalID)
		case domain.RoleFieldExternalID, domain.RoleFieldUserID:
			return platformerrors.New(platformerrors.CodeProtectedFieldEdit, "role identity fields cannot be edited")
		default:
			return platformerrors.New(platformerrors.CodeInvalidArgument, "unknown role field")
		}
		if err != nil {
			return storagef("update role", err)
		}

		updated, err = s.getRoleTx(tx, externalID)
		return err
	})
	if err != nil {
		return err
	}

	s.roleCache.Invalidate(prior.UserID)
	s.roleEvents.Publish(event.UpdatedEvent(updated, prior))
	return nil
}

type teacherTriple struct {
	teacherID domain.UserID
	classID   domain.ClassID
	journalID domain.JournalID
}

// TriggerRolesUpdate reconciles teacher roles against the scheduled lessons of
// the current school year: every (teacher, class, journal) triple implied by a
// lesson gets an active TEACHER role spanning the school year, unless one
// already covers it. Returns the roles it created.
func (s *Store) TriggerRolesUpdate(ctx context.Context) ([]domain.Role, error) {
	now := s.now().UTC()
	yearStart := domain.SchoolYearStart(now)
	yearEnd := domain.SchoolYearEnd(now)

	var created []domain.Role
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		lessons, err := queryLessonsTx(tx,
			"SELECT id, title, date, position, teachers, class_id, subgroup_id, journal_id FROM lessons WHERE date >= ? AND date <= ?",
			string(yearStart), string(yearEnd))
		if err != nil {
			return err
		}

		needed := make(map[teacherTriple]bool)
		var order []teacherTriple
		for _, lesson := range lessons {
			for _, teacher := range lesson.Teachers {
				triple := teacherTriple{teacherID: teacher, classID: lesson.ClassID, journalID: lesson.JournalID}
				if !needed[triple] {
					needed[triple] = true
					order = append(order, triple)
				}
			}
		}

		covered := make(map[teacherTriple]bool)
		rows, err := tx.Query(
			"SELECT user_id, class_id, journal_id, revoked FROM roles WHERE kind = ? AND class_id IS NOT NULL AND journal_id IS NOT NULL",
			string(domain.RoleKindTeacher))
		if err != nil {
			return storagef("query teacher roles", err)
		}
		for rows.Next() {
			var (
				userID, classID, journalID int
				revoked                    sql.NullInt64
			)
			if err := rows.Scan(&userID, &classID, &journalID, &revoked); err != nil {
				rows.Close()
				return storagef("scan teacher role", err)
			}
			if revoked.Valid && fromMillis(revoked.Int64).Before(now) {
				continue
			}
			covered[teacherTriple{teacherID: userID, classID: classID, journalID: journalID}] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return storagef("query teacher roles", err)
		}

		for _, triple := range order {
			if covered[triple] {
				continue
			}
			info, err := json.Marshal(struct {
				ClassID   int `json:"classID"`
				JournalID int `json:"journalID"`
			}{ClassID: triple.classID, JournalID: triple.journalID})
			if err != nil {
				return storagef("encode role payload", err)
			}
			expiration := yearEnd.Time()
			role, err := s.appendRoleTx(tx, storage.NewRole{
				UserID:      triple.teacherID,
				Kind:        domain.RoleKindTeacher,
				Information: info,
				Granted:     yearStart.Time(),
				Expiration:  &expiration,
			})
			if err != nil {
				return err
			}
			created = append(created, role)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	events := make([]event.Event[domain.Role], 0, len(created))
	for _, role := range created {
		s.roleCache.Invalidate(role.UserID)
		events = append(events, event.CreatedEvent(role))
	}
	s.roleEvents.Publish(events...)
	return created, nil
}

// RoleEvents returns the role change-event stream.
func (s *Store) RoleEvents() *event.Bus[domain.Role] {
	return s.roleEvents
}

func (s *Store) getRoleTx(tx *sql.Tx, externalID string) (domain.Role, error) {
	row := tx.QueryRow(
		"SELECT external_id, user_id, kind, info, granted, revoked FROM roles WHERE external_id = ?",
		externalID)
	role, err := s.scanRole(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Role{}, platformerrors.WithMetadata(platformerrors.CodeRoleNotFound,
				"role not found", map[string]string{"roleID": externalID})
		}
		return domain.Role{}, err
	}
	return role, nil
}

func getRolesForUserTx(tx *sql.Tx, s *Store, id domain.UserID) ([]domain.Role, error) {
	return s.queryRolesTx(tx,
		"SELECT external_id, user_id, kind, info, granted, revoked FROM roles WHERE user_id = ? ORDER BY external_id", id)
}

func (s *Store) queryRolesTx(tx *sql.Tx, query string, args ...any) ([]domain.Role, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, storagef("query roles", err)
	}
	defer rows.Close()
	var roles []domain.Role
	for rows.Next() {
		role, err := s.scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rowsErr(rows, "query roles")
}

func (s *Store) scanRole(row rowScanner) (domain.Role, error) {
	var (
		role    domain.Role
		kind    string
		info    []byte
		granted int64
		revoked sql.NullInt64
	)
	if err := row.Scan(&role.ExternalID, &role.UserID, &kind, &info, &granted, &revoked); err != nil {
		return domain.Role{}, storagef("scan role", err)
	}
	opened, err := s.openPayload(info)
	if err != nil {
		return domain.Role{}, err
	}
	role.Kind = domain.RoleKind(kind)
	role.Information = opened
	role.Granted = fromMillis(granted)
	if revoked.Valid {
		t := fromMillis(revoked.Int64)
		role.Revoked = &t
	}
	return role, nil
}

var _ storage.RoleProvider = (*Store)(nil)
