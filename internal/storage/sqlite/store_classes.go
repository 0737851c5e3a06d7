package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/louisbranch/rollcall/internal/domain"
	"github.com/louisbranch/rollcall/internal/event"
	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
	"github.com/louisbranch/rollcall/internal/storage"
)

// CreateClass stores a new school class. Creating an ID that already exists
// is a conflict.
func (s *Store) CreateClass(ctx context.Context, class domain.SchoolClass) error {
	return s.CreateClasses(ctx, []domain.SchoolClass{class})
}

// CreateClasses stores a batch of classes atomically.
func (s *Store) CreateClasses(ctx context.Context, classes []domain.SchoolClass) error {
	if len(classes) == 0 {
		return nil
	}
	for _, class := range classes {
		if strings.TrimSpace(class.Title) == "" {
			return platformerrors.New(platformerrors.CodeValidationFailure, "class title cannot be blank")
		}
		if !class.Shift.Valid() {
			return platformerrors.New(platformerrors.CodeValidationFailure, "unknown class shift")
		}
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, class := range classes {
			if _, err := getClassTx(tx, class.ID); err == nil {
				return platformerrors.WithMetadata(platformerrors.CodeClassConflict,
					"class already exists",
					map[string]string{"classID": strconv.Itoa(class.ID)})
			} else if !platformerrors.IsCode(err, platformerrors.CodeClassNotFound) {
				return err
			}
			if _, err := tx.Exec(
				"INSERT INTO classes (id, title, shift, ordering) VALUES (?, ?, ?, NULL)",
				class.ID, class.Title, string(class.Shift),
			); err != nil {
				return storagef("insert class", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, class := range classes {
		s.classCache.Put(class.ID, class)
	}
	return nil
}

// GetClass returns the class with the given ID, consulting the class cache
// first.
func (s *Store) GetClass(ctx context.Context, id domain.ClassID) (domain.SchoolClass, error) {
	if class, ok := s.classCache.Get(id); ok {
		return class, nil
	}
	var class domain.SchoolClass
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		class, err = getClassTx(tx, id)
		return err
	})
	if err != nil {
		return domain.SchoolClass{}, err
	}
	s.classCache.Put(id, class)
	return class, nil
}

// GetClasses returns every stored class ordered by ID.
func (s *Store) GetClasses(ctx context.Context) ([]domain.SchoolClass, error) {
	var classes []domain.SchoolClass
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query("SELECT id, title, shift FROM classes ORDER BY id")
		if err != nil {
			return storagef("query classes", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				class domain.SchoolClass
				shift string
			)
			if err := rows.Scan(&class.ID, &class.Title, &shift); err != nil {
				return storagef("scan class", err)
			}
			class.Shift = domain.Shift(shift)
			classes = append(classes, class)
		}
		return rowsErr(rows, "query classes")
	})
	if err != nil {
		return nil, err
	}
	cached := make(map[domain.ClassID]domain.SchoolClass, len(classes))
	for _, class := range classes {
		cached[class.ID] = class
	}
	s.classCache.PutAll(cached)
	return classes, nil
}

// GetPupilsOrdering returns the class's explicit pupil ordering when one has
// been set, and otherwise derives one by ranking the class's active student
// role holders by last then first name. Derived orderings are not persisted.
func (s *Store) GetPupilsOrdering(ctx context.Context, id domain.ClassID) ([]domain.OrderingEntry, error) {
	if ordering, ok := s.orderingCache.Get(id); ok {
		return ordering, nil
	}

	var ordering []domain.OrderingEntry
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		var stored []byte
		err := tx.QueryRow("SELECT ordering FROM classes WHERE id = ?", id).Scan(&stored)
		if errors.Is(err, sql.ErrNoRows) {
			return classNotFound(id)
		}
		if err != nil {
			return storagef("read class ordering", err)
		}
		if stored != nil {
			if err := json.Unmarshal(stored, &ordering); err != nil {
				return storagef("decode class ordering", err)
			}
			return nil
		}
		ordering, err = deriveOrderingTx(tx, s, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.orderingCache.Put(id, ordering)
	return ordering, nil
}

// deriveOrderingTx ranks the class's active student role holders by
// (last name, first name) lexicographically, 1-based.
func deriveOrderingTx(tx *sql.Tx, s *Store, id domain.ClassID) ([]domain.OrderingEntry, error) {
	now := toMillis(s.now())
	rows, err := tx.Query(
		`SELECT DISTINCT u.id, u.first_name, u.last_name
		 FROM roles r JOIN users u ON u.id = r.user_id
		 WHERE r.kind = ? AND r.class_id = ? AND (r.revoked IS NULL OR r.revoked > ?)`,
		string(domain.RoleKindStudent), id, now)
	if err != nil {
		return nil, storagef("query class students", err)
	}
	defer rows.Close()

	type pupil struct {
		id          domain.UserID
		first, last string
	}
	var pupils []pupil
	for rows.Next() {
		var p pupil
		if err := rows.Scan(&p.id, &p.first, &p.last); err != nil {
			return nil, storagef("scan class student", err)
		}
		pupils = append(pupils, p)
	}
	if err := rowsErr(rows, "query class students"); err != nil {
		return nil, err
	}

	sort.Slice(pupils, func(i, j int) bool {
		if pupils[i].last != pupils[j].last {
			return pupils[i].last < pupils[j].last
		}
		return pupils[i].first < pupils[j].first
	})

	ordering := make([]domain.OrderingEntry, 0, len(pupils))
	for rank, p := range pupils {
		ordering = append(ordering, domain.OrderingEntry{UserID: p.id, Rank: rank + 1})
	}
	return ordering, nil
}

// SetPupilsOrdering persists an explicit pupil ordering for the class,
// replacing any previously set or derived one.
func (s *Store) SetPupilsOrdering(ctx context.Context, id domain.ClassID, ordering []domain.OrderingEntry) error {
	seen := make(map[domain.UserID]bool, len(ordering))
	for _, entry := range ordering {
		if entry.Rank < 1 {
			return platformerrors.New(platformerrors.CodeValidationFailure, "ordering ranks are 1-based")
		}
		if seen[entry.UserID] {
			return platformerrors.New(platformerrors.CodeValidationFailure, "duplicate user in ordering")
		}
		seen[entry.UserID] = true
	}

	encoded, err := json.Marshal(ordering)
	if err != nil {
		return storagef("encode class ordering", err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getClassTx(tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE classes SET ordering = ? WHERE id = ?", encoded, id); err != nil {
			return storagef("set class ordering", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.orderingCache.Put(id, ordering)
	return nil
}

// GetSubgroups returns the subgroups linked to the class, members included.
func (s *Store) GetSubgroups(ctx context.Context, id domain.ClassID) ([]domain.Subgroup, error) {
	var subgroups []domain.Subgroup
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		if _, err := getClassTx(tx, id); err != nil {
			return err
		}
		rows, err := tx.Query("SELECT id, class_id, title FROM subgroups WHERE class_id = ? ORDER BY id", id)
		if err != nil {
			return storagef("query subgroups", err)
		}
		defer rows.Close()
		for rows.Next() {
			var sub domain.Subgroup
			if err := rows.Scan(&sub.ID, &sub.ClassID, &sub.Title); err != nil {
				return storagef("scan subgroup", err)
			}
			subgroups = append(subgroups, sub)
		}
		if err := rowsErr(rows, "query subgroups"); err != nil {
			return err
		}
		for i := range subgroups {
			members, err := subgroupMembersTx(tx, subgroups[i].ID)
			if err != nil {
				return err
			}
			subgroups[i].Members = members
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return subgroups, nil
}

// UpdateClass mutates the class title or shift. The class ID is protected.
func (s *Store) UpdateClass(ctx context.Context, id domain.ClassID, field domain.ClassField, value any) error {
	var updated domain.SchoolClass
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getClassTx(tx, id); err != nil {
			return err
		}

		var err error
		switch field {
		case domain.ClassFieldTitle:
			title, ok := value.(string)
			if !ok {
				return platformerrors.New(platformerrors.CodeInvalidArgument, "class title value must be a string")
			}
			if strings.TrimSpace(title) == "" {
				return platformerrors.New(platformerrors.CodeValidationFailure, "class title cannot be blank")
			}
			_, err = tx.Exec("UPDATE classes SET title = ? WHERE id = ?", title, id)
		case domain.ClassFieldShift:
			shift, ok := value.(domain.Shift)
			if !ok {
				return platformerrors.New(platformerrors.CodeInvalidArgument, "class shift value must be a Shift")
			}
			if !shift.Valid() {
				return platformerrors.New(platformerrors.CodeValidationFailure, "unknown class shift")
			}
			_, err = tx.Exec("UPDATE classes SET shift = ? WHERE id = ?", string(shift), id)
		case domain.ClassFieldID:
			return platformerrors.New(platformerrors.CodeProtectedFieldEdit, "class ID cannot be edited")
		default:
			return platformerrors.New(platformerrors.CodeInvalidArgument, "unknown class field")
		}
		if err != nil {
			return storagef("update class", err)
		}
		updated, err = getClassTx(tx, id)
		return err
	})
	if err != nil {
		return err
	}

	s.classCache.Put(id, updated)
	return nil
}

// DeleteClass removes the class and cascades to its lessons. The delete is
// rejected while any absence record, data-rich marker or subgroup references
// the class.
func (s *Store) DeleteClass(ctx context.Context, id domain.ClassID) error {
	var deletedLessons []domain.Lesson
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getClassTx(tx, id); err != nil {
			return err
		}

		conflict := func(rel storage.Relation) error {
			return platformerrors.WithMetadata(platformerrors.CodeEntityReferenced,
				"class is referenced by "+rel.From+" records",
				map[string]string{"classID": strconv.Itoa(id)})
		}
		if err := checkDeleteRelations(tx, storage.EntityClass, classRelationSQL, id, conflict); err != nil {
			return err
		}

		var err error
		deletedLessons, err = queryLessonsTx(tx,
			"SELECT id, title, date, position, teachers, class_id, subgroup_id, journal_id FROM lessons WHERE class_id = ?", id)
		if err != nil {
			return err
		}
		if err := applyDeleteRelations(tx, storage.EntityClass, classRelationSQL, id); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM classes WHERE id = ?", id); err != nil {
			return storagef("delete class", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.classCache.Invalidate(id)
	s.orderingCache.Invalidate(id)
	events := make([]event.Event[domain.Lesson], 0, len(deletedLessons))
	for _, lesson := range deletedLessons {
		events = append(events, event.DeletedEvent(lesson))
	}
	s.lessonEvents.Publish(events...)
	return nil
}

func classNotFound(id domain.ClassID) error {
	return platformerrors.WithMetadata(platformerrors.CodeClassNotFound,
		"class not found", map[string]string{"classID": strconv.Itoa(id)})
}

func getClassTx(tx *sql.Tx, id domain.ClassID) (domain.SchoolClass, error) {
	var (
		class domain.SchoolClass
		shift string
	)
	err := tx.QueryRow("SELECT id, title, shift FROM classes WHERE id = ?", id).
		Scan(&class.ID, &class.Title, &shift)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SchoolClass{}, classNotFound(id)
	}
	if err != nil {
		return domain.SchoolClass{}, storagef("read class", err)
	}
	class.Shift = domain.Shift(shift)
	return class, nil
}

// invalidateOrderingFor drops the derived-ordering cache entry for the class
// a role payload is scoped to, so role churn shows up in orderings promptly.
func (s *Store) invalidateOrderingFor(information domain.Payload) {
	if scope := scopeOf(information); scope.classID != nil {
		s.orderingCache.Invalidate(*scope.classID)
	}
}

var _ storage.ClassProvider = (*Store)(nil)
