package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"strconv"

	"github.com/louisbranch/rollcall/internal/domain"
	"github.com/louisbranch/rollcall/internal/event"
	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
	"github.com/louisbranch/rollcall/internal/storage"
)

const absenceColumns = "id, student_id, class_id, date, type, lessons, created_by, created_at, updated_by, updated_at"

func validateNewAbsence(absence storage.NewAbsence) error {
	if !absence.Date.Valid() {
		return platformerrors.New(platformerrors.CodeValidationFailure, "absence date is not a calendar date")
	}
	if !absence.Type.Valid() {
		return platformerrors.WithMetadata(platformerrors.CodeValidationFailure,
			"unknown absence type", map[string]string{"type": string(absence.Type)})
	}
	return validateLessonSlots(absence.Lessons)
}

func validateLessonSlots(slots []int) error {
	for _, slot := range slots {
		if slot < 0 || slot > domain.MaxLessonPosition {
			return platformerrors.WithMetadata(platformerrors.CodeValidationFailure,
				"lesson slot out of range", map[string]string{"slot": strconv.Itoa(slot)})
		}
	}
	return nil
}

// CreateAbsence records one student's absence. At most one record may exist
// per (student, date); a second create for the same pair is a conflict.
func (s *Store) CreateAbsence(ctx context.Context, absence storage.NewAbsence) (domain.AbsenceRecord, error) {
	records, err := s.CreateAbsences(ctx, []storage.NewAbsence{absence})
	if err != nil {
		return domain.AbsenceRecord{}, err
	}
	return records[0], nil
}

// CreateAbsences records a batch of absences atomically. Record IDs come from
// the absence sequence inside the same transaction.
func (s *Store) CreateAbsences(ctx context.Context, absences []storage.NewAbsence) ([]domain.AbsenceRecord, error) {
	if len(absences) == 0 {
		return nil, nil
	}
	for _, absence := range absences {
		if err := validateNewAbsence(absence); err != nil {
			return nil, err
		}
	}

	now := fromMillis(toMillis(s.now()))
	var created []domain.AbsenceRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, absence := range absences {
			student, err := getUserTx(tx, absence.StudentID)
			if err != nil {
				return err
			}
			if _, err := getClassTx(tx, absence.ClassID); err != nil {
				return err
			}
			creator, err := s.getRoleTx(tx, absence.CreatorRoleID)
			if err != nil {
				return err
			}
			creatorUser, err := getUserTx(tx, creator.UserID)
			if err != nil {
				return err
			}

			var existing int64
			err = tx.QueryRow("SELECT id FROM absences WHERE student_id = ? AND date = ?",
				absence.StudentID, string(absence.Date)).Scan(&existing)
			if err == nil {
				return platformerrors.WithMetadata(platformerrors.CodeAbsenceConflict,
					"absence already recorded for student and date",
					map[string]string{
						"studentID": strconv.Itoa(absence.StudentID),
						"date":      string(absence.Date),
					})
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return storagef("check absence uniqueness", err)
			}

			// A real record supersedes the data-rich marker, so the
			// class can be re-marked once this date has records again.
			if _, err := tx.Exec("DELETE FROM dummy_absences WHERE class_id = ? AND date = ?",
				absence.ClassID, string(absence.Date)); err != nil {
				return storagef("clear data-rich marker", err)
			}

			id, err := nextAbsenceID(tx)
			if err != nil {
				return err
			}
			lessons, err := json.Marshal(lessonSlots(absence.Lessons))
			if err != nil {
				return storagef("encode absence lessons", err)
			}
			if _, err := tx.Exec(
				`INSERT INTO absences (id, student_id, class_id, date, type, lessons, created_by, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				id, absence.StudentID, absence.ClassID, string(absence.Date),
				string(absence.Type), string(lessons), absence.CreatorRoleID, toMillis(now),
			); err != nil {
				return storagef("insert absence", err)
			}

			created = append(created, domain.AbsenceRecord{
				ID:        id,
				Student:   student,
				ClassID:   absence.ClassID,
				Date:      absence.Date,
				Type:      absence.Type,
				Lessons:   lessonSlots(absence.Lessons),
				CreatedBy: domain.Author{User: creatorUser, Role: creator},
				CreatedAt: now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	events := make([]event.Event[domain.AbsenceRecord], 0, len(created))
	for _, record := range created {
		s.absenceCache.Put(record.ID, record)
		events = append(events, event.CreatedEvent(record))
	}
	s.absenceEvents.Publish(events...)
	return created, nil
}

// GetAbsence returns the absence record with the given ID, consulting the
// absence cache first.
func (s *Store) GetAbsence(ctx context.Context, id domain.AbsenceID) (domain.AbsenceRecord, error) {
	if record, ok := s.absenceCache.Get(id); ok {
		return record, nil
	}
	var record domain.AbsenceRecord
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		record, err = s.getAbsenceTx(tx, id)
		return err
	})
	if err != nil {
		return domain.AbsenceRecord{}, err
	}
	s.absenceCache.Put(id, record)
	return record, nil
}

// GetAllAbsences returns every stored absence record ordered by ID.
func (s *Store) GetAllAbsences(ctx context.Context) ([]domain.AbsenceRecord, error) {
	return s.readAbsences(ctx, "SELECT "+absenceColumns+" FROM absences ORDER BY id")
}

// GetAbsences returns the absence records for the given date.
func (s *Store) GetAbsences(ctx context.Context, date domain.Date) ([]domain.AbsenceRecord, error) {
	return s.readAbsences(ctx,
		"SELECT "+absenceColumns+" FROM absences WHERE date = ? ORDER BY id", string(date))
}

// GetAbsencesBetween returns the absence records inside the closed date
// interval [from, to].
func (s *Store) GetAbsencesBetween(ctx context.Context, from, to domain.Date) ([]domain.AbsenceRecord, error) {
	return s.readAbsences(ctx,
		"SELECT "+absenceColumns+" FROM absences WHERE date >= ? AND date <= ? ORDER BY date, id",
		string(from), string(to))
}

// GetAbsencesForClass returns the class's absence records for the given date.
func (s *Store) GetAbsencesForClass(ctx context.Context, id domain.ClassID, date domain.Date) ([]domain.AbsenceRecord, error) {
	return s.readAbsences(ctx,
		"SELECT "+absenceColumns+" FROM absences WHERE class_id = ? AND date = ? ORDER BY id",
		id, string(date))
}

// GetAbsencesForClassBetween returns the class's absence records inside the
// closed date interval [from, to].
func (s *Store) GetAbsencesForClassBetween(ctx context.Context, id domain.ClassID, from, to domain.Date) ([]domain.AbsenceRecord, error) {
	return s.readAbsences(ctx,
		"SELECT "+absenceColumns+" FROM absences WHERE class_id = ? AND date >= ? AND date <= ? ORDER BY date, id",
		id, string(from), string(to))
}

// GetAbsencesForUser returns the student's absence records inside the closed
// date interval [from, to].
func (s *Store) GetAbsencesForUser(ctx context.Context, id domain.UserID, from, to domain.Date) ([]domain.AbsenceRecord, error) {
	return s.readAbsences(ctx,
		"SELECT "+absenceColumns+" FROM absences WHERE student_id = ? AND date >= ? AND date <= ? ORDER BY date, id",
		id, string(from), string(to))
}

// UpdateAbsence mutates the record's type or skipped-lesson list, attributing
// the change to the acting role. Identity and link fields are protected.
func (s *Store) UpdateAbsence(ctx context.Context, actorRoleID string, id domain.AbsenceID, field domain.AbsenceField, value any) error {
	now := toMillis(s.now())
	var prior, updated domain.AbsenceRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getRoleTx(tx, actorRoleID); err != nil {
			return err
		}
		var err error
		prior, err = s.getAbsenceTx(tx, id)
		if err != nil {
			return err
		}

		switch field {
		case domain.AbsenceFieldType:
			kind, ok := value.(domain.AbsenceType)
			if !ok {
				return platformerrors.New(platformerrors.CodeInvalidArgument, "absence type value must be an AbsenceType")
			}
			if !kind.Valid() {
				return platformerrors.WithMetadata(platformerrors.CodeValidationFailure,
					"unknown absence type", map[string]string{"type": string(kind)})
			}
			_, err = tx.Exec("UPDATE absences SET type = ?, updated_by = ?, updated_at = ? WHERE id = ?",
				string(kind), actorRoleID, now, id)
		case domain.AbsenceFieldLessons:
			slots, ok := value.([]int)
			if !ok {
				return platformerrors.New(platformerrors.CodeInvalidArgument, "absence lessons value must be a slot list")
			}
			if err := validateLessonSlots(slots); err != nil {
				return err
			}
			encoded, merr := json.Marshal(lessonSlots(slots))
			if merr != nil {
				return storagef("encode absence lessons", merr)
			}
			_, err = tx.Exec("UPDATE absences SET lessons = ?, updated_by = ?, updated_at = ? WHERE id = ?",
				string(encoded), actorRoleID, now, id)
		case domain.AbsenceFieldID, domain.AbsenceFieldStudent, domain.AbsenceFieldClassID:
			return platformerrors.New(platformerrors.CodeProtectedFieldEdit, "absence identity fields cannot be edited")
		default:
			return platformerrors.New(platformerrors.CodeInvalidArgument, "unknown absence field")
		}
		if err != nil {
			return storagef("update absence", err)
		}

		updated, err = s.getAbsenceTx(tx, id)
		return err
	})
	if err != nil {
		return err
	}

	s.absenceCache.Put(id, updated)
	s.absenceEvents.Publish(event.UpdatedEvent(updated, prior))
	return nil
}

// MarkClassAsDataRich records that the class has been confirmed for the date.
// Idempotent per (class, date): a second call is a no-op. The first call
// creates the marker and, in the same transaction, blanks the skipped-lesson
// lists of any pre-existing absence records for that (class, date),
// attributing the blanking to the acting role.
func (s *Store) MarkClassAsDataRich(ctx context.Context, actorRoleID string, id domain.ClassID, date domain.Date) error {
	if !date.Valid() {
		return platformerrors.New(platformerrors.CodeValidationFailure, "date is not a calendar date")
	}

	now := toMillis(s.now())
	type blanked struct {
		prior, updated domain.AbsenceRecord
	}
	var changes []blanked
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getRoleTx(tx, actorRoleID); err != nil {
			return err
		}
		if _, err := getClassTx(tx, id); err != nil {
			return err
		}

		var exists int
		err := tx.QueryRow("SELECT COUNT(*) FROM dummy_absences WHERE class_id = ? AND date = ?",
			id, string(date)).Scan(&exists)
		if err != nil {
			return storagef("check data-rich marker", err)
		}
		if exists > 0 {
			return nil
		}

		if _, err := tx.Exec(
			"INSERT INTO dummy_absences (class_id, date, created_by, created_at) VALUES (?, ?, ?, ?)",
			id, string(date), actorRoleID, now,
		); err != nil {
			return storagef("insert data-rich marker", err)
		}

		existing, err := s.queryAbsencesTx(tx,
			"SELECT "+absenceColumns+" FROM absences WHERE class_id = ? AND date = ? ORDER BY id",
			id, string(date))
		if err != nil {
			return err
		}
		for _, prior := range existing {
			if _, err := tx.Exec(
				"UPDATE absences SET lessons = '[]', updated_by = ?, updated_at = ? WHERE id = ?",
				actorRoleID, now, prior.ID,
			); err != nil {
				return storagef("blank absence lessons", err)
			}
			updated, err := s.getAbsenceTx(tx, prior.ID)
			if err != nil {
				return err
			}
			changes = append(changes, blanked{prior: prior, updated: updated})
		}
		return nil
	})
	if err != nil {
		return err
	}

	events := make([]event.Event[domain.AbsenceRecord], 0, len(changes))
	for _, change := range changes {
		s.absenceCache.Put(change.updated.ID, change.updated)
		events = append(events, event.UpdatedEvent(change.updated, change.prior))
	}
	s.absenceEvents.Publish(events...)
	return nil
}

// GetClassesWithoutAbsenceInfo returns the classes with neither an absence
// record nor a data-rich marker for the given date.
func (s *Store) GetClassesWithoutAbsenceInfo(ctx context.Context, date domain.Date) ([]domain.ClassID, error) {
	var classes []domain.ClassID
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query(
			`SELECT id FROM classes
			 WHERE id NOT IN (SELECT class_id FROM absences WHERE date = ?)
			   AND id NOT IN (SELECT class_id FROM dummy_absences WHERE date = ?)
			 ORDER BY id`,
			string(date), string(date))
		if err != nil {
			return storagef("query uncovered classes", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id domain.ClassID
			if err := rows.Scan(&id); err != nil {
				return storagef("scan class id", err)
			}
			classes = append(classes, id)
		}
		return rowsErr(rows, "query uncovered classes")
	})
	if err != nil {
		return nil, err
	}
	return classes, nil
}

// GetClassesWithoutAbsenceInfoBetween returns the classes missing absence
// info for at least one date of the closed interval [from, to].
func (s *Store) GetClassesWithoutAbsenceInfoBetween(ctx context.Context, from, to domain.Date) ([]domain.ClassID, error) {
	dates := domain.DatesBetween(from, to)
	if len(dates) == 0 {
		return nil, nil
	}

	var classes []domain.ClassID
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		allClasses, err := classIDsTx(tx)
		if err != nil {
			return err
		}
		covered, err := coveredDatesTx(tx, from, to)
		if err != nil {
			return err
		}
		for _, class := range allClasses {
			for _, date := range dates {
				if !covered[coverageKey{classID: class, date: date}] {
					classes = append(classes, class)
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Ints(classes)
	return classes, nil
}

// GetDatesWithoutAbsenceInfo returns the dates of the closed interval
// [from, to] with neither an absence record nor a data-rich marker for the
// class.
func (s *Store) GetDatesWithoutAbsenceInfo(ctx context.Context, id domain.ClassID, from, to domain.Date) ([]domain.Date, error) {
	dates := domain.DatesBetween(from, to)
	if len(dates) == 0 {
		return nil, nil
	}

	var missing []domain.Date
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		if _, err := getClassTx(tx, id); err != nil {
			return err
		}
		covered, err := coveredDatesTx(tx, from, to)
		if err != nil {
			return err
		}
		for _, date := range dates {
			if !covered[coverageKey{classID: id, date: date}] {
				missing = append(missing, date)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return missing, nil
}

// AbsenceEvents returns the absence change-event stream.
func (s *Store) AbsenceEvents() *event.Bus[domain.AbsenceRecord] {
	return s.absenceEvents
}

type coverageKey struct {
	classID domain.ClassID
	date    domain.Date
}

func classIDsTx(tx *sql.Tx) ([]domain.ClassID, error) {
	rows, err := tx.Query("SELECT id FROM classes ORDER BY id")
	if err != nil {
		return nil, storagef("query classes", err)
	}
	defer rows.Close()
	var ids []domain.ClassID
	for rows.Next() {
		var id domain.ClassID
		if err := rows.Scan(&id); err != nil {
			return nil, storagef("scan class id", err)
		}
		ids = append(ids, id)
	}
	return ids, rowsErr(rows, "query classes")
}

// coveredDatesTx collects the (class, date) pairs carrying either a real
// absence record or a data-rich marker inside [from, to].
func coveredDatesTx(tx *sql.Tx, from, to domain.Date) (map[coverageKey]bool, error) {
	covered := make(map[coverageKey]bool)
	for _, query := range []string{
		"SELECT DISTINCT class_id, date FROM absences WHERE date >= ? AND date <= ?",
		"SELECT DISTINCT class_id, date FROM dummy_absences WHERE date >= ? AND date <= ?",
	} {
		rows, err := tx.Query(query, string(from), string(to))
		if err != nil {
			return nil, storagef("query coverage", err)
		}
		for rows.Next() {
			var (
				classID domain.ClassID
				date    string
			)
			if err := rows.Scan(&classID, &date); err != nil {
				rows.Close()
				return nil, storagef("scan coverage", err)
			}
			covered[coverageKey{classID: classID, date: domain.Date(date)}] = true
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, storagef("query coverage", err)
		}
	}
	return covered, nil
}

func (s *Store) readAbsences(ctx context.Context, query string, args ...any) ([]domain.AbsenceRecord, error) {
	var records []domain.AbsenceRecord
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		records, err = s.queryAbsencesTx(tx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

type absenceRow struct {
	id        int64
	studentID int
	classID   int
	date      string
	kind      string
	lessons   string
	createdBy string
	createdAt int64
	updatedBy sql.NullString
	updatedAt sql.NullInt64
}

func (s *Store) queryAbsencesTx(tx *sql.Tx, query string, args ...any) ([]domain.AbsenceRecord, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, storagef("query absences", err)
	}
	var raw []absenceRow
	for rows.Next() {
		var row absenceRow
		if err := rows.Scan(&row.id, &row.studentID, &row.classID, &row.date, &row.kind,
			&row.lessons, &row.createdBy, &row.createdAt, &row.updatedBy, &row.updatedAt); err != nil {
			rows.Close()
			return nil, storagef("scan absence", err)
		}
		raw = append(raw, row)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, storagef("query absences", err)
	}

	records := make([]domain.AbsenceRecord, 0, len(raw))
	for _, row := range raw {
		record, err := s.resolveAbsenceTx(tx, row)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// resolveAbsenceTx hydrates a raw absence row into its full record, resolving
// the student and the authoring roles inside the same transaction.
func (s *Store) resolveAbsenceTx(tx *sql.Tx, row absenceRow) (domain.AbsenceRecord, error) {
	student, err := getUserTx(tx, row.studentID)
	if err != nil {
		return domain.AbsenceRecord{}, err
	}
	creatorRole, err := s.getRoleTx(tx, row.createdBy)
	if err != nil {
		return domain.AbsenceRecord{}, err
	}
	creatorUser, err := getUserTx(tx, creatorRole.UserID)
	if err != nil {
		return domain.AbsenceRecord{}, err
	}

	record := domain.AbsenceRecord{
		ID:        row.id,
		Student:   student,
		ClassID:   row.classID,
		Date:      domain.Date(row.date),
		Type:      domain.AbsenceType(row.kind),
		CreatedBy: domain.Author{User: creatorUser, Role: creatorRole},
		CreatedAt: fromMillis(row.createdAt),
	}
	if err := json.Unmarshal([]byte(row.lessons), &record.Lessons); err != nil {
		return domain.AbsenceRecord{}, storagef("decode absence lessons", err)
	}
	if row.updatedBy.Valid {
		updaterRole, err := s.getRoleTx(tx, row.updatedBy.String)
		if err != nil {
			return domain.AbsenceRecord{}, err
		}
		updaterUser, err := getUserTx(tx, updaterRole.UserID)
		if err != nil {
			return domain.AbsenceRecord{}, err
		}
		record.UpdatedBy = &domain.Author{User: updaterUser, Role: updaterRole}
	}
	if row.updatedAt.Valid {
		t := fromMillis(row.updatedAt.Int64)
		record.UpdatedAt = &t
	}
	return record, nil
}

func (s *Store) getAbsenceTx(tx *sql.Tx, id domain.AbsenceID) (domain.AbsenceRecord, error) {
	records, err := s.queryAbsencesTx(tx, "SELECT "+absenceColumns+" FROM absences WHERE id = ?", id)
	if err != nil {
		return domain.AbsenceRecord{}, err
	}
	if len(records) == 0 {
		return domain.AbsenceRecord{}, platformerrors.WithMetadata(platformerrors.CodeAbsenceNotFound,
			"absence not found", map[string]string{"absenceID": strconv.FormatInt(id, 10)})
	}
	return records[0], nil
}

// lessonSlots keeps the serialized form stable for empty sets.
func lessonSlots(slots []int) []int {
	if slots == nil {
		return []int{}
	}
	return slots
}

var _ storage.AbsenceProvider = (*Store)(nil)
