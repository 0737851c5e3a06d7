package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/louisbranch/rollcall/internal/domain"
	"github.com/louisbranch/rollcall/internal/event"
	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
	"github.com/louisbranch/rollcall/internal/storage"
)

const lessonColumns = "id, title, date, position, teachers, class_id, subgroup_id, journal_id"

func validateLesson(lesson domain.Lesson) error {
	if strings.TrimSpace(lesson.Title) == "" {
		return platformerrors.New(platformerrors.CodeValidationFailure, "lesson title cannot be blank")
	}
	if !lesson.Date.Valid() {
		return platformerrors.New(platformerrors.CodeValidationFailure, "lesson date is not a calendar date")
	}
	if lesson.Position < 0 || lesson.Position > domain.MaxLessonPosition {
		return platformerrors.WithMetadata(platformerrors.CodeValidationFailure,
			"lesson position out of range",
			map[string]string{"position": strconv.Itoa(lesson.Position)})
	}
	return nil
}

// CreateLesson stores a new lesson. Creating an ID that already exists is a
// conflict.
func (s *Store) CreateLesson(ctx context.Context, lesson domain.Lesson) error {
	if err := validateLesson(lesson); err != nil {
		return err
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getClassTx(tx, lesson.ClassID); err != nil {
			return err
		}
		if _, err := getLessonTx(tx, lesson.ID); err == nil {
			return lessonConflict(lesson.ID)
		} else if !platformerrors.IsCode(err, platformerrors.CodeLessonNotFound) {
			return err
		}
		return insertLessonTx(tx, lesson)
	})
	if err != nil {
		return err
	}
	s.lessonEvents.Publish(event.CreatedEvent(lesson))
	return nil
}

// CreateOrUpdateLessons upserts a batch of lessons atomically. Unchanged
// lessons are skipped; changed ones produce update events carrying the prior
// state, new ones produce created events.
func (s *Store) CreateOrUpdateLessons(ctx context.Context, lessons []domain.Lesson) error {
	if len(lessons) == 0 {
		return nil
	}
	for _, lesson := range lessons {
		if err := validateLesson(lesson); err != nil {
			return err
		}
	}

	var events []event.Event[domain.Lesson]
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, lesson := range lessons {
			if _, err := getClassTx(tx, lesson.ClassID); err != nil {
				return err
			}
			prior, err := getLessonTx(tx, lesson.ID)
			switch {
			case err == nil:
				if prior.Equal(lesson) {
					continue
				}
				if err := updateLessonTx(tx, lesson); err != nil {
					return err
				}
				events = append(events, event.UpdatedEvent(lesson, prior))
			case platformerrors.IsCode(err, platformerrors.CodeLessonNotFound):
				if err := insertLessonTx(tx, lesson); err != nil {
					return err
				}
				events = append(events, event.CreatedEvent(lesson))
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.lessonEvents.Publish(events...)
	return nil
}

// GetLesson returns the lesson with the given ID.
func (s *Store) GetLesson(ctx context.Context, id domain.LessonID) (domain.Lesson, error) {
	var lesson domain.Lesson
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		lesson, err = getLessonTx(tx, id)
		return err
	})
	if err != nil {
		return domain.Lesson{}, err
	}
	return lesson, nil
}

// GetAllLessons returns every stored lesson ordered by date and position.
func (s *Store) GetAllLessons(ctx context.Context) ([]domain.Lesson, error) {
	return s.readLessons(ctx, "SELECT "+lessonColumns+" FROM lessons ORDER BY date, position, id")
}

// GetLessons returns the lessons scheduled on the given date.
func (s *Store) GetLessons(ctx context.Context, date domain.Date) ([]domain.Lesson, error) {
	return s.readLessons(ctx,
		"SELECT "+lessonColumns+" FROM lessons WHERE date = ? ORDER BY position, id", string(date))
}

// GetLessonsBetween returns the lessons inside the closed date interval
// [from, to].
func (s *Store) GetLessonsBetween(ctx context.Context, from, to domain.Date) ([]domain.Lesson, error) {
	return s.readLessons(ctx,
		"SELECT "+lessonColumns+" FROM lessons WHERE date >= ? AND date <= ? ORDER BY date, position, id",
		string(from), string(to))
}

// GetLessonsForClass returns all lessons of the class.
func (s *Store) GetLessonsForClass(ctx context.Context, id domain.ClassID) ([]domain.Lesson, error) {
	return s.readLessons(ctx,
		"SELECT "+lessonColumns+" FROM lessons WHERE class_id = ? ORDER BY date, position, id", id)
}

// GetLessonsForClassOn returns the class's lessons on the given date.
func (s *Store) GetLessonsForClassOn(ctx context.Context, id domain.ClassID, date domain.Date) ([]domain.Lesson, error) {
	return s.readLessons(ctx,
		"SELECT "+lessonColumns+" FROM lessons WHERE class_id = ? AND date = ? ORDER BY position, id",
		id, string(date))
}

// GetLessonsForClassBetween returns the class's lessons inside the closed
// date interval [from, to].
func (s *Store) GetLessonsForClassBetween(ctx context.Context, id domain.ClassID, from, to domain.Date) ([]domain.Lesson, error) {
	return s.readLessons(ctx,
		"SELECT "+lessonColumns+" FROM lessons WHERE class_id = ? AND date >= ? AND date <= ? ORDER BY date, position, id",
		id, string(from), string(to))
}

// GetLessonsForTeacher returns every lesson listing the user as a teacher.
// Teacher membership lives inside a serialized set, so this filters in
// memory.
func (s *Store) GetLessonsForTeacher(ctx context.Context, id domain.UserID) ([]domain.Lesson, error) {
	lessons, err := s.readLessons(ctx, "SELECT "+lessonColumns+" FROM lessons ORDER BY date, position, id")
	if err != nil {
		return nil, err
	}
	return filterByTeacher(lessons, id), nil
}

// GetLessonsForTeacherOn returns the teacher's lessons on the given date.
func (s *Store) GetLessonsForTeacherOn(ctx context.Context, id domain.UserID, date domain.Date) ([]domain.Lesson, error) {
	lessons, err := s.GetLessons(ctx, date)
	if err != nil {
		return nil, err
	}
	return filterByTeacher(lessons, id), nil
}

// GetLessonsForTeacherBetween returns the teacher's lessons inside the closed
// date interval [from, to].
func (s *Store) GetLessonsForTeacherBetween(ctx context.Context, id domain.UserID, from, to domain.Date) ([]domain.Lesson, error) {
	lessons, err := s.GetLessonsBetween(ctx, from, to)
	if err != nil {
		return nil, err
	}
	return filterByTeacher(lessons, id), nil
}

// DeleteLesson removes one lesson.
func (s *Store) DeleteLesson(ctx context.Context, id domain.LessonID) error {
	return s.DeleteLessons(ctx, []domain.LessonID{id})
}

// DeleteLessons removes a batch of lessons atomically. Every listed lesson
// must exist.
func (s *Store) DeleteLessons(ctx context.Context, ids []domain.LessonID) error {
	if len(ids) == 0 {
		return nil
	}
	var deleted []domain.Lesson
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			lesson, err := getLessonTx(tx, id)
			if err != nil {
				return err
			}
			if _, err := tx.Exec("DELETE FROM lessons WHERE id = ?", id); err != nil {
				return storagef("delete lesson", err)
			}
			deleted = append(deleted, lesson)
		}
		return nil
	})
	if err != nil {
		return err
	}
	events := make([]event.Event[domain.Lesson], 0, len(deleted))
	for _, lesson := range deleted {
		events = append(events, event.DeletedEvent(lesson))
	}
	s.lessonEvents.Publish(events...)
	return nil
}

// GetJournalTitles resolves journal IDs to titles. Unknown journals map to a
// nil title rather than an error.
func (s *Store) GetJournalTitles(ctx context.Context, ids []domain.JournalID) (map[domain.JournalID]*string, error) {
	titles := make(map[domain.JournalID]*string, len(ids))
	for _, id := range ids {
		titles[id] = nil
	}
	if len(ids) == 0 {
		return titles, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query("SELECT id, title FROM journals WHERE id IN ("+placeholders+")", args...)
		if err != nil {
			return storagef("query journals", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				id    domain.JournalID
				title string
			)
			if err := rows.Scan(&id, &title); err != nil {
				return storagef("scan journal", err)
			}
			titles[id] = &title
		}
		return rowsErr(rows, "query journals")
	})
	if err != nil {
		return nil, err
	}
	return titles, nil
}

// SetJournalTitles upserts journal titles atomically.
func (s *Store) SetJournalTitles(ctx context.Context, titles map[domain.JournalID]string) error {
	if len(titles) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for id, title := range titles {
			if _, err := tx.Exec(
				"INSERT INTO journals (id, title) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET title = excluded.title",
				id, title,
			); err != nil {
				return storagef("upsert journal", err)
			}
		}
		return nil
	})
}

// CreateSubgroup stores a new subgroup linked to an existing class. Members
// must each hold an active student role scoped to that class.
func (s *Store) CreateSubgroup(ctx context.Context, subgroup domain.Subgroup) error {
	return s.CreateSubgroups(ctx, []domain.Subgroup{subgroup})
}

// CreateSubgroups stores a batch of subgroups atomically.
func (s *Store) CreateSubgroups(ctx context.Context, subgroups []domain.Subgroup) error {
	if len(subgroups) == 0 {
		return nil
	}
	for _, subgroup := range subgroups {
		if strings.TrimSpace(subgroup.Title) == "" {
			return platformerrors.New(platformerrors.CodeValidationFailure, "subgroup title cannot be blank")
		}
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, subgroup := range subgroups {
			if _, err := getClassTx(tx, subgroup.ClassID); err != nil {
				return err
			}
			if _, err := getSubgroupTx(tx, subgroup.ID); err == nil {
				return platformerrors.WithMetadata(platformerrors.CodeSubgroupConflict,
					"subgroup already exists",
					map[string]string{"subgroupID": strconv.Itoa(subgroup.ID)})
			} else if !platformerrors.IsCode(err, platformerrors.CodeSubgroupNotFound) {
				return err
			}
			if _, err := tx.Exec(
				"INSERT INTO subgroups (id, class_id, title) VALUES (?, ?, ?)",
				subgroup.ID, subgroup.ClassID, subgroup.Title,
			); err != nil {
				return storagef("insert subgroup", err)
			}
			if err := s.setSubgroupMembersTx(tx, subgroup.ID, subgroup.ClassID, subgroup.Members); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetSubgroup returns the subgroup with the given ID, members included.
func (s *Store) GetSubgroup(ctx context.Context, id domain.SubgroupID) (domain.Subgroup, error) {
	var subgroup domain.Subgroup
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		subgroup, err = getSubgroupTx(tx, id)
		if err != nil {
			return err
		}
		subgroup.Members, err = subgroupMembersTx(tx, id)
		return err
	})
	if err != nil {
		return domain.Subgroup{}, err
	}
	return subgroup, nil
}

// UpdateSubgroup mutates the subgroup title or member set. The subgroup ID
// and its class link are protected.
func (s *Store) UpdateSubgroup(ctx context.Context, id domain.SubgroupID, field domain.SubgroupField, value any) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		subgroup, err := getSubgroupTx(tx, id)
		if err != nil {
			return err
		}

		switch field {
		case domain.SubgroupFieldTitle:
			title, ok := value.(string)
			if !ok {
				return platformerrors.New(platformerrors.CodeInvalidArgument, "subgroup title value must be a string")
			}
			if strings.TrimSpace(title) == "" {
				return platformerrors.New(platformerrors.CodeValidationFailure, "subgroup title cannot be blank")
			}
			if _, err := tx.Exec("UPDATE subgroups SET title = ? WHERE id = ?", title, id); err != nil {
				return storagef("update subgroup", err)
			}
			return nil
		case domain.SubgroupFieldMembers:
			members, ok := value.([]domain.UserID)
			if !ok {
				return platformerrors.New(platformerrors.CodeInvalidArgument, "subgroup members value must be a user ID list")
			}
			if _, err := tx.Exec("DELETE FROM subgroup_members WHERE subgroup_id = ?", id); err != nil {
				return storagef("clear subgroup members", err)
			}
			return s.setSubgroupMembersTx(tx, id, subgroup.ClassID, members)
		case domain.SubgroupFieldID, domain.SubgroupFieldClassID:
			return platformerrors.New(platformerrors.CodeProtectedFieldEdit, "subgroup identity fields cannot be edited")
		default:
			return platformerrors.New(platformerrors.CodeInvalidArgument, "unknown subgroup field")
		}
	})
}

// DeleteSubgroup removes the subgroup and its membership links. Member roles
// are kept.
func (s *Store) DeleteSubgroup(ctx context.Context, id domain.SubgroupID) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getSubgroupTx(tx, id); err != nil {
			return err
		}
		if _, err := tx.Exec("DELETE FROM subgroup_members WHERE subgroup_id = ?", id); err != nil {
			return storagef("clear subgroup members", err)
		}
		if _, err := tx.Exec("DELETE FROM subgroups WHERE id = ?", id); err != nil {
			return storagef("delete subgroup", err)
		}
		return nil
	})
}

// LessonEvents returns the lesson change-event stream.
func (s *Store) LessonEvents() *event.Bus[domain.Lesson] {
	return s.lessonEvents
}

func (s *Store) readLessons(ctx context.Context, query string, args ...any) ([]domain.Lesson, error) {
	var lessons []domain.Lesson
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		lessons, err = queryLessonsTx(tx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return lessons, nil
}

func queryLessonsTx(tx *sql.Tx, query string, args ...any) ([]domain.Lesson, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, storagef("query lessons", err)
	}
	defer rows.Close()
	var lessons []domain.Lesson
	for rows.Next() {
		lesson, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		lessons = append(lessons, lesson)
	}
	return lessons, rowsErr(rows, "query lessons")
}

func scanLesson(row rowScanner) (domain.Lesson, error) {
	var (
		lesson   domain.Lesson
		date     string
		teachers string
		subgroup sql.NullInt64
	)
	if err := row.Scan(&lesson.ID, &lesson.Title, &date, &lesson.Position,
		&teachers, &lesson.ClassID, &subgroup, &lesson.JournalID); err != nil {
		return domain.Lesson{}, storagef("scan lesson", err)
	}
	lesson.Date = domain.Date(date)
	if err := json.Unmarshal([]byte(teachers), &lesson.Teachers); err != nil {
		return domain.Lesson{}, storagef("decode lesson teachers", err)
	}
	if subgroup.Valid {
		id := int(subgroup.Int64)
		lesson.SubgroupID = &id
	}
	return lesson, nil
}

func getLessonTx(tx *sql.Tx, id domain.LessonID) (domain.Lesson, error) {
	row := tx.QueryRow("SELECT "+lessonColumns+" FROM lessons WHERE id = ?", id)
	lesson, err := scanLesson(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Lesson{}, platformerrors.WithMetadata(platformerrors.CodeLessonNotFound,
				"lesson not found", map[string]string{"lessonID": strconv.FormatInt(id, 10)})
		}
		return domain.Lesson{}, err
	}
	return lesson, nil
}

func lessonConflict(id domain.LessonID) error {
	return platformerrors.WithMetadata(platformerrors.CodeLessonConflict,
		"lesson already exists", map[string]string{"lessonID": strconv.FormatInt(id, 10)})
}

func insertLessonTx(tx *sql.Tx, lesson domain.Lesson) error {
	teachers, err := json.Marshal(teacherSet(lesson.Teachers))
	if err != nil {
		return storagef("encode lesson teachers", err)
	}
	var subgroup any
	if lesson.SubgroupID != nil {
		subgroup = *lesson.SubgroupID
	}
	if _, err := tx.Exec(
		`INSERT INTO lessons (id, title, date, position, teachers, class_id, subgroup_id, journal_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		lesson.ID, lesson.Title, string(lesson.Date), lesson.Position,
		string(teachers), lesson.ClassID, subgroup, lesson.JournalID,
	); err != nil {
		return storagef("insert lesson", err)
	}
	return nil
}

func updateLessonTx(tx *sql.Tx, lesson domain.Lesson) error {
	teachers, err := json.Marshal(teacherSet(lesson.Teachers))
	if err != nil {
		return storagef("encode lesson teachers", err)
	}
	var subgroup any
	if lesson.SubgroupID != nil {
		subgroup = *lesson.SubgroupID
	}
	if _, err := tx.Exec(
		`UPDATE lessons SET title = ?, date = ?, position = ?, teachers = ?,
		 class_id = ?, subgroup_id = ?, journal_id = ? WHERE id = ?`,
		lesson.Title, string(lesson.Date), lesson.Position, string(teachers),
		lesson.ClassID, subgroup, lesson.JournalID, lesson.ID,
	); err != nil {
		return storagef("update lesson", err)
	}
	return nil
}

// teacherSet keeps the serialized form stable for empty sets.
func teacherSet(teachers []domain.UserID) []domain.UserID {
	if teachers == nil {
		return []domain.UserID{}
	}
	return teachers
}

func filterByTeacher(lessons []domain.Lesson, id domain.UserID) []domain.Lesson {
	var out []domain.Lesson
	for _, lesson := range lessons {
		for _, teacher := range lesson.Teachers {
			if teacher == id {
				out = append(out, lesson)
				break
			}
		}
	}
	return out
}

func getSubgroupTx(tx *sql.Tx, id domain.SubgroupID) (domain.Subgroup, error) {
	var subgroup domain.Subgroup
	err := tx.QueryRow("SELECT id, class_id, title FROM subgroups WHERE id = ?", id).
		Scan(&subgroup.ID, &subgroup.ClassID, &subgroup.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Subgroup{}, platformerrors.WithMetadata(platformerrors.CodeSubgroupNotFound,
			"subgroup not found", map[string]string{"subgroupID": strconv.Itoa(id)})
	}
	if err != nil {
		return domain.Subgroup{}, storagef("read subgroup", err)
	}
	return subgroup, nil
}

func subgroupMembersTx(tx *sql.Tx, id domain.SubgroupID) ([]domain.UserID, error) {
	rows, err := tx.Query(
		`SELECT DISTINCT r.user_id FROM subgroup_members m
		 JOIN roles r ON r.external_id = m.role_external_id
		 WHERE m.subgroup_id = ? ORDER BY r.user_id`, id)
	if err != nil {
		return nil, storagef("query subgroup members", err)
	}
	defer rows.Close()
	var members []domain.UserID
	for rows.Next() {
		var member domain.UserID
		if err := rows.Scan(&member); err != nil {
			return nil, storagef("scan subgroup member", err)
		}
		members = append(members, member)
	}
	return members, rowsErr(rows, "query subgroup members")
}

// setSubgroupMembersTx links each member's active student role in the
// subgroup's class. A member without such a role fails validation.
func (s *Store) setSubgroupMembersTx(tx *sql.Tx, id domain.SubgroupID, classID domain.ClassID, members []domain.UserID) error {
	now := toMillis(s.now())
	for _, member := range members {
		var externalID string
		err := tx.QueryRow(
			`SELECT external_id FROM roles
			 WHERE user_id = ? AND kind = ? AND class_id = ? AND (revoked IS NULL OR revoked > ?)
			 ORDER BY external_id LIMIT 1`,
			member, string(domain.RoleKindStudent), classID, now).Scan(&externalID)
		if errors.Is(err, sql.ErrNoRows) {
			return platformerrors.WithMetadata(platformerrors.CodeValidationFailure,
				"subgroup member has no active student role in the class",
				map[string]string{"userID": strconv.Itoa(member), "classID": strconv.Itoa(classID)})
		}
		if err != nil {
			return storagef("resolve member role", err)
		}
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO subgroup_members (subgroup_id, role_external_id) VALUES (?, ?)",
			id, externalID,
		); err != nil {
			return storagef("insert subgroup member", err)
		}
	}
	return nil
}

var _ storage.LessonProvider = (*Store)(nil)
