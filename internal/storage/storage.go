// Package storage defines the persistence interfaces for the registry store.
//
// Implementations (see the sqlite subpackage) provide transactional CRUD and
// domain finders per entity family, per-family read caches, and post-commit
// change-event streams. All errors are platform errors carrying a
// machine-readable code.
package storage

import (
	"context"
	"time"

	"github.com/louisbranch/rollcall/internal/domain"
	"github.com/louisbranch/rollcall/internal/event"
)

// NewAbsence describes an absence record to create. The record ID is assigned
// from the absence sequence; attribution resolves CreatorRoleID against
// existing roles.
type NewAbsence struct {
	StudentID     domain.UserID
	ClassID       domain.ClassID
	Date          domain.Date
	Type          domain.AbsenceType
	Lessons       []int
	CreatorRoleID string
}

// NewRole describes a role grant to create. Expiration, when set, becomes the
// role's revoked timestamp.
type NewRole struct {
	UserID      domain.UserID
	Kind        domain.RoleKind
	Information domain.Payload
	Granted     time.Time
	Expiration  *time.Time
}

// UserProvider persists users.
type UserProvider interface {
	CreateUser(ctx context.Context, user domain.User) error
	CreateUsers(ctx context.Context, users []domain.User) error
	GetUser(ctx context.Context, id domain.UserID) (domain.User, error)
	GetAllUsers(ctx context.Context) ([]domain.User, error)
	UpdateUser(ctx context.Context, id domain.UserID, field domain.UserField, value any) error
	DeleteUser(ctx context.Context, id domain.UserID) error
	UserEvents() *event.Bus[domain.User]
}

// RoleProvider persists role grants.
type RoleProvider interface {
	AppendRoleToUser(ctx context.Context, role NewRole) (domain.Role, error)
	AppendRolesToUsers(ctx context.Context, userIDs []domain.UserID, generate func(domain.UserID) NewRole) ([]domain.Role, error)
	GetRolesForUser(ctx context.Context, id domain.UserID) ([]domain.Role, error)
	GetAllRolesByKind(ctx context.Context, kind domain.RoleKind) ([]domain.Role, error)
	GetAllRolesByMatch(ctx context.Context, match func(domain.Role) bool) ([]domain.Role, error)
	GetAllRolesWithMatchingEntries(ctx context.Context, entries map[string]any) ([]domain.Role, error)
	RevokeRole(ctx context.Context, externalID string, at *time.Time) error
	UpdateRole(ctx context.Context, externalID string, field domain.RoleField, value any) error
	TriggerRolesUpdate(ctx context.Context) ([]domain.Role, error)
	RoleEvents() *event.Bus[domain.Role]
}

// ClassProvider persists school classes and their pupil orderings.
type ClassProvider interface {
	CreateClass(ctx context.Context, class domain.SchoolClass) error
	CreateClasses(ctx context.Context, classes []domain.SchoolClass) error
	GetClass(ctx context.Context, id domain.ClassID) (domain.SchoolClass, error)
	GetClasses(ctx context.Context) ([]domain.SchoolClass, error)
	GetPupilsOrdering(ctx context.Context, id domain.ClassID) ([]domain.OrderingEntry, error)
	SetPupilsOrdering(ctx context.Context, id domain.ClassID, ordering []domain.OrderingEntry) error
	GetSubgroups(ctx context.Context, id domain.ClassID) ([]domain.Subgroup, error)
	UpdateClass(ctx context.Context, id domain.ClassID, field domain.ClassField, value any) error
	DeleteClass(ctx context.Context, id domain.ClassID) error
}

// LessonProvider persists lessons, journals and subgroups.
type LessonProvider interface {
	CreateLesson(ctx context.Context, lesson domain.Lesson) error
	CreateOrUpdateLessons(ctx context.Context, lessons []domain.Lesson) error
	GetLesson(ctx context.Context, id domain.LessonID) (domain.Lesson, error)
	GetAllLessons(ctx context.Context) ([]domain.Lesson, error)
	GetLessons(ctx context.Context, date domain.Date) ([]domain.Lesson, error)
	GetLessonsBetween(ctx context.Context, from, to domain.Date) ([]domain.Lesson, error)
	GetLessonsForClass(ctx context.Context, id domain.ClassID) ([]domain.Lesson, error)
	GetLessonsForClassOn(ctx context.Context, id domain.ClassID, date domain.Date) ([]domain.Lesson, error)
	GetLessonsForClassBetween(ctx context.Context, id domain.ClassID, from, to domain.Date) ([]domain.Lesson, error)
	GetLessonsForTeacher(ctx context.Context, id domain.UserID) ([]domain.Lesson, error)
	GetLessonsForTeacherOn(ctx context.Context, id domain.UserID, date domain.Date) ([]domain.Lesson, error)
	GetLessonsForTeacherBetween(ctx context.Context, id domain.UserID, from, to domain.Date) ([]domain.Lesson, error)
	DeleteLesson(ctx context.Context, id domain.LessonID) error
	DeleteLessons(ctx context.Context, ids []domain.LessonID) error
	GetJournalTitles(ctx context.Context, ids []domain.JournalID) (map[domain.JournalID]*string, error)
	SetJournalTitles(ctx context.Context, titles map[domain.JournalID]string) error
	CreateSubgroup(ctx context.Context, subgroup domain.Subgroup) error
	CreateSubgroups(ctx context.Context, subgroups []domain.Subgroup) error
	GetSubgroup(ctx context.Context, id domain.SubgroupID) (domain.Subgroup, error)
	UpdateSubgroup(ctx context.Context, id domain.SubgroupID, field domain.SubgroupField, value any) error
	DeleteSubgroup(ctx context.Context, id domain.SubgroupID) error
	LessonEvents() *event.Bus[domain.Lesson]
}

// AbsenceProvider persists absence records and data-rich markers.
type AbsenceProvider interface {
	CreateAbsence(ctx context.Context, absence NewAbsence) (domain.AbsenceRecord, error)
	CreateAbsences(ctx context.Context, absences []NewAbsence) ([]domain.AbsenceRecord, error)
	GetAbsence(ctx context.Context, id domain.AbsenceID) (domain.AbsenceRecord, error)
	GetAllAbsences(ctx context.Context) ([]domain.AbsenceRecord, error)
	GetAbsences(ctx context.Context, date domain.Date) ([]domain.AbsenceRecord, error)
	GetAbsencesBetween(ctx context.Context, from, to domain.Date) ([]domain.AbsenceRecord, error)
	GetAbsencesForClass(ctx context.Context, id domain.ClassID, date domain.Date) ([]domain.AbsenceRecord, error)
	GetAbsencesForClassBetween(ctx context.Context, id domain.ClassID, from, to domain.Date) ([]domain.AbsenceRecord, error)
	GetAbsencesForUser(ctx context.Context, id domain.UserID, from, to domain.Date) ([]domain.AbsenceRecord, error)
	UpdateAbsence(ctx context.Context, actorRoleID string, id domain.AbsenceID, field domain.AbsenceField, value any) error
	MarkClassAsDataRich(ctx context.Context, actorRoleID string, id domain.ClassID, date domain.Date) error
	GetClassesWithoutAbsenceInfo(ctx context.Context, date domain.Date) ([]domain.ClassID, error)
	GetClassesWithoutAbsenceInfoBetween(ctx context.Context, from, to domain.Date) ([]domain.ClassID, error)
	GetDatesWithoutAbsenceInfo(ctx context.Context, id domain.ClassID, from, to domain.Date) ([]domain.Date, error)
	AbsenceEvents() *event.Bus[domain.AbsenceRecord]
}

// TokenProvider persists authentication tokens.
type TokenProvider interface {
	GenerateNewToken(ctx context.Context, id domain.UserID) (domain.Token, error)
	CheckToken(ctx context.Context, token string, id domain.UserID) (bool, error)
	GetToken(ctx context.Context, token string) (domain.Token, error)
	GetUserByToken(ctx context.Context, token string) (domain.UserID, error)
	GetUserTokens(ctx context.Context, id domain.UserID) ([]domain.Token, error)
	RevokeToken(ctx context.Context, token string) error
	DeleteToken(ctx context.Context, token string) error
	RevokeAllTokens(ctx context.Context, id domain.UserID) error
	TokenEvents() *event.Bus[domain.Token]
}

// TimetableProvider persists timetable placings.
type TimetableProvider interface {
	GetTimetablePlaces(ctx context.Context) (domain.TimetablePlacing, error)
	GetTimetablePlacesOn(ctx context.Context, date domain.Date) (domain.TimetablePlacing, error)
	UpdateTimetablePlaces(ctx context.Context, placing domain.TimetablePlacing) error
}

// CredentialProvider persists per-user named credentials.
type CredentialProvider interface {
	GetCredentials(ctx context.Context, id domain.UserID, name string) (string, error)
	SetCredentials(ctx context.Context, id domain.UserID, name, value string) error
	ClearCredentials(ctx context.Context, id domain.UserID, name string) error
}

// Database aggregates every provider family exposed by one engine instance.
type Database interface {
	UserProvider
	RoleProvider
	ClassProvider
	LessonProvider
	AbsenceProvider
	TokenProvider
	TimetableProvider
	CredentialProvider

	Backup(ctx context.Context, destination string) error
	Close() error
}
