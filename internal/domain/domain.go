// Package domain defines the entity types persisted by the registry store.
package domain

import (
	"bytes"
	"encoding/json"
	"time"
)

// Identifier aliases keep provider signatures readable.
type (
	UserID     = int
	ClassID    = int
	SubgroupID = int
	JournalID  = int
	LessonID   = int64
	AbsenceID  = int64
)

// Name holds the parts of a user's name. Middle is optional ("" means absent).
type Name struct {
	First  string `json:"first"`
	Middle string `json:"middle,omitempty"`
	Last   string `json:"last"`
}

// User is a registered person. Roles and tokens are owned children: deleting
// the user deletes them.
type User struct {
	ID   UserID `json:"id"`
	Name Name   `json:"name"`
}

// RoleKind identifies the kind of a role grant.
type RoleKind string

const (
	RoleKindStudent RoleKind = "STUDENT"
	RoleKindTeacher RoleKind = "TEACHER"
)

// Payload is an opaque serialized blob the store persists and returns
// byte-exact. The store never interprets its internal shape beyond plucking
// the well-known scoping attributes at write time.
type Payload = json.RawMessage

// PayloadEqual compares two opaque payloads byte-exact for change-event
// diffing.
func PayloadEqual(a, b Payload) bool {
	return bytes.Equal(a, b)
}

// Role is a grant of a role kind to a user. ExternalID is globally unique and
// sequence-derived. A role with Revoked == nil is active.
type Role struct {
	ExternalID  string     `json:"externalID"`
	UserID      UserID     `json:"userID"`
	Kind        RoleKind   `json:"kind"`
	Information Payload    `json:"information"`
	Granted     time.Time  `json:"granted"`
	Revoked     *time.Time `json:"revoked,omitempty"`
}

// Active reports whether the role has not been revoked.
func (r Role) Active() bool {
	return r.Revoked == nil
}

// Equal compares all externally visible role state, payload byte-exact.
func (r Role) Equal(other Role) bool {
	if r.ExternalID != other.ExternalID || r.UserID != other.UserID || r.Kind != other.Kind {
		return false
	}
	if !r.Granted.Equal(other.Granted) {
		return false
	}
	if (r.Revoked == nil) != (other.Revoked == nil) {
		return false
	}
	if r.Revoked != nil && !r.Revoked.Equal(*other.Revoked) {
		return false
	}
	return PayloadEqual(r.Information, other.Information)
}

// Shift is the teaching shift of a class.
type Shift string

const (
	ShiftFirst  Shift = "FIRST"
	ShiftSecond Shift = "SECOND"
)

// Valid reports whether the shift is a known value.
func (s Shift) Valid() bool {
	return s == ShiftFirst || s == ShiftSecond
}

// SchoolClass groups students and owns its lessons.
type SchoolClass struct {
	ID    ClassID `json:"id"`
	Title string  `json:"title"`
	Shift Shift   `json:"shift"`
}

// OrderingEntry assigns a 1-based rank to a pupil within a class.
type OrderingEntry struct {
	UserID UserID `json:"userID"`
	Rank   int    `json:"rank"`
}

// Subgroup is a named subset of a class's students. Members reference active
// STUDENT roles; deleting a subgroup does not delete the roles it lists.
type Subgroup struct {
	ID      SubgroupID `json:"id"`
	Title   string     `json:"title"`
	ClassID ClassID    `json:"classID"`
	Members []UserID   `json:"members"`
}

// MaxLessonPosition bounds a lesson's position in its day.
const MaxLessonPosition = 15

// Lesson is one scheduled lesson of a class.
type Lesson struct {
	ID         LessonID    `json:"id"`
	Title      string      `json:"title"`
	Date       Date        `json:"date"`
	Position   int         `json:"position"`
	Teachers   []UserID    `json:"teachers"`
	ClassID    ClassID     `json:"classID"`
	SubgroupID *SubgroupID `json:"subgroupID,omitempty"`
	JournalID  JournalID   `json:"journalID"`
}

// Equal compares all externally visible lesson state.
func (l Lesson) Equal(other Lesson) bool {
	if l.ID != other.ID || l.Title != other.Title || l.Date != other.Date ||
		l.Position != other.Position || l.ClassID != other.ClassID || l.JournalID != other.JournalID {
		return false
	}
	if (l.SubgroupID == nil) != (other.SubgroupID == nil) {
		return false
	}
	if l.SubgroupID != nil && *l.SubgroupID != *other.SubgroupID {
		return false
	}
	return intsEqual(l.Teachers, other.Teachers)
}

// AbsenceType enumerates the recognized absence reasons.
type AbsenceType string

const (
	AbsenceTypeIllness            AbsenceType = "ILLNESS"
	AbsenceTypeHealing            AbsenceType = "HEALING"
	AbsenceTypeRequest            AbsenceType = "REQUEST"
	AbsenceTypeCompetition        AbsenceType = "COMPETITION"
	AbsenceTypeOtherDisrespectful AbsenceType = "OTHER_DISRESPECTFUL"
	AbsenceTypeUnknown            AbsenceType = "UNKNOWN"

	// LegacyAbsenceTypeOtherRespectful existed in schema version 1 and is
	// rewritten to COMPETITION by the v1-to-v2 migration.
	LegacyAbsenceTypeOtherRespectful AbsenceType = "OTHER_RESPECTFUL"
)

// Valid reports whether the type is accepted for new records.
func (a AbsenceType) Valid() bool {
	switch a {
	case AbsenceTypeIllness, AbsenceTypeHealing, AbsenceTypeRequest,
		AbsenceTypeCompetition, AbsenceTypeOtherDisrespectful, AbsenceTypeUnknown:
		return true
	}
	return false
}

// Author attributes a change to the user acting through one of their roles.
type Author struct {
	User User `json:"user"`
	Role Role `json:"role"`
}

// AbsenceRecord records one student's absence on one date. At most one record
// exists per (student, date).
type AbsenceRecord struct {
	ID        AbsenceID   `json:"id"`
	Student   User        `json:"student"`
	ClassID   ClassID     `json:"classID"`
	Date      Date        `json:"date"`
	Type      AbsenceType `json:"type"`
	Lessons   []int       `json:"lessons"`
	CreatedBy Author      `json:"createdBy"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedBy *Author     `json:"updatedBy,omitempty"`
	UpdatedAt *time.Time  `json:"updatedAt,omitempty"`
}

// Token is an authentication token owned by a user. Expired == nil means the
// token is active.
type Token struct {
	UserID  UserID     `json:"userID"`
	Value   string     `json:"value"`
	Issued  time.Time  `json:"issued"`
	Expired *time.Time `json:"expired,omitempty"`
}

// Active reports whether the token has no expiry set.
func (t Token) Active() bool {
	return t.Expired == nil
}

// TimetablePlacing maps timetable slots to scheduling constraints for both
// shifts. The shift maps are opaque blobs. At most one placing is current
// (EffectiveUntil == nil).
type TimetablePlacing struct {
	FirstShift     Payload    `json:"firstShift"`
	SecondShift    Payload    `json:"secondShift"`
	EffectiveSince time.Time  `json:"effectiveSince"`
	EffectiveUntil *time.Time `json:"effectiveUntil,omitempty"`
}

// ReservedCredentialName cannot be used as a custom credential name.
const ReservedCredentialName = "user"

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
