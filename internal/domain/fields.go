package domain

// Field selectors name the mutable properties accepted by the generic update
// operations. Each provider switches exhaustively on its selector type and
// rejects identity-like fields, so the protected-field check happens at
// compile-visible enum granularity instead of reflection.

// UserField selects a mutable User property.
type UserField int

const (
	UserFieldFirstName UserField = iota + 1
	UserFieldMiddleName
	UserFieldLastName
)

// RoleField selects a mutable Role property.
type RoleField int

const (
	RoleFieldKind RoleField = iota + 1
	RoleFieldGranted
	RoleFieldRevoked
	// RoleFieldExternalID and RoleFieldUserID exist so callers can name them;
	// the update path rejects both as protected.
	RoleFieldExternalID
	RoleFieldUserID
)

// ClassField selects a mutable SchoolClass property.
type ClassField int

const (
	ClassFieldTitle ClassField = iota + 1
	ClassFieldShift
	ClassFieldID
)

// SubgroupField selects a mutable Subgroup property.
type SubgroupField int

const (
	SubgroupFieldTitle SubgroupField = iota + 1
	SubgroupFieldMembers
	SubgroupFieldID
	SubgroupFieldClassID
)

// AbsenceField selects a mutable AbsenceRecord property.
type AbsenceField int

const (
	AbsenceFieldType AbsenceField = iota + 1
	AbsenceFieldLessons
	AbsenceFieldID
	AbsenceFieldStudent
	AbsenceFieldClassID
)
