// Package errors provides structured error handling for the registry store.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Missing entities
	CodeUserNotFound      Code = "USER_NOT_FOUND"
	CodeRoleNotFound      Code = "ROLE_NOT_FOUND"
	CodeClassNotFound     Code = "CLASS_NOT_FOUND"
	CodeSubgroupNotFound  Code = "SUBGROUP_NOT_FOUND"
	CodeLessonNotFound    Code = "LESSON_NOT_FOUND"
	CodeAbsenceNotFound   Code = "ABSENCE_NOT_FOUND"
	CodeTokenNotFound     Code = "TOKEN_NOT_FOUND"
	CodeTimetableNotFound Code = "TIMETABLE_NOT_FOUND"

	// Natural-key conflicts
	CodeUserConflict     Code = "USER_ALREADY_EXISTS"
	CodeClassConflict    Code = "CLASS_ALREADY_EXISTS"
	CodeSubgroupConflict Code = "SUBGROUP_ALREADY_EXISTS"
	CodeLessonConflict   Code = "LESSON_ALREADY_EXISTS"
	CodeAbsenceConflict  Code = "ABSENCE_ALREADY_EXISTS"

	// Caller misuse
	CodeProtectedFieldEdit Code = "PROTECTED_FIELD_EDIT"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"

	// Constraint violations
	CodeValidationFailure  Code = "VALIDATION_FAILURE"
	CodeEntityReferenced   Code = "ENTITY_STILL_REFERENCED"
	CodeReservedCredential Code = "RESERVED_CREDENTIAL_NAME"

	// Storage errors
	CodeStorageFailure   Code = "STORAGE_FAILURE"
	CodeSchemaTooNew     Code = "SCHEMA_VERSION_TOO_NEW"
	CodeMigrationFailure Code = "MIGRATION_FAILURE"
)
