package sqlite

import (
	"database/sql"

	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
	"github.com/louisbranch/rollcall/internal/storage"
)

// deleteStatement binds one declared relation to the SQL its policy runs
// during a delete pass. The single placeholder is the deleted entity's ID.
// Reject relations carry a count query; clear and cascade relations carry the
// statement that applies them.
type deleteStatement struct {
	count string
	apply string
}

var userRelationSQL = map[string]deleteStatement{
	"role.user":       {apply: "DELETE FROM roles WHERE user_id = ?"},
	"token.user":      {apply: "DELETE FROM tokens WHERE user_id = ?"},
	"credential.user": {apply: "DELETE FROM user_credentials WHERE user_id = ?"},
	"absence.student": {count: "SELECT COUNT(*) FROM absences WHERE student_id = ?"},
}

// roleOfUserRelationSQL applies the role-targeting relations to every role of
// one user at once, keyed by the user ID. Deleting a user deletes its roles,
// so the roles' own relations guard and clear through the same pass.
var roleOfUserRelationSQL = map[string]deleteStatement{
	"subgroup.members":        {apply: "DELETE FROM subgroup_members WHERE role_external_id IN (SELECT external_id FROM roles WHERE user_id = ?)"},
	"absence.createdBy":       {count: "SELECT COUNT(*) FROM absences WHERE created_by IN (SELECT external_id FROM roles WHERE user_id = ?)"},
	"absence.updatedBy":       {count: "SELECT COUNT(*) FROM absences WHERE updated_by IN (SELECT external_id FROM roles WHERE user_id = ?)"},
	"dummy_absence.createdBy": {count: "SELECT COUNT(*) FROM dummy_absences WHERE created_by IN (SELECT external_id FROM roles WHERE user_id = ?)"},
}

var classRelationSQL = map[string]deleteStatement{
	"lesson.schoolClass":        {apply: "DELETE FROM lessons WHERE class_id = ?"},
	"absence.schoolClass":       {count: "SELECT COUNT(*) FROM absences WHERE class_id = ?"},
	"dummy_absence.schoolClass": {count: "SELECT COUNT(*) FROM dummy_absences WHERE class_id = ?"},
	"subgroup.schoolClass":      {count: "SELECT COUNT(*) FROM subgroups WHERE class_id = ?"},
}

func relationKey(rel storage.Relation) string {
	return rel.From + "." + rel.Field
}

// checkDeleteRelations runs the reject guards of every declared relation
// targeting the family. conflict builds the error for the relation that
// blocked the delete. A declared reject relation without a count statement is
// a wiring bug and fails the delete outright.
func checkDeleteRelations(tx *sql.Tx, family string, statements map[string]deleteStatement, id any, conflict func(storage.Relation) error) error {
	for _, rel := range storage.RelationsTargeting(family) {
		if rel.Policy != storage.RejectIfReferenced {
			continue
		}
		stmt, ok := statements[relationKey(rel)]
		if !ok || stmt.count == "" {
			return platformerrors.New(platformerrors.CodeStorageFailure,
				"no reject guard wired for relation "+relationKey(rel))
		}
		var referencing int
		if err := tx.QueryRow(stmt.count, id).Scan(&referencing); err != nil {
			return storagef("count "+rel.From+" referencing "+family, err)
		}
		if referencing > 0 {
			return conflict(rel)
		}
	}
	return nil
}

// applyDeleteRelations runs the clear and cascade statements of every
// declared relation targeting the family. Callers run the reject guards
// first.
func applyDeleteRelations(tx *sql.Tx, family string, statements map[string]deleteStatement, id any) error {
	for _, rel := range storage.RelationsTargeting(family) {
		if rel.Policy == storage.RejectIfReferenced {
			continue
		}
		stmt, ok := statements[relationKey(rel)]
		if !ok || stmt.apply == "" {
			return platformerrors.New(platformerrors.CodeStorageFailure,
				"no "+rel.Policy.String()+" statement wired for relation "+relationKey(rel))
		}
		if _, err := tx.Exec(stmt.apply, id); err != nil {
			return storagef(rel.Policy.String()+" "+rel.From+" referencing "+family, err)
		}
	}
	return nil
}
