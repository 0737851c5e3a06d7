package storage

// RelationPolicy states what happens to a referencing entity when the entity
// it references is deleted.
type RelationPolicy int

const (
	// Cascade deletes the referencing children together with the target.
	Cascade RelationPolicy = iota + 1
	// ClearReference removes the reference and keeps the referencing entity.
	ClearReference
	// RejectIfReferenced fails the delete while any reference exists.
	RejectIfReferenced
)

// String returns the policy name.
func (p RelationPolicy) String() string {
	switch p {
	case Cascade:
		return "cascade"
	case ClearReference:
		return "clear"
	case RejectIfReferenced:
		return "reject"
	}
	return "unknown"
}

// Relation declares one directed reference between entity families and the
// policy its delete pass applies. From is the referencing family, Target the
// referenced one.
type Relation struct {
	From   string
	Field  string
	Target string
	Policy RelationPolicy
}

// Entity family names used by the relation table.
const (
	EntityUser       = "user"
	EntityRole       = "role"
	EntityClass      = "class"
	EntitySubgroup   = "subgroup"
	EntityLesson     = "lesson"
	EntityAbsence    = "absence"
	EntityDummy      = "dummy_absence"
	EntityToken      = "token"
	EntityCredential = "credential"
)

// Relations is the full referential-integrity policy table. Delete operations
// walk the relations targeting the deleted family and apply each policy
// inside the deleting transaction.
var Relations = []Relation{
	{From: EntityRole, Field: "user", Target: EntityUser, Policy: Cascade},
	{From: EntityToken, Field: "user", Target: EntityUser, Policy: Cascade},
	{From: EntityCredential, Field: "user", Target: EntityUser, Policy: Cascade},
	{From: EntityLesson, Field: "schoolClass", Target: EntityClass, Policy: Cascade},

	{From: EntitySubgroup, Field: "members", Target: EntityRole, Policy: ClearReference},

	{From: EntityAbsence, Field: "student", Target: EntityUser, Policy: RejectIfReferenced},
	{From: EntityAbsence, Field: "createdBy", Target: EntityRole, Policy: RejectIfReferenced},
	{From: EntityAbsence, Field: "updatedBy", Target: EntityRole, Policy: RejectIfReferenced},
	{From: EntityDummy, Field: "createdBy", Target: EntityRole, Policy: RejectIfReferenced},
	{From: EntityAbsence, Field: "schoolClass", Target: EntityClass, Policy: RejectIfReferenced},
	{From: EntityDummy, Field: "schoolClass", Target: EntityClass, Policy: RejectIfReferenced},
	{From: EntitySubgroup, Field: "schoolClass", Target: EntityClass, Policy: RejectIfReferenced},
}

// RelationsTargeting lists the relations whose Target is the given family.
func RelationsTargeting(target string) []Relation {
	var out []Relation
	for _, rel := range Relations {
		if rel.Target == target {
			out = append(out, rel)
		}
	}
	return out
}
