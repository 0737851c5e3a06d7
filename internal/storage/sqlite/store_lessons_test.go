package sqlite

import (
	"context"
	"testing"

	"github.com/louisbranch/rollcall/internal/domain"
	"github.com/louisbranch/rollcall/internal/event"
	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
)

func seedWeek(t *testing.T, store *Store) []domain.Lesson {
	t.Helper()
	lessons := []domain.Lesson{
		{ID: 1, Title: "Algebra", Date: "2026-02-02", Position: 1, Teachers: []domain.UserID{20}, ClassID: 1, JournalID: 3},
		{ID: 2, Title: "History", Date: "2026-02-02", Position: 2, Teachers: []domain.UserID{21}, ClassID: 1, JournalID: 4},
		{ID: 3, Title: "Algebra", Date: "2026-02-04", Position: 1, Teachers: []domain.UserID{20}, ClassID: 1, JournalID: 3},
	}
	if err := store.CreateOrUpdateLessons(context.Background(), lessons); err != nil {
		t.Fatalf("seed lessons: %v", err)
	}
	return lessons
}

func TestCreateLessonRequiresClassAndValidState(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})
	seedClassroom(t, store)

	err := store.CreateLesson(ctx, domain.Lesson{ID: 1, Title: "Algebra", Date: "2026-02-02", Position: 1, ClassID: 404, JournalID: 3})
	if !platformerrors.IsCode(err, platformerrors.CodeClassNotFound) {
		t.Fatalf("expected class not found, got %v", err)
	}

	invalid := []domain.Lesson{
		{ID: 1, Title: "", Date: "2026-02-02", Position: 1, ClassID: 1},
		{ID: 1, Title: "Algebra", Date: "not-a-date", Position: 1, ClassID: 1},
		{ID: 1, Title: "Algebra", Date: "2026-02-02", Position: domain.MaxLessonPosition + 1, ClassID: 1},
		{ID: 1, Title: "Algebra", Date: "2026-02-02", Position: -1, ClassID: 1},
	}
	for _, lesson := range invalid {
		if err := store.CreateLesson(ctx, lesson); !platformerrors.IsCode(err, platformerrors.CodeValidationFailure) {
			t.Fatalf("lesson %+v: expected validation failure, got %v", lesson, err)
		}
	}
}

func TestCreateLessonDuplicateIsConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})
	seedClassroom(t, store)
	lesson := domain.Lesson{ID: 1, Title: "Algebra", Date: "2026-02-02", Position: 1, ClassID: 1, JournalID: 3}
	if err := store.CreateLesson(ctx, lesson); err != nil {
		t.Fatalf("create lesson: %v", err)
	}
	if err := store.CreateLesson(ctx, lesson); !platformerrors.IsCode(err, platformerrors.CodeLessonConflict) {
		t.Fatalf("expected lesson conflict, got %v", err)
	}
}

func TestCreateOrUpdateLessonsSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})
	seedClassroom(t, store)
	lessons := seedWeek(t, store)

	sub := store.LessonEvents().Subscribe()
	defer sub.Cancel()

	changed := lessons[0]
	changed.Title = "Geometry"
	if err := store.CreateOrUpdateLessons(ctx, []domain.Lesson{changed, lessons[1], lessons[2]}); err != nil {
		t.Fatalf("upsert lessons: %v", err)
	}

	ev := waitEvent(t, sub)
	if ev.Kind != event.Updated || ev.State.ID != 1 || ev.State.Title != "Geometry" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// Events are delivered in order, so the next one must come from the next
	// real change. Unchanged rows in the first batch must not have queued any.
	changed = lessons[2]
	changed.Title = "Calculus"
	if err := store.CreateOrUpdateLessons(ctx, []domain.Lesson{changed}); err != nil {
		t.Fatalf("upsert lessons: %v", err)
	}
	ev = waitEvent(t, sub)
	if ev.Kind != event.Updated || ev.State.ID != 3 || ev.State.Title != "Calculus" {
		t.Fatalf("unchanged lessons queued events, next was %+v", ev)
	}
}

func TestLessonDateRangesAreClosedIntervals(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})
	seedClassroom(t, store)
	seedWeek(t, store)

	got, err := store.GetLessonsBetween(ctx, "2026-02-02", "2026-02-04")
	if err != nil {
		t.Fatalf("get lessons: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("closed interval must include both endpoints, got %d lessons", len(got))
	}
	for i := 1; i < len(got); i++ {
		prev, cur := got[i-1], got[i]
		if cur.Date < prev.Date || (cur.Date == prev.Date && cur.Position < prev.Position) {
			t.Fatalf("lessons out of order: %+v before %+v", prev, cur)
		}
	}

	day, err := store.GetLessonsForClassOn(ctx, 1, "2026-02-02")
	if err != nil {
		t.Fatalf("get lessons for class: %v", err)
	}
	if len(day) != 2 {
		t.Fatalf("expected two lessons on the day, got %+v", day)
	}
}

func TestGetLessonsForTeacherFiltersAssignments(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})
	seedClassroom(t, store)
	seedWeek(t, store)

	got, err := store.GetLessonsForTeacherBetween(ctx, 20, "2026-02-02", "2026-02-04")
	if err != nil {
		t.Fatalf("get lessons for teacher: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected two lessons for teacher 20, got %+v", got)
	}
	for _, lesson := range got {
		if lesson.JournalID != 3 {
			t.Fatalf("lesson %d does not belong to teacher 20", lesson.ID)
		}
	}

	none, err := store.GetLessonsForTeacherOn(ctx, 21, "2026-02-04")
	if err != nil {
		t.Fatalf("get lessons for teacher: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no lessons, got %+v", none)
	}
}

func TestDeleteLessonsIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})
	seedClassroom(t, store)
	seedWeek(t, store)

	err := store.DeleteLessons(ctx, []domain.LessonID{1, 404})
	if !platformerrors.IsCode(err, platformerrors.CodeLessonNotFound) {
		t.Fatalf("expected lesson not found, got %v", err)
	}
	if _, err := store.GetLesson(ctx, 1); err != nil {
		t.Fatalf("lesson 1 must survive the failed batch: %v", err)
	}

	if err := store.DeleteLessons(ctx, []domain.LessonID{1, 2}); err != nil {
		t.Fatalf("delete lessons: %v", err)
	}
	remaining, err := store.GetAllLessons(ctx)
	if err != nil {
		t.Fatalf("get lessons: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != 3 {
		t.Fatalf("expected only lesson 3, got %+v", remaining)
	}
}

func TestJournalTitlesReportUnknownIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})

	if err := store.SetJournalTitles(ctx, map[domain.JournalID]string{3: "Mathematics", 4: "History"}); err != nil {
		t.Fatalf("set titles: %v", err)
	}
	// Upsert replaces.
	if err := store.SetJournalTitles(ctx, map[domain.JournalID]string{4: "World History"}); err != nil {
		t.Fatalf("set titles: %v", err)
	}

	titles, err := store.GetJournalTitles(ctx, []domain.JournalID{3, 4, 5})
	if err != nil {
		t.Fatalf("get titles: %v", err)
	}
	if got := titles[3]; got == nil || *got != "Mathematics" {
		t.Fatalf("journal 3: got %v", got)
	}
	if got := titles[4]; got == nil || *got != "World History" {
		t.Fatalf("journal 4: got %v", got)
	}
	if got, ok := titles[5]; !ok || got != nil {
		t.Fatalf("unknown journal must map to nil, got %v (present %v)", got, ok)
	}
}

func TestSubgroupMembersMustBeActiveStudentsOfClass(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})
	seedClassroom(t, store)
	if err := store.CreateUser(ctx, domain.User{ID: 11, Name: domain.Name{First: "Boris", Last: "Volkov"}}); err != nil {
		t.Fatalf("create user: %v", err)
	}

	// User 11 has no STUDENT role in class 1.
	err := store.CreateSubgroup(ctx, domain.Subgroup{ID: 1, Title: "group one", ClassID: 1, Members: []domain.UserID{11}})
	if !platformerrors.IsCode(err, platformerrors.CodeValidationFailure) {
		t.Fatalf("expected validation failure, got %v", err)
	}

	if err := store.CreateSubgroup(ctx, domain.Subgroup{ID: 1, Title: "group one", ClassID: 1, Members: []domain.UserID{10}}); err != nil {
		t.Fatalf("create subgroup: %v", err)
	}
	subgroup, err := store.GetSubgroup(ctx, 1)
	if err != nil {
		t.Fatalf("get subgroup: %v", err)
	}
	if len(subgroup.Members) != 1 || subgroup.Members[0] != 10 {
		t.Fatalf("unexpected members: %+v", subgroup.Members)
	}
}

func TestUpdateSubgroupProtectsIdentity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})
	seedClassroom(t, store)
	if err := store.CreateSubgroup(ctx, domain.Subgroup{ID: 1, Title: "group one", ClassID: 1}); err != nil {
		t.Fatalf("create subgroup: %v", err)
	}

	for _, field := range []domain.SubgroupField{domain.SubgroupFieldID, domain.SubgroupFieldClassID} {
		err := store.UpdateSubgroup(ctx, 1, field, 2)
		if !platformerrors.IsCode(err, platformerrors.CodeProtectedFieldEdit) {
			t.Fatalf("field %v: expected protected-field error, got %v", field, err)
		}
	}

	if err := store.UpdateSubgroup(ctx, 1, domain.SubgroupFieldMembers, []domain.UserID{10}); err != nil {
		t.Fatalf("update members: %v", err)
	}
	subgroup, err := store.GetSubgroup(ctx, 1)
	if err != nil {
		t.Fatalf("get subgroup: %v", err)
	}
	if len(subgroup.Members) != 1 || subgroup.Members[0] != 10 {
		t.Fatalf("unexpected members: %+v", subgroup.Members)
	}
}

func TestDeleteSubgroupKeepsRoles(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})
	seedClassroom(t, store)
	if err := store.CreateSubgroup(ctx, domain.Subgroup{ID: 1, Title: "group one", ClassID: 1, Members: []domain.UserID{10}}); err != nil {
		t.Fatalf("create subgroup: %v", err)
	}

	if err := store.DeleteSubgroup(ctx, 1); err != nil {
		t.Fatalf("delete subgroup: %v", err)
	}
	if _, err := store.GetSubgroup(ctx, 1); !platformerrors.IsCode(err, platformerrors.CodeSubgroupNotFound) {
		t.Fatalf("expected subgroup gone, got %v", err)
	}
	roles, err := store.GetRolesForUser(ctx, 10)
	if err != nil {
		t.Fatalf("get roles: %v", err)
	}
	if len(roles) != 1 || !roles[0].Active() {
		t.Fatalf("member roles must survive subgroup deletion: %+v", roles)
	}
}
