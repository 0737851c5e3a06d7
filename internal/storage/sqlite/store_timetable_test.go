package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/louisbranch/rollcall/internal/domain"
	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
)

func TestGetTimetablePlacesEmptyStore(t *testing.T) {
	_, err := newTestStore(t, Options{}).GetTimetablePlaces(context.Background())
	if !platformerrors.IsCode(err, platformerrors.CodeTimetableNotFound) {
		t.Fatalf("expected timetable not found, got %v", err)
	}
}

func TestUpdateTimetablePlacesRequiresBothShifts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{})
	err := store.UpdateTimetablePlaces(ctx, domain.TimetablePlacing{
		FirstShift: domain.Payload(`{"1":"08:30"}`),
	})
	if !platformerrors.IsCode(err, platformerrors.CodeValidationFailure) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestUpdateTimetablePlacesClosesPrevious(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, Options{Clock: func() time.Time { return now }})

	first := domain.TimetablePlacing{
		FirstShift:     domain.Payload(`{"1":"08:30"}`),
		SecondShift:    domain.Payload(`{"1":"14:00"}`),
		EffectiveSince: now.AddDate(0, 0, -30),
	}
	if err := store.UpdateTimetablePlaces(ctx, first); err != nil {
		t.Fatalf("install placing: %v", err)
	}
	second := domain.TimetablePlacing{
		FirstShift:  domain.Payload(`{"1":"09:00"}`),
		SecondShift: domain.Payload(`{"1":"15:00"}`),
	}
	if err := store.UpdateTimetablePlaces(ctx, second); err != nil {
		t.Fatalf("replace placing: %v", err)
	}

	current, err := store.GetTimetablePlaces(ctx)
	if err != nil {
		t.Fatalf("get current placing: %v", err)
	}
	if current.EffectiveUntil != nil {
		t.Fatalf("current placing must be open-ended: %+v", current)
	}
	if !domain.PayloadEqual(current.FirstShift, second.FirstShift) {
		t.Fatalf("expected the replacement, got %s", current.FirstShift)
	}
	if !current.EffectiveSince.Equal(now) {
		t.Fatalf("omitted since must default to now, got %v", current.EffectiveSince)
	}

	// The old placing still answers for dates before the switch.
	past, err := store.GetTimetablePlacesOn(ctx, "2026-03-01")
	if err != nil {
		t.Fatalf("get past placing: %v", err)
	}
	if !domain.PayloadEqual(past.FirstShift, first.FirstShift) {
		t.Fatalf("expected the old placing for a past date, got %s", past.FirstShift)
	}
	if past.EffectiveUntil == nil {
		t.Fatalf("previous placing must be closed: %+v", past)
	}

	today, err := store.GetTimetablePlacesOn(ctx, domain.DateOf(now))
	if err != nil {
		t.Fatalf("get today's placing: %v", err)
	}
	if !domain.PayloadEqual(today.FirstShift, second.FirstShift) {
		t.Fatalf("expected the new placing for today, got %s", today.FirstShift)
	}
}

func TestGetTimetablePlacesOnBeforeAnyPlacing(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, Options{Clock: func() time.Time { return now }})
	if err := store.UpdateTimetablePlaces(ctx, domain.TimetablePlacing{
		FirstShift:  domain.Payload(`{"1":"08:30"}`),
		SecondShift: domain.Payload(`{"1":"14:00"}`),
	}); err != nil {
		t.Fatalf("install placing: %v", err)
	}

	_, err := store.GetTimetablePlacesOn(ctx, "2026-03-01")
	if !platformerrors.IsCode(err, platformerrors.CodeTimetableNotFound) {
		t.Fatalf("expected timetable not found before first placing, got %v", err)
	}
	if _, err := store.GetTimetablePlacesOn(ctx, "10.03.2026"); !platformerrors.IsCode(err, platformerrors.CodeValidationFailure) {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestTimetableShiftPayloadsSealedAtRest(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, Options{EncryptionKey: "test-key", EncryptionSalt: "test-salt"})
	payload := domain.Payload(`{"1":"08:30"}`)
	if err := store.UpdateTimetablePlaces(ctx, domain.TimetablePlacing{
		FirstShift:  payload,
		SecondShift: payload,
	}); err != nil {
		t.Fatalf("install placing: %v", err)
	}

	var stored []byte
	if err := store.sqlDB.QueryRow("SELECT first_shift FROM timetable_placings WHERE effective_until IS NULL").
		Scan(&stored); err != nil {
		t.Fatalf("read raw shift: %v", err)
	}
	if string(stored) == string(payload) {
		t.Fatal("shift payload must not be stored in the clear")
	}

	placing, err := store.GetTimetablePlaces(ctx)
	if err != nil {
		t.Fatalf("get placing: %v", err)
	}
	if !domain.PayloadEqual(placing.FirstShift, payload) {
		t.Fatalf("sealed payload must round-trip, got %s", placing.FirstShift)
	}
}
