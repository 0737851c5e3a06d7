package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/louisbranch/rollcall/internal/domain"
	platformerrors "github.com/louisbranch/rollcall/internal/platform/errors"
	"github.com/louisbranch/rollcall/internal/storage"
)

// GetTimetablePlaces returns the current timetable placing, the single record
// with no effective-until bound.
func (s *Store) GetTimetablePlaces(ctx context.Context) (domain.TimetablePlacing, error) {
	var placing domain.TimetablePlacing
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		placing, err = s.scanPlacing(tx.QueryRow(
			`SELECT first_shift, second_shift, effective_since, effective_until
			 FROM timetable_placings WHERE effective_until IS NULL
			 ORDER BY effective_since DESC LIMIT 1`))
		return err
	})
	if err != nil {
		return domain.TimetablePlacing{}, err
	}
	return placing, nil
}

// GetTimetablePlacesOn returns the placing that was effective on the given
// date: the most recent one installed before the date ended and not closed
// before the date began.
func (s *Store) GetTimetablePlacesOn(ctx context.Context, date domain.Date) (domain.TimetablePlacing, error) {
	if !date.Valid() {
		return domain.TimetablePlacing{}, platformerrors.New(platformerrors.CodeValidationFailure,
			"date is not a calendar date")
	}
	dayStart := toMillis(date.Time())
	dayEnd := toMillis(date.AddDays(1).Time())

	var placing domain.TimetablePlacing
	err := s.inReadTx(ctx, func(tx *sql.Tx) error {
		var err error
		placing, err = s.scanPlacing(tx.QueryRow(
			`SELECT first_shift, second_shift, effective_since, effective_until
			 FROM timetable_placings
			 WHERE effective_since < ? AND (effective_until IS NULL OR effective_until > ?)
			 ORDER BY effective_since DESC LIMIT 1`,
			dayEnd, dayStart))
		return err
	})
	if err != nil {
		return domain.TimetablePlacing{}, err
	}
	return placing, nil
}

// UpdateTimetablePlaces installs a new current placing. The previous current
// record, if any, is closed by setting its effective-until to the start of
// the current day.
func (s *Store) UpdateTimetablePlaces(ctx context.Context, placing domain.TimetablePlacing) error {
	if len(placing.FirstShift) == 0 || len(placing.SecondShift) == 0 {
		return platformerrors.New(platformerrors.CodeValidationFailure,
			"timetable placing requires both shift maps")
	}

	now := s.now().UTC()
	since := placing.EffectiveSince
	if since.IsZero() {
		since = now
	}
	dayStart := toMillis(domain.DateOf(now).Time())

	first, err := s.sealPayload(placing.FirstShift)
	if err != nil {
		return err
	}
	second, err := s.sealPayload(placing.SecondShift)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			"UPDATE timetable_placings SET effective_until = ? WHERE effective_until IS NULL",
			dayStart,
		); err != nil {
			return storagef("close current placing", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO timetable_placings (first_shift, second_shift, effective_since, effective_until)
			 VALUES (?, ?, ?, NULL)`,
			first, second, toMillis(since),
		); err != nil {
			return storagef("insert placing", err)
		}
		return nil
	})
}

func (s *Store) scanPlacing(row rowScanner) (domain.TimetablePlacing, error) {
	var (
		placing       domain.TimetablePlacing
		first, second []byte
		since         int64
		until         sql.NullInt64
	)
	if err := row.Scan(&first, &second, &since, &until); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TimetablePlacing{}, platformerrors.New(platformerrors.CodeTimetableNotFound,
				"no timetable placing recorded")
		}
		return domain.TimetablePlacing{}, storagef("scan placing", err)
	}

	openedFirst, err := s.openPayload(first)
	if err != nil {
		return domain.TimetablePlacing{}, err
	}
	openedSecond, err := s.openPayload(second)
	if err != nil {
		return domain.TimetablePlacing{}, err
	}
	placing.FirstShift = openedFirst
	placing.SecondShift = openedSecond
	placing.EffectiveSince = fromMillis(since)
	if until.Valid {
		t := fromMillis(until.Int64)
		placing.EffectiveUntil = &t
	}
	return placing, nil
}

var _ storage.TimetableProvider = (*Store)(nil)
