package source_test

import (
	"context"
	"iter"
	"time"

	"github.com/okian/lookout/internal/domain/model"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

// drain collects events and errors separately.
func drain(seq iter.Seq2[model.Event, error]) ([]model.Event, []error) {
	var (
		events []model.Event
		errs   []error
	)
	for ev, err := range seq {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		events = append(events, ev)
	}
	return events, errs
}

var ctx = context.Background()
