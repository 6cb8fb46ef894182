package conn

import (
	"sort"
	"time"

	"github.com/daviddao/eventfold/pkg/clock"
	"github.com/daviddao/eventfold/pkg/model"
)

// SortEvents orders events by (event_timestamp, id) in place.
func SortEvents(events []model.Event) {
	sort.Slice(events, func(i, j int) bool {
		return clock.TotalOrderLess(events[i].EventTimestamp, events[i].ID, events[j].EventTimestamp, events[j].ID)
	})
}

// FilterSince keeps events at or after since. A zero since keeps all.
func FilterSince(events []model.Event, since time.Time) []model.Event {
	if since.IsZero() {
		return events
	}
	out := events[:0]
	for _, e := range events {
		if !e.EventTimestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}
