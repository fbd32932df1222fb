// Package lake implements the three-zone data lake: an append-only raw
// zone of source records, a canonical zone of normalized entities with
// multi-source provenance, and a serving zone of per-user aggregates. The
// Manager façade ties the zones together and enforces caller visibility.
package lake

import (
	"time"

	"github.com/pipewise/lake/model"
)

// PeriodBounds returns the [start, end) window containing now for a
// reporting period. Start is aligned to the period's natural boundary and
// end is the start of the next period, all in UTC:
//
//	daily      [midnight, +1d)
//	weekly     [Monday midnight, +7d)
//	monthly    [1st of month, 1st of next month)
//	quarterly  [1st of quarter, 1st of next quarter)
//	yearly     [Jan 1st, next Jan 1st)
func PeriodBounds(p model.Period, now time.Time) (model.Time, model.Time) {
	var t = now.UTC()
	var y, m, d = t.Date()

	var start, end time.Time
	switch p {
	case model.PeriodWeekly:
		// time.Weekday makes Sunday 0; shift so Monday anchors the week.
		var back = (int(t.Weekday()) + 6) % 7
		start = time.Date(y, m, d-back, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 7)
	case model.PeriodMonthly:
		start = time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 1, 0)
	case model.PeriodQuarterly:
		var qm = time.Month((int(m)-1)/3*3 + 1)
		start = time.Date(y, qm, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 3, 0)
	case model.PeriodYearly:
		start = time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(1, 0, 0)
	default: // daily
		start = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
	}
	return model.At(start), model.At(end)
}
