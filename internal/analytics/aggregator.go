// internal/analytics/aggregator.go
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/apd/v3"

	"iot-telemetry-hub/internal/data"
)

var ErrInvalidResolution = errors.New("resolution must be minute, hour or day")

// Period names accepted by Aggregate.
const (
	PeriodHour  = "1h"
	PeriodDay   = "1d"
	PeriodWeek  = "1w"
	PeriodMonth = "1m"
)

// Resolution names accepted by Aggregate.
const (
	ResolutionMinute = "minute"
	ResolutionHour   = "hour"
	ResolutionDay    = "day"
)

const avgPlaces = 2

var periods = map[string]time.Duration{
	PeriodHour:  time.Hour,
	PeriodDay:   24 * time.Hour,
	PeriodWeek:  7 * 24 * time.Hour,
	PeriodMonth: 30 * 24 * time.Hour,
}

// PeriodDuration maps a period name to its window length. Unknown names get
// the one-day window.
func PeriodDuration(period string) time.Duration {
	if d, ok := periods[period]; ok {
		return d
	}
	return periods[PeriodDay]
}

// Truncate returns the UTC start of the bucket t falls in.
func Truncate(t time.Time, resolution string) (time.Time, error) {
	t = t.UTC()
	switch resolution {
	case ResolutionMinute:
		return t.Truncate(time.Minute), nil
	case ResolutionHour, "":
		return t.Truncate(time.Hour), nil
	case ResolutionDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("%w: got %q", ErrInvalidResolution, resolution)
}

// ReadingSource is the tenant-scoped range scan over the reading log.
type ReadingSource interface {
	ReadingsSince(ctx context.Context, organizationID int64, since time.Time) ([]data.Reading, error)
}

type Aggregator struct {
	source ReadingSource
	now    func() time.Time
}

func NewAggregator(source ReadingSource) *Aggregator {
	return &Aggregator{source: source, now: time.Now}
}

type bucketKey struct {
	start    time.Time
	sensorID int64
}

// accumulator sums readings as decimals, which do not overflow at float64
// magnitudes.
type accumulator struct {
	sum      apd.Decimal
	min, max float64
	count    int64
}

var sumContext = apd.BaseContext.WithPrecision(34)

func (acc *accumulator) add(v float64) error {
	var d apd.Decimal
	if _, err := d.SetFloat64(v); err != nil {
		return fmt.Errorf("reading %v: %w", v, err)
	}
	if _, err := sumContext.Add(&acc.sum, &acc.sum, &d); err != nil {
		return fmt.Errorf("sum readings: %w", err)
	}
	if acc.count == 0 || v < acc.min {
		acc.min = v
	}
	if acc.count == 0 || v > acc.max {
		acc.max = v
	}
	acc.count++
	return nil
}

func (acc *accumulator) average(places int32) (float64, error) {
	var mean apd.Decimal
	if _, err := sumContext.Quo(&mean, &acc.sum, apd.New(acc.count, 0)); err != nil {
		return 0, fmt.Errorf("average: %w", err)
	}
	return quantizeHalfUp(&mean, places)
}

// Aggregate rolls up the tenant's readings captured since now-period into
// per-sensor buckets ordered by bucket start.
func (a *Aggregator) Aggregate(ctx context.Context, tenantID int64, period, resolution string) ([]data.AnalyticsBucket, error) {
	if _, err := Truncate(time.Time{}, resolution); err != nil {
		return nil, err
	}

	since := a.now().UTC().Add(-PeriodDuration(period))
	readings, err := a.source.ReadingsSince(ctx, tenantID, since)
	if err != nil {
		return nil, fmt.Errorf("scan readings: %w", err)
	}

	groups := make(map[bucketKey]*accumulator)
	for _, r := range readings {
		if r.CapturedAt.Before(since) {
			continue
		}
		start, _ := Truncate(r.CapturedAt, resolution)
		key := bucketKey{start: start, sensorID: r.SensorID}
		acc, ok := groups[key]
		if !ok {
			acc = new(accumulator)
			groups[key] = acc
		}
		if err := acc.add(r.Value); err != nil {
			return nil, fmt.Errorf("reading %d: %w", r.ID, err)
		}
	}

	buckets := make([]data.AnalyticsBucket, 0, len(groups))
	for key, acc := range groups {
		avg, err := acc.average(avgPlaces)
		if err != nil {
			return nil, fmt.Errorf("bucket %s sensor %d: %w", key.start.Format(time.RFC3339), key.sensorID, err)
		}
		buckets = append(buckets, data.AnalyticsBucket{
			BucketStart: key.start,
			SensorID:    key.sensorID,
			Avg:         avg,
			Min:         acc.min,
			Max:         acc.max,
			Count:       acc.count,
		})
	}

	sort.Slice(buckets, func(i, j int) bool {
		if !buckets[i].BucketStart.Equal(buckets[j].BucketStart) {
			return buckets[i].BucketStart.Before(buckets[j].BucketStart)
		}
		return buckets[i].SensorID < buckets[j].SensorID
	})
	return buckets, nil
}

// roundHalfUp rounds v to places decimal digits, ties away from zero.
func roundHalfUp(v float64, places int32) (float64, error) {
	var d apd.Decimal
	if _, err := d.SetFloat64(v); err != nil {
		return 0, fmt.Errorf("average %v: %w", v, err)
	}
	return quantizeHalfUp(&d, places)
}

// quantizeHalfUp fixes d to places decimal digits. The working precision
// grows with the integer digits so large magnitudes still quantize.
func quantizeHalfUp(d *apd.Decimal, places int32) (float64, error) {
	prec := uint32(34)
	if need := d.NumDigits() + int64(d.Exponent) + int64(places); need > int64(prec) {
		prec = uint32(need)
	}
	ctx := apd.BaseContext.WithPrecision(prec)
	ctx.Rounding = apd.RoundHalfUp
	var rounded apd.Decimal
	if _, err := ctx.Quantize(&rounded, d, -places); err != nil {
		return 0, fmt.Errorf("round average: %w", err)
	}
	return rounded.Float64()
}
