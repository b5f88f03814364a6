// Package accrual implements time-weighted rate series with prefix-sum
// acceleration. A series records (timestamp, rate) samples; the integral
// of the rate over any [start, end) range is answered in O(log n) from
// two lookups, which is what makes per-position liquifunding cheap no
// matter how many rate changes happened in between.
package accrual

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoEntry is returned when a query boundary precedes the first sample.
// The series must be seeded before queries are made.
var ErrNoEntry = errors.New("accrual: no entry at or before requested time")

// DataPoint is one stored sample. PrefixSum at time T equals the
// time-integral of Value from the series start to T.
type DataPoint struct {
	At        time.Time
	PrefixSum decimal.Decimal
	Value     decimal.Decimal
}

// Series is an append-only log of rate samples in non-decreasing
// timestamp order. Rates are per-second; elapsed time is exact decimal
// seconds at nanosecond resolution.
type Series struct {
	points []DataPoint
}

func NewSeries() *Series {
	return &Series{}
}

// elapsedSeconds returns (to - from) as an exact decimal number of
// seconds. decimal.New with exponent -9 keeps nanosecond inputs exact.
func elapsedSeconds(from, to time.Time) decimal.Decimal {
	return decimal.New(to.Sub(from).Nanoseconds(), -9)
}

// Append records a new sample at t. Requires t to be at or after the
// last sample; an append at exactly the last timestamp overwrites it
// (last-write-wins) rather than accumulating.
func (s *Series) Append(t time.Time, value decimal.Decimal) error {
	n := len(s.points)
	if n == 0 {
		s.points = append(s.points, DataPoint{At: t, PrefixSum: decimal.Zero, Value: value})
		return nil
	}

	last := s.points[n-1]
	if t.Before(last.At) {
		return fmt.Errorf("accrual: append at %s precedes last sample %s", t, last.At)
	}

	if t.Equal(last.At) {
		// Overwrite in place; the prefix sum up to this instant is
		// unchanged because it was accumulated from the predecessor.
		s.points[n-1].Value = value
		return nil
	}

	prefix := last.PrefixSum.Add(last.Value.Mul(elapsedSeconds(last.At, t)))
	s.points = append(s.points, DataPoint{At: t, PrefixSum: prefix, Value: value})
	return nil
}

// at returns the last sample at-or-before t.
func (s *Series) at(t time.Time) (DataPoint, error) {
	// First index strictly after t; the entry before it is the answer.
	idx := sort.Search(len(s.points), func(i int) bool {
		return s.points[i].At.After(t)
	})
	if idx == 0 {
		return DataPoint{}, fmt.Errorf("%w: %s", ErrNoEntry, t)
	}
	return s.points[idx-1], nil
}

// integralTo returns the accumulated integral from the series start to t.
func (s *Series) integralTo(t time.Time) (decimal.Decimal, error) {
	dp, err := s.at(t)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return dp.PrefixSum.Add(dp.Value.Mul(elapsedSeconds(dp.At, t))), nil
}

// Sum returns the time-integral of the rate over [start, end). Both
// boundaries must be at or after the series start.
func (s *Series) Sum(start, end time.Time) (decimal.Decimal, error) {
	if end.Before(start) {
		return decimal.Decimal{}, fmt.Errorf("accrual: sum range inverted: %s > %s", start, end)
	}
	startSum, err := s.integralTo(start)
	if err != nil {
		return decimal.Decimal{}, err
	}
	endSum, err := s.integralTo(end)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return endSum.Sub(startSum), nil
}

// Latest returns the most recent sample, or false on an empty series.
func (s *Series) Latest() (DataPoint, bool) {
	if len(s.points) == 0 {
		return DataPoint{}, false
	}
	return s.points[len(s.points)-1], true
}

// Len returns the number of stored samples.
func (s *Series) Len() int {
	return len(s.points)
}

// Clone returns a deep copy, used when snapshotting state for queries.
func (s *Series) Clone() *Series {
	cp := make([]DataPoint, len(s.points))
	copy(cp, s.points)
	return &Series{points: cp}
}
