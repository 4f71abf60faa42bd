package warmer

import (
	"math"
	"time"

	"github.com/openfroyo/linkval/pkg/cache"
)

// Candidate is a key proposed for warming.
type Candidate struct {
	Key      cache.Key `json:"key"`
	Score    float64   `json:"score"`
	Strategy string    `json:"strategy"`
}

// Strategy proposes warming candidates from access history. Scores are in
// [0, 1].
type Strategy interface {
	Name() string
	Select(now time.Time, history []Access, cached func(cache.Key) bool) []Candidate
}

// FrequencyStrategy ranks keys by how often they were accessed within a
// trailing window.
type FrequencyStrategy struct {
	Window     time.Duration
	Saturation int
}

// Name implements Strategy.
func (s FrequencyStrategy) Name() string { return "frequency" }

// Select implements Strategy. Keys already cached are excluded.
func (s FrequencyStrategy) Select(now time.Time, history []Access, cached func(cache.Key) bool) []Candidate {
	cutoff := now.Add(-s.Window)
	counts := make(map[cache.Key]int)
	var order []cache.Key
	for _, a := range history {
		if a.At.Before(cutoff) || a.At.After(now) {
			continue
		}
		if counts[a.Key] == 0 {
			order = append(order, a.Key)
		}
		counts[a.Key] += a.Weight()
	}

	saturation := s.Saturation
	if saturation <= 0 {
		saturation = DefaultFrequencySaturation
	}

	out := make([]Candidate, 0, len(order))
	for _, k := range order {
		if cached != nil && cached(k) {
			continue
		}
		out = append(out, Candidate{
			Key:      k,
			Score:    math.Min(float64(counts[k])/float64(saturation), 1),
			Strategy: s.Name(),
		})
	}
	return out
}

// PredictiveStrategy selects keys with a regular access pattern whose next
// access is predicted to fall inside the lookahead window.
type PredictiveStrategy struct {
	Window      time.Duration
	Lookahead   time.Duration
	MinAccesses int
}

// Name implements Strategy.
func (s PredictiveStrategy) Name() string { return "predictive" }

// Select implements Strategy.
func (s PredictiveStrategy) Select(now time.Time, history []Access, cached func(cache.Key) bool) []Candidate {
	minAccesses := s.MinAccesses
	if minAccesses < 3 {
		minAccesses = 3
	}

	cutoff := now.Add(-s.Window)
	times := make(map[cache.Key][]time.Time)
	var order []cache.Key
	for _, a := range history {
		if a.At.Before(cutoff) || a.At.After(now) {
			continue
		}
		if _, ok := times[a.Key]; !ok {
			order = append(order, a.Key)
		}
		times[a.Key] = append(times[a.Key], a.At)
	}

	var out []Candidate
	for _, k := range order {
		ts := times[k]
		if len(ts) < minAccesses {
			continue
		}
		if cached != nil && cached(k) {
			continue
		}
		mean, stddev := intervalStats(ts)
		next := ts[len(ts)-1].Add(time.Duration(mean * float64(time.Second)))
		if !next.After(now) || !next.Before(now.Add(s.Lookahead)) {
			continue
		}
		out = append(out, Candidate{
			Key:      k,
			Score:    1 / (1 + stddev),
			Strategy: s.Name(),
		})
	}
	return out
}

// intervalStats returns the mean and population standard deviation, in
// seconds, of the gaps between consecutive times. ts is in access order.
func intervalStats(ts []time.Time) (mean, stddev float64) {
	n := len(ts) - 1
	if n <= 0 {
		return 0, 0
	}
	gaps := make([]float64, n)
	for i := 1; i < len(ts); i++ {
		gaps[i-1] = ts[i].Sub(ts[i-1]).Seconds()
		mean += gaps[i-1]
	}
	mean /= float64(n)
	var variance float64
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	variance /= float64(n)
	return mean, math.Sqrt(variance)
}
