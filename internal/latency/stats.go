package latency

import (
	"math"
	"sort"
	"time"
)

// exactPercentileMax is the sample count up to which percentiles are computed
// by exact nearest-rank on the sorted window. Above it, linear interpolation
// between the two neighbouring ranks is used instead.
const exactPercentileMax = 100

// Stats is a point-in-time statistical summary of one step's rolling window.
type Stats struct {
	Count  int           `json:"count"`
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	Median time.Duration `json:"median"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
}

// window is a bounded ring buffer of duration samples.
type window struct {
	data []time.Duration
	size int
	pos  int
	full bool
}

func newWindow(size int) *window {
	return &window{data: make([]time.Duration, size), size: size}
}

func (w *window) add(d time.Duration) {
	w.data[w.pos] = d
	w.pos++
	if w.pos >= w.size {
		w.pos = 0
		w.full = true
	}
}

func (w *window) count() int {
	if w.full {
		return w.size
	}
	return w.pos
}

// stats computes the summary over the valid samples. The zero-sample case
// returns a zero Stats.
func (w *window) stats() Stats {
	n := w.count()
	if n == 0 {
		return Stats{}
	}

	sorted := make([]time.Duration, n)
	if w.full {
		copy(sorted, w.data)
	} else {
		copy(sorted, w.data[:n])
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return Stats{
		Count:  n,
		Min:    sorted[0],
		Max:    sorted[n-1],
		Mean:   sum / time.Duration(n),
		Median: quantile(sorted, 0.50),
		P95:    quantile(sorted, 0.95),
		P99:    quantile(sorted, 0.99),
	}
}

// quantile returns the q-th quantile (0.0–1.0) of a sorted slice. Small
// samples use exact nearest-rank; larger samples interpolate linearly between
// neighbouring ranks so repeated exports are smooth rather than steppy.
func quantile(sorted []time.Duration, q float64) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}

	if n <= exactPercentileMax {
		idx := int(math.Ceil(q*float64(n))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= n {
			idx = n - 1
		}
		return sorted[idx]
	}

	pos := q * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + time.Duration(frac*float64(sorted[hi]-sorted[lo]))
}
