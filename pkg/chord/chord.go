// Package chord classifies a series of dominant frequencies, one per analysis
// frame, into the two facts the settle payout depends on.
package chord

import (
	"math"
	"sort"
	"strconv"
)

const (
	medianWindow = 3
	binCount     = 1000
	minFreq      = 20.0
	maxFreq      = 20000.0
	// bins below this share of all voiced frames are noise
	minProportion = 0.1
	topNotes      = 3
)

var noteNames = [12]string{"C", "C♯", "D", "D♯", "E", "F", "F♯", "G", "G♯", "A", "A♯", "B"}

type Classification struct {
	MinorChord   bool
	PerfectFifth bool
}

// DominantFrequency is one histogram bin that survived the proportion filter.
type DominantFrequency struct {
	Freq       float64
	Count      int
	Proportion float64
}

type Analysis struct {
	Dominant []DominantFrequency
	// PitchClasses of the top bins, 0 = C.
	PitchClasses []int
	Classification
}

// Classify is Analyze without the intermediate results.
func Classify(series []float64) Classification {
	return Analyze(series).Classification
}

// Analyze smooths the series, keeps the frequency bins that hold more than a
// tenth of the voiced frames and tests the top three pitch classes for a
// minor triad and a perfect fifth. Frames <= 0 or NaN are silence.
func Analyze(series []float64) Analysis {
	smoothed := rollingMedian(series, medianWindow)
	dominant := dominantFrequencies(smoothed)

	classes := []int{}
	for i := 0; i < len(dominant) && i < topNotes; i++ {
		if pc, ok := PitchClass(dominant[i].Freq); ok {
			classes = append(classes, pc)
		}
	}

	return Analysis{
		Dominant:     dominant,
		PitchClasses: classes,
		Classification: Classification{
			MinorChord:   hasMinorTriad(classes),
			PerfectFifth: hasPerfectFifth(classes),
		},
	}
}

func semitonesFromC0(freq float64) (int, bool) {
	if !(freq > 0) {
		return 0, false
	}
	return int(math.Round(12*math.Log2(freq/440))) + 57, true
}

// PitchClass maps freq to 0..11 with A4 = 440 Hz.
func PitchClass(freq float64) (int, bool) {
	n, ok := semitonesFromC0(freq)
	if !ok {
		return 0, false
	}
	return ((n % 12) + 12) % 12, true
}

// NoteName renders freq as scientific pitch, e.g. "A4", or "-" for silence.
func NoteName(freq float64) string {
	n, ok := semitonesFromC0(freq)
	if !ok {
		return "-"
	}
	pc := ((n % 12) + 12) % 12
	octave := int(math.Floor(float64(n) / 12))
	return noteNames[pc] + strconv.Itoa(octave)
}

func voiced(v float64) bool {
	return v > 0 && !math.IsNaN(v)
}

// rollingMedian returns one value per voiced window; windows that are all
// silence are dropped.
func rollingMedian(series []float64, window int) []float64 {
	half := window / 2
	out := make([]float64, 0, len(series))
	vals := make([]float64, 0, window)

	for i := range series {
		vals = vals[:0]
		for j := i - half; j <= i+half; j++ {
			if j >= 0 && j < len(series) && voiced(series[j]) {
				vals = append(vals, series[j])
			}
		}
		if len(vals) == 0 {
			continue
		}
		sort.Float64s(vals)
		out = append(out, vals[len(vals)/2])
	}
	return out
}

func dominantFrequencies(smoothed []float64) []DominantFrequency {
	binWidth := (maxFreq - minFreq) / binCount
	counts := make([]int, binCount)
	total := 0

	for _, f := range smoothed {
		if f < minFreq || f > maxFreq {
			continue
		}
		idx := int(math.Floor((f - minFreq) / binWidth))
		if idx >= binCount {
			idx = binCount - 1
		}
		counts[idx]++
		total++
	}

	out := []DominantFrequency{}
	for i, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / float64(total)
		if p <= minProportion {
			continue
		}
		out = append(out, DominantFrequency{
			Freq:       math.Round(minFreq + (float64(i)+0.5)*binWidth),
			Count:      c,
			Proportion: p,
		})
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Count > out[b].Count })
	return out
}

func contains(classes []int, pc int) bool {
	for _, c := range classes {
		if c == pc {
			return true
		}
	}
	return false
}

// hasMinorTriad reports whether some class has both its minor third and its
// perfect fifth present.
func hasMinorTriad(classes []int) bool {
	if len(classes) < 3 {
		return false
	}
	for _, root := range classes {
		if contains(classes, (root+3)%12) && contains(classes, (root+7)%12) {
			return true
		}
	}
	return false
}

func hasPerfectFifth(classes []int) bool {
	if len(classes) < 2 {
		return false
	}
	for _, root := range classes {
		if contains(classes, (root+7)%12) {
			return true
		}
	}
	return false
}
