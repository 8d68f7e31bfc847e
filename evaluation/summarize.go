package evaluation

import (
	"fmt"
	"math"

	"github.com/nvr-ai/go-eval/dataset"
	"gonum.org/v1/gonum/stat"
)

// Item is one summarized scalar metric.
type Item struct {
	// Name is the metric item name ("AP50", "APr", "AR@300", ...).
	Name string
	// Value is the metric value in [0, 1], or NaN when no qualifying
	// ground truth exists.
	Value float64
}

// mean averages the valid samples, NaN when there are none. The -1
// sentinel marks cells without counted ground truth; those are excluded
// from the average rather than scored as zero.
func mean(samples []float64) float64 {
	if len(samples) == 0 {
		return math.NaN()
	}
	return stat.Mean(samples, nil)
}

func (r *Result) thrIndex(thr float64) int {
	for i, t := range r.Params.IoUThrs {
		if math.Abs(t-thr) < 1e-9 {
			return i
		}
	}
	return -1
}

func (r *Result) areaIndex(label string) int {
	for i, rng := range r.Params.AreaRngs {
		if rng.Label == label {
			return i
		}
	}
	return -1
}

// ap averages interpolated precision over all recall levels and categories
// at one area range. thr < 0 averages over the full threshold sweep;
// keepCat, when non-nil, restricts the category axis.
func (r *Result) ap(thr float64, areaLabel string, keepCat func(catIdx int) bool) float64 {
	a := r.areaIndex(areaLabel)
	if a < 0 {
		return math.NaN()
	}
	data := r.Precision.Data().([]float64)
	numThrs, numRecs := len(r.Params.IoUThrs), len(r.Params.RecThrs)
	numCats, numAreas := r.numCats(), len(r.Params.AreaRngs)

	tLo, tHi := 0, numThrs
	if thr >= 0 {
		t := r.thrIndex(thr)
		if t < 0 {
			return math.NaN()
		}
		tLo, tHi = t, t+1
	}

	var valid []float64
	for t := tLo; t < tHi; t++ {
		for rec := 0; rec < numRecs; rec++ {
			for k := 0; k < numCats; k++ {
				if keepCat != nil && !keepCat(k) {
					continue
				}
				v := data[((t*numRecs+rec)*numCats+k)*numAreas+a]
				if v > -1 {
					valid = append(valid, v)
				}
			}
		}
	}
	return mean(valid)
}

// ar averages final recall over the threshold sweep and all categories at
// one area range.
func (r *Result) ar(areaLabel string) float64 {
	a := r.areaIndex(areaLabel)
	if a < 0 {
		return math.NaN()
	}
	data := r.Recall.Data().([]float64)
	numCats, numAreas := r.numCats(), len(r.Params.AreaRngs)

	var valid []float64
	for t := range r.Params.IoUThrs {
		for k := 0; k < numCats; k++ {
			v := data[(t*numCats+k)*numAreas+a]
			if v > -1 {
				valid = append(valid, v)
			}
		}
	}
	return mean(valid)
}

func (r *Result) numCats() int {
	if len(r.CatIDs) > 0 {
		return len(r.CatIDs)
	}
	return 1
}

// freqFilter keeps the categories of one frequency group.
func (r *Result) freqFilter(index *dataset.Index, group dataset.FrequencyGroup) func(int) bool {
	return func(catIdx int) bool {
		return index.FrequencyGroup(r.CatIDs[catIdx]) == group
	}
}

// Summarize reduces the accumulated curves to scalar metric items: the
// AP family for category-aware runs, the AR@K family for class-agnostic
// proposal runs. Frequency-group breakdowns need the index for the
// category-to-group mapping.
func (r *Result) Summarize(index *dataset.Index) []Item {
	if !r.Params.UseCats {
		k := r.Params.MaxDets
		return []Item{
			{Name: fmt.Sprintf("AR@%d", k), Value: r.ar("all")},
			{Name: fmt.Sprintf("ARs@%d", k), Value: r.ar("small")},
			{Name: fmt.Sprintf("ARm@%d", k), Value: r.ar("medium")},
			{Name: fmt.Sprintf("ARl@%d", k), Value: r.ar("large")},
		}
	}
	return []Item{
		{Name: "AP", Value: r.ap(-1, "all", nil)},
		{Name: "AP50", Value: r.ap(0.50, "all", nil)},
		{Name: "AP75", Value: r.ap(0.75, "all", nil)},
		{Name: "APs", Value: r.ap(-1, "small", nil)},
		{Name: "APm", Value: r.ap(-1, "medium", nil)},
		{Name: "APl", Value: r.ap(-1, "large", nil)},
		{Name: "APr", Value: r.ap(-1, "all", r.freqFilter(index, dataset.FreqRare))},
		{Name: "APc", Value: r.ap(-1, "all", r.freqFilter(index, dataset.FreqCommon))},
		{Name: "APf", Value: r.ap(-1, "all", r.freqFilter(index, dataset.FreqFrequent))},
	}
}

// ClasswisePrecision returns, per category on the tensor axis, the mean of
// the defined precision samples at area range "all" across the full
// threshold sweep and all recall levels. Categories with no defined sample
// report NaN: "no data" is distinct from "zero performance".
func (r *Result) ClasswisePrecision() []float64 {
	numCats := r.numCats()
	out := make([]float64, numCats)
	for k := 0; k < numCats; k++ {
		out[k] = r.ap(-1, "all", func(idx int) bool { return idx == k })
	}
	return out
}
