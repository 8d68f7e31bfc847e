package evaluation

import (
	"sort"

	"gorgonia.org/tensor"
)

// curveInput is everything the accumulator needs for one
// (category, area range) cell: the per-image match outcomes concatenated in
// image order.
type curveInput struct {
	scores  []float64
	matched [][]bool // [threshold][detection]
	ignored [][]bool // [threshold][detection]
	numGT   int
}

// gather concatenates the per-image evaluations of one (category, area
// range) cell. Image order is fixed by the index, which keeps the global
// ranking stable from run to run.
func gather(evals []*imgEval, numThrs int) *curveInput {
	in := &curveInput{
		matched: make([][]bool, numThrs),
		ignored: make([][]bool, numThrs),
	}
	for _, ev := range evals {
		if ev == nil {
			continue
		}
		in.scores = append(in.scores, ev.scores...)
		for t := 0; t < numThrs; t++ {
			in.matched[t] = append(in.matched[t], ev.matched[t]...)
			in.ignored[t] = append(in.ignored[t], ev.ignored[t]...)
		}
		in.numGT += ev.numGT
	}
	return in
}

// accumulate folds per-image match decisions into the precision tensor,
// shaped (threshold, recall level, category, area range), and the recall
// tensor, shaped (threshold, category, area range). Cells with no counted
// ground truth keep the -1 sentinel and are excluded from every summary.
func accumulate(evals [][][]*imgEval, p Params, numCats int) (*tensor.Dense, *tensor.Dense) {
	numThrs, numRecs, numAreas := len(p.IoUThrs), len(p.RecThrs), len(p.AreaRngs)

	precData := make([]float64, numThrs*numRecs*numCats*numAreas)
	recData := make([]float64, numThrs*numCats*numAreas)
	for i := range precData {
		precData[i] = -1
	}
	for i := range recData {
		recData[i] = -1
	}
	precAt := func(t, r, k, a int) int { return ((t*numRecs+r)*numCats+k)*numAreas + a }
	recAt := func(t, k, a int) int { return (t*numCats+k)*numAreas + a }

	for k := 0; k < numCats; k++ {
		for a := 0; a < numAreas; a++ {
			in := gather(evals[k][a], numThrs)
			if in.numGT == 0 {
				continue
			}

			// Global rank: descending score, concatenation order as tie-break.
			rank := make([]int, len(in.scores))
			for i := range rank {
				rank[i] = i
			}
			sort.SliceStable(rank, func(i, j int) bool {
				return in.scores[rank[i]] > in.scores[rank[j]]
			})

			for t := 0; t < numThrs; t++ {
				rc := make([]float64, 0, len(rank))
				pr := make([]float64, 0, len(rank))
				tp, fp := 0, 0
				for _, i := range rank {
					if in.ignored[t][i] {
						continue
					}
					if in.matched[t][i] {
						tp++
					} else {
						fp++
					}
					rc = append(rc, float64(tp)/float64(in.numGT))
					pr = append(pr, float64(tp)/float64(tp+fp))
				}

				if len(rc) > 0 {
					recData[recAt(t, k, a)] = rc[len(rc)-1]
				} else {
					recData[recAt(t, k, a)] = 0
				}

				// Precision envelope: non-increasing from the high-recall end.
				for i := len(pr) - 1; i > 0; i-- {
					if pr[i] > pr[i-1] {
						pr[i-1] = pr[i]
					}
				}

				// Interpolate onto the configured recall levels: the value at
				// a level is the enveloped precision of the first point whose
				// recall reaches it, or 0 past the end of the curve.
				i := 0
				for r, level := range p.RecThrs {
					for i < len(rc) && rc[i] < level {
						i++
					}
					if i < len(rc) {
						precData[precAt(t, r, k, a)] = pr[i]
					} else {
						precData[precAt(t, r, k, a)] = 0
					}
				}
			}
		}
	}

	prec := tensor.New(
		tensor.WithShape(numThrs, numRecs, numCats, numAreas),
		tensor.Of(tensor.Float64),
		tensor.WithBacking(precData),
	)
	rec := tensor.New(
		tensor.WithShape(numThrs, numCats, numAreas),
		tensor.Of(tensor.Float64),
		tensor.WithBacking(recData),
	)
	return prec, rec
}
