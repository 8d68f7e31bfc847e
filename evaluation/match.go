package evaluation

import (
	"sort"

	"github.com/nvr-ai/go-eval/dataset"
)

// matchUnit holds the detections and ground truth of one (image, category)
// pair, with the IoU matrix computed once and reused across thresholds and
// area ranges.
type matchUnit struct {
	imgID int
	dets  []*Detection // score-descending, truncated to MaxDets
	gts   []*dataset.Annotation
	ious  [][]float64 // [detection][ground truth]
}

// newMatchUnit orders detections by descending score with input order as
// tie-break, applies the per-image cutoff, and computes the IoU matrix.
func newMatchUnit(imgID int, dets []*Detection, gts []*dataset.Annotation, p Params) *matchUnit {
	sorted := make([]*Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})
	if p.MaxDets > 0 && len(sorted) > p.MaxDets {
		sorted = sorted[:p.MaxDets]
	}

	ious := make([][]float64, len(sorted))
	for i, d := range sorted {
		row := make([]float64, len(gts))
		for j, g := range gts {
			row[j] = overlap(p.IoUKind, d, g.Box, g.Mask)
		}
		ious[i] = row
	}
	return &matchUnit{imgID: imgID, dets: sorted, gts: gts, ious: ious}
}

// imgEval is the match outcome of one (image, category, area range) cell.
// Slices are indexed like matchUnit.dets; matched and ignored carry one row
// per IoU threshold.
type imgEval struct {
	scores  []float64
	matched [][]bool // detection matched a counted ground-truth instance
	ignored [][]bool // detection excluded from scoring
	numGT   int      // counted (non-ignored, in-range) ground-truth instances
}

// evaluate runs the greedy assignment for every IoU threshold within one
// area range.
//
// For each detection, in score order, the unmatched ground-truth instance
// with maximum overlap at or above the threshold is claimed; instances
// flagged ignore are only claimed when no counted instance qualifies.
// Matching state is scoped to a single threshold. An unmatched detection is
// excluded from scoring instead of counting as a false positive when
//   - its category was not exhaustively verified on the image,
//   - its category was verified absent on the image,
//   - its best-overlap ground truth, even below threshold, is flagged
//     ignore, or
//   - its own area falls outside the range under evaluation.
// Without the first two rules a detector would be penalized for finding
// real instances the federated annotation simply never verified.
func (u *matchUnit) evaluate(index *dataset.Index, p Params, rng AreaRange) *imgEval {
	numDet, numGT := len(u.dets), len(u.gts)

	gtIg := make([]bool, numGT)
	counted := 0
	for i, g := range u.gts {
		gtIg[i] = g.Ignore || g.Area < rng.Lo || g.Area > rng.Hi
		if !gtIg[i] {
			counted++
		}
	}
	// Counted instances take precedence during assignment.
	order := make([]int, numGT)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return !gtIg[order[i]] && gtIg[order[j]]
	})

	// Threshold-independent exclusions for unmatched detections.
	baseIg := make([]bool, numDet)
	for i, d := range u.dets {
		area := d.area(p.IoUKind)
		if area < rng.Lo || area > rng.Hi ||
			index.IsNonExhaustive(d.ImageID, d.CategoryID) ||
			index.IsNegative(d.ImageID, d.CategoryID) {
			baseIg[i] = true
			continue
		}
		best, bestIoU := -1, 0.0
		for j := range u.gts {
			if u.ious[i][j] > bestIoU {
				best, bestIoU = j, u.ious[i][j]
			}
		}
		if best >= 0 && u.gts[best].Ignore {
			baseIg[i] = true
		}
	}

	ev := &imgEval{
		scores:  make([]float64, numDet),
		matched: make([][]bool, len(p.IoUThrs)),
		ignored: make([][]bool, len(p.IoUThrs)),
		numGT:   counted,
	}
	for i, d := range u.dets {
		ev.scores[i] = d.Score
	}

	for t, thr := range p.IoUThrs {
		matched := make([]bool, numDet)
		ignored := make([]bool, numDet)
		gtClaimed := make([]int, numGT)
		for i := range gtClaimed {
			gtClaimed[i] = -1
		}

		for i := range u.dets {
			floor := thr
			if floor > 1-1e-10 {
				floor = 1 - 1e-10
			}
			m := -1
			for _, j := range order {
				if gtClaimed[j] >= 0 {
					continue
				}
				// Counted candidates are exhausted; never trade a counted
				// match for an ignored one.
				if m >= 0 && !gtIg[m] && gtIg[j] {
					break
				}
				if u.ious[i][j] < floor {
					continue
				}
				floor = u.ious[i][j]
				m = j
			}
			if m < 0 {
				ignored[i] = baseIg[i]
				continue
			}
			gtClaimed[m] = i
			if gtIg[m] {
				ignored[i] = true
			} else {
				matched[i] = true
			}
		}

		ev.matched[t] = matched
		ev.ignored[t] = ignored
	}
	return ev
}
