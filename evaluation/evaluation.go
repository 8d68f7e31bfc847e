package evaluation

import (
	"runtime"

	"github.com/nvr-ai/go-eval/dataset"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"
)

// ErrEmptyResultSet indicates there were no detections to score. Callers
// typically skip the metric and move on rather than abort.
var ErrEmptyResultSet = errors.New("evaluation: no detections to evaluate")

// Result holds the accumulated curves of one evaluation run. It is owned by
// the caller; the engine retains no state between runs.
type Result struct {
	// Params echoes the run configuration.
	Params Params
	// CatIDs is the category axis of the tensors, ascending; nil for
	// class-agnostic runs, whose category axis has a single entry.
	CatIDs []int
	// Precision is shaped (threshold, recall level, category, area range).
	// Entries are -1 where no counted ground truth exists.
	Precision *tensor.Dense
	// Recall is shaped (threshold, category, area range), -1 sentinel as
	// above.
	Recall *tensor.Dense
	// SkippedDetections counts inputs dropped for referencing a category
	// absent from the index.
	SkippedDetections int
}

type unitKey struct {
	img, cat int
}

// Evaluate scores detections against the ground-truth index. It is a pure
// function of its inputs: the index is only read, detections are consumed
// by value, and all working state is discarded after the curves are built,
// so concurrent calls may share one index freely.
//
// Detections referencing categories unknown to the index are dropped and
// counted in Result.SkippedDetections. ErrEmptyResultSet is returned when
// no detections were supplied at all.
func Evaluate(dets []Detection, index *dataset.Index, p Params) (*Result, error) {
	if index == nil {
		return nil, errors.New("evaluation: nil ground-truth index")
	}
	if len(p.IoUThrs) == 0 {
		p.IoUThrs = DefaultIoUThrs()
	}
	if len(p.RecThrs) == 0 {
		p.RecThrs = DefaultRecThrs()
	}
	if len(p.AreaRngs) == 0 {
		p.AreaRngs = DefaultAreaRanges()
	}
	if p.IoUKind == "" {
		p.IoUKind = IoUBox
	}
	if len(dets) == 0 {
		return nil, ErrEmptyResultSet
	}

	res := &Result{Params: p}

	// Group detections by (image, category), preserving input order within
	// each group for deterministic tie-breaks. Class-agnostic runs collapse
	// the category axis to a single slot.
	catIDs := index.CategoryIDs()
	numCats := 1
	if p.UseCats {
		res.CatIDs = catIDs
		numCats = len(catIDs)
	}
	grouped := make(map[unitKey][]*Detection)
	for i := range dets {
		d := &dets[i]
		if _, ok := index.Category(d.CategoryID); !ok {
			res.SkippedDetections++
			continue
		}
		cat := 0
		if p.UseCats {
			cat = d.CategoryID
		}
		grouped[unitKey{d.ImageID, cat}] = append(grouped[unitKey{d.ImageID, cat}], d)
	}

	imgIDs := index.ImageIDs()
	evals := make([][][]*imgEval, numCats)

	// Matching is independent across categories: every worker reads the
	// immutable index and writes only its own slot.
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for k := 0; k < numCats; k++ {
		k := k
		g.Go(func() error {
			slot := make([][]*imgEval, len(p.AreaRngs))
			for a := range slot {
				slot[a] = make([]*imgEval, len(imgIDs))
			}
			for i, imgID := range imgIDs {
				var (
					dts []*Detection
					gts []*dataset.Annotation
				)
				if p.UseCats {
					dts = grouped[unitKey{imgID, catIDs[k]}]
					gts = index.AnnotationsFor(imgID, catIDs[k])
				} else {
					dts = grouped[unitKey{imgID, 0}]
					for _, catID := range catIDs {
						gts = append(gts, index.AnnotationsFor(imgID, catID)...)
					}
				}
				if len(dts) == 0 && len(gts) == 0 {
					continue
				}
				unit := newMatchUnit(imgID, dts, gts, p)
				for a, rng := range p.AreaRngs {
					slot[a][i] = unit.evaluate(index, p, rng)
				}
			}
			evals[k] = slot
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res.Precision, res.Recall = accumulate(evals, p, numCats)
	return res, nil
}
