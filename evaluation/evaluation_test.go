package evaluation

import (
	"math"
	"strings"
	"testing"

	"github.com/nvr-ai/go-eval/common"
	"github.com/nvr-ai/go-eval/dataset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Fixture: image 1 carries three small "kettle" instances and one "ladle";
// image 2 carries one ignored kettle region and one large "trivet"; image 3
// was not exhaustively verified for kettles; image 4 verified kettles
// absent. "whisk" exists in the vocabulary but has no instance anywhere.
const fixtureJSON = `{
	"images": [
		{"id": 1},
		{"id": 2},
		{"id": 3, "not_exhaustive_category_ids": [1]},
		{"id": 4, "neg_category_ids": [1]}
	],
	"categories": [
		{"id": 1, "name": "kettle", "frequency": "f"},
		{"id": 2, "name": "ladle", "frequency": "r"},
		{"id": 3, "name": "whisk", "frequency": "r"},
		{"id": 4, "name": "trivet", "frequency": "c"}
	],
	"annotations": [
		{"id": 10, "image_id": 1, "category_id": 1, "bbox": [0, 0, 10, 10], "area": 100},
		{"id": 11, "image_id": 1, "category_id": 1, "bbox": [20, 0, 10, 10], "area": 100},
		{"id": 12, "image_id": 1, "category_id": 1, "bbox": [40, 0, 10, 10], "area": 100},
		{"id": 13, "image_id": 1, "category_id": 2, "bbox": [60, 0, 10, 10], "area": 100},
		{"id": 14, "image_id": 2, "category_id": 1, "bbox": [0, 0, 10, 10], "area": 100, "ignore": 1},
		{"id": 15, "image_id": 2, "category_id": 4, "bbox": [50, 50, 200, 200], "area": 40000}
	]
}`

func fixtureIndex(t *testing.T) *dataset.Index {
	t.Helper()
	idx, err := dataset.NewIndex(strings.NewReader(fixtureJSON))
	require.NoError(t, err)
	return idx
}

func det(img, cat int, box common.Box, score float64) Detection {
	return Detection{ImageID: img, CategoryID: cat, Box: box, Score: score}
}

// kettleDets returns detections reproducing image 1's kettle instances
// exactly, with descending unique scores.
func kettleDets() []Detection {
	return []Detection{
		det(1, 1, common.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}, 0.9),
		det(1, 1, common.Box{X1: 20, Y1: 0, X2: 30, Y2: 10}, 0.8),
		det(1, 1, common.Box{X1: 40, Y1: 0, X2: 50, Y2: 10}, 0.7),
	}
}

func itemValue(t *testing.T, items []Item, name string) float64 {
	t.Helper()
	for _, it := range items {
		if it.Name == name {
			return it.Value
		}
	}
	t.Fatalf("item %q not found in %v", name, items)
	return 0
}

func TestEvaluatePerfectMatch(t *testing.T) {
	idx := fixtureIndex(t)
	dets := append(kettleDets(),
		det(1, 2, common.Box{X1: 60, Y1: 0, X2: 70, Y2: 10}, 0.6),
		det(2, 4, common.Box{X1: 50, Y1: 50, X2: 250, Y2: 250}, 0.5),
	)

	res, err := Evaluate(dets, idx, DefaultParams(IoUBox))
	require.NoError(t, err)

	items := res.Summarize(idx)
	assert.InDelta(t, 1.0, itemValue(t, items, "AP"), 1e-9)
	assert.InDelta(t, 1.0, itemValue(t, items, "AP50"), 1e-9)
	assert.InDelta(t, 1.0, itemValue(t, items, "AP75"), 1e-9)
	assert.InDelta(t, 1.0, itemValue(t, items, "APs"), 1e-9)
	assert.InDelta(t, 1.0, itemValue(t, items, "APl"), 1e-9)
	assert.True(t, math.IsNaN(itemValue(t, items, "APm")), "no medium ground truth")
	assert.InDelta(t, 1.0, itemValue(t, items, "APr"), 1e-9)
	assert.InDelta(t, 1.0, itemValue(t, items, "APc"), 1e-9)
	assert.InDelta(t, 1.0, itemValue(t, items, "APf"), 1e-9)
}

func TestEvaluateNonExhaustiveNotPenalized(t *testing.T) {
	idx := fixtureIndex(t)

	// A confident kettle detection on image 3, where kettles were not
	// exhaustively verified and no kettle instance exists.
	stray := det(3, 1, common.Box{X1: 5, Y1: 5, X2: 15, Y2: 15}, 0.95)
	res, err := Evaluate(append(kettleDets(), stray), idx, DefaultParams(IoUBox))
	require.NoError(t, err)
	ap := res.ap(-1, "all", func(k int) bool { return res.CatIDs[k] == 1 })
	assert.InDelta(t, 1.0, ap, 1e-9, "unverified detection must not count as a false positive")

	// The same detection on image 2, which carries no such marker and has
	// nothing under it, is a plain false positive and drags precision down
	// to 3/4.
	stray = det(2, 1, common.Box{X1: 200, Y1: 200, X2: 210, Y2: 210}, 0.95)
	res, err = Evaluate(append(kettleDets(), stray), idx, DefaultParams(IoUBox))
	require.NoError(t, err)
	ap = res.ap(-1, "all", func(k int) bool { return res.CatIDs[k] == 1 })
	assert.InDelta(t, 0.75, ap, 1e-9)
}

func TestEvaluateNegativeCategoryExcluded(t *testing.T) {
	idx := fixtureIndex(t)
	stray := det(4, 1, common.Box{X1: 5, Y1: 5, X2: 15, Y2: 15}, 0.95)

	res, err := Evaluate(append(kettleDets(), stray), idx, DefaultParams(IoUBox))
	require.NoError(t, err)
	ap := res.ap(-1, "all", func(k int) bool { return res.CatIDs[k] == 1 })
	assert.InDelta(t, 1.0, ap, 1e-9)
}

func TestEvaluateIgnoredGroundTruth(t *testing.T) {
	idx := fixtureIndex(t)

	// One detection sitting exactly on the ignored kettle region of image
	// 2, and one overlapping it below every threshold: neither may count
	// as a false positive, and the ignored instance never enters recall.
	dets := append(kettleDets(),
		det(2, 1, common.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}, 0.95),
		det(2, 1, common.Box{X1: 5, Y1: 0, X2: 15, Y2: 10}, 0.85),
	)
	res, err := Evaluate(dets, idx, DefaultParams(IoUBox))
	require.NoError(t, err)
	ap := res.ap(-1, "all", func(k int) bool { return res.CatIDs[k] == 1 })
	assert.InDelta(t, 1.0, ap, 1e-9)
}

func TestEvaluateMissingDetections(t *testing.T) {
	idx := fixtureIndex(t)

	// Kettles scored perfectly, ladle and trivet not predicted at all.
	res, err := Evaluate(kettleDets(), idx, DefaultParams(IoUBox))
	require.NoError(t, err)
	items := res.Summarize(idx)

	// Annotated but unpredicted categories score zero; categories with no
	// instance anywhere stay out of every average.
	assert.InDelta(t, 1.0/3.0, itemValue(t, items, "AP"), 1e-9, "mean of kettle=1, ladle=0, trivet=0")
	assert.InDelta(t, 0.0, itemValue(t, items, "APr"), 1e-9, "ladle is the only rare category with instances")
	assert.InDelta(t, 1.0, itemValue(t, items, "APf"), 1e-9)
	assert.InDelta(t, 0.0, itemValue(t, items, "APc"), 1e-9, "trivet annotated but never predicted")

	classwise := res.ClasswisePrecision()
	require.Len(t, classwise, 4)
	assert.InDelta(t, 1.0, classwise[0], 1e-9)
	assert.InDelta(t, 0.0, classwise[1], 1e-9)
	assert.True(t, math.IsNaN(classwise[2]), "whisk has no ground truth anywhere")
	assert.InDelta(t, 0.0, classwise[3], 1e-9, "trivet annotated on image 2 but never predicted")
}

func TestEvaluateFrequencyGroupIgnoresEmptyCategories(t *testing.T) {
	idx := fixtureIndex(t)
	dets := append(kettleDets(),
		det(1, 2, common.Box{X1: 60, Y1: 0, X2: 70, Y2: 10}, 0.6),
	)
	res, err := Evaluate(dets, idx, DefaultParams(IoUBox))
	require.NoError(t, err)

	// "whisk" is rare with zero instances: APr must equal the ladle-only
	// average, not be diluted toward zero.
	items := res.Summarize(idx)
	assert.InDelta(t, 1.0, itemValue(t, items, "APr"), 1e-9)
}

func TestEvaluatePrecisionEnvelopeMonotone(t *testing.T) {
	idx := fixtureIndex(t)

	// A top-scoring false positive forces an interleaved raw curve; the
	// enveloped curve must be non-increasing across recall levels.
	dets := append(kettleDets(),
		det(2, 1, common.Box{X1: 200, Y1: 200, X2: 210, Y2: 210}, 0.95),
	)
	res, err := Evaluate(dets, idx, DefaultParams(IoUBox))
	require.NoError(t, err)

	data := res.Precision.Data().([]float64)
	numRecs := len(res.Params.RecThrs)
	numCats, numAreas := len(res.CatIDs), len(res.Params.AreaRngs)
	for t0 := range res.Params.IoUThrs {
		prev := math.Inf(1)
		for rec := 0; rec < numRecs; rec++ {
			v := data[((t0*numRecs+rec)*numCats+0)*numAreas+0]
			require.GreaterOrEqual(t, prev, v, "threshold %d recall level %d", t0, rec)
			prev = v
		}
	}
}

func TestEvaluateMaxDetsCutoff(t *testing.T) {
	idx := fixtureIndex(t)
	p := DefaultParams(IoUBox)
	p.MaxDets = 1

	res, err := Evaluate(kettleDets(), idx, p)
	require.NoError(t, err)

	// Only the top-scoring detection per image survives: one of three
	// kettles is recalled, at full precision up to recall 1/3.
	ap := res.ap(-1, "all", func(k int) bool { return res.CatIDs[k] == 1 })
	assert.InDelta(t, 34.0/101.0, ap, 1e-9)
}

func TestEvaluateProposalRecall(t *testing.T) {
	idx := fixtureIndex(t)

	// Class-agnostic proposals covering every counted instance; labels do
	// not matter in proposal mode.
	dets := []Detection{
		det(1, 1, common.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}, 0.9),
		det(1, 1, common.Box{X1: 20, Y1: 0, X2: 30, Y2: 10}, 0.8),
		det(1, 1, common.Box{X1: 40, Y1: 0, X2: 50, Y2: 10}, 0.7),
		det(1, 1, common.Box{X1: 60, Y1: 0, X2: 70, Y2: 10}, 0.6),
		det(2, 1, common.Box{X1: 50, Y1: 50, X2: 250, Y2: 250}, 0.5),
	}
	res, err := Evaluate(dets, idx, ProposalParams(10))
	require.NoError(t, err)

	items := res.Summarize(idx)
	assert.InDelta(t, 1.0, itemValue(t, items, "AR@10"), 1e-9)
	assert.InDelta(t, 1.0, itemValue(t, items, "ARs@10"), 1e-9)
	assert.InDelta(t, 1.0, itemValue(t, items, "ARl@10"), 1e-9)
	assert.True(t, math.IsNaN(itemValue(t, items, "ARm@10")))
}

func TestEvaluateDeterministic(t *testing.T) {
	idx := fixtureIndex(t)

	// Tied scores across images and categories exercise every tie-break.
	dets := append(kettleDets(),
		det(1, 2, common.Box{X1: 60, Y1: 0, X2: 70, Y2: 10}, 0.9),
		det(2, 4, common.Box{X1: 50, Y1: 50, X2: 250, Y2: 250}, 0.9),
		det(2, 1, common.Box{X1: 100, Y1: 100, X2: 110, Y2: 110}, 0.9),
	)

	first, err := Evaluate(dets, idx, DefaultParams(IoUBox))
	require.NoError(t, err)
	second, err := Evaluate(dets, idx, DefaultParams(IoUBox))
	require.NoError(t, err)

	assert.Equal(t, first.Precision.Data().([]float64), second.Precision.Data().([]float64))
	assert.Equal(t, first.Recall.Data().([]float64), second.Recall.Data().([]float64))
}

func TestEvaluateUnknownCategorySkipped(t *testing.T) {
	idx := fixtureIndex(t)
	dets := append(kettleDets(),
		det(1, 99, common.Box{X1: 0, Y1: 0, X2: 10, Y2: 10}, 0.99),
	)

	res, err := Evaluate(dets, idx, DefaultParams(IoUBox))
	require.NoError(t, err)
	assert.Equal(t, 1, res.SkippedDetections)

	ap := res.ap(-1, "all", func(k int) bool { return res.CatIDs[k] == 1 })
	assert.InDelta(t, 1.0, ap, 1e-9, "unknown-category detection must not affect known categories")
}

func TestEvaluateEmptyResultSet(t *testing.T) {
	idx := fixtureIndex(t)
	_, err := Evaluate(nil, idx, DefaultParams(IoUBox))
	assert.ErrorIs(t, err, ErrEmptyResultSet)
}

func TestEvaluateSegmentationMasks(t *testing.T) {
	doc := `{
		"images": [{"id": 1}],
		"categories": [{"id": 1, "name": "kettle", "frequency": "f"}],
		"annotations": [
			{"id": 1, "image_id": 1, "category_id": 1, "bbox": [0, 0, 2, 2], "area": 4,
			 "segmentation": {"size": [4, 4], "counts": [0, 2, 2, 2, 10]}}
		]
	}`
	idx, err := dataset.NewIndex(strings.NewReader(doc))
	require.NoError(t, err)

	d := det(1, 1, common.Box{X1: 0, Y1: 0, X2: 2, Y2: 2}, 0.9)
	d.Mask = &common.Mask{Height: 4, Width: 4, Counts: []uint32{0, 2, 2, 2, 10}}

	res, err := Evaluate([]Detection{d}, idx, DefaultParams(IoUSegm))
	require.NoError(t, err)
	items := res.Summarize(idx)
	assert.InDelta(t, 1.0, itemValue(t, items, "AP"), 1e-9)
}
