// Package evaluation - Matching, accumulation and summarization of
// detection results against a federated ground-truth index.
package evaluation

import (
	"github.com/nvr-ai/go-eval/common"
)

// IoUKind selects the geometry used for overlap computation.
type IoUKind string

const (
	// IoUBox computes overlap between bounding boxes.
	IoUBox IoUKind = "bbox"
	// IoUSegm computes overlap between segmentation masks.
	IoUSegm IoUKind = "segm"
)

// AreaRange is one ground-truth area bucket.
type AreaRange struct {
	// Label identifies the bucket in summaries ("all", "small", ...).
	Label string
	// Lo and Hi bound the instance pixel area, inclusive.
	Lo, Hi float64
}

// Area-range boundaries, in pixels, shared with the standard detection
// benchmarks: small < 32^2 <= medium < 96^2 <= large.
const (
	smallAreaCeil  = 32 * 32
	mediumAreaCeil = 96 * 96
	maxArea        = 1e10
)

// DefaultAreaRanges returns the standard all/small/medium/large buckets.
// The "all" bucket must stay first: summaries index it by position zero.
func DefaultAreaRanges() []AreaRange {
	return []AreaRange{
		{Label: "all", Lo: 0, Hi: maxArea},
		{Label: "small", Lo: 0, Hi: smallAreaCeil},
		{Label: "medium", Lo: smallAreaCeil, Hi: mediumAreaCeil},
		{Label: "large", Lo: mediumAreaCeil, Hi: maxArea},
	}
}

// DefaultIoUThrs returns the standard 0.50:0.05:0.95 threshold sweep.
func DefaultIoUThrs() []float64 {
	thrs := make([]float64, 10)
	for i := range thrs {
		thrs[i] = 0.5 + 0.05*float64(i)
	}
	return thrs
}

// DefaultRecThrs returns the 101 recall levels 0.00:0.01:1.00 that AP is
// interpolated over.
func DefaultRecThrs() []float64 {
	thrs := make([]float64, 101)
	for i := range thrs {
		thrs[i] = 0.01 * float64(i)
	}
	return thrs
}

// Params configures one evaluation run. The zero value is not usable;
// start from DefaultParams.
type Params struct {
	// IoUKind selects box or mask overlap.
	IoUKind IoUKind
	// IoUThrs are the matching thresholds, ascending.
	IoUThrs []float64
	// RecThrs are the recall levels AP is interpolated over, ascending.
	RecThrs []float64
	// MaxDets caps how many top-scoring detections per image are scored.
	MaxDets int
	// AreaRngs are the ground-truth area buckets, "all" first.
	AreaRngs []AreaRange
	// UseCats scores each category separately when true; proposal-style
	// runs set it false to score class-agnostic recall.
	UseCats bool
}

// DefaultParams returns AP-style parameters for the given overlap kind:
// the full threshold sweep, 101 recall levels, and a 100 detections per
// image cutoff.
func DefaultParams(kind IoUKind) Params {
	return Params{
		IoUKind:  kind,
		IoUThrs:  DefaultIoUThrs(),
		RecThrs:  DefaultRecThrs(),
		MaxDets:  100,
		AreaRngs: DefaultAreaRanges(),
		UseCats:  true,
	}
}

// ProposalParams returns AR-style parameters: box overlap, class-agnostic
// matching, and a top-K per-image cutoff.
func ProposalParams(maxDets int) Params {
	p := DefaultParams(IoUBox)
	p.MaxDets = maxDets
	p.UseCats = false
	return p
}

// Detection is one predicted instance, already normalized by the result
// adapter.
type Detection struct {
	// ImageID references the image the detection was made on.
	ImageID int
	// CategoryID is the predicted category.
	CategoryID int
	// Box is the predicted bounding box.
	Box common.Box
	// Mask is the predicted segmentation, required for mask overlap.
	Mask *common.Mask
	// Score is the detector confidence.
	Score float64
}

// area returns the detection area under the configured overlap kind.
func (d *Detection) area(kind IoUKind) float64 {
	if kind == IoUSegm && d.Mask != nil {
		return d.Mask.Area()
	}
	return d.Box.Area()
}

// overlap computes IoU between a detection and a ground-truth geometry.
func overlap(kind IoUKind, det *Detection, gtBox common.Box, gtMask *common.Mask) float64 {
	if kind == IoUSegm {
		if det.Mask == nil || gtMask == nil {
			return 0
		}
		return det.Mask.IoU(gtMask)
	}
	return det.Box.IoU(gtBox)
}
