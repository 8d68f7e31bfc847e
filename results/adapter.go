// Package results - Conversion between caller prediction records, the
// evaluation engine's detections, and the intermediate result files used
// for test-server submission.
package results

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nvr-ai/go-eval/common"
	"github.com/nvr-ai/go-eval/dataset"
	"github.com/nvr-ai/go-eval/evaluation"
	"github.com/pkg/errors"
)

// Sentinel errors for per-record conditions. Both are recovered locally by
// exclusion: one bad record must not abort scoring of a large result set.
var (
	// ErrMalformedPrediction indicates a record whose parallel sequences
	// disagree in length.
	ErrMalformedPrediction = errors.New("results: malformed prediction record")
	// ErrCategoryMismatch indicates a detection referencing a category
	// absent from the ground-truth index.
	ErrCategoryMismatch = errors.New("results: unknown category id")
)

// Kind selects which geometry and score a record's detections are scored
// with.
type Kind string

const (
	// KindBBox scores bounding boxes.
	KindBBox Kind = "bbox"
	// KindSegm scores segmentation masks.
	KindSegm Kind = "segm"
	// KindProposal scores bounding boxes class-agnostically.
	KindProposal Kind = "proposal"
)

// Record is one image's worth of predictions, in the shape detectors
// produce: parallel sequences over detections.
type Record struct {
	// ImageID is the image the predictions belong to.
	ImageID int `json:"image_id"`
	// Boxes are predicted boxes in (x1, y1, x2, y2) order.
	Boxes [][4]float32 `json:"boxes"`
	// Scores are box confidences, parallel to Boxes.
	Scores []float64 `json:"scores"`
	// Labels are predicted category ids, parallel to Boxes.
	Labels []int `json:"labels"`
	// Masks are optional predicted segmentations, parallel to Boxes.
	Masks []*common.Mask `json:"masks,omitempty"`
	// MaskScores are optional mask confidences, parallel to Masks; box
	// scores are used when absent.
	MaskScores []float64 `json:"mask_scores,omitempty"`
}

// Validate checks the parallel sequences agree in length.
func (r Record) Validate() error {
	n := len(r.Boxes)
	if len(r.Scores) != n || len(r.Labels) != n {
		return errors.Wrapf(ErrMalformedPrediction,
			"image %d: %d boxes, %d scores, %d labels", r.ImageID, n, len(r.Scores), len(r.Labels))
	}
	if r.Masks != nil && len(r.Masks) != n {
		return errors.Wrapf(ErrMalformedPrediction,
			"image %d: %d boxes but %d masks", r.ImageID, n, len(r.Masks))
	}
	if r.MaskScores != nil && len(r.MaskScores) != n {
		return errors.Wrapf(ErrMalformedPrediction,
			"image %d: %d boxes but %d mask scores", r.ImageID, n, len(r.MaskScores))
	}
	return nil
}

// Stats counts inputs excluded during conversion, for diagnostics.
type Stats struct {
	// MalformedRecords counts records rejected as a whole.
	MalformedRecords int
	// MismatchedDetections counts detections dropped for unknown
	// categories.
	MismatchedDetections int
}

// Adapter converts prediction records against one ground-truth index.
type Adapter struct {
	index *dataset.Index
}

// NewAdapter creates an adapter bound to a ground-truth index.
func NewAdapter(index *dataset.Index) *Adapter {
	return &Adapter{index: index}
}

// Detections flattens records into engine detections for the given kind.
// Malformed records and unknown-category detections are excluded and
// counted in the returned stats; the error list carries one diagnostic per
// exclusion for logging.
func (a *Adapter) Detections(records []Record, kind Kind) ([]evaluation.Detection, Stats, []error) {
	var (
		out   []evaluation.Detection
		stats Stats
		diags []error
	)
	for _, rec := range records {
		if err := rec.Validate(); err != nil {
			stats.MalformedRecords++
			diags = append(diags, err)
			continue
		}
		if kind == KindSegm && rec.Masks == nil {
			stats.MalformedRecords++
			diags = append(diags, errors.Wrapf(ErrMalformedPrediction,
				"image %d: segmentation scoring requested but record has no masks", rec.ImageID))
			continue
		}
		for i := range rec.Boxes {
			if _, ok := a.index.Category(rec.Labels[i]); !ok {
				stats.MismatchedDetections++
				diags = append(diags, errors.Wrapf(ErrCategoryMismatch,
					"image %d detection %d: category %d", rec.ImageID, i, rec.Labels[i]))
				continue
			}
			d := evaluation.Detection{
				ImageID:    rec.ImageID,
				CategoryID: rec.Labels[i],
				Box: common.Box{
					X1: rec.Boxes[i][0],
					Y1: rec.Boxes[i][1],
					X2: rec.Boxes[i][2],
					Y2: rec.Boxes[i][3],
				},
				Score: rec.Scores[i],
			}
			if rec.Masks != nil {
				d.Mask = rec.Masks[i]
			}
			if kind == KindSegm && rec.MaskScores != nil {
				d.Score = rec.MaskScores[i]
			}
			out = append(out, d)
		}
	}
	return out, stats, diags
}

// resultEntry is the intermediate result-file layout, one entry per
// detection, boxes in (x, y, width, height) order.
type resultEntry struct {
	ImageID      int          `json:"image_id"`
	CategoryID   int          `json:"category_id"`
	Bbox         [4]float64   `json:"bbox"`
	Score        float64      `json:"score"`
	Segmentation *common.Mask `json:"segmentation,omitempty"`
}

// WriteFiles dumps records to per-kind intermediate JSON files named
// "<prefix>.<kind>.json" and returns the paths. Proposal results share the
// bbox file.
func (a *Adapter) WriteFiles(records []Record, kinds []Kind, prefix string) (map[Kind]string, error) {
	files := make(map[Kind]string, len(kinds))
	var bboxPath string
	for _, kind := range kinds {
		if kind != KindSegm && bboxPath != "" {
			files[kind] = bboxPath
			continue
		}
		dets, _, _ := a.Detections(records, kind)
		entries := make([]resultEntry, 0, len(dets))
		for _, d := range dets {
			e := resultEntry{
				ImageID:    d.ImageID,
				CategoryID: d.CategoryID,
				Bbox:       d.Box.XYWH(),
				Score:      d.Score,
			}
			if kind == KindSegm {
				e.Segmentation = d.Mask
			}
			entries = append(entries, e)
		}

		path := fmt.Sprintf("%s.%s.json", prefix, fileKind(kind))
		data, err := json.Marshal(entries)
		if err != nil {
			return nil, errors.Wrapf(err, "encoding %s results", kind)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return nil, errors.Wrapf(err, "writing %s results", kind)
		}
		files[kind] = path
		if kind != KindSegm {
			bboxPath = path
		}
	}
	return files, nil
}

// fileKind maps a scoring kind to its result-file suffix.
func fileKind(kind Kind) Kind {
	if kind == KindProposal {
		return KindBBox
	}
	return kind
}
