// Package dataset - Federated ground-truth annotation indexing.
//
// An annotation file declares images, a large category vocabulary, and
// instance annotations. Annotation is federated: for each image only a
// subset of categories was exhaustively verified, and an image may carry
// explicit "not exhaustively annotated" and "verified absent" category
// sets. The index resolves all of this bookkeeping once at construction
// and is immutable afterwards, so it can be shared across concurrent
// evaluation runs without locking.
package dataset

import (
	"encoding/json"
	"io"
	"sort"

	"github.com/nvr-ai/go-eval/common"
	"github.com/pkg/errors"
)

// ErrInvalidAnnotationFile indicates the annotation source could not be
// parsed or is internally inconsistent. Construction-time only and fatal.
var ErrInvalidAnnotationFile = errors.New("dataset: invalid annotation file")

// FrequencyGroup classifies a category by how many training images contain
// it. Groups are supplied precomputed by the annotation source.
type FrequencyGroup int

const (
	// FreqUnknown means the source did not assign a group.
	FreqUnknown FrequencyGroup = iota
	// FreqRare covers categories seen in 1-10 training images.
	FreqRare
	// FreqCommon covers categories seen in 11-100 training images.
	FreqCommon
	// FreqFrequent covers categories seen in more than 100 training images.
	FreqFrequent
)

// Image is one annotated image and its federated verification state.
type Image struct {
	// ID is the image identifier.
	ID int
	// NonExhaustiveCategoryIDs lists categories that were only partially
	// verified on this image.
	NonExhaustiveCategoryIDs []int
	// NegativeCategoryIDs lists categories explicitly verified absent.
	NegativeCategoryIDs []int
}

// Category is one vocabulary entry.
type Category struct {
	// ID is the category identifier.
	ID int
	// Name is the display name used in classwise reports.
	Name string
	// Frequency is the precomputed frequency group.
	Frequency FrequencyGroup
}

// Annotation is one ground-truth instance.
type Annotation struct {
	// ID is the annotation identifier.
	ID int
	// ImageID references the image the instance appears on.
	ImageID int
	// CategoryID references the instance category.
	CategoryID int
	// Box is the instance bounding box.
	Box common.Box
	// Mask is the optional instance segmentation.
	Mask *common.Mask
	// Area is the instance area in pixels.
	Area float64
	// Ignore marks invalid regions excluded from scoring.
	Ignore bool
}

type imageKey struct {
	img, cat int
}

// Index is the read-only ground-truth index built once per annotation file.
type Index struct {
	images     map[int]*Image
	categories map[int]*Category
	imageIDs   []int
	catIDs     []int

	anns          map[imageKey][]*Annotation
	nonExhaustive map[imageKey]struct{}
	negative      map[imageKey]struct{}
}

// wire layout of the annotation file.
type annotationFile struct {
	Images     []fileImage      `json:"images"`
	Categories []fileCategory   `json:"categories"`
	Anns       []fileAnnotation `json:"annotations"`
}

type fileImage struct {
	ID               int   `json:"id"`
	NotExhaustiveIDs []int `json:"not_exhaustive_category_ids"`
	NegativeIDs      []int `json:"neg_category_ids"`
}

type fileCategory struct {
	ID        int    `json:"id"`
	Name      string `json:"name"`
	Frequency string `json:"frequency"`
}

type fileAnnotation struct {
	ID           int          `json:"id"`
	ImageID      int          `json:"image_id"`
	CategoryID   int          `json:"category_id"`
	Bbox         []float64    `json:"bbox"`
	Area         float64      `json:"area"`
	Segmentation *common.Mask `json:"segmentation"`
	Ignore       int          `json:"ignore"`
}

// NewIndex parses an annotation source and builds the index. Any parse
// failure or dangling cross-reference fails with ErrInvalidAnnotationFile.
func NewIndex(r io.Reader) (*Index, error) {
	var file annotationFile
	if err := json.NewDecoder(r).Decode(&file); err != nil {
		return nil, errors.Wrapf(ErrInvalidAnnotationFile, "decoding annotation JSON: %v", err)
	}

	idx := &Index{
		images:        make(map[int]*Image, len(file.Images)),
		categories:    make(map[int]*Category, len(file.Categories)),
		anns:          make(map[imageKey][]*Annotation, len(file.Anns)),
		nonExhaustive: make(map[imageKey]struct{}),
		negative:      make(map[imageKey]struct{}),
	}

	for _, c := range file.Categories {
		if _, dup := idx.categories[c.ID]; dup {
			return nil, errors.Wrapf(ErrInvalidAnnotationFile, "duplicate category id %d", c.ID)
		}
		idx.categories[c.ID] = &Category{ID: c.ID, Name: c.Name, Frequency: parseFrequency(c.Frequency)}
		idx.catIDs = append(idx.catIDs, c.ID)
	}

	for _, im := range file.Images {
		if _, dup := idx.images[im.ID]; dup {
			return nil, errors.Wrapf(ErrInvalidAnnotationFile, "duplicate image id %d", im.ID)
		}
		img := &Image{
			ID:                       im.ID,
			NonExhaustiveCategoryIDs: im.NotExhaustiveIDs,
			NegativeCategoryIDs:      im.NegativeIDs,
		}
		idx.images[im.ID] = img
		idx.imageIDs = append(idx.imageIDs, im.ID)
		for _, cat := range im.NotExhaustiveIDs {
			if _, ok := idx.categories[cat]; !ok {
				return nil, errors.Wrapf(ErrInvalidAnnotationFile,
					"image %d: not-exhaustive category %d is undefined", im.ID, cat)
			}
			idx.nonExhaustive[imageKey{im.ID, cat}] = struct{}{}
		}
		for _, cat := range im.NegativeIDs {
			if _, ok := idx.categories[cat]; !ok {
				return nil, errors.Wrapf(ErrInvalidAnnotationFile,
					"image %d: negative category %d is undefined", im.ID, cat)
			}
			idx.negative[imageKey{im.ID, cat}] = struct{}{}
		}
	}

	for _, a := range file.Anns {
		if _, ok := idx.images[a.ImageID]; !ok {
			return nil, errors.Wrapf(ErrInvalidAnnotationFile,
				"annotation %d references undefined image %d", a.ID, a.ImageID)
		}
		if _, ok := idx.categories[a.CategoryID]; !ok {
			return nil, errors.Wrapf(ErrInvalidAnnotationFile,
				"annotation %d references undefined category %d", a.ID, a.CategoryID)
		}
		if len(a.Bbox) != 4 {
			return nil, errors.Wrapf(ErrInvalidAnnotationFile,
				"annotation %d: bbox has %d elements, want 4", a.ID, len(a.Bbox))
		}
		key := imageKey{a.ImageID, a.CategoryID}
		// Positive annotations contradict "verified absent" and "not
		// exhaustively annotated" markers for the same (image, category).
		if _, neg := idx.negative[key]; neg {
			return nil, errors.Wrapf(ErrInvalidAnnotationFile,
				"annotation %d: category %d is marked negative on image %d", a.ID, a.CategoryID, a.ImageID)
		}
		if _, ne := idx.nonExhaustive[key]; ne {
			return nil, errors.Wrapf(ErrInvalidAnnotationFile,
				"annotation %d: category %d is marked not-exhaustive on image %d", a.ID, a.CategoryID, a.ImageID)
		}
		ann := &Annotation{
			ID:         a.ID,
			ImageID:    a.ImageID,
			CategoryID: a.CategoryID,
			Box:        common.BoxFromXYWH(a.Bbox[0], a.Bbox[1], a.Bbox[2], a.Bbox[3]),
			Mask:       a.Segmentation,
			Area:       a.Area,
			Ignore:     a.Ignore != 0,
		}
		if ann.Area == 0 {
			ann.Area = ann.Box.Area()
		}
		idx.anns[key] = append(idx.anns[key], ann)
	}

	sort.Ints(idx.imageIDs)
	sort.Ints(idx.catIDs)
	return idx, nil
}

func parseFrequency(s string) FrequencyGroup {
	switch s {
	case "r", "rare":
		return FreqRare
	case "c", "common":
		return FreqCommon
	case "f", "frequent":
		return FreqFrequent
	}
	return FreqUnknown
}

// CategoryIDs returns all category ids in ascending order. The returned
// slice is shared and must not be modified.
func (idx *Index) CategoryIDs() []int { return idx.catIDs }

// ImageIDs returns all image ids in ascending order. The returned slice is
// shared and must not be modified.
func (idx *Index) ImageIDs() []int { return idx.imageIDs }

// Category looks up a vocabulary entry.
func (idx *Index) Category(id int) (*Category, bool) {
	c, ok := idx.categories[id]
	return c, ok
}

// CategoryName returns the display name for a category, or empty when the
// category is unknown.
func (idx *Index) CategoryName(id int) string {
	if c, ok := idx.categories[id]; ok {
		return c.Name
	}
	return ""
}

// FrequencyGroup returns the precomputed frequency group for a category.
func (idx *Index) FrequencyGroup(id int) FrequencyGroup {
	if c, ok := idx.categories[id]; ok {
		return c.Frequency
	}
	return FreqUnknown
}

// AnnotationsFor returns the ground-truth instances of one category on one
// image. The returned slice is shared and must not be modified.
func (idx *Index) AnnotationsFor(imageID, categoryID int) []*Annotation {
	return idx.anns[imageKey{imageID, categoryID}]
}

// IsNonExhaustive reports whether the category was only partially verified
// on the image.
func (idx *Index) IsNonExhaustive(imageID, categoryID int) bool {
	_, ok := idx.nonExhaustive[imageKey{imageID, categoryID}]
	return ok
}

// IsNegative reports whether the category was explicitly verified absent on
// the image.
func (idx *Index) IsNegative(imageID, categoryID int) bool {
	_, ok := idx.negative[imageKey{imageID, categoryID}]
	return ok
}
