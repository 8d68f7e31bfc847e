package dataset

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleAnnotations = `{
	"images": [
		{"id": 1, "not_exhaustive_category_ids": [3], "neg_category_ids": [4]},
		{"id": 2, "not_exhaustive_category_ids": [], "neg_category_ids": []}
	],
	"categories": [
		{"id": 1, "name": "person", "frequency": "f"},
		{"id": 2, "name": "bicycle", "frequency": "c"},
		{"id": 3, "name": "unicycle", "frequency": "r"},
		{"id": 4, "name": "penny-farthing", "frequency": "r"}
	],
	"annotations": [
		{"id": 10, "image_id": 1, "category_id": 1, "bbox": [0, 0, 10, 10], "area": 100},
		{"id": 11, "image_id": 1, "category_id": 1, "bbox": [20, 20, 10, 10], "area": 100},
		{"id": 12, "image_id": 2, "category_id": 2, "bbox": [5, 5, 4, 4], "area": 16,
		 "segmentation": {"size": [4, 4], "counts": [0, 16]}},
		{"id": 13, "image_id": 2, "category_id": 1, "bbox": [1, 1, 2, 2], "ignore": 1}
	]
}`

func buildIndex(t *testing.T, doc string) *Index {
	t.Helper()
	idx, err := NewIndex(strings.NewReader(doc))
	require.NoError(t, err)
	return idx
}

func TestNewIndex(t *testing.T) {
	idx := buildIndex(t, sampleAnnotations)

	assert.Equal(t, []int{1, 2}, idx.ImageIDs())
	assert.Equal(t, []int{1, 2, 3, 4}, idx.CategoryIDs())

	assert.Len(t, idx.AnnotationsFor(1, 1), 2)
	assert.Len(t, idx.AnnotationsFor(2, 2), 1)
	assert.Empty(t, idx.AnnotationsFor(2, 3))

	assert.Equal(t, "bicycle", idx.CategoryName(2))
	assert.Equal(t, "", idx.CategoryName(99))

	assert.Equal(t, FreqFrequent, idx.FrequencyGroup(1))
	assert.Equal(t, FreqCommon, idx.FrequencyGroup(2))
	assert.Equal(t, FreqRare, idx.FrequencyGroup(3))
	assert.Equal(t, FreqUnknown, idx.FrequencyGroup(99))

	assert.True(t, idx.IsNonExhaustive(1, 3))
	assert.False(t, idx.IsNonExhaustive(1, 4))
	assert.True(t, idx.IsNegative(1, 4))
	assert.False(t, idx.IsNegative(2, 4))
}

func TestNewIndexAnnotationFields(t *testing.T) {
	idx := buildIndex(t, sampleAnnotations)

	anns := idx.AnnotationsFor(2, 2)
	require.Len(t, anns, 1)
	assert.Equal(t, 16.0, anns[0].Area)
	require.NotNil(t, anns[0].Mask)
	assert.Equal(t, 16.0, anns[0].Mask.Area())

	ignored := idx.AnnotationsFor(2, 1)
	require.Len(t, ignored, 1)
	assert.True(t, ignored[0].Ignore)
	assert.Equal(t, 4.0, ignored[0].Area, "missing area should fall back to box area")
}

func TestNewIndexRejectsInvalidFiles(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "malformed JSON",
			doc:  `{"images": [`,
		},
		{
			name: "undefined image reference",
			doc: `{"images": [], "categories": [{"id": 1, "name": "a"}],
				"annotations": [{"id": 1, "image_id": 9, "category_id": 1, "bbox": [0,0,1,1]}]}`,
		},
		{
			name: "undefined category reference",
			doc: `{"images": [{"id": 1}], "categories": [],
				"annotations": [{"id": 1, "image_id": 1, "category_id": 9, "bbox": [0,0,1,1]}]}`,
		},
		{
			name: "short bbox",
			doc: `{"images": [{"id": 1}], "categories": [{"id": 1, "name": "a"}],
				"annotations": [{"id": 1, "image_id": 1, "category_id": 1, "bbox": [0,0,1]}]}`,
		},
		{
			name: "undefined negative category",
			doc:  `{"images": [{"id": 1, "neg_category_ids": [7]}], "categories": [], "annotations": []}`,
		},
		{
			name: "duplicate category id",
			doc:  `{"images": [], "categories": [{"id": 1, "name": "a"}, {"id": 1, "name": "b"}], "annotations": []}`,
		},
		{
			name: "positive annotation in negative category",
			doc: `{"images": [{"id": 1, "neg_category_ids": [1]}],
				"categories": [{"id": 1, "name": "a"}],
				"annotations": [{"id": 1, "image_id": 1, "category_id": 1, "bbox": [0,0,1,1]}]}`,
		},
		{
			name: "positive annotation in not-exhaustive category",
			doc: `{"images": [{"id": 1, "not_exhaustive_category_ids": [1]}],
				"categories": [{"id": 1, "name": "a"}],
				"annotations": [{"id": 1, "image_id": 1, "category_id": 1, "bbox": [0,0,1,1]}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewIndex(strings.NewReader(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidAnnotationFile), "got: %v", err)
		})
	}
}

func TestLoadLocalBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "annotations.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleAnnotations), 0o644))

	idx, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, idx.ImageIDs())

	_, err = Load(filepath.Join(dir, "missing.json"), nil)
	assert.True(t, errors.Is(err, ErrInvalidAnnotationFile))
}

func TestLoadHTTPBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/annotations.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(sampleAnnotations))
	}))
	defer srv.Close()

	idx, err := Load(srv.URL+"/annotations.json", HTTPBackend{Client: srv.Client()})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, idx.CategoryIDs())

	_, err = Load(srv.URL+"/missing.json", HTTPBackend{Client: srv.Client()})
	assert.True(t, errors.Is(err, ErrInvalidAnnotationFile))
}
