package common

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Mask is a binary segmentation mask in uncompressed run-length encoding.
// Counts holds alternating background/foreground run lengths over the
// column-major pixel order of a Height x Width grid, starting with a
// background run. The first count may be zero when the mask starts on a
// foreground pixel.
//
// The encoding is treated as opaque geometry: the evaluator only needs
// Area and IoU, never the raster itself.
type Mask struct {
	Height int
	Width  int
	Counts []uint32
}

type maskJSON struct {
	Size   [2]int   `json:"size"`
	Counts []uint32 `json:"counts"`
}

// MarshalJSON encodes the mask in the {"size": [h, w], "counts": [...]}
// form used by annotation and result files.
func (m Mask) MarshalJSON() ([]byte, error) {
	return json.Marshal(maskJSON{Size: [2]int{m.Height, m.Width}, Counts: m.Counts})
}

// UnmarshalJSON decodes the {"size": [h, w], "counts": [...]} form.
// Compressed string counts are out of scope and rejected.
func (m *Mask) UnmarshalJSON(data []byte) error {
	var raw maskJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "decoding run-length mask")
	}
	m.Height = raw.Size[0]
	m.Width = raw.Size[1]
	m.Counts = raw.Counts
	return nil
}

// Area returns the number of foreground pixels.
func (m *Mask) Area() float64 {
	var area uint64
	for i := 1; i < len(m.Counts); i += 2 {
		area += uint64(m.Counts[i])
	}
	return float64(area)
}

// intervals expands the run-length counts into half-open [start, end)
// foreground intervals over the flattened pixel order.
func (m *Mask) intervals() [][2]uint32 {
	out := make([][2]uint32, 0, len(m.Counts)/2)
	var pos uint32
	for i, c := range m.Counts {
		if i%2 == 1 && c > 0 {
			out = append(out, [2]uint32{pos, pos + c})
		}
		pos += c
	}
	return out
}

// Intersection calculates the number of foreground pixels shared by two
// masks. Masks over different grid sizes do not intersect.
func (m *Mask) Intersection(other *Mask) float64 {
	if m.Height != other.Height || m.Width != other.Width {
		return 0
	}
	a, b := m.intervals(), other.intervals()
	var inter uint64
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		lo := a[i][0]
		if b[j][0] > lo {
			lo = b[j][0]
		}
		hi := a[i][1]
		if b[j][1] < hi {
			hi = b[j][1]
		}
		if hi > lo {
			inter += uint64(hi - lo)
		}
		if a[i][1] < b[j][1] {
			i++
		} else {
			j++
		}
	}
	return float64(inter)
}

// IoU calculates the Intersection over Union between two masks.
//
// Returns:
// - The IoU value in [0, 1]; 0 when either mask is empty or the grids differ.
func (m *Mask) IoU(other *Mask) float64 {
	inter := m.Intersection(other)
	union := m.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
