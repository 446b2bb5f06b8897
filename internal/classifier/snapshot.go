package classifier

import (
	"fmt"
	"sync/atomic"
	"time"
)

// SnapshotInfo identifies a snapshot build.
type SnapshotInfo struct {
	Version string    `json:"version"`
	Model   string    `json:"model"`
	BuiltAt time.Time `json:"built_at"`
}

// Snapshot is an immutable set of labeled reference vectors. vectors[i] is labeled
// labels[i]. Nothing mutates a Snapshot after NewSnapshot returns it.
type Snapshot struct {
	info      SnapshotInfo
	dim       int
	vectors   [][]float32
	norms     []float64
	labels    []Category
	merchants []string
}

// Reference is one labeled merchant vector.
type Reference struct {
	Merchant string
	Label    Category
	Vector   []float32
}

// NewSnapshot validates refs and builds a snapshot from copies of their vectors.
// All vectors must share one non-zero dimension and have a non-zero norm.
// An empty refs builds an empty snapshot, which classifies nothing.
func NewSnapshot(info SnapshotInfo, refs []Reference) (*Snapshot, error) {
	s := &Snapshot{
		info:      info,
		vectors:   make([][]float32, len(refs)),
		norms:     make([]float64, len(refs)),
		labels:    make([]Category, len(refs)),
		merchants: make([]string, len(refs)),
	}
	for i, r := range refs {
		if !r.Label.Valid() {
			return nil, fmt.Errorf("reference %d (%q): invalid label %q", i, r.Merchant, r.Label)
		}
		if len(r.Vector) == 0 {
			return nil, fmt.Errorf("reference %d (%q): empty vector", i, r.Merchant)
		}
		if i == 0 {
			s.dim = len(r.Vector)
		} else if len(r.Vector) != s.dim {
			return nil, fmt.Errorf("reference %d (%q): dimension %d, want %d: %w",
				i, r.Merchant, len(r.Vector), s.dim, ErrDimensionMismatch)
		}
		n := norm(r.Vector)
		if n == 0 {
			return nil, fmt.Errorf("reference %d (%q): zero vector", i, r.Merchant)
		}
		v := make([]float32, len(r.Vector))
		copy(v, r.Vector)
		s.vectors[i] = v
		s.norms[i] = n
		s.labels[i] = r.Label
		s.merchants[i] = r.Merchant
	}
	return s, nil
}

// Info returns the snapshot's build metadata.
func (s *Snapshot) Info() SnapshotInfo { return s.info }

// Len returns the number of references. A nil snapshot has none.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.vectors)
}

// Dim returns the vector dimension, or 0 for an empty snapshot.
func (s *Snapshot) Dim() int {
	if s == nil {
		return 0
	}
	return s.dim
}

// LabelCounts returns how many references carry each label.
func (s *Snapshot) LabelCounts() map[Category]int {
	out := make(map[Category]int)
	if s == nil {
		return out
	}
	for _, l := range s.labels {
		out[l]++
	}
	return out
}

// References returns copies of the snapshot's references in their original order.
func (s *Snapshot) References() []Reference {
	if s == nil {
		return nil
	}
	out := make([]Reference, len(s.vectors))
	for i := range s.vectors {
		v := make([]float32, len(s.vectors[i]))
		copy(v, s.vectors[i])
		out[i] = Reference{Merchant: s.merchants[i], Label: s.labels[i], Vector: v}
	}
	return out
}

// SnapshotHolder publishes the current snapshot. Readers never block and always
// see a complete snapshot; a refresh replaces the pointer, never the contents.
type SnapshotHolder struct {
	current atomic.Pointer[Snapshot]
}

// Load returns the current snapshot, or nil if none was published.
func (h *SnapshotHolder) Load() *Snapshot {
	return h.current.Load()
}

// Publish makes s current and returns the snapshot it replaced.
func (h *SnapshotHolder) Publish(s *Snapshot) *Snapshot {
	return h.current.Swap(s)
}
