package mocap

import (
	"fmt"
	"sort"
)

// Observation is a single 2D landmark detection: one point seen by one camera
// at one sync index, in distorted pixel coordinates. Observations are
// produced by an external tracker and are read-only to the engine.
type Observation struct {
	SyncIndex int
	Port      int
	PointID   int
	X, Y      float64
}

// ObsKey identifies the set of observations that co-observe one landmark at
// one sync index across cameras. This co-occurrence is what triangulation and
// bundle adjustment consume.
type ObsKey struct {
	SyncIndex int
	PointID   int
}

// ObservationSet indexes tracker output by (sync_index, point_id) and by
// camera. It is append-only; derived structures (coverage, point estimates)
// are recomputed from it on demand and never treated as sources of truth.
type ObservationSet struct {
	records []Observation
	byKey   map[ObsKey][]int
	byPort  map[int]int
}

// NewObservationSet returns an empty set.
func NewObservationSet() *ObservationSet {
	return &ObservationSet{
		byKey:  make(map[ObsKey][]int),
		byPort: make(map[int]int),
	}
}

// Add appends one observation to the set.
func (s *ObservationSet) Add(o Observation) {
	key := ObsKey{SyncIndex: o.SyncIndex, PointID: o.PointID}
	s.byKey[key] = append(s.byKey[key], len(s.records))
	s.records = append(s.records, o)
	s.byPort[o.Port]++
}

// Len returns the total observation count.
func (s *ObservationSet) Len() int { return len(s.records) }

// Records returns the backing slice in insertion order. Callers must not
// mutate it.
func (s *ObservationSet) Records() []Observation { return s.records }

// Ports returns every camera port present in the set, ascending.
func (s *ObservationSet) Ports() []int {
	ports := make([]int, 0, len(s.byPort))
	for p := range s.byPort {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

// CountByPort returns the total observation count for one camera.
func (s *ObservationSet) CountByPort(port int) int { return s.byPort[port] }

// Keys returns all (sync_index, point_id) keys sorted by sync index then
// point id, so iteration order is deterministic.
func (s *ObservationSet) Keys() []ObsKey {
	keys := make([]ObsKey, 0, len(s.byKey))
	for k := range s.byKey {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].SyncIndex != keys[j].SyncIndex {
			return keys[i].SyncIndex < keys[j].SyncIndex
		}
		return keys[i].PointID < keys[j].PointID
	})
	return keys
}

// SyncIndices returns the distinct sync indices present, ascending.
func (s *ObservationSet) SyncIndices() []int {
	seen := make(map[int]bool)
	for k := range s.byKey {
		seen[k.SyncIndex] = true
	}
	out := make([]int, 0, len(seen))
	for idx := range seen {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Views returns the observations sharing one (sync_index, point_id) key,
// ordered by port.
func (s *ObservationSet) Views(key ObsKey) []Observation {
	idxs := s.byKey[key]
	out := make([]Observation, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.records[i])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// ValidateAgainst confirms every observed camera exists in the array. A
// reference to an unknown port is an InputError: triangulating against it
// would silently drop data.
func (s *ObservationSet) ValidateAgainst(arr *CameraArray) error {
	for _, port := range s.Ports() {
		if _, ok := arr.Cameras[port]; !ok {
			return &InputError{
				Source: "observations",
				Err:    fmt.Errorf("camera %d has %d observations but is not in the camera array", port, s.byPort[port]),
			}
		}
	}
	return nil
}

// WorldPoint is a triangulated or bundle-adjusted 3D landmark. Obj carries
// the point's known object-frame coordinates when the landmark belongs to the
// calibration object; HasObj reports whether Obj is meaningful.
type WorldPoint struct {
	SyncIndex int
	PointID   int
	X, Y, Z   float64
	Obj       [3]float64
	HasObj    bool
}

// Pos returns the point position as a vector.
func (w *WorldPoint) Pos() [3]float64 { return [3]float64{w.X, w.Y, w.Z} }

// SortWorldPoints orders points by sync index then point id, the canonical
// output ordering.
func SortWorldPoints(pts []WorldPoint) {
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].SyncIndex != pts[j].SyncIndex {
			return pts[i].SyncIndex < pts[j].SyncIndex
		}
		return pts[i].PointID < pts[j].PointID
	})
}
