package mocap

import "sort"

// Coverage summarizes how well the camera pairs co-observe the scene. It is a
// pure projection of an ObservationSet, recomputed on demand, and gates
// whether calibration is feasible: a camera whose best pairwise count is
// below the configured threshold cannot be posed relative to the rest of the
// array.
type Coverage struct {
	// Pairs counts, for each unordered camera pair (low port first), the sync
	// indices at which both cameras saw at least one common point.
	Pairs map[[2]int]int

	// PerCamera is the total observation count per camera.
	PerCamera map[int]int

	// PerPoint counts, per point id, the (sync_index, camera) sightings.
	PerPoint map[int]int

	// Orphaned lists cameras whose best pairwise count is below MinShared.
	Orphaned []int

	// MinShared is the threshold used to flag orphans.
	MinShared int
}

// AnalyzeCoverage computes pairwise and per-point visibility statistics for
// the given camera ports. Ports with no observations at all are treated as
// orphaned. minShared is the minimum co-visible sync count required for a
// camera pair to support a relative-pose solve.
func AnalyzeCoverage(obs *ObservationSet, ports []int, minShared int) *Coverage {
	cov := &Coverage{
		Pairs:     make(map[[2]int]int),
		PerCamera: make(map[int]int),
		PerPoint:  make(map[int]int),
		MinShared: minShared,
	}
	for _, port := range ports {
		cov.PerCamera[port] = obs.CountByPort(port)
	}

	known := make(map[int]bool, len(ports))
	for _, p := range ports {
		known[p] = true
	}

	// For each co-observed landmark, note the sync index for every camera
	// pair that shares it; a pair's count is the number of distinct indices.
	pairSyncs := make(map[[2]int]map[int]bool)
	for _, key := range obs.Keys() {
		views := obs.Views(key)
		for i := 0; i < len(views); i++ {
			if !known[views[i].Port] {
				continue
			}
			cov.PerPoint[key.PointID]++
			for j := i + 1; j < len(views); j++ {
				if !known[views[j].Port] {
					continue
				}
				pair := orderedPair(views[i].Port, views[j].Port)
				if pairSyncs[pair] == nil {
					pairSyncs[pair] = make(map[int]bool)
				}
				pairSyncs[pair][key.SyncIndex] = true
			}
		}
	}
	for pair, syncs := range pairSyncs {
		cov.Pairs[pair] = len(syncs)
	}

	for _, port := range ports {
		if cov.MaxShared(port) < minShared {
			cov.Orphaned = append(cov.Orphaned, port)
		}
	}
	sort.Ints(cov.Orphaned)
	return cov
}

// SharedViews returns the co-visible sync count for a camera pair.
func (c *Coverage) SharedViews(a, b int) int {
	return c.Pairs[orderedPair(a, b)]
}

// MaxShared returns the best pairwise count the camera achieves with any
// other camera.
func (c *Coverage) MaxShared(port int) int {
	best := 0
	for pair, n := range c.Pairs {
		if (pair[0] == port || pair[1] == port) && n > best {
			best = n
		}
	}
	return best
}

// CheckDegenerate returns a DegenerateGeometryError when any camera is
// orphaned. The initializer and the optimizer both call this; orphaned
// cameras must fail the run, never receive a silent or garbage pose.
func (c *Coverage) CheckDegenerate() error {
	if len(c.Orphaned) == 0 {
		return nil
	}
	shared := make(map[int]int, len(c.Orphaned))
	for _, port := range c.Orphaned {
		shared[port] = c.MaxShared(port)
	}
	return &DegenerateGeometryError{
		Cameras:     append([]int(nil), c.Orphaned...),
		SharedViews: shared,
		MinRequired: c.MinShared,
	}
}

func orderedPair(a, b int) [2]int {
	if a < b {
		return [2]int{a, b}
	}
	return [2]int{b, a}
}
