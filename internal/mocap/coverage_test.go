package mocap

import (
	"errors"
	"testing"
)

// addGridViews adds one shared landmark sighting for the given cameras at
// each of n sync indices.
func addGridViews(set *ObservationSet, ports []int, pointID, n, syncBase int) {
	for s := 0; s < n; s++ {
		for _, port := range ports {
			set.Add(Observation{SyncIndex: syncBase + s, Port: port, PointID: pointID, X: 1, Y: 1})
		}
	}
}

func TestAnalyzeCoveragePairCounts(t *testing.T) {
	set := NewObservationSet()
	addGridViews(set, []int{0, 1}, 3, 12, 0)
	addGridViews(set, []int{1, 2}, 3, 5, 100)

	cov := AnalyzeCoverage(set, []int{0, 1, 2}, 4)
	if got := cov.SharedViews(0, 1); got != 12 {
		t.Errorf("SharedViews(0,1) = %d, want 12", got)
	}
	if got := cov.SharedViews(1, 2); got != 5 {
		t.Errorf("SharedViews(1,2) = %d, want 5", got)
	}
	if got := cov.SharedViews(0, 2); got != 0 {
		t.Errorf("SharedViews(0,2) = %d, want 0", got)
	}
	if len(cov.Orphaned) != 0 {
		t.Errorf("Orphaned = %v, want none", cov.Orphaned)
	}
	if err := cov.CheckDegenerate(); err != nil {
		t.Errorf("CheckDegenerate() = %v", err)
	}
}

func TestCoverageCountsDistinctSyncsNotPoints(t *testing.T) {
	// Two landmarks co-observed at the same sync index count once.
	set := NewObservationSet()
	set.Add(Observation{SyncIndex: 0, Port: 0, PointID: 1})
	set.Add(Observation{SyncIndex: 0, Port: 1, PointID: 1})
	set.Add(Observation{SyncIndex: 0, Port: 0, PointID: 2})
	set.Add(Observation{SyncIndex: 0, Port: 1, PointID: 2})

	cov := AnalyzeCoverage(set, []int{0, 1}, 1)
	if got := cov.SharedViews(0, 1); got != 1 {
		t.Errorf("SharedViews(0,1) = %d, want 1 distinct sync", got)
	}
}

func TestOrphanDetection(t *testing.T) {
	set := NewObservationSet()
	addGridViews(set, []int{0, 1}, 3, 20, 0)
	// Camera 2 shares only 2 syncs with camera 1, below the threshold of 10.
	addGridViews(set, []int{1, 2}, 8, 2, 50)

	cov := AnalyzeCoverage(set, []int{0, 1, 2}, 10)
	if len(cov.Orphaned) != 1 || cov.Orphaned[0] != 2 {
		t.Fatalf("Orphaned = %v, want [2]", cov.Orphaned)
	}

	err := cov.CheckDegenerate()
	var degErr *DegenerateGeometryError
	if !errors.As(err, &degErr) {
		t.Fatalf("CheckDegenerate() = %v, want DegenerateGeometryError", err)
	}
	if len(degErr.Cameras) != 1 || degErr.Cameras[0] != 2 {
		t.Errorf("error names cameras %v, want [2]", degErr.Cameras)
	}
	if degErr.SharedViews[2] != 2 {
		t.Errorf("error reports %d shared views for camera 2, want 2", degErr.SharedViews[2])
	}
	if degErr.MinRequired != 10 {
		t.Errorf("error reports threshold %d, want 10", degErr.MinRequired)
	}
}

func TestSilentCameraIsOrphaned(t *testing.T) {
	set := NewObservationSet()
	addGridViews(set, []int{0, 1}, 3, 20, 0)

	cov := AnalyzeCoverage(set, []int{0, 1, 5}, 10)
	if len(cov.Orphaned) != 1 || cov.Orphaned[0] != 5 {
		t.Errorf("Orphaned = %v, want [5]", cov.Orphaned)
	}
}
