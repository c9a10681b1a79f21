package mocap

import (
	"fmt"
	"math"
	"sort"

	"github.com/banshee-data/capture.report/internal/monitoring"
)

// MissingFrame marks a camera with no frame assigned at a sync index.
const MissingFrame = -1

// FrameStamp is one entry of a camera's ordered frame stream.
type FrameStamp struct {
	FrameIndex int
	Time       float64 // arbitrary numeric units, consistent across cameras
}

// SyncBundle assigns, for one global sync index, the local frame index each
// camera contributes. Cameras that dropped a frame at this tick map to
// MissingFrame.
type SyncBundle struct {
	SyncIndex int
	Frames    map[int]int
}

// HalfFrameInterval derives the default synchronization half-window from a
// target frame rate: half of one frame interval.
func HalfFrameInterval(fps float64) float64 {
	return 0.5 / fps
}

// Synchronize merges per-camera timestamped frame streams into a sequence of
// SyncBundles. It is a greedy nearest-neighbour merge, not a fixed-period
// resample: at each step the earliest unconsumed timestamp across all read
// heads opens a window of half-width delta, and every camera whose next frame
// falls inside the window is assigned to the current sync index. Cameras with
// no frame in the window receive MissingFrame and are not advanced.
//
// Each stream must be ordered by time. A camera is never assigned twice
// within one sync index: only its head frame is considered per step, so a
// second frame inside the window waits for the next index. For fixed inputs
// and delta the output is identical across runs.
func Synchronize(streams map[int][]FrameStamp, delta float64) ([]SyncBundle, error) {
	if delta <= 0 {
		return nil, &InputError{Source: "timestamps", Err: fmt.Errorf("sync window half-width must be positive, got %g", delta)}
	}
	ports := make([]int, 0, len(streams))
	for port, stream := range streams {
		for i := 1; i < len(stream); i++ {
			if stream[i].Time < stream[i-1].Time {
				return nil, &InputError{
					Source: "timestamps",
					Err: fmt.Errorf("camera %d: frame times not ordered at index %d (%.6f after %.6f)",
						port, i, stream[i].Time, stream[i-1].Time),
				}
			}
		}
		ports = append(ports, port)
	}
	sort.Ints(ports)

	heads := make(map[int]int, len(ports))
	var bundles []SyncBundle
	dropped := make(map[int]int, len(ports))

	for {
		// Earliest unconsumed timestamp across all read heads.
		tMin := math.Inf(1)
		exhausted := true
		for _, port := range ports {
			if heads[port] < len(streams[port]) {
				exhausted = false
				if t := streams[port][heads[port]].Time; t < tMin {
					tMin = t
				}
			}
		}
		if exhausted {
			break
		}

		bundle := SyncBundle{SyncIndex: len(bundles), Frames: make(map[int]int, len(ports))}
		for _, port := range ports {
			h := heads[port]
			if h < len(streams[port]) && streams[port][h].Time <= tMin+delta {
				bundle.Frames[port] = streams[port][h].FrameIndex
				heads[port] = h + 1
			} else {
				bundle.Frames[port] = MissingFrame
				dropped[port]++
			}
		}
		bundles = append(bundles, bundle)
	}

	for _, port := range ports {
		if n := dropped[port]; n > 0 {
			monitoring.Logf("sync: camera %d missing from %d of %d bundles", port, n, len(bundles))
		}
	}
	return bundles, nil
}

// RemapToSync rewrites observations keyed by per-camera frame index into
// sync-index space using the bundle assignments. Observations whose frame was
// not assigned to any sync index are dropped.
func RemapToSync(obs *ObservationSet, bundles []SyncBundle) *ObservationSet {
	type frameKey struct {
		port  int
		frame int
	}
	lookup := make(map[frameKey]int)
	for _, b := range bundles {
		for port, frame := range b.Frames {
			if frame != MissingFrame {
				lookup[frameKey{port: port, frame: frame}] = b.SyncIndex
			}
		}
	}

	out := NewObservationSet()
	dropped := 0
	for _, rec := range obs.Records() {
		syncIdx, ok := lookup[frameKey{port: rec.Port, frame: rec.SyncIndex}]
		if !ok {
			dropped++
			continue
		}
		rec.SyncIndex = syncIdx
		out.Add(rec)
	}
	if dropped > 0 {
		monitoring.Logf("sync: dropped %d observations with no bundle assignment", dropped)
	}
	return out
}

// DroppedCounts tallies, per camera, how many sync indices have no frame.
func DroppedCounts(bundles []SyncBundle) map[int]int {
	out := make(map[int]int)
	for _, b := range bundles {
		for port, frame := range b.Frames {
			if frame == MissingFrame {
				out[port]++
			}
		}
	}
	return out
}
