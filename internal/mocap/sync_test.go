package mocap

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func stamps(times ...float64) []FrameStamp {
	out := make([]FrameStamp, len(times))
	for i, t := range times {
		out[i] = FrameStamp{FrameIndex: i, Time: t}
	}
	return out
}

func TestSynchronizeAligned(t *testing.T) {
	// Two cameras at 30fps with a small constant offset merge one-to-one.
	streams := map[int][]FrameStamp{
		0: stamps(0.000, 0.0333, 0.0667, 0.1000),
		1: stamps(0.004, 0.0373, 0.0707, 0.1040),
	}
	bundles, err := Synchronize(streams, HalfFrameInterval(30))
	if err != nil {
		t.Fatalf("Synchronize() error = %v", err)
	}
	if len(bundles) != 4 {
		t.Fatalf("got %d bundles, want 4", len(bundles))
	}
	for i, b := range bundles {
		if b.SyncIndex != i {
			t.Errorf("bundle %d has sync index %d", i, b.SyncIndex)
		}
		if b.Frames[0] != i || b.Frames[1] != i {
			t.Errorf("bundle %d frames = %v, want both %d", i, b.Frames, i)
		}
	}
}

func TestSynchronizeDroppedFrame(t *testing.T) {
	// Camera 1 misses its second frame; it must get MissingFrame at that
	// index and stay aligned afterwards.
	streams := map[int][]FrameStamp{
		0: stamps(0.000, 0.0333, 0.0667, 0.1000),
		1: {
			{FrameIndex: 0, Time: 0.001},
			{FrameIndex: 1, Time: 0.0677},
			{FrameIndex: 2, Time: 0.1010},
		},
	}
	bundles, err := Synchronize(streams, HalfFrameInterval(30))
	if err != nil {
		t.Fatalf("Synchronize() error = %v", err)
	}
	if len(bundles) != 4 {
		t.Fatalf("got %d bundles, want 4", len(bundles))
	}
	want := []map[int]int{
		{0: 0, 1: 0},
		{0: 1, 1: MissingFrame},
		{0: 2, 1: 1},
		{0: 3, 1: 2},
	}
	for i, b := range bundles {
		if diff := cmp.Diff(want[i], b.Frames); diff != "" {
			t.Errorf("bundle %d mismatch (-want +got):\n%s", i, diff)
		}
	}
	if got := DroppedCounts(bundles); got[1] != 1 {
		t.Errorf("DroppedCounts()[1] = %d, want 1", got[1])
	}
}

func TestSynchronizeMonotonicAndDeterministic(t *testing.T) {
	streams := map[int][]FrameStamp{
		2: stamps(0.00, 0.03, 0.09, 0.12, 0.18),
		5: stamps(0.01, 0.06, 0.10, 0.13),
		9: stamps(0.02, 0.031, 0.11, 0.31),
	}
	first, err := Synchronize(streams, 0.016)
	if err != nil {
		t.Fatalf("Synchronize() error = %v", err)
	}

	// Sync indices are contiguous from zero and every camera's assigned
	// frames are strictly increasing.
	last := map[int]int{2: -1, 5: -1, 9: -1}
	for i, b := range first {
		if b.SyncIndex != i {
			t.Errorf("bundle %d has sync index %d", i, b.SyncIndex)
		}
		for port, frame := range b.Frames {
			if frame == MissingFrame {
				continue
			}
			if frame <= last[port] {
				t.Errorf("camera %d frame %d at sync %d not increasing (prev %d)", port, frame, i, last[port])
			}
			last[port] = frame
		}
	}

	// Same input, same output.
	second, err := Synchronize(streams, 0.016)
	if err != nil {
		t.Fatalf("Synchronize() error = %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("repeat run differs (-first +second):\n%s", diff)
	}
}

func TestSynchronizeNoDoubleAssignment(t *testing.T) {
	// Camera 1 produced two frames inside one window; the second must wait
	// for the next sync index rather than overwrite the first.
	streams := map[int][]FrameStamp{
		0: stamps(0.00, 0.10),
		1: stamps(0.00, 0.01, 0.10),
	}
	bundles, err := Synchronize(streams, 0.02)
	if err != nil {
		t.Fatalf("Synchronize() error = %v", err)
	}
	if len(bundles) != 3 {
		t.Fatalf("got %d bundles, want 3", len(bundles))
	}
	if bundles[0].Frames[1] != 0 || bundles[1].Frames[1] != 1 {
		t.Errorf("camera 1 assignments = %d, %d; want 0 then 1", bundles[0].Frames[1], bundles[1].Frames[1])
	}
	if bundles[1].Frames[0] != MissingFrame {
		t.Errorf("camera 0 at sync 1 = %d, want MissingFrame", bundles[1].Frames[0])
	}
}

func TestSynchronizeRejectsUnorderedStream(t *testing.T) {
	streams := map[int][]FrameStamp{
		0: {{FrameIndex: 0, Time: 0.5}, {FrameIndex: 1, Time: 0.2}},
	}
	_, err := Synchronize(streams, 0.016)
	var inputErr *InputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("Synchronize() error = %v, want InputError", err)
	}
}

func TestSynchronizeRejectsBadWindow(t *testing.T) {
	_, err := Synchronize(map[int][]FrameStamp{0: stamps(0)}, 0)
	var inputErr *InputError
	if !errors.As(err, &inputErr) {
		t.Fatalf("Synchronize() error = %v, want InputError", err)
	}
}

func TestRemapToSync(t *testing.T) {
	bundles := []SyncBundle{
		{SyncIndex: 0, Frames: map[int]int{0: 0, 1: 0}},
		{SyncIndex: 1, Frames: map[int]int{0: 1, 1: MissingFrame}},
		{SyncIndex: 2, Frames: map[int]int{0: 2, 1: 1}},
	}

	obs := NewObservationSet()
	obs.Add(Observation{SyncIndex: 0, Port: 0, PointID: 7, X: 1, Y: 2}) // frame-indexed input
	obs.Add(Observation{SyncIndex: 1, Port: 0, PointID: 7, X: 3, Y: 4})
	obs.Add(Observation{SyncIndex: 1, Port: 1, PointID: 7, X: 5, Y: 6}) // camera 1 frame 1 -> sync 2
	obs.Add(Observation{SyncIndex: 9, Port: 1, PointID: 7, X: 7, Y: 8}) // unassigned frame, dropped

	out := RemapToSync(obs, bundles)
	if out.Len() != 3 {
		t.Fatalf("remapped %d observations, want 3", out.Len())
	}
	recs := out.Records()
	if recs[0].SyncIndex != 0 || recs[1].SyncIndex != 1 {
		t.Errorf("camera 0 sync indices = %d, %d; want 0, 1", recs[0].SyncIndex, recs[1].SyncIndex)
	}
	if recs[2].SyncIndex != 2 || recs[2].Port != 1 {
		t.Errorf("camera 1 observation remapped to %+v, want sync 2", recs[2])
	}
}
