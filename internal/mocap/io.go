package mocap

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
)

// CSV interchange with the external tracker and downstream consumers.
//
// Observation files: sync_index,port,point_id,img_loc_x,img_loc_y
// Frame time files:  port,frame_time
// World point files: sync_index,point_id,x_coord,y_coord,z_coord
//
// All readers reject malformed rows with an InputError carrying the line
// number; nothing is partially loaded.

// ReadObservations parses a 2D observation file.
func ReadObservations(r io.Reader) (*ObservationSet, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 5
	set := NewObservationSet()
	line := 0
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, &InputError{Source: "observations", Line: line, Err: err}
		}
		if line == 1 && row[0] == "sync_index" {
			continue // header
		}
		var o Observation
		var bad error
		if o.SyncIndex, bad = strconv.Atoi(row[0]); bad == nil {
			if o.Port, bad = strconv.Atoi(row[1]); bad == nil {
				if o.PointID, bad = strconv.Atoi(row[2]); bad == nil {
					if o.X, bad = strconv.ParseFloat(row[3], 64); bad == nil {
						o.Y, bad = strconv.ParseFloat(row[4], 64)
					}
				}
			}
		}
		if bad != nil {
			return nil, &InputError{Source: "observations", Line: line, Err: bad}
		}
		set.Add(o)
	}
	return set, nil
}

// ReadObservationsFile opens and parses a 2D observation file.
func ReadObservationsFile(path string) (*ObservationSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &InputError{Source: "observations", Err: err}
	}
	defer f.Close()
	return ReadObservations(f)
}

// ReadFrameTimes parses a frame timestamp file into per-camera streams.
// Rows may arrive in any order; each camera's stream is sorted by time and
// local frame indices are assigned in that order.
func ReadFrameTimes(r io.Reader) (map[int][]FrameStamp, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 2
	type row struct {
		port int
		time float64
	}
	var rows []row
	line := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, &InputError{Source: "timestamps", Line: line, Err: err}
		}
		if line == 1 && rec[0] == "port" {
			continue
		}
		port, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, &InputError{Source: "timestamps", Line: line, Err: err}
		}
		t, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, &InputError{Source: "timestamps", Line: line, Err: err}
		}
		rows = append(rows, row{port: port, time: t})
	}

	streams := make(map[int][]FrameStamp)
	for _, r := range rows {
		streams[r.port] = append(streams[r.port], FrameStamp{Time: r.time})
	}
	for port := range streams {
		s := streams[port]
		sort.SliceStable(s, func(i, j int) bool { return s[i].Time < s[j].Time })
		for i := range s {
			s[i].FrameIndex = i
		}
	}
	return streams, nil
}

// ReadFrameTimesFile opens and parses a frame timestamp file.
func ReadFrameTimesFile(path string) (map[int][]FrameStamp, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &InputError{Source: "timestamps", Err: err}
	}
	defer f.Close()
	return ReadFrameTimes(f)
}

// WriteWorldPoints writes triangulated points in canonical order.
func WriteWorldPoints(w io.Writer, pts []WorldPoint) error {
	sorted := append([]WorldPoint(nil), pts...)
	SortWorldPoints(sorted)
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"sync_index", "point_id", "x_coord", "y_coord", "z_coord"}); err != nil {
		return err
	}
	for _, p := range sorted {
		rec := []string{
			strconv.Itoa(p.SyncIndex),
			strconv.Itoa(p.PointID),
			strconv.FormatFloat(p.X, 'f', 6, 64),
			strconv.FormatFloat(p.Y, 'f', 6, 64),
			strconv.FormatFloat(p.Z, 'f', 6, 64),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteWorldPointsFile writes triangulated points to a file.
func WriteWorldPointsFile(path string, pts []WorldPoint) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if err := WriteWorldPoints(f, pts); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
