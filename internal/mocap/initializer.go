package mocap

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/banshee-data/capture.report/internal/monitoring"
)

// InitializerOptions tunes the coarse pose chaining.
type InitializerOptions struct {
	// MinSharedViews is the minimum co-visible sync count for a camera pair to
	// be solved, and for a camera to escape the orphan check.
	MinSharedViews int
	Stereo         StereoOptions
}

// DefaultInitializerOptions mirror the field-tested values.
func DefaultInitializerOptions() InitializerOptions {
	return InitializerOptions{
		MinSharedViews: 10,
		Stereo:         DefaultStereoOptions(),
	}
}

// InitialArray holds the output of the initializer: a fully posed camera
// array plus the pairwise poses it was chained from, keyed (low, high) port.
type InitialArray struct {
	Array  *CameraArray
	Pairs  map[[2]int]StereoPair
	Anchor int
}

// InitializeArray produces a consistent coarse pose for every camera by
// solving pairwise relative poses and composing them along a maximum
// spanning tree of the visibility graph rooted at the lowest-error anchor.
// Pure pairwise stereo gives locally consistent but globally incoherent
// poses; chaining through the highest-confidence edges keeps compounding
// error small enough for bundle adjustment to converge.
//
// Orphaned cameras or a disconnected visibility graph are fatal: a
// DegenerateGeometryError names the cameras and their best shared-view
// counts so the caller can fix data collection.
func InitializeArray(arr *CameraArray, obs *ObservationSet, object *CalibrationObject, opts InitializerOptions) (*InitialArray, error) {
	if err := obs.ValidateAgainst(arr); err != nil {
		return nil, err
	}
	ports := arr.Ports()
	cov := AnalyzeCoverage(obs, ports, opts.MinSharedViews)
	if err := cov.CheckDegenerate(); err != nil {
		return nil, err
	}

	// Solve every pair with enough shared views. Failed pairs are dropped;
	// connectivity is re-checked on what actually solved.
	pairs := make(map[[2]int]StereoPair)
	for i := 0; i < len(ports); i++ {
		for j := i + 1; j < len(ports); j++ {
			a, b := ports[i], ports[j]
			if cov.SharedViews(a, b) < opts.MinSharedViews {
				continue
			}
			pair, err := SolveStereoPair(arr, obs, object, a, b, opts.Stereo)
			if err != nil {
				monitoring.Logf("initializer: dropping pair (%d,%d): %v", a, b, err)
				continue
			}
			pairs[[2]int{a, b}] = *pair
		}
	}

	// Visibility graph over solved pairs, weighted by shared views. Kruskal
	// minimizes, so weights are negated to obtain the maximum spanning tree.
	g := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for _, port := range ports {
		g.AddNode(simple.Node(int64(port)))
	}
	for key, pair := range pairs {
		g.SetWeightedEdge(g.NewWeightedEdge(
			simple.Node(int64(key[0])), simple.Node(int64(key[1])),
			-float64(pair.SharedViews),
		))
	}

	if err := checkConnected(g, ports, cov); err != nil {
		return nil, err
	}

	tree := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	path.Kruskal(tree, g)

	anchor := selectAnchor(tree, ports, pairs)
	monitoring.Logf("initializer: anchoring camera array at camera %d", anchor)

	// Compose pairwise poses outward from the anchor along tree edges.
	out := arr.Clone()
	out.Cameras[anchor].Extrinsics = Identity(anchor)
	type frame struct {
		port int
		pose *Extrinsics
	}
	queue := []frame{{port: anchor, pose: Identity(anchor)}}
	visited := map[int]bool{anchor: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range neighborPorts(tree, cur.port) {
			if visited[next] {
				continue
			}
			visited[next] = true
			rel := relativePose(pairs, cur.port, next)
			pose := cur.pose.Compose(rel.Extrinsics())
			pose.Port = next
			out.Cameras[next].Extrinsics = pose
			queue = append(queue, frame{port: next, pose: pose})
		}
	}

	fillBridgedPairs(pairs, ports)

	return &InitialArray{Array: out, Pairs: pairs, Anchor: anchor}, nil
}

// fillBridgedPairs synthesizes relative poses for camera pairs the direct
// solve could not produce by composing through an intermediate camera,
// keeping the bridge with the lowest accumulated score. Tree composition
// already poses every camera; bridged pairs exist so downstream consumers
// (persisted stereo sections, pair diagnostics) see the full pairwise set.
func fillBridgedPairs(pairs map[[2]int]StereoPair, ports []int) {
	for i := 0; i < len(ports); i++ {
		for j := i + 1; j < len(ports); j++ {
			a, b := ports[i], ports[j]
			key := [2]int{a, b}
			if _, ok := pairs[key]; ok {
				continue
			}
			best, via, found := StereoPair{}, -1, false
			for _, x := range ports {
				if x == a || x == b {
					continue
				}
				if _, ok := pairs[orderedPair(a, x)]; !ok {
					continue
				}
				if _, ok := pairs[orderedPair(x, b)]; !ok {
					continue
				}
				bridged, err := Bridge(relativePose(pairs, a, x), relativePose(pairs, x, b))
				if err != nil {
					continue
				}
				if !found || bridged.Score < best.Score {
					best, via, found = bridged, x, true
				}
			}
			if found {
				monitoring.Logf("initializer: bridged pair (%d,%d) through camera %d (score %.3f)", a, b, via, best.Score)
				pairs[key] = best
			}
		}
	}
}

// checkConnected fails with a DegenerateGeometryError when the solved pair
// graph does not connect every camera.
func checkConnected(g graph.Undirected, ports []int, cov *Coverage) error {
	components := topo.ConnectedComponents(g)
	if len(components) <= 1 {
		return nil
	}
	// Largest component survives; everything else is unposeable.
	largest := 0
	for i, comp := range components {
		if len(comp) > len(components[largest]) {
			largest = i
		}
	}
	var outside []int
	shared := make(map[int]int)
	for i, comp := range components {
		if i == largest {
			continue
		}
		for _, n := range comp {
			port := int(n.ID())
			outside = append(outside, port)
			shared[port] = cov.MaxShared(port)
		}
	}
	sort.Ints(outside)
	return &DegenerateGeometryError{
		Cameras:     outside,
		SharedViews: shared,
		MinRequired: cov.MinShared,
	}
}

// selectAnchor returns the camera minimizing the cumulative pair error along
// tree paths to every other camera, following the original approach of
// scoring candidate anchors and keeping the best. Ties break to the lowest
// port for determinism.
func selectAnchor(tree graph.Undirected, ports []int, pairs map[[2]int]StereoPair) int {
	best, bestScore := ports[0], math.Inf(1)
	for _, candidate := range ports {
		total := 0.0
		// BFS accumulating path scores from the candidate.
		cost := map[int]float64{candidate: 0}
		queue := []int{candidate}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			for _, next := range neighborPorts(tree, cur) {
				if _, seen := cost[next]; seen {
					continue
				}
				cost[next] = cost[cur] + pairs[orderedPair(cur, next)].Score
				total += cost[next]
				queue = append(queue, next)
			}
		}
		if total < bestScore {
			best, bestScore = candidate, total
		}
	}
	return best
}

// relativePose returns the pose of b in a's frame, inverting the stored pair
// when it was solved in the opposite direction.
func relativePose(pairs map[[2]int]StereoPair, a, b int) StereoPair {
	pair := pairs[orderedPair(a, b)]
	if pair.PortA == a {
		return pair
	}
	return pair.Invert()
}

func neighborPorts(g graph.Undirected, port int) []int {
	nodes := g.From(int64(port))
	var out []int
	for nodes.Next() {
		out = append(out, int(nodes.Node().ID()))
	}
	sort.Ints(out)
	return out
}
