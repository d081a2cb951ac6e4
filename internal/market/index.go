// Package market partitions statistical areas into nearest-neighbor
// catchments around business sites and scores candidate locations against the
// warehouse. All spatial queries run against immutable snapshots built once
// per invocation; concurrent site edits never affect a running computation.
package market

import (
	"math"
	"sort"
)

// EarthRadiusKM is the mean Earth radius used for great-circle distances.
const EarthRadiusKM = 6371.0

// tieEpsilon bounds the squared-chord difference below which two distances
// are considered equal and the lower id wins. It corresponds to well under a
// centimeter on the ground.
const tieEpsilon = 1e-12

// Site is a business location. Sites are user-managed and mutable in the
// warehouse; the scoring engine only ever sees immutable snapshots.
type Site struct {
	ID   int64   `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lon  float64 `json:"lon"`
}

// HaversineKM returns the great-circle distance between two coordinates.
func HaversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKM * math.Asin(math.Min(1, math.Sqrt(a)))
}

// toVec projects a coordinate onto the unit sphere. Chord (Euclidean)
// distance between unit vectors is monotone in great-circle distance, so a
// k-d tree over these vectors answers exact nearest-neighbor queries.
func toVec(lat, lon float64) [3]float64 {
	const rad = math.Pi / 180
	phi, lam := lat*rad, lon*rad
	return [3]float64{
		math.Cos(phi) * math.Cos(lam),
		math.Cos(phi) * math.Sin(lam),
		math.Sin(phi),
	}
}

// kmToChordSq converts a great-circle radius to the equivalent squared chord
// length for range queries.
func kmToChordSq(km float64) float64 {
	c := 2 * math.Sin(km/(2*EarthRadiusKM))
	return c * c
}

// chordSqToKM converts a squared chord length back to great-circle km.
func chordSqToKM(chordSq float64) float64 {
	return 2 * EarthRadiusKM * math.Asin(math.Min(1, math.Sqrt(chordSq)/2))
}

type kdPoint struct {
	v   [3]float64
	id  int64 // tie-break key: lowest id wins on equal distance
	idx int   // caller payload index
}

type kdNode struct {
	p           kdPoint
	axis        int
	left, right *kdNode
}

// kdTree is a static 3-dimensional k-d tree over unit-sphere points.
type kdTree struct {
	root *kdNode
	size int
}

func newKDTree(points []kdPoint) *kdTree {
	pts := make([]kdPoint, len(points))
	copy(pts, points)
	return &kdTree{root: buildKD(pts, 0), size: len(pts)}
}

func buildKD(pts []kdPoint, depth int) *kdNode {
	if len(pts) == 0 {
		return nil
	}
	axis := depth % 3
	sort.Slice(pts, func(i, j int) bool {
		if pts[i].v[axis] != pts[j].v[axis] {
			return pts[i].v[axis] < pts[j].v[axis]
		}
		return pts[i].id < pts[j].id
	})
	mid := len(pts) / 2
	return &kdNode{
		p:     pts[mid],
		axis:  axis,
		left:  buildKD(pts[:mid], depth+1),
		right: buildKD(pts[mid+1:], depth+1),
	}
}

func distSq(a, b [3]float64) float64 {
	dx, dy, dz := a[0]-b[0], a[1]-b[1], a[2]-b[2]
	return dx*dx + dy*dy + dz*dz
}

// closer reports whether (dSq, id) beats the current best under the
// deterministic tie-break rule.
func closer(dSq float64, id int64, bestSq float64, bestID int64) bool {
	if dSq < bestSq-tieEpsilon {
		return true
	}
	if dSq <= bestSq+tieEpsilon && id < bestID {
		return true
	}
	return false
}

// nearest returns the closest point to target, ties broken by lowest id.
func (t *kdTree) nearest(target [3]float64) (kdPoint, float64, bool) {
	if t.root == nil {
		return kdPoint{}, 0, false
	}
	best := t.root.p
	bestSq := distSq(target, best.v)
	t.root.search(target, &best, &bestSq)
	return best, bestSq, true
}

func (n *kdNode) search(target [3]float64, best *kdPoint, bestSq *float64) {
	if n == nil {
		return
	}
	dSq := distSq(target, n.p.v)
	if closer(dSq, n.p.id, *bestSq, best.ID()) {
		*best = n.p
		*bestSq = dSq
	}

	diff := target[n.axis] - n.p.v[n.axis]
	near, far := n.left, n.right
	if diff > 0 {
		near, far = n.right, n.left
	}
	near.search(target, best, bestSq)
	if diff*diff <= *bestSq+tieEpsilon {
		far.search(target, best, bestSq)
	}
}

// ID is a small accessor so search can tie-break against the current best.
func (p kdPoint) ID() int64 { return p.id }

// within collects payload indices of all points with squared chord distance
// at most radiusSq, sorted by index for determinism.
func (t *kdTree) within(target [3]float64, radiusSq float64) []int {
	var out []int
	t.root.collect(target, radiusSq, &out)
	sort.Ints(out)
	return out
}

func (n *kdNode) collect(target [3]float64, radiusSq float64, out *[]int) {
	if n == nil {
		return
	}
	if distSq(target, n.p.v) <= radiusSq+tieEpsilon {
		*out = append(*out, n.p.idx)
	}
	diff := target[n.axis] - n.p.v[n.axis]
	if diff <= 0 || diff*diff <= radiusSq+tieEpsilon {
		n.left.collect(target, radiusSq, out)
	}
	if diff >= 0 || diff*diff <= radiusSq+tieEpsilon {
		n.right.collect(target, radiusSq, out)
	}
}

// Index is an immutable nearest-neighbor index over a snapshot of business
// sites.
type Index struct {
	sites []Site
	tree  *kdTree
}

// NewIndex snapshots the given sites and builds the index. The input slice is
// copied; later edits to it do not affect the index.
func NewIndex(sites []Site) *Index {
	snap := make([]Site, len(sites))
	copy(snap, sites)
	sort.Slice(snap, func(i, j int) bool { return snap[i].ID < snap[j].ID })

	points := make([]kdPoint, len(snap))
	for i, s := range snap {
		points[i] = kdPoint{v: toVec(s.Lat, s.Lon), id: s.ID, idx: i}
	}
	return &Index{sites: snap, tree: newKDTree(points)}
}

// Len returns the number of sites in the snapshot.
func (ix *Index) Len() int { return len(ix.sites) }

// Sites returns the snapshot, sorted by id. Callers must not modify it.
func (ix *Index) Sites() []Site { return ix.sites }

// Nearest returns the closest site to a coordinate and the great-circle
// distance in km. Ties are broken by lowest site id. ok is false when the
// snapshot is empty.
func (ix *Index) Nearest(lat, lon float64) (Site, float64, bool) {
	p, dSq, ok := ix.tree.nearest(toVec(lat, lon))
	if !ok {
		return Site{}, 0, false
	}
	return ix.sites[p.idx], chordSqToKM(dSq), true
}

// MinDistanceKM returns the distance to the nearest site, false when there
// are no sites.
func (ix *Index) MinDistanceKM(lat, lon float64) (float64, bool) {
	_, km, ok := ix.Nearest(lat, lon)
	return km, ok
}
