package mapengine

import (
	"fmt"
	"math"
	"sort"
	"strings"

	geojson "github.com/paulmach/go.geojson"

	"radiomap/pkg/geo"
)

// ClusterOptions mirror the knobs of the point-clustering source. Radius
// is in layout pixels at the given Extent.
type ClusterOptions struct {
	Radius    float64
	Extent    float64
	MinZoom   int
	MaxZoom   int
	MinPoints int

	// Kinds to tally per cluster. Each produces a "<kind>_count"
	// property on the cluster feature.
	SumKinds []string
}

func DefaultClusterOptions() ClusterOptions {
	return ClusterOptions{
		Radius:    40,
		Extent:    512,
		MinZoom:   0,
		MaxZoom:   16,
		MinPoints: 2,
	}
}

type clusterPoint struct {
	x, y float64 // worldspace [0,1]
}

type clusterNode struct {
	ID      uint32
	Zoom    int
	X, Y    float64
	Members []int // indices into the source point slice, ascending
	Sums    map[string]int
}

func (n *clusterNode) Count() int { return len(n.Members) }

// clusterLevel is the clustering of the whole collection at one integer
// zoom. Levels are built independently of each other.
type clusterLevel struct {
	zoom    int
	nodes   []*clusterNode
	singles []int
	owner   []int // per point: index into nodes, or -1 for a single
}

// level returns the clustering for zoom z, building it on first use.
// Caller holds sourceMu.
func (e *Engine) level(z int) *clusterLevel {
	if z < e.opts.MinZoom {
		z = e.opts.MinZoom
	}
	if z > e.opts.MaxZoom+1 {
		z = e.opts.MaxZoom + 1
	}
	if lvl, ok := e.levels[z]; ok {
		return lvl
	}
	lvl := e.buildLevel(z)
	e.levels[z] = lvl
	return lvl
}

func (e *Engine) buildLevel(z int) *clusterLevel {
	lvl := &clusterLevel{zoom: z, owner: make([]int, len(e.points))}
	for i := range lvl.owner {
		lvl.owner[i] = -1
	}

	// Past the clustering ceiling every point stands alone.
	if z > e.opts.MaxZoom {
		lvl.singles = make([]int, len(e.points))
		for i := range e.points {
			lvl.singles[i] = i
		}
		return lvl
	}

	r := e.opts.Radius / (e.opts.Extent * math.Exp2(float64(z)))
	r2 := r * r
	visited := make([]bool, len(e.points))

	for p, si := range e.sortedX {
		if visited[si] {
			continue
		}
		seed := e.points[si]
		members := []int{si}

		// Everything left of p in x order is already visited, so only
		// the right flank needs scanning.
		for q := p + 1; q < len(e.sortedX); q++ {
			j := e.sortedX[q]
			if e.points[j].x-seed.x > r {
				break
			}
			if visited[j] {
				continue
			}
			dx := e.points[j].x - seed.x
			dy := e.points[j].y - seed.y
			if dx*dx+dy*dy <= r2 {
				members = append(members, j)
			}
		}

		if len(members) < e.opts.MinPoints {
			visited[si] = true
			lvl.singles = append(lvl.singles, si)
			continue
		}

		var cx, cy float64
		sums := make(map[string]int)
		for _, m := range members {
			visited[m] = true
			cx += e.points[m].x
			cy += e.points[m].y
			if k := e.kinds[m]; k != "" && containsKind(e.opts.SumKinds, k) {
				sums[k]++
			}
		}
		sort.Ints(members)

		node := &clusterNode{
			ID:      e.nextID,
			Zoom:    z,
			X:       cx / float64(len(members)),
			Y:       cy / float64(len(members)),
			Members: members,
			Sums:    sums,
		}
		e.nextID++
		e.nodesByID[node.ID] = node
		for _, m := range members {
			lvl.owner[m] = len(lvl.nodes)
		}
		lvl.nodes = append(lvl.nodes, node)
	}
	return lvl
}

func containsKind(kinds []string, k string) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}

// toFeature renders a cluster node as the point feature the overlay and
// hit testing consume.
func (e *Engine) toFeature(n *clusterNode) *geojson.Feature {
	lng, lat := geo.UnprojectTile(n.X, n.Y, 0, 1)
	f := geojson.NewPointFeature([]float64{lng, lat})
	f.Properties["cluster"] = true
	f.Properties["cluster_id"] = n.ID
	f.Properties["point_count"] = n.Count()
	f.Properties["point_count_abbreviated"] = abbreviate(n.Count())
	for k, v := range n.Sums {
		f.Properties[strings.ToLower(k)+"_count"] = v
	}
	return f
}

func abbreviate(n int) string {
	switch {
	case n >= 10000:
		return fmt.Sprintf("%dk", n/1000)
	case n >= 1000:
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	default:
		return fmt.Sprintf("%d", n)
	}
}

// ClusterID extracts the cluster_id property from a rendered cluster
// feature, whatever numeric shape it took.
func ClusterID(f *geojson.Feature) (uint32, bool) {
	if f == nil || f.Properties == nil {
		return 0, false
	}
	switch v := f.Properties["cluster_id"].(type) {
	case uint32:
		return v, true
	case int:
		return uint32(v), true
	case int64:
		return uint32(v), true
	case float64:
		return uint32(v), true
	}
	return 0, false
}

// IsCluster reports whether a rendered feature is a cluster bubble.
func IsCluster(f *geojson.Feature) bool {
	if f == nil || f.Properties == nil {
		return false
	}
	b, ok := f.Properties["cluster"].(bool)
	return ok && b
}
