package analytics

import (
	"math"
	"strconv"
	"time"
)

// Heatmap point types and grid sizes in pixels.
const (
	PointClick = "click"
	PointMove  = "move"

	ClickGrid = 10
	MoveGrid  = 20
)

// HeatmapPoint is one recorded pointer interaction.
type HeatmapPoint struct {
	X              float64   `json:"x"`
	Y              float64   `json:"y"`
	Type           string    `json:"type"`
	Page           string    `json:"page"`
	ViewportWidth  int       `json:"viewportWidth,omitempty"`
	ViewportHeight int       `json:"viewportHeight,omitempty"`
	Element        string    `json:"element,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ClickCell is an aggregated click grid cell. X and Y are the cell origin.
type ClickCell struct {
	X     int `json:"x"`
	Y     int `json:"y"`
	Count int `json:"count"`
}

// MoveCell is an aggregated movement grid cell with intensity in [0, 1].
type MoveCell struct {
	X         int     `json:"x"`
	Y         int     `json:"y"`
	Intensity float64 `json:"intensity"`
}

// GridCell returns the cell indices of (x, y) on a grid of size pixels.
func GridCell(x, y float64, size int) (int, int) {
	return int(math.Floor(x / float64(size))), int(math.Floor(y / float64(size)))
}

type gridCounter struct {
	order  []string
	counts map[string]int
	cells  map[string][2]int
}

func newGridCounter() *gridCounter {
	return &gridCounter{counts: make(map[string]int), cells: make(map[string][2]int)}
}

func (g *gridCounter) add(gx, gy int) {
	key := strconv.Itoa(gx) + "," + strconv.Itoa(gy)
	if _, ok := g.counts[key]; !ok {
		g.order = append(g.order, key)
		g.cells[key] = [2]int{gx, gy}
	}
	g.counts[key]++
}

// AggregateClicks buckets click points into ClickGrid cells, in order of
// first appearance.
func AggregateClicks(points []HeatmapPoint) []ClickCell {
	g := newGridCounter()
	for _, p := range points {
		if p.Type != PointClick {
			continue
		}
		g.add(GridCell(p.X, p.Y, ClickGrid))
	}
	out := make([]ClickCell, 0, len(g.order))
	for _, key := range g.order {
		c := g.cells[key]
		out = append(out, ClickCell{X: c[0] * ClickGrid, Y: c[1] * ClickGrid, Count: g.counts[key]})
	}
	return out
}

// AggregateMoves buckets movement points into MoveGrid cells. Intensity is
// count/10 capped at 1.
func AggregateMoves(points []HeatmapPoint) []MoveCell {
	g := newGridCounter()
	for _, p := range points {
		if p.Type != PointMove {
			continue
		}
		g.add(GridCell(p.X, p.Y, MoveGrid))
	}
	out := make([]MoveCell, 0, len(g.order))
	for _, key := range g.order {
		c := g.cells[key]
		out = append(out, MoveCell{
			X:         c[0] * MoveGrid,
			Y:         c[1] * MoveGrid,
			Intensity: math.Min(float64(g.counts[key])/10, 1),
		})
	}
	return out
}
