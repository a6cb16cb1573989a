package world

import "sperm-odyssey/server/internal/protocol"

// Region is the static definition of one tract segment: bounds, the exit
// threshold agents must cross (upward, toward negative y), mucus slowdown
// segments and a coarse 4x4 flow grid sampled bilinearly. Regions are
// immutable and shared read-only across all worlds.
type Region struct {
	ID     string
	Bounds Rect
	ExitY  float64
	Mucus  []MucusSegment
	Flow   [][]Vec2

	// Biology profile.
	CapacitationRate    float64 // per second
	CapacitationCeiling float64
	Chemotaxis          *ChemotaxisProfile
	Gate                *GateProfile
}

type Rect struct {
	MinX, MinY, MaxX, MaxY float64
}

// MucusSegment is a line segment that dampens velocity with distance-based
// falloff; Strength is the maximum dampening at the segment itself.
type MucusSegment struct {
	X1, Y1, X2, Y2 float64
	Strength       float64
}

type ChemotaxisProfile struct {
	Strength float64
	Noise    float64
}

// GateProfile is a soft pass requirement on leaving a region: capacitation
// and speed floors plus a heading cone around the upstream direction.
type GateProfile struct {
	CapacitationMin float64
	SpeedMin        float64
	ConeHalfAngle   float64 // radians around -Y
	ConeJitter      float64 // seeded per-attempt jitter bound
}

// EggPos is the goal point in the terminal region.
var EggPos = Vec2{X: 520, Y: -2300}

// FinishRadius is the capture distance around the egg.
const FinishRadius = 60

var regionDefs = buildRegions()

// Regions returns the shared region table, indexed by protocol region index.
func Regions() []Region { return regionDefs }

func buildRegions() []Region {
	regions := []Region{
		{
			ID:     protocol.RegionIDs[0], // vagina
			Bounds: Rect{MinX: 200, MinY: 200, MaxX: 820, MaxY: 900},
			ExitY:  220,
			Mucus: []MucusSegment{
				{X1: 300, Y1: 400, X2: 720, Y2: 410, Strength: 0.35},
				{X1: 260, Y1: 650, X2: 760, Y2: 660, Strength: 0.25},
			},
			Flow:                buildFlowField(Vec2{X: 0.2, Y: -0.4}),
			CapacitationRate:    0.010,
			CapacitationCeiling: 0.20,
		},
		{
			ID:     protocol.RegionIDs[1], // cervix
			Bounds: Rect{MinX: 280, MinY: -200, MaxX: 740, MaxY: 220},
			ExitY:  -180,
			Mucus: []MucusSegment{
				{X1: 320, Y1: 0, X2: 700, Y2: 10, Strength: 0.45},
				{X1: 350, Y1: -80, X2: 670, Y2: -70, Strength: 0.3},
			},
			Flow:                buildFlowField(Vec2{X: 0.15, Y: -0.5}),
			CapacitationRate:    0.014,
			CapacitationCeiling: 0.40,
		},
		{
			ID:     protocol.RegionIDs[2], // uterus
			Bounds: Rect{MinX: 230, MinY: -900, MaxX: 790, MaxY: -180},
			ExitY:  -880,
			Mucus: []MucusSegment{
				{X1: 260, Y1: -360, X2: 760, Y2: -350, Strength: 0.25},
				{X1: 260, Y1: -620, X2: 760, Y2: -610, Strength: 0.25},
			},
			Flow:                buildFlowField(Vec2{X: 0, Y: -0.7}),
			CapacitationRate:    0.018,
			CapacitationCeiling: 0.60,
		},
		{
			ID:     protocol.RegionIDs[3], // utj
			Bounds: Rect{MinX: 360, MinY: -1180, MaxX: 660, MaxY: -880},
			ExitY:  -1160,
			Mucus: []MucusSegment{
				{X1: 380, Y1: -1020, X2: 640, Y2: -1010, Strength: 0.5},
			},
			Flow:                buildFlowField(Vec2{X: 0, Y: -0.3}),
			CapacitationRate:    0.022,
			CapacitationCeiling: 0.75,
			Gate: &GateProfile{
				CapacitationMin: 0.55,
				SpeedMin:        3.2,
				ConeHalfAngle:   0.96, // ~55 degrees
				ConeJitter:      0.05,
			},
		},
		{
			ID:     protocol.RegionIDs[4], // isthmus
			Bounds: Rect{MinX: 380, MinY: -1720, MaxX: 640, MaxY: -1160},
			ExitY:  -1700,
			Mucus: []MucusSegment{
				{X1: 400, Y1: -1400, X2: 620, Y2: -1390, Strength: 0.3},
			},
			Flow:                buildFlowField(Vec2{X: 0.05, Y: -0.35}),
			CapacitationRate:    0.026,
			CapacitationCeiling: 0.90,
			Chemotaxis:          &ChemotaxisProfile{Strength: 0.2, Noise: 0.05},
		},
		{
			ID:     protocol.RegionIDs[5], // ampulla
			Bounds: Rect{MinX: 320, MinY: -2400, MaxX: 700, MaxY: -1700},
			ExitY:  -2380,
			Mucus: []MucusSegment{
				{X1: 340, Y1: -1900, X2: 680, Y2: -1890, Strength: 0.1},
			},
			Flow:                buildFlowField(Vec2{X: 0.15, Y: -0.2}),
			CapacitationRate:    0.030,
			CapacitationCeiling: 1.0,
			Chemotaxis:          &ChemotaxisProfile{Strength: 0.4, Noise: 0.02},
		},
	}
	return regions
}

// buildFlowField fills a 4x4 grid around a base direction with a gentle
// positional wobble so the field is not uniform.
func buildFlowField(base Vec2) [][]Vec2 {
	grid := make([][]Vec2, 4)
	for y := 0; y < 4; y++ {
		row := make([]Vec2, 4)
		for x := 0; x < 4; x++ {
			wobble := float64(y)/3*0.15 + float64(x)/3*0.1
			row[x] = Vec2{X: base.X + wobble*0.2, Y: base.Y - wobble}
		}
		grid[y] = row
	}
	return grid
}
