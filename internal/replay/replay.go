// Package replay records the inputs of a race and replays them through a
// fresh simulation, either to verify determinism offline or to drive ghost
// entities in a live race.
package replay

import "sperm-odyssey/server/internal/sim/world"

// RecordingVersion is bumped whenever the blob layout changes.
const RecordingVersion = 1

// Recording is everything needed to re-run a race: the seed, the rule-set
// hash, the roster in join order and every accepted input frame. Position
// samples taken during the live race let a verifier measure drift.
type Recording struct {
	Version     int    `json:"version"`
	Seed        string `json:"seed"`
	WorldHash   string `json:"worldHash"`
	StartedAtMs int64  `json:"startedAtMs"`
	TickMs      int64  `json:"tickMs"`

	Roster  []RosterEntry `json:"roster"`
	Frames  []Frame       `json:"frames"`
	Samples []Sample      `json:"samples,omitempty"`

	WinnerID      uint32 `json:"winnerId,omitempty"`
	DurationTicks int64  `json:"durationTicks"`
	FinalDigest   string `json:"finalDigest"`
}

type RosterEntry struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// Frame is one accepted input frame: target tick, entity and packed bits.
type Frame struct {
	T int64  `json:"t"`
	E uint32 `json:"e"`
	B uint8  `json:"b"`
}

// Sample captures entity positions at one tick during the live race.
type Sample struct {
	T        int64          `json:"t"`
	Entities []EntitySample `json:"p"`
}

type EntitySample struct {
	E uint32  `json:"e"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

const (
	bitUp = 1 << iota
	bitDown
	bitLeft
	bitRight
	bitHyper
)

// PackBits folds input bits into the single recording byte.
func PackBits(b world.InputBits) uint8 {
	var m uint8
	if b.Up {
		m |= bitUp
	}
	if b.Down {
		m |= bitDown
	}
	if b.Left {
		m |= bitLeft
	}
	if b.Right {
		m |= bitRight
	}
	if b.Hyper {
		m |= bitHyper
	}
	return m
}

func UnpackBits(m uint8) world.InputBits {
	return world.InputBits{
		Up:    m&bitUp != 0,
		Down:  m&bitDown != 0,
		Left:  m&bitLeft != 0,
		Right: m&bitRight != 0,
		Hyper: m&bitHyper != 0,
	}
}
