package replay

import (
	"fmt"
	"math"
	"sort"

	"sperm-odyssey/server/internal/sim/world"
)

// DriftTolerance is the largest per-axis position deviation a re-simulated
// race may show against its live samples before it counts as diverged.
const DriftTolerance = 0.2

// Report is the outcome of a determinism verification run.
type Report struct {
	Ticks        int64
	MaxDeviation float64
	DigestMatch  bool
	Diverged     bool
}

// Rebuild constructs a fresh world matching the recording's seed and
// roster. It refuses recordings made under a different rule set.
func Rebuild(rec *Recording) (*world.World, error) {
	if rec.Version != RecordingVersion {
		return nil, fmt.Errorf("recording version %d, want %d", rec.Version, RecordingVersion)
	}
	if rec.WorldHash != world.WorldHash {
		return nil, fmt.Errorf("recording made under %q, this build is %q", rec.WorldHash, world.WorldHash)
	}
	if rec.TickMs <= 0 {
		return nil, fmt.Errorf("invalid tick length %dms", rec.TickMs)
	}
	w := world.New(rec.Seed)
	for _, p := range rec.Roster {
		if _, err := w.AddAgentWithID(p.ID, p.Name); err != nil {
			return nil, fmt.Errorf("roster entry %d: %w", p.ID, err)
		}
	}
	return w, nil
}

// Verify re-runs the recording from its seed and measures drift against the
// live samples, comparing the final state digest at the recorded duration
// and then settling two extra seconds to catch numeric instability.
func Verify(rec *Recording) (Report, error) {
	w, err := Rebuild(rec)
	if err != nil {
		return Report{}, err
	}

	frames := append([]Frame(nil), rec.Frames...)
	sort.SliceStable(frames, func(i, j int) bool {
		if frames[i].T != frames[j].T {
			return frames[i].T < frames[j].T
		}
		return frames[i].E < frames[j].E
	})

	samples := rec.Samples

	var rep Report
	next := 0
	si := 0
	for w.Tick() < rec.DurationTicks {
		target := w.Tick() + 1
		for next < len(frames) && frames[next].T <= target {
			f := frames[next]
			next++
			tick := f.T
			if tick < target {
				tick = target // late frames apply at the next tick
			}
			if err := w.QueueInput(f.E, tick, UnpackBits(f.B)); err != nil {
				return rep, fmt.Errorf("replay frame for entity %d at tick %d: %w", f.E, f.T, err)
			}
		}
		w.Step(rec.TickMs)

		if si < len(samples) && samples[si].T == w.Tick() {
			for _, es := range samples[si].Entities {
				a, ok := w.Agent(es.E)
				if !ok {
					continue
				}
				dev := math.Max(math.Abs(a.Pos.X-es.X), math.Abs(a.Pos.Y-es.Y))
				if dev > rep.MaxDeviation {
					rep.MaxDeviation = dev
				}
			}
			si++
		}
	}

	rep.DigestMatch = rec.FinalDigest == "" || w.StateDigest() == rec.FinalDigest

	// Settle margin: run two extra seconds with no inputs to shake out
	// instability that only shows after the recorded end.
	for i := int64(0); i < 2*(1000/rec.TickMs); i++ {
		w.Step(rec.TickMs)
	}
	for _, e := range w.Entities() {
		if math.IsNaN(e.X) || math.IsNaN(e.Y) || math.IsInf(e.X, 0) || math.IsInf(e.Y, 0) {
			rep.Diverged = true
		}
	}

	rep.Ticks = w.Tick()
	if rep.MaxDeviation > DriftTolerance {
		rep.Diverged = true
	}
	return rep, nil
}

// GhostDriver replays a recording as ghost entities inside a live world.
// Recorded entity ids are re-keyed to the ghost ids the host world assigns.
type GhostDriver struct {
	frames []Frame
	idMap  map[uint32]uint32
	next   int
	offset int64 // host tick at attach time
}

// AttachGhosts spawns one ghost per roster entry and returns a driver that
// feeds the recorded inputs, shifted to start at the world's current tick.
func AttachGhosts(w *world.World, rec *Recording) (*GhostDriver, error) {
	if rec.WorldHash != world.WorldHash {
		return nil, fmt.Errorf("recording made under %q, this build is %q", rec.WorldHash, world.WorldHash)
	}
	d := &GhostDriver{
		idMap:  make(map[uint32]uint32, len(rec.Roster)),
		offset: w.Tick(),
	}
	for _, p := range rec.Roster {
		g := w.SpawnGhost(p.Name)
		d.idMap[p.ID] = g.ID
	}
	d.frames = append(d.frames, rec.Frames...)
	sort.SliceStable(d.frames, func(i, j int) bool { return d.frames[i].T < d.frames[j].T })
	return d, nil
}

// Feed queues every recorded frame due for the world's next tick. Call once
// per tick before stepping. Ghosts whose frames are exhausted simply drift.
func (d *GhostDriver) Feed(w *world.World) {
	target := w.Tick() + 1
	for d.next < len(d.frames) {
		f := d.frames[d.next]
		shifted := f.T + d.offset
		if shifted > target {
			return
		}
		d.next++
		ghost, ok := d.idMap[f.E]
		if !ok {
			continue
		}
		tick := shifted
		if tick < target {
			tick = target
		}
		// Errors here mean overlapping late frames; the ghost just
		// keeps its previous held inputs.
		_ = w.QueueInput(ghost, tick, UnpackBits(f.B))
	}
}

// Done reports whether every recorded frame has been fed.
func (d *GhostDriver) Done() bool { return d.next >= len(d.frames) }
