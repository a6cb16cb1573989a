package replay

import (
	"time"

	"sperm-odyssey/server/internal/sim/world"
)

// SampleRateHz is how often live positions are captured into the recording.
const SampleRateHz = 10

// Recorder accumulates a Recording while a race runs. It is driven by the
// room goroutine and is not safe for concurrent use.
type Recorder struct {
	rec            Recording
	sampleInterval int64
}

func NewRecorder(seed string, tickMs int64, roster []RosterEntry) *Recorder {
	interval := 1000 / tickMs / SampleRateHz
	if interval < 1 {
		interval = 1
	}
	return &Recorder{
		rec: Recording{
			Version:     RecordingVersion,
			Seed:        seed,
			WorldHash:   world.WorldHash,
			StartedAtMs: time.Now().UnixMilli(),
			TickMs:      tickMs,
			Roster:      roster,
		},
		sampleInterval: interval,
	}
}

// Record appends one accepted input frame.
func (r *Recorder) Record(entity uint32, tick int64, bits world.InputBits) {
	r.rec.Frames = append(r.rec.Frames, Frame{T: tick, E: entity, B: PackBits(bits)})
}

// MaybeSample captures entity positions when the tick lands on a sample
// boundary. Call it once per simulated tick, after stepping.
func (r *Recorder) MaybeSample(w *world.World) {
	tick := w.Tick()
	if tick%r.sampleInterval != 0 {
		return
	}
	ents := w.Entities()
	s := Sample{T: tick, Entities: make([]EntitySample, 0, len(ents))}
	for _, e := range ents {
		s.Entities = append(s.Entities, EntitySample{E: e.ID, X: e.X, Y: e.Y})
	}
	r.rec.Samples = append(r.rec.Samples, s)
}

// Finish seals the recording with the outcome and the final state digest.
func (r *Recorder) Finish(w *world.World) *Recording {
	if winner, ok := w.Winner(); ok {
		r.rec.WinnerID = winner
	}
	r.rec.DurationTicks = w.Tick()
	r.rec.FinalDigest = w.StateDigest()
	out := r.rec
	return &out
}
