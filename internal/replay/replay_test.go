package replay

import (
	"testing"
	"time"

	"sperm-odyssey/server/internal/sim/world"
)

// recordedRace runs a short scripted race the way a room would: inputs are
// queued into the live world and recorded at the same time.
func recordedRace(t *testing.T, seed string, ticks int64) *Recording {
	t.Helper()
	roster := []RosterEntry{{ID: 1, Name: "left"}, {ID: 2, Name: "right"}}
	w := world.New(seed)
	for _, p := range roster {
		if _, err := w.AddAgentWithID(p.ID, p.Name); err != nil {
			t.Fatalf("add agent: %v", err)
		}
	}
	rec := NewRecorder(seed, 50, roster)

	for w.Tick() < ticks {
		target := w.Tick() + 1
		if target%2 == 1 {
			bits := world.InputBits{Up: true, Hyper: target%8 == 1}
			if err := w.QueueInput(1, target, bits); err != nil {
				t.Fatalf("queue live input: %v", err)
			}
			rec.Record(1, target, bits)
		}
		if target%3 == 1 {
			bits := world.InputBits{Up: true, Left: true}
			if err := w.QueueInput(2, target, bits); err != nil {
				t.Fatalf("queue live input: %v", err)
			}
			rec.Record(2, target, bits)
		}
		w.Step(50)
		rec.MaybeSample(w)
	}
	return rec.Finish(w)
}

func TestVerify_ReproducesLiveRace(t *testing.T) {
	rec := recordedRace(t, "replay-seed", 200)
	if len(rec.Samples) == 0 {
		t.Fatal("no samples recorded")
	}
	rep, err := Verify(rec)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !rep.DigestMatch {
		t.Fatal("re-simulated digest does not match the live race")
	}
	if rep.Diverged {
		t.Fatalf("replay diverged, max deviation %v", rep.MaxDeviation)
	}
	if rep.MaxDeviation != 0 {
		t.Fatalf("deterministic replay drifted by %v", rep.MaxDeviation)
	}
}

// A recording that uses the tightest legal schedule, every frame stamped
// one tick ahead of the live world, must re-simulate exactly: the live
// acceptance window and the replay's apply-at-stamped-tick rule agree.
func TestVerify_TightestTickInputs(t *testing.T) {
	roster := []RosterEntry{{ID: 1, Name: "solo"}}
	w := world.New("tight-seed")
	if _, err := w.AddAgentWithID(1, "solo"); err != nil {
		t.Fatalf("add agent: %v", err)
	}
	rec := NewRecorder("tight-seed", 50, roster)

	for w.Tick() < 80 {
		target := w.Tick() + 1
		bits := world.InputBits{Up: true, Left: target%4 == 0, Hyper: target%16 == 1}
		if err := w.QueueInput(1, target, bits); err != nil {
			t.Fatalf("queue live input at tick %d: %v", target, err)
		}
		rec.Record(1, target, bits)
		w.Step(50)
		rec.MaybeSample(w)
	}

	rep, err := Verify(rec.Finish(w))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !rep.DigestMatch || rep.Diverged || rep.MaxDeviation != 0 {
		t.Fatalf("tightest schedule drifted: match=%v diverged=%v dev=%v",
			rep.DigestMatch, rep.Diverged, rep.MaxDeviation)
	}
}

func TestVerify_DetectsTampering(t *testing.T) {
	rec := recordedRace(t, "tamper-seed", 120)
	if len(rec.Frames) == 0 {
		t.Fatal("no frames recorded")
	}
	rec.Frames[0].B ^= bitLeft
	rep, err := Verify(rec)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if rep.DigestMatch {
		t.Fatal("tampered recording still matched the digest")
	}
}

func TestRebuild_RejectsForeignRecordings(t *testing.T) {
	rec := recordedRace(t, "reject-seed", 10)

	bad := *rec
	bad.WorldHash = "someone-else/world:v9"
	if _, err := Rebuild(&bad); err == nil {
		t.Fatal("foreign rule-set hash accepted")
	}

	bad = *rec
	bad.Version = RecordingVersion + 1
	if _, err := Rebuild(&bad); err == nil {
		t.Fatal("future version accepted")
	}

	bad = *rec
	bad.TickMs = 0
	if _, err := Rebuild(&bad); err == nil {
		t.Fatal("zero tick length accepted")
	}
}

func TestPackBits_RoundTrip(t *testing.T) {
	for m := 0; m < 32; m++ {
		if got := PackBits(UnpackBits(uint8(m))); got != uint8(m) {
			t.Fatalf("mask %#x round-tripped to %#x", m, got)
		}
	}
}

func TestGhostDriver_DrivesGhosts(t *testing.T) {
	rec := recordedRace(t, "ghost-seed", 100)

	w := world.New("live-seed")
	racer := w.AddAgent("live")
	d, err := AttachGhosts(w, rec)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if w.Count() != 3 {
		t.Fatalf("expected racer + 2 ghosts, have %d entities", w.Count())
	}

	ghost, ok := w.Agent(d.idMap[1])
	if !ok {
		t.Fatal("ghost for recorded entity 1 missing")
	}
	if ghost.ID == racer.ID {
		t.Fatal("ghost re-used the racer's id")
	}
	startY := ghost.Pos.Y

	for i := 0; i < 100; i++ {
		d.Feed(w)
		w.Step(50)
	}
	if !d.Done() {
		t.Fatal("driver did not consume every frame")
	}
	if ghost.Pos.Y >= startY {
		t.Fatalf("ghost never moved upstream: %v -> %v", startY, ghost.Pos.Y)
	}
	if ghost.Finished {
		t.Fatal("ghost finished a live race")
	}
}

func TestStore_SaveLoadLatest(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	rec := recordedRace(t, "store-seed", 60)
	id, err := s.Save(rec)
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Load(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || got.Seed != rec.Seed || len(got.Frames) != len(rec.Frames) {
		t.Fatalf("loaded recording mismatch: %+v", got)
	}
	if got.FinalDigest != rec.FinalDigest {
		t.Fatal("digest lost in storage")
	}

	if missing, err := s.Load("00000000-0000-0000-0000-000000000000"); err != nil || missing != nil {
		t.Fatalf("missing id: rec=%v err=%v", missing, err)
	}
	if _, err := s.Load("../escape"); err == nil {
		t.Fatal("path-escaping id accepted")
	}

	time.Sleep(20 * time.Millisecond)
	if err := s.SaveAs("newest-blob", rec); err != nil {
		t.Fatalf("save second: %v", err)
	}
	latest, err := s.Latest()
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != "newest-blob" {
		t.Fatalf("latest = %q, want newest-blob", latest)
	}
}
