package rooms

import (
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"sperm-odyssey/server/internal/protocol"
	"sperm-odyssey/server/internal/replay"
	"sperm-odyssey/server/internal/sim/tuning"
	"sperm-odyssey/server/internal/sim/world"
)

type fakeConn struct {
	mu         sync.Mutex
	jsons      []any
	binaries   int
	kickCode   string
	failBinary bool
}

func (c *fakeConn) SendJSON(v any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jsons = append(c.jsons, v)
	return true
}

func (c *fakeConn) SendBinary(buf []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failBinary {
		return false
	}
	c.binaries++
	return true
}

func (c *fakeConn) Kick(code, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kickCode = code
}

func (c *fakeConn) errorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, m := range c.jsons {
		if _, ok := m.(protocol.ErrorMsg); ok {
			n++
		}
	}
	return n
}

func (c *fakeConn) sawJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.jsons {
		if _, ok := m.(protocol.JoinedMsg); ok {
			return true
		}
	}
	return false
}

func (c *fakeConn) lastError() (protocol.ErrorMsg, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.jsons) - 1; i >= 0; i-- {
		if e, ok := c.jsons[i].(protocol.ErrorMsg); ok {
			return e, true
		}
	}
	return protocol.ErrorMsg{}, false
}

func (c *fakeConn) lastLobby() (protocol.LobbyMsg, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.jsons) - 1; i >= 0; i-- {
		if m, ok := c.jsons[i].(protocol.LobbyMsg); ok {
			return m, true
		}
	}
	return protocol.LobbyMsg{}, false
}

// testRoom builds a room whose handlers run synchronously on the test
// goroutine, with a hand-cranked clock.
func testRoom(t *testing.T, hooks Hooks) (*Room, *time.Time) {
	t.Helper()
	cfg := tuning.Defaults()
	now := time.UnixMilli(1_000_000)
	r := newRoom("test-room", log.New(os.Stderr, "", 0), &cfg, hooks)
	r.now = func() time.Time { return now }
	return r, &now
}

func joinPlayer(r *Room, sess, name string) *fakeConn {
	c := &fakeConn{}
	r.handleJoin(joinReq{sess: sess, conn: c, name: name})
	return c
}

func startRacing(t *testing.T, r *Room, now *time.Time) {
	t.Helper()
	r.handleStart(r.players[r.host])
	if r.phase != phaseCountdown {
		t.Fatalf("phase after start = %s", r.phase)
	}
	*now = now.Add(time.Duration(r.cfg.CountdownMs+50) * time.Millisecond)
	r.handleTick()
	if r.phase != phaseRacing {
		t.Fatalf("phase after countdown = %s", r.phase)
	}
}

func TestJoin_HostAssignmentAndRoster(t *testing.T) {
	r, _ := testRoom(t, Hooks{})
	c1 := joinPlayer(r, "s1", "alice")
	c2 := joinPlayer(r, "s2", "bob")

	if r.host != "s1" {
		t.Fatalf("host = %q", r.host)
	}
	lob, ok := c1.lastLobby()
	if !ok || !lob.IsHost || lob.State != phaseLobby {
		t.Fatalf("first joiner lobby msg: %+v", lob)
	}
	lob, _ = c2.lastLobby()
	if lob.IsHost {
		t.Fatal("second joiner marked host")
	}
	if p1, p2 := r.players["s1"], r.players["s2"]; p1.entity != 1 || p2.entity != 2 {
		t.Fatalf("entity ids: %d, %d", p1.entity, p2.entity)
	}
	info := r.Info()
	if info.Players != 2 || info.Phase != phaseLobby {
		t.Fatalf("info: %+v", info)
	}
}

func TestJoin_RoomFull(t *testing.T) {
	r, _ := testRoom(t, Hooks{})
	r.cfg.MaxPlayersPerRoom = 2
	joinPlayer(r, "s1", "a")
	joinPlayer(r, "s2", "b")
	c3 := joinPlayer(r, "s3", "c")

	if _, in := r.players["s3"]; in {
		t.Fatal("third player admitted past capacity")
	}
	if e, ok := c3.lastError(); !ok || e.Code != protocol.ErrRoomFull {
		t.Fatalf("expected %s, got %+v", protocol.ErrRoomFull, e)
	}
	if c3.kickCode != protocol.ErrRoomFull {
		t.Fatalf("kick code = %q", c3.kickCode)
	}
}

func TestStart_HostOnly(t *testing.T) {
	r, _ := testRoom(t, Hooks{})
	joinPlayer(r, "s1", "host")
	c2 := joinPlayer(r, "s2", "guest")

	r.handleStart(r.players["s2"])
	if r.phase != phaseLobby {
		t.Fatalf("non-host started the race, phase = %s", r.phase)
	}
	if e, ok := c2.lastError(); !ok || e.Code != protocol.ErrJoinInvalid {
		t.Fatalf("expected authorization error, got %+v", e)
	}

	r.handleStart(r.players["s1"])
	if r.phase != phaseCountdown {
		t.Fatalf("host could not start, phase = %s", r.phase)
	}
	// Starting again mid-countdown is rejected.
	r.handleStart(r.players["s1"])
	if e, ok := r.players["s1"].conn.(*fakeConn).lastError(); !ok || e.Code != protocol.ErrJoinInvalid {
		t.Fatalf("double start not rejected: %+v", e)
	}
}

func TestCountdown_BecomesRace(t *testing.T) {
	r, now := testRoom(t, Hooks{})
	joinPlayer(r, "s1", "solo")
	r.handleStart(r.players["s1"])

	r.handleTick() // countdown not yet elapsed
	if r.phase != phaseCountdown {
		t.Fatalf("phase = %s", r.phase)
	}

	*now = now.Add(time.Duration(r.cfg.CountdownMs+10) * time.Millisecond)
	r.handleTick()
	if r.phase != phaseRacing {
		t.Fatalf("phase = %s", r.phase)
	}
	if r.w == nil || r.w.Count() != 1 {
		t.Fatal("world not populated at race start")
	}
	if _, ok := r.w.Agent(r.players["s1"].entity); !ok {
		t.Fatal("racer entity missing from world")
	}
}

func TestInputs_PacingAndPhase(t *testing.T) {
	r, now := testRoom(t, Hooks{})
	c1 := joinPlayer(r, "s1", "racer")
	p := r.players["s1"]

	// Inputs before the race are rejected.
	r.handleInputs(p, []protocol.InputFrame{{T: 1, U: true}})
	if e, ok := c1.lastError(); !ok || e.Code != protocol.ErrInputInvalid {
		t.Fatalf("lobby input not rejected: %+v", e)
	}

	startRacing(t, r, now)

	before := c1.errorCount()
	r.handleInputs(p, []protocol.InputFrame{{T: 1, U: true}})
	if c1.errorCount() != before {
		t.Fatal("first racing input rejected")
	}

	// A second batch inside the minimum interval is dropped.
	*now = now.Add(5 * time.Millisecond)
	r.handleInputs(p, []protocol.InputFrame{{T: 2, U: true}})
	if e, ok := c1.lastError(); !ok || e.Message != "input rate exceeded" {
		t.Fatalf("paced input not rejected: %+v", e)
	}

	// After the interval it flows again.
	before = c1.errorCount()
	*now = now.Add(20 * time.Millisecond)
	r.handleInputs(p, []protocol.InputFrame{{T: 3, U: true}})
	if c1.errorCount() != before {
		t.Fatal("spaced input rejected")
	}

	// Frames with stale ticks are all refused.
	before = c1.errorCount()
	*now = now.Add(20 * time.Millisecond)
	r.handleInputs(p, []protocol.InputFrame{{T: 3, U: true}})
	e, ok := c1.lastError()
	if c1.errorCount() != before+1 || !ok || e.Code != protocol.ErrInputInvalid {
		t.Fatalf("stale frame batch not rejected: %+v", e)
	}
}

func TestHostMigration(t *testing.T) {
	r, _ := testRoom(t, Hooks{})
	joinPlayer(r, "s1", "first")
	c2 := joinPlayer(r, "s2", "second")
	joinPlayer(r, "s3", "third")

	if r.handleLeave("s1") {
		t.Fatal("room reported empty with players left")
	}
	if r.host != "s2" {
		t.Fatalf("host = %q, want s2", r.host)
	}
	lob, ok := c2.lastLobby()
	if !ok || !lob.IsHost {
		t.Fatalf("new host not notified: %+v", lob)
	}
}

func TestLeave_LastPlayerShutsRoomDown(t *testing.T) {
	emptied := ""
	r, _ := testRoom(t, Hooks{OnEmpty: func(id string) { emptied = id }})
	joinPlayer(r, "s1", "solo")
	if !r.handleLeave("s1") {
		t.Fatal("empty room did not request shutdown")
	}
	if emptied != "test-room" {
		t.Fatalf("OnEmpty got %q", emptied)
	}
}

func TestMidRaceJoin_Spectates(t *testing.T) {
	r, now := testRoom(t, Hooks{})
	joinPlayer(r, "s1", "racer")
	startRacing(t, r, now)

	c2 := joinPlayer(r, "s2", "late")
	p2 := r.players["s2"]
	if !p2.spectator {
		t.Fatal("mid-race joiner entered as racer")
	}
	found := false
	for _, m := range c2.jsons {
		if _, ok := m.(protocol.SpectatingMsg); ok {
			found = true
		}
	}
	if !found {
		t.Fatal("spectator not acknowledged")
	}

	// Spectators are served at half the snapshot rate.
	c1 := r.players["s1"].conn.(*fakeConn)
	for i := 0; i < 3; i++ {
		r.handleSnapshot()
	}
	if c2.binaries != 2 {
		t.Fatalf("spectator got %d snapshots from 3 rounds, want 2", c2.binaries)
	}
	if c1.binaries != 3 {
		t.Fatalf("racer got %d snapshots from 3 rounds, want 3", c1.binaries)
	}
}

func TestSnapshot_DesyncLadder(t *testing.T) {
	r, now := testRoom(t, Hooks{})
	c := joinPlayer(r, "s1", "laggy")
	joinPlayer(r, "s2", "fine")
	startRacing(t, r, now)

	c.failBinary = true
	p := r.players["s1"]

	r.handleSnapshot() // arms failSince
	if p.degraded() {
		t.Fatal("degraded on first failure")
	}

	*now = now.Add(time.Duration(r.cfg.Desync.SoftSeconds)*time.Second + 100*time.Millisecond)
	r.handleSnapshot()
	if !p.degraded() {
		t.Fatal("not degraded after the soft window")
	}

	*now = now.Add(time.Duration(r.cfg.Desync.HardSeconds) * time.Second)
	r.handleSnapshot()
	if c.kickCode != protocol.ErrDesync {
		t.Fatalf("kick code = %q, want %s", c.kickCode, protocol.ErrDesync)
	}
	if _, in := r.players["s1"]; in {
		t.Fatal("desynced player still in the room")
	}

	// Recovery path: a healthy send clears the ladder.
	p2 := r.players["s2"]
	p2.stallDegraded = true
	p2.failSince = *now
	r.handleSnapshot()
	if p2.degraded() || !p2.failSince.IsZero() {
		t.Fatal("healthy send did not clear desync state")
	}
}

// feedFrame pushes one empty input frame for the next tick, advancing the
// clock past the pacing interval first.
func feedFrame(r *Room, now *time.Time, p *player) {
	*now = now.Add(time.Duration(r.cfg.TickMs()) * time.Millisecond)
	r.handleInputs(p, []protocol.InputFrame{{T: r.w.Tick() + 1}})
}

func TestInputLag_DesyncLadder(t *testing.T) {
	r, now := testRoom(t, Hooks{})
	c1 := joinPlayer(r, "s1", "idle")
	joinPlayer(r, "s2", "active")
	startRacing(t, r, now)

	tickMs := int64(r.cfg.TickMs())
	soft := int64(r.cfg.Desync.SoftSeconds) * 1000 / tickMs
	hard := int64(r.cfg.Desync.HardSeconds) * 1000 / tickMs
	idle, active := r.players["s1"], r.players["s2"]

	for r.w.Tick() < soft {
		feedFrame(r, now, active)
		r.handleTick()
	}
	if !idle.degraded() {
		t.Fatalf("idle racer not degraded at %d ticks of lag", r.w.Tick())
	}
	if active.degraded() {
		t.Fatal("racer with fresh inputs degraded")
	}
	if c1.kickCode != "" {
		t.Fatal("soft window already kicked")
	}

	for r.w.Tick() < hard {
		feedFrame(r, now, active)
		r.handleTick()
	}
	if c1.kickCode != protocol.ErrDesync {
		t.Fatalf("kick code = %q, want %s", c1.kickCode, protocol.ErrDesync)
	}
	if _, in := r.players["s1"]; in {
		t.Fatal("lagging racer still in the room")
	}
	if _, in := r.players["s2"]; !in {
		t.Fatal("active racer removed")
	}
}

func TestFinish_LeaderboardAndHooks(t *testing.T) {
	finished := make(chan MatchResult, 1)
	recs := make(chan *replay.Recording, 1)
	r, now := testRoom(t, Hooks{OnFinish: func(res MatchResult, rec *replay.Recording) {
		finished <- res
		recs <- rec
	}})
	c1 := joinPlayer(r, "s1", "winner")
	joinPlayer(r, "s2", "runner")
	joinPlayer(r, "s3", "quitter")
	startRacing(t, r, now)

	// Mid-race leaver becomes a trailing DNF.
	r.handleLeave("s3")

	// Pin the first racer on the egg until its acrosome window opens. Both
	// remaining racers keep feeding inputs so the lag ladder stays quiet.
	a, ok := r.w.Agent(1)
	if !ok {
		t.Fatal("agent 1 missing")
	}
	a.AcrosomeActivatedAtMs = 1
	p1, p2 := r.players["s1"], r.players["s2"]
	for i := 0; i < 400 && r.phase == phaseRacing; i++ {
		feedFrame(r, now, p1)
		feedFrame(r, now, p2)
		a.Region = protocol.RegionCount - 1
		a.Pos = world.EggPos
		a.Vel = world.Vec2{}
		r.handleTick()
	}
	if r.phase != phaseFinished {
		t.Fatalf("race never finished, phase = %s", r.phase)
	}

	select {
	case res := <-finished:
		if res.Winner != 1 || res.RoomID != "test-room" || res.Seed == "" {
			t.Fatalf("result: %+v", res)
		}
		if len(res.Entries) != 3 {
			t.Fatalf("entries: %+v", res.Entries)
		}
		if res.Entries[0].EntityID != 1 || res.Entries[0].Place != 1 || res.Entries[0].TimeMs <= 0 {
			t.Fatalf("winner entry: %+v", res.Entries[0])
		}
		if res.Entries[1].Place != 2 || res.Entries[1].DNF {
			t.Fatalf("runner entry: %+v", res.Entries[1])
		}
		last := res.Entries[2]
		if !last.DNF || last.Place != 3 || last.Name != "quitter" {
			t.Fatalf("dnf entry: %+v", last)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnFinish never fired")
	}

	rec := <-recs
	if rec.Seed != r.seed || rec.DurationTicks == 0 || rec.FinalDigest == "" {
		t.Fatalf("recording: seed=%q ticks=%d", rec.Seed, rec.DurationTicks)
	}

	// The finish broadcast reached the racers.
	var fin *protocol.FinishMsg
	for _, m := range c1.jsons {
		if f, ok := m.(protocol.FinishMsg); ok {
			fin = &f
		}
	}
	if fin == nil || fin.Winner != 1 || len(fin.Leaderboard) != 3 {
		t.Fatalf("finish broadcast: %+v", fin)
	}
}

// A join and its immediate leave must land in order, and once the emptied
// room winds down a late join gets kicked instead of hanging.
func TestRoomTeardown_OrderedAndTerminal(t *testing.T) {
	emptied := make(chan string, 1)
	r, _ := testRoom(t, Hooks{OnEmpty: func(id string) { emptied <- id }})
	go r.Run()

	c := &fakeConn{}
	r.Join("s1", c, "solo", false)
	r.Leave("s1")

	select {
	case id := <-emptied:
		if id != "test-room" {
			t.Fatalf("OnEmpty got %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("room never emptied")
	}
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("room goroutine never exited")
	}
	if !c.sawJoined() {
		t.Fatal("join was not processed before the leave")
	}

	late := &fakeConn{}
	r.Join("s2", late, "late", false)
	if late.kickCode != protocol.ErrUnknownRoom {
		t.Fatalf("late join kick = %q, want %s", late.kickCode, protocol.ErrUnknownRoom)
	}
}

func TestFinishedRoom_ResetsToLobby(t *testing.T) {
	r, now := testRoom(t, Hooks{})
	c1 := joinPlayer(r, "s1", "racer")
	startRacing(t, r, now)

	c2 := joinPlayer(r, "s2", "late")
	p2 := r.players["s2"]
	if !p2.spectator || !p2.pendingRacer {
		t.Fatalf("mid-race joiner: spectator=%v pendingRacer=%v", p2.spectator, p2.pendingRacer)
	}

	// Back-date the acrosome window so the pinned racer finishes at once.
	a, _ := r.w.Agent(1)
	a.AcrosomeActivatedAtMs = -13_000
	a.Region = protocol.RegionCount - 1
	a.Pos = world.EggPos
	r.handleTick()
	if r.phase != phaseFinished {
		t.Fatalf("phase = %s, want %s", r.phase, phaseFinished)
	}

	// No start from the finished phase.
	r.handleStart(r.players["s1"])
	if e, ok := c1.lastError(); !ok || e.Code != protocol.ErrJoinInvalid {
		t.Fatalf("start in finished phase not rejected: %+v", e)
	}
	if r.phase != phaseFinished {
		t.Fatalf("start in finished phase changed it to %s", r.phase)
	}

	// The next tick is a full reset back to the lobby.
	r.handleTick()
	if r.phase != phaseLobby || r.w != nil {
		t.Fatalf("after reset: phase=%s world=%v", r.phase, r.w)
	}
	if p2.spectator || p2.pendingRacer || p2.entity == 0 {
		t.Fatalf("late joiner not promoted: %+v", p2)
	}
	if !c2.sawJoined() {
		t.Fatal("promoted racer never got its join ack")
	}

	r.handleStart(r.players[r.host])
	if r.phase != phaseCountdown {
		t.Fatalf("host cannot start after reset, phase = %s", r.phase)
	}
}

func TestManager_PlacementAndTeardown(t *testing.T) {
	logger := log.New(os.Stderr, "", 0)
	m := NewManager(logger, tuning.Defaults(), Hooks{})
	defer m.CloseAll()

	r1, err := m.JoinOrCreate("")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r2, _ := m.JoinOrCreate(""); r2 != r1 {
		t.Fatal("second placement did not reuse the open lobby")
	}

	named, err := m.JoinOrCreate("friends")
	if err != nil || named.ID != "friends" {
		t.Fatalf("named room: %v %+v", err, named)
	}
	if again, _ := m.JoinOrCreate("friends"); again != named {
		t.Fatal("named room not reused")
	}
	if _, ok := m.Get("friends"); !ok {
		t.Fatal("Get missed a live room")
	}

	infos := m.List()
	if len(infos) != 2 {
		t.Fatalf("listed %d rooms", len(infos))
	}
	for i := 1; i < len(infos); i++ {
		if infos[i-1].ID > infos[i].ID {
			t.Fatal("listing not sorted")
		}
	}

	m.CloseAll()
	if _, err := m.JoinOrCreate(""); err == nil {
		t.Fatal("placement accepted after shutdown")
	}
}
