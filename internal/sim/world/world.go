package world

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sort"

	"sperm-odyssey/server/internal/protocol"
	"sperm-odyssey/server/internal/sim/rng"
)

// WorldHash identifies the rule set a world was stepped under. Replays
// recorded under a different hash are rejected instead of silently
// diverging.
const WorldHash = "sperm-odyssey/world:v3"

// Velocity is expressed in tract units per nominal 20Hz tick; position
// integration rescales by the actual step length.
const velTickScale = 20.0

// maxTickAhead is half the nominal tick rate: clients may schedule inputs at
// most half a second ahead of the server, which bounds spoofed lookahead.
const (
	maxInputBuffer = 12
	maxTickAhead   = 10
)

// World is the authoritative race simulation. It is single-threaded by
// contract: the owning room goroutine calls every method, and iteration
// order over agents is fixed at insertion so identical seeds and inputs
// produce identical state.
type World struct {
	seed string
	rng  *rng.Rng

	tick  int64
	nowMs int64

	agents map[uint32]*Agent
	order  []uint32
	nextID uint32

	// Polyspermy lock: the first agent to reach the egg inside its
	// acrosome window hardens the zona for everyone else.
	winner uint32
}

func New(seed string) *World {
	return &World{
		seed:   seed,
		rng:    rng.New(seed),
		agents: make(map[uint32]*Agent),
		nextID: 1,
	}
}

func (w *World) Seed() string { return w.seed }
func (w *World) Tick() int64  { return w.tick }
func (w *World) NowMs() int64 { return w.nowMs }
func (w *World) Count() int   { return len(w.agents) }

// Winner returns the locking finisher, if any.
func (w *World) Winner() (uint32, bool) { return w.winner, w.winner != 0 }

// AddAgent spawns a racer at the mouth of the first region with a small
// seeded scatter. Entity ids ascend from 1 in join order.
func (w *World) AddAgent(name string) *Agent {
	return w.spawn(w.nextID, name, false)
}

// AddAgentWithID spawns a racer under a caller-chosen id, so room rosters
// and replay recordings keep their original entity ids. The id must be
// nonzero and unused.
func (w *World) AddAgentWithID(id uint32, name string) (*Agent, error) {
	if id == 0 {
		return nil, fmt.Errorf("entity id must be nonzero")
	}
	if _, taken := w.agents[id]; taken {
		return nil, fmt.Errorf("entity id %d already in use", id)
	}
	return w.spawn(id, name, false), nil
}

// SpawnGhost adds a replay-driven entity. Ghosts move under recorded
// inputs through the same pipeline but can never claim the finish.
func (w *World) SpawnGhost(name string) *Agent {
	return w.spawn(w.nextID, name, true)
}

func (w *World) spawn(id uint32, name string, ghost bool) *Agent {
	if id >= w.nextID {
		w.nextID = id + 1
	}
	start := regionDefs[0].Bounds
	r := w.rng.Fork(fmt.Sprintf("agent:%d", id))
	a := &Agent{
		ID:    id,
		Name:  name,
		Ghost: ghost,
		Pos: Vec2{
			X: (start.MinX+start.MaxX)/2 + r.Gaussian(0, 12),
			Y: start.MaxY - 40 + r.Gaussian(0, 10),
		},
		Capacitation: 0.05,
		Stamina:      1,
		rng:          r,
	}
	w.agents[id] = a
	w.order = append(w.order, id)
	return a
}

func (w *World) Agent(id uint32) (*Agent, bool) {
	a, ok := w.agents[id]
	return a, ok
}

func (w *World) RemoveAgent(id uint32) {
	if _, ok := w.agents[id]; !ok {
		return
	}
	delete(w.agents, id)
	for i, oid := range w.order {
		if oid == id {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

// QueueInput buffers one input frame targeted at a future simulation tick.
// Frames must arrive in per-agent tick order, must target a tick strictly
// after the current one (the current tick has already consumed its inputs,
// so accepting it live would apply the frame a tick later than a replay
// would), may not run more than maxTickAhead ahead, and the buffer keeps
// only the newest maxInputBuffer frames.
func (w *World) QueueInput(id uint32, tick int64, bits InputBits) error {
	a, ok := w.agents[id]
	if !ok {
		return fmt.Errorf("input for unknown agent %d", id)
	}
	if tick <= a.lastSeq {
		return fmt.Errorf("input tick %d not after %d", tick, a.lastSeq)
	}
	if tick <= w.tick {
		return fmt.Errorf("input tick %d already simulated (at %d)", tick, w.tick)
	}
	if tick > w.tick+maxTickAhead {
		return fmt.Errorf("input tick %d too far ahead of %d", tick, w.tick)
	}
	a.lastSeq = tick
	a.inputs = append(a.inputs, queuedInput{tick: tick, bits: bits})
	if len(a.inputs) > maxInputBuffer {
		a.inputs = a.inputs[len(a.inputs)-maxInputBuffer:]
	}
	return nil
}

// Step advances the simulation one tick. Agents are processed in insertion
// order; each goes through timers, hyperactivation, steering, tract forces,
// integration, collision, region gating, capacitation and the finish check.
func (w *World) Step(dtMs int64) {
	w.tick++
	w.nowMs += dtMs
	dt := float64(dtMs) / 1000

	for _, id := range w.order {
		a := w.agents[id]
		w.stepAgent(a, dt)
	}
}

func (w *World) stepAgent(a *Agent, dt float64) {
	if a.Finished {
		return
	}
	region := &regionDefs[a.Region]

	// Consume every buffered frame due this tick; the newest wins and the
	// held state persists until the next frame arrives.
	for len(a.inputs) > 0 && a.inputs[0].tick <= w.tick {
		a.held = a.inputs[0].bits
		a.inputs = a.inputs[1:]
	}

	a.updateTimers(dt)
	a.tryHyperactivate()

	heading := desiredHeading(a.held)
	external := sampleFlow(region, a.Pos, w.nowMs).Add(chemotaxisForce(a, region))
	integrateVelocity(a, heading, external, dt)

	a.Pos = a.Pos.Add(a.Vel.Scale(velTickScale * dt))
	collideBounds(a, region.Bounds)
	applyMucus(a, region.Mucus, dt)

	if a.Pos.Y <= region.ExitY {
		if region.Gate != nil && !gatePasses(a, region.Gate) {
			pushBack(a, region.ExitY)
		} else {
			w.advanceRegion(a, region)
			region = &regionDefs[a.Region]
		}
	}

	updateCapacitation(a, region, dt)

	if a.Region == protocol.RegionCount-1 && !a.Ghost {
		w.checkFinish(a)
	}
}

// advanceRegion translates the agent into the next region, preserving its
// lateral ratio, and arms the acrosome clock on the first advance.
func (w *World) advanceRegion(a *Agent, cur *Region) {
	if a.Region >= protocol.RegionCount-1 {
		return
	}
	next := &regionDefs[a.Region+1]
	ratio := (a.Pos.X - cur.Bounds.MinX) / (cur.Bounds.MaxX - cur.Bounds.MinX)
	a.Pos.X = next.Bounds.MinX + ratio*(next.Bounds.MaxX-next.Bounds.MinX)
	a.Pos.Y = next.Bounds.MaxY - 30
	a.Region++
	if a.AcrosomeActivatedAtMs == 0 {
		a.AcrosomeActivatedAtMs = w.nowMs
	}
}

func (w *World) checkFinish(a *Agent) {
	if w.winner != 0 {
		return
	}
	dx, dy := a.Pos.X-EggPos.X, a.Pos.Y-EggPos.Y
	if dx*dx+dy*dy > FinishRadius*FinishRadius {
		return
	}
	if !a.acrosomeWindowOpen(w.nowMs) {
		return
	}
	a.Finished = true
	a.FinishTick = w.tick
	w.winner = a.ID
}

// Progress is a monotone race-position metric: region index dominates,
// upstream distance breaks ties within a region.
func (w *World) Progress(id uint32) float64 {
	a, ok := w.agents[id]
	if !ok {
		return 0
	}
	return float64(a.Region)*1e6 - a.Pos.Y
}

func (w *World) entityState(a *Agent) protocol.EntityState {
	return protocol.EntityState{
		ID:           a.ID,
		X:            a.Pos.X,
		Y:            a.Pos.Y,
		VX:           a.Vel.X,
		VY:           a.Vel.Y,
		Region:       a.Region,
		Capacitation: a.Capacitation,
		Flags:        a.flags(),
	}
}

// Entities returns every entity in ascending id order, for spectator
// snapshots and offline tooling.
func (w *World) Entities() []protocol.EntityState {
	out := make([]protocol.EntityState, 0, len(w.agents))
	ids := make([]uint32, 0, len(w.agents))
	for id := range w.agents {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, w.entityState(w.agents[id]))
	}
	return out
}

// NearestEntities returns up to n entities closest to the viewer, viewer
// included, ordered by squared distance with ascending id as the tie-break.
func (w *World) NearestEntities(viewer uint32, n int) []protocol.EntityState {
	va, ok := w.agents[viewer]
	if !ok {
		return nil
	}
	type cand struct {
		id     uint32
		distSq float64
	}
	cands := make([]cand, 0, len(w.agents))
	for id, a := range w.agents {
		dx, dy := a.Pos.X-va.Pos.X, a.Pos.Y-va.Pos.Y
		cands = append(cands, cand{id: id, distSq: dx*dx + dy*dy})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].distSq != cands[j].distSq {
			return cands[i].distSq < cands[j].distSq
		}
		return cands[i].id < cands[j].id
	})
	if n > len(cands) {
		n = len(cands)
	}
	out := make([]protocol.EntityState, 0, n)
	for _, c := range cands[:n] {
		out = append(out, w.entityState(w.agents[c.id]))
	}
	return out
}

// StateDigest hashes the full mutable state in insertion order. Two worlds
// stepped from the same seed with the same inputs produce equal digests.
func (w *World) StateDigest() string {
	h := sha256.New()
	var buf [8]byte

	writeU64 := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[:], v)
		h.Write(buf[:])
	}
	writeF := func(v float64) { writeU64(math.Float64bits(v)) }

	h.Write([]byte(WorldHash))
	h.Write([]byte(w.seed))
	writeU64(uint64(w.tick))
	writeU64(uint64(w.winner))
	for _, id := range w.order {
		a := w.agents[id]
		writeU64(uint64(a.ID))
		writeF(a.Pos.X)
		writeF(a.Pos.Y)
		writeF(a.Vel.X)
		writeF(a.Vel.Y)
		writeU64(uint64(a.Region))
		writeF(a.Capacitation)
		writeF(a.Stamina)
		if a.Finished {
			writeU64(uint64(a.FinishTick))
		} else {
			writeU64(0)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
