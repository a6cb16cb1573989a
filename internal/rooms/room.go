// Package rooms runs race rooms: lobby and host management, the countdown,
// the authoritative tick loop and interest-managed snapshot fan-out. Each
// room owns one goroutine; every mutation of room state happens on it.
package rooms

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sperm-odyssey/server/internal/protocol"
	"sperm-odyssey/server/internal/replay"
	"sperm-odyssey/server/internal/sim/tuning"
	"sperm-odyssey/server/internal/sim/world"
)

// Conn is the slice of a client connection a room needs. Sends must not
// block: implementations return false when the outbound buffer is full,
// which feeds the desync tracker.
type Conn interface {
	SendJSON(v any) bool
	SendBinary(buf []byte) bool
	Kick(code, reason string)
}

// Hooks are the room's outward edges. OnFinish runs off the room goroutine;
// OnEmpty is called on it, right before the room shuts down.
type Hooks struct {
	OnFinish func(res MatchResult, rec *replay.Recording)
	OnEmpty  func(roomID string)
}

// MatchResult is the persisted outcome of one race.
type MatchResult struct {
	RoomID     string
	Seed       string
	StartedAt  time.Time
	DurationMs int64
	Winner     uint32
	Entries    []ResultEntry
}

type ResultEntry struct {
	EntityID uint32
	Name     string
	Place    int
	TimeMs   int64
	DNF      bool
}

// RoomInfo is the race-free view the manager and the HTTP listing read.
type RoomInfo struct {
	ID         string `json:"id"`
	Phase      string `json:"phase"`
	Players    int    `json:"players"`
	Spectators int    `json:"spectators"`
	MaxPlayers int    `json:"maxPlayers"`
}

const (
	phaseLobby     = "lobby"
	phaseCountdown = "countdown"
	phaseRacing    = "racing"
	phaseFinished  = "finished"
)

// maxRaceMs force-finishes a stalled race with no winner.
const maxRaceMs = 5 * 60 * 1000

var palette = []string{
	"#ff5d5d", "#ffa94d", "#ffe66d", "#7bd389",
	"#4dd2ff", "#6d8bff", "#b98bff", "#ff8bd4",
}

type player struct {
	sess      string
	conn      Conn
	name      string
	color     string
	entity    uint32
	spectator bool

	// Racers forced into spectating by a running race; promoted back to
	// racer on the next lobby reset.
	pendingRacer bool

	lastInput     time.Time
	lastInputTick int64

	failSince     time.Time
	stallDegraded bool
	lagDegraded   bool
}

// degraded reports whether the player is served reduced interest, either
// because their inputs lag the race or their connection cannot drain.
func (p *player) degraded() bool { return p.lagDegraded || p.stallDegraded }

type joinReq struct {
	sess     string
	conn     Conn
	name     string
	spectate bool
}

// roomCmd carries joins and leaves on one channel so a join and its leave
// are always processed in the order the session issued them.
type roomCmd struct {
	join  *joinReq
	leave string
}

type clientMsg struct {
	sess string
	raw  []byte
}

type Room struct {
	ID  string
	log *log.Logger
	cfg *tuning.Tuning

	hooks    Hooks
	now      func() time.Time
	ghostRec *replay.Recording

	phase      string
	players    map[string]*player
	order      []string
	host       string
	nextEntity uint32

	seed            string
	w               *world.World
	rec             *replay.Recorder
	ghosts          *replay.GhostDriver
	countdownEndsAt time.Time
	startedAt       time.Time
	dnf             []ResultEntry
	snapSeq         uint64
	closing         bool

	info atomic.Value // RoomInfo

	cmds     chan roomCmd
	inbox    chan clientMsg
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newRoom(id string, logger *log.Logger, cfg *tuning.Tuning, hooks Hooks) *Room {
	r := &Room{
		ID:         id,
		log:        logger,
		cfg:        cfg,
		hooks:      hooks,
		now:        time.Now,
		phase:      phaseLobby,
		players:    make(map[string]*player),
		nextEntity: 1,
		cmds:       make(chan roomCmd, 64),
		inbox:      make(chan clientMsg, 256),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	r.publishInfo()
	return r
}

// WithGhost arms a practice-ghost recording. Must be called before Run.
func (r *Room) WithGhost(rec *replay.Recording) *Room {
	r.ghostRec = rec
	return r
}

// Info returns the last published room summary; safe from any goroutine.
func (r *Room) Info() RoomInfo { return r.info.Load().(RoomInfo) }

func (r *Room) publishInfo() {
	players, specs := 0, 0
	for _, p := range r.players {
		if p.spectator {
			specs++
		} else {
			players++
		}
	}
	r.info.Store(RoomInfo{
		ID:         r.ID,
		Phase:      r.phase,
		Players:    players,
		Spectators: specs,
		MaxPlayers: r.cfg.MaxPlayersPerRoom,
	})
}

// Join hands a connection to the room goroutine.
func (r *Room) Join(sess string, conn Conn, name string, spectate bool) {
	req := joinReq{sess: sess, conn: conn, name: name, spectate: spectate}
	select {
	case r.cmds <- roomCmd{join: &req}:
	case <-r.quit:
		conn.Kick(protocol.ErrUnknownRoom, "room closed")
	}
}

// Leave detaches a session; safe to call for sessions the room never saw.
func (r *Room) Leave(sess string) {
	select {
	case r.cmds <- roomCmd{leave: sess}:
	case <-r.quit:
	}
}

// Deliver routes one raw client message to the room goroutine. Messages
// are dropped when the room is drowning rather than blocking the reader.
func (r *Room) Deliver(sess string, raw []byte) {
	select {
	case r.inbox <- clientMsg{sess: sess, raw: raw}:
	case <-r.quit:
	default:
		r.log.Printf("[room %s] inbox full, dropping message from %s", r.ID, sess)
	}
}

func (r *Room) Stop() {
	r.stopOnce.Do(func() { close(r.quit) })
	<-r.done
}

// Run is the room goroutine. It owns all room state until it returns.
// Every exit path closes quit, so joins racing with teardown get a kick
// instead of sitting in a channel nobody drains.
func (r *Room) Run() {
	defer close(r.done)
	defer r.stopOnce.Do(func() { close(r.quit) })
	tick := time.NewTicker(time.Duration(r.cfg.TickMs()) * time.Millisecond)
	snap := time.NewTicker(time.Duration(r.cfg.SnapshotMs()) * time.Millisecond)
	defer tick.Stop()
	defer snap.Stop()

	for {
		select {
		case c := <-r.cmds:
			if c.join != nil {
				r.handleJoin(*c.join)
			} else {
				r.handleLeave(c.leave)
			}
		case m := <-r.inbox:
			r.handleMessage(m.sess, m.raw)
		case <-tick.C:
			r.handleTick()
		case <-snap.C:
			r.handleSnapshot()
		case <-r.quit:
			for _, p := range r.players {
				p.conn.Kick(protocol.ErrUnknownRoom, "server shutting down")
			}
			return
		}
		if r.closing {
			return
		}
	}
}

func (r *Room) handleJoin(req joinReq) {
	if _, dup := r.players[req.sess]; dup {
		return
	}

	spectate := req.spectate || r.phase == phaseRacing || r.phase == phaseFinished
	if !spectate && r.playerCount() >= r.cfg.MaxPlayersPerRoom {
		req.conn.SendJSON(protocol.ErrorMsg{
			Type: protocol.TypeError, Code: protocol.ErrRoomFull,
			Message: "room is full",
		})
		req.conn.Kick(protocol.ErrRoomFull, "room is full")
		return
	}

	p := &player{
		sess: req.sess, conn: req.conn, name: req.name,
		spectator:    spectate,
		pendingRacer: spectate && !req.spectate,
	}
	r.players[req.sess] = p
	r.order = append(r.order, req.sess)

	if spectate {
		p.conn.SendJSON(protocol.SpectatingMsg{Type: protocol.TypeSpectating, RoomID: r.ID})
		r.publishInfo()
		return
	}

	p.entity = r.nextEntity
	r.nextEntity++
	p.color = palette[int(p.entity-1)%len(palette)]
	if r.host == "" {
		r.host = req.sess
	}

	p.conn.SendJSON(protocol.JoinedMsg{Type: protocol.TypeJoined, RoomID: r.ID, PlayerID: p.entity})
	p.conn.SendJSON(r.lobbyMsgFor(p))
	r.broadcastRoster()
	r.publishInfo()
	r.log.Printf("[room %s] %s joined as entity %d (host=%v)", r.ID, p.name, p.entity, r.host == p.sess)
}

// handleLeave reports true when the room emptied and should shut down.
func (r *Room) handleLeave(sess string) bool {
	p, ok := r.players[sess]
	if !ok {
		return false
	}
	delete(r.players, sess)
	for i, s := range r.order {
		if s == sess {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	if !p.spectator && r.phase == phaseRacing && r.w != nil {
		r.w.RemoveAgent(p.entity)
		r.dnf = append(r.dnf, ResultEntry{EntityID: p.entity, Name: p.name, DNF: true})
	}

	if sess == r.host {
		r.electHost()
	}
	r.broadcastRoster()
	r.publishInfo()

	if len(r.players) == 0 {
		r.log.Printf("[room %s] empty, shutting down", r.ID)
		if r.hooks.OnEmpty != nil {
			r.hooks.OnEmpty(r.ID)
		}
		r.closing = true
		return true
	}
	return false
}

// electHost promotes the earliest-joined remaining racer.
func (r *Room) electHost() {
	r.host = ""
	for _, sess := range r.order {
		if p := r.players[sess]; p != nil && !p.spectator {
			r.host = sess
			p.conn.SendJSON(r.lobbyMsgFor(p))
			r.log.Printf("[room %s] host migrated to %s", r.ID, p.name)
			return
		}
	}
}

func (r *Room) handleMessage(sess string, raw []byte) {
	p, ok := r.players[sess]
	if !ok {
		return
	}
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		r.sendError(p, protocol.ErrInputInvalid, "malformed message")
		return
	}
	switch base.Type {
	case protocol.TypeStartRace:
		if _, err := protocol.ParseStartRace(raw); err != nil {
			r.sendError(p, protocol.ErrInputInvalid, err.Error())
			return
		}
		r.handleStart(p)
	case protocol.TypeInputs:
		msg, err := protocol.ParseInputs(raw)
		if err != nil {
			r.sendError(p, protocol.ErrInputInvalid, err.Error())
			return
		}
		r.handleInputs(p, msg.Frames)
	case protocol.TypeLeaveRoom:
		if _, err := protocol.ParseLeaveRoom(raw); err != nil {
			r.sendError(p, protocol.ErrInputInvalid, err.Error())
			return
		}
		r.Leave(sess)
	default:
		r.sendError(p, protocol.ErrInputInvalid, fmt.Sprintf("unsupported message type %q", base.Type))
	}
}

func (r *Room) handleStart(p *player) {
	if p.sess != r.host {
		r.sendError(p, protocol.ErrJoinInvalid, "only the host can start the race")
		return
	}
	if r.phase != phaseLobby {
		r.sendError(p, protocol.ErrJoinInvalid, "race can only start from the lobby")
		return
	}
	r.phase = phaseCountdown
	r.countdownEndsAt = r.now().Add(time.Duration(r.cfg.CountdownMs) * time.Millisecond)
	r.broadcastJSON(protocol.CountdownMsg{Type: protocol.TypeCountdown, RoomID: r.ID, FromMs: int64(r.cfg.CountdownMs)})
	r.publishInfo()
	r.log.Printf("[room %s] countdown started by %s", r.ID, p.name)
}

func (r *Room) handleInputs(p *player, frames []protocol.InputFrame) {
	if r.phase != phaseRacing || p.spectator {
		r.sendError(p, protocol.ErrInputInvalid, "race is not running")
		return
	}
	now := r.now()
	if !p.lastInput.IsZero() && now.Sub(p.lastInput) < time.Duration(r.cfg.Inputs.MinIntervalMs)*time.Millisecond {
		r.sendError(p, protocol.ErrInputInvalid, "input rate exceeded")
		return
	}
	p.lastInput = now

	accepted := 0
	for _, f := range frames {
		bits := world.InputBits{Up: f.U, Down: f.D, Left: f.L, Right: f.R, Hyper: f.HA}
		if err := r.w.QueueInput(p.entity, f.T, bits); err != nil {
			continue
		}
		r.rec.Record(p.entity, f.T, bits)
		if f.T > p.lastInputTick {
			p.lastInputTick = f.T
		}
		accepted++
	}
	if accepted == 0 {
		r.sendError(p, protocol.ErrInputInvalid, "no frame in the accepted tick window")
	}
}

func (r *Room) handleTick() {
	switch r.phase {
	case phaseCountdown:
		if !r.now().Before(r.countdownEndsAt) {
			r.startRace()
		}
	case phaseRacing:
		if r.ghosts != nil {
			r.ghosts.Feed(r.w)
		}
		r.w.Step(int64(r.cfg.TickMs()))
		r.rec.MaybeSample(r.w)

		if winner, ok := r.w.Winner(); ok {
			r.finishRace(winner)
		} else if r.w.NowMs() >= maxRaceMs {
			r.log.Printf("[room %s] race timed out with no winner", r.ID)
			r.finishRace(0)
		} else {
			r.checkInputLag()
		}
	case phaseFinished:
		// Full reset: the only way back to the lobby.
		r.resetToLobby()
	}
}

// checkInputLag drives the anti-desync ladder from input-tick lag. A racer
// whose last accepted input falls a soft window behind the server tick is
// served reduced interest; past the hard window the client is presumed
// desynced and dropped.
func (r *Room) checkInputLag() {
	tickMs := int64(r.cfg.TickMs())
	soft := int64(r.cfg.Desync.SoftSeconds) * 1000 / tickMs
	hard := int64(r.cfg.Desync.HardSeconds) * 1000 / tickMs
	tick := r.w.Tick()

	for _, p := range r.players {
		if p.spectator {
			continue
		}
		if a, ok := r.w.Agent(p.entity); !ok || a.Finished {
			continue
		}
		lag := tick - p.lastInputTick
		if lag >= hard {
			r.log.Printf("[room %s] kicking %s: inputs %d ticks behind", r.ID, p.name, lag)
			p.conn.Kick(protocol.ErrDesync, "inputs too far behind the race")
			r.handleLeave(p.sess)
			continue
		}
		p.lagDegraded = lag >= soft
	}
}

func (r *Room) startRace() {
	r.seed = uuid.NewString()
	r.w = world.New(r.seed)
	r.dnf = nil
	r.ghosts = nil

	var roster []replay.RosterEntry
	for _, sess := range r.order {
		p := r.players[sess]
		if p == nil || p.spectator {
			continue
		}
		if _, err := r.w.AddAgentWithID(p.entity, p.name); err != nil {
			r.log.Printf("[room %s] spawn %s: %v", r.ID, p.name, err)
			continue
		}
		p.lastInputTick = 0
		p.lagDegraded = false
		roster = append(roster, replay.RosterEntry{ID: p.entity, Name: p.name})
	}
	r.rec = replay.NewRecorder(r.seed, int64(r.cfg.TickMs()), roster)

	if r.ghostRec != nil {
		d, err := replay.AttachGhosts(r.w, r.ghostRec)
		if err != nil {
			r.log.Printf("[room %s] ghost attach: %v", r.ID, err)
		} else {
			r.ghosts = d
		}
	}

	r.phase = phaseRacing
	r.startedAt = r.now()
	r.broadcastJSON(protocol.StartMsg{Type: protocol.TypeStart, Tick: 0, CountdownMs: 0})
	r.publishInfo()
	r.log.Printf("[room %s] race started, seed=%s racers=%d", r.ID, r.seed, len(roster))
}

func (r *Room) finishRace(winner uint32) {
	r.phase = phaseFinished
	tickMs := int64(r.cfg.TickMs())

	board := r.leaderboard(winner, tickMs)
	entries := make([]protocol.LeaderboardEntry, 0, len(board))
	for _, e := range board {
		entries = append(entries, protocol.LeaderboardEntry{
			ID: e.EntityID, Name: e.Name, Place: e.Place, TimeMs: e.TimeMs, DNF: e.DNF,
		})
	}
	r.broadcastJSON(protocol.FinishMsg{Type: protocol.TypeFinish, Winner: winner, Leaderboard: entries})
	r.publishInfo()

	rec := r.rec.Finish(r.w)
	res := MatchResult{
		RoomID:     r.ID,
		Seed:       r.seed,
		StartedAt:  r.startedAt,
		DurationMs: r.w.Tick() * tickMs,
		Winner:     winner,
		Entries:    board,
	}
	if r.hooks.OnFinish != nil {
		go r.hooks.OnFinish(res, rec)
	}
	r.log.Printf("[room %s] race finished, winner=%d after %d ticks", r.ID, winner, r.w.Tick())
}

// resetToLobby drops all race state after a finished race and promotes
// mid-race joiners who asked to race from spectator to racer.
func (r *Room) resetToLobby() {
	r.phase = phaseLobby
	r.w = nil
	r.rec = nil
	r.ghosts = nil
	r.dnf = nil

	for _, sess := range r.order {
		p := r.players[sess]
		if p == nil {
			continue
		}
		p.lagDegraded = false
		p.stallDegraded = false
		p.failSince = time.Time{}
		if p.pendingRacer {
			p.pendingRacer = false
			p.spectator = false
			p.entity = r.nextEntity
			r.nextEntity++
			p.color = palette[int(p.entity-1)%len(palette)]
			p.conn.SendJSON(protocol.JoinedMsg{Type: protocol.TypeJoined, RoomID: r.ID, PlayerID: p.entity})
		}
	}
	if r.host == "" {
		r.electHost()
	}
	for _, sess := range r.order {
		if p := r.players[sess]; p != nil && !p.spectator {
			p.conn.SendJSON(r.lobbyMsgFor(p))
		}
	}
	r.broadcastRoster()
	r.publishInfo()
	r.log.Printf("[room %s] reset to lobby", r.ID)
}

// leaderboard places the winner first, ranks the rest by race progress and
// appends mid-race leavers as DNF in the trailing places.
func (r *Room) leaderboard(winner uint32, tickMs int64) []ResultEntry {
	type ranked struct {
		entry    ResultEntry
		progress float64
	}
	var rest []ranked
	var board []ResultEntry

	for _, sess := range r.order {
		p := r.players[sess]
		if p == nil || p.spectator {
			continue
		}
		a, ok := r.w.Agent(p.entity)
		if !ok {
			continue
		}
		e := ResultEntry{EntityID: p.entity, Name: p.name}
		if a.Finished {
			e.Place = 1
			e.TimeMs = a.FinishTick * tickMs
			board = append(board, e)
			continue
		}
		rest = append(rest, ranked{entry: e, progress: r.w.Progress(p.entity)})
	}

	sort.SliceStable(rest, func(i, j int) bool { return rest[i].progress > rest[j].progress })
	place := len(board) + 1
	for _, rk := range rest {
		rk.entry.Place = place
		place++
		board = append(board, rk.entry)
	}
	for _, d := range r.dnf {
		d.Place = place
		place++
		board = append(board, d)
	}
	return board
}

func (r *Room) handleSnapshot() {
	if r.phase != phaseRacing {
		return
	}
	r.snapSeq++
	tick := uint32(r.w.Tick())

	var spectatorBuf []byte
	for _, p := range r.players {
		var snap protocol.Snapshot
		if p.spectator {
			// Spectators get every other snapshot: full entity lists are
			// heavy and nobody is steering off them.
			if r.snapSeq%2 == 0 {
				continue
			}
			if spectatorBuf == nil {
				snap = protocol.Snapshot{ServerTick: tick, Viewer: protocol.SpectatorViewer}
				for _, e := range r.w.Entities() {
					snap.Entities = append(snap.Entities, protocol.PackEntity(e))
				}
				buf, err := protocol.EncodeSnapshot(snap)
				if err != nil {
					r.log.Printf("[room %s] spectator snapshot: %v", r.ID, err)
					return
				}
				spectatorBuf = buf
			}
			r.trackSend(p, p.conn.SendBinary(spectatorBuf))
			continue
		}

		interest := r.cfg.InterestNearest
		if p.degraded() {
			interest /= 2
		}
		snap = protocol.Snapshot{ServerTick: tick, Viewer: int32(p.entity)}
		for _, e := range r.w.NearestEntities(p.entity, interest) {
			snap.Entities = append(snap.Entities, protocol.PackEntity(e))
		}
		buf, err := protocol.EncodeSnapshot(snap)
		if err != nil {
			r.log.Printf("[room %s] snapshot for %d: %v", r.ID, p.entity, err)
			continue
		}
		r.trackSend(p, p.conn.SendBinary(buf))
	}
}

// trackSend watches the outbound buffer: a connection that cannot drain
// is degraded to half interest after the soft window and kicked after the
// hard window, mirroring the input-lag ladder.
func (r *Room) trackSend(p *player, ok bool) {
	now := r.now()
	if ok {
		p.failSince = time.Time{}
		p.stallDegraded = false
		return
	}
	if p.failSince.IsZero() {
		p.failSince = now
		return
	}
	stalled := now.Sub(p.failSince)
	if stalled >= time.Duration(r.cfg.Desync.HardSeconds)*time.Second {
		r.log.Printf("[room %s] kicking %s: desynced for %v", r.ID, p.name, stalled)
		p.conn.Kick(protocol.ErrDesync, "connection cannot keep up")
		r.handleLeave(p.sess)
		return
	}
	if stalled >= time.Duration(r.cfg.Desync.SoftSeconds)*time.Second {
		p.stallDegraded = true
	}
}

func (r *Room) playerCount() int {
	n := 0
	for _, p := range r.players {
		if !p.spectator {
			n++
		}
	}
	return n
}

func (r *Room) lobbyMsgFor(p *player) protocol.LobbyMsg {
	msg := protocol.LobbyMsg{Type: protocol.TypeLobby, RoomID: r.ID, IsHost: p.sess == r.host, State: r.phase}
	if r.phase == phaseCountdown {
		if left := r.countdownEndsAt.Sub(r.now()); left > 0 {
			msg.CountdownMs = int64(left / time.Millisecond)
		}
	}
	return msg
}

func (r *Room) broadcastRoster() {
	var hostID uint32
	msg := protocol.RosterMsg{Type: protocol.TypeRoster, RoomID: r.ID}
	for _, sess := range r.order {
		p := r.players[sess]
		if p == nil || p.spectator {
			continue
		}
		if sess == r.host {
			hostID = p.entity
		}
		msg.Players = append(msg.Players, protocol.RosterPlayer{ID: p.entity, Name: p.name, Color: p.color})
	}
	msg.Host = hostID
	r.broadcastJSON(msg)
}

func (r *Room) broadcastJSON(v any) {
	for _, p := range r.players {
		p.conn.SendJSON(v)
	}
}

func (r *Room) sendError(p *player, code, message string) {
	p.conn.SendJSON(protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: message})
}
