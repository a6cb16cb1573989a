package world

import (
	"sperm-odyssey/server/internal/protocol"
	"sperm-odyssey/server/internal/sim/rng"
)

// Hyperactivation tuning. The burst is short and stamina-gated; letting the
// key go early decays the remaining cooldown faster.
const (
	hyperBurstSeconds    = 1.5
	hyperCooldownSeconds = 6.0
	hyperStaminaCost     = 0.25
	hyperStaminaMin      = 0.15
	staminaRegenPerSec   = 0.05
	idleCooldownDecay    = 0.75
)

// Acrosome window: reaching the egg only counts while the reaction window
// is open, measured from the agent's first region advance.
const (
	acrosomeWindowMinMs = 12_000
	acrosomeWindowMaxMs = 480_000
)

// InputBits is one tick's worth of held controls.
type InputBits struct {
	Up, Down, Left, Right bool
	Hyper                 bool
}

type queuedInput struct {
	tick int64
	bits InputBits
}

// Agent is one racer (or ghost) in the simulation. All fields are owned by
// the world goroutine; nothing here is safe for concurrent access.
type Agent struct {
	ID    uint32
	Name  string
	Ghost bool

	Pos Vec2
	Vel Vec2

	Region       int
	Capacitation float64
	Stamina      float64

	Hyperactive bool
	HyperTimer  float64 // seconds left in the burst
	Cooldown    float64 // seconds until the next burst
	StunTimer   float64

	AcrosomeActivatedAtMs int64 // 0 until the first region advance

	Finished   bool
	FinishTick int64

	// Per-agent forked stream; all agent-local randomness draws from it so
	// replays stay deterministic regardless of roster order elsewhere.
	rng *rng.Rng

	inputs  []queuedInput
	held    InputBits
	lastSeq int64
}

func (a *Agent) flags() uint8 {
	var f uint8
	if a.Finished {
		f |= protocol.FlagFinished
	}
	if a.Hyperactive {
		f |= protocol.FlagDashing
	}
	if a.StunTimer > 0 {
		f |= protocol.FlagStunned
	}
	return f
}

// updateTimers advances burst, cooldown and stun clocks and regenerates
// stamina while the agent is not bursting.
func (a *Agent) updateTimers(dt float64) {
	if a.StunTimer > 0 {
		a.StunTimer -= dt
		if a.StunTimer < 0 {
			a.StunTimer = 0
		}
	}
	if a.Hyperactive {
		a.HyperTimer -= dt
		if a.HyperTimer <= 0 {
			a.Hyperactive = false
			a.HyperTimer = 0
			a.Cooldown = hyperCooldownSeconds
		}
		return
	}
	if a.Cooldown > 0 {
		a.Cooldown -= dt * cooldownRate(a.held.Hyper)
		if a.Cooldown < 0 {
			a.Cooldown = 0
		}
	}
	a.Stamina += staminaRegenPerSec * dt
	if a.Stamina > 1 {
		a.Stamina = 1
	}
}

// cooldownRate: holding the key while cooling down burns the cooldown at
// full rate; releasing it decays the clock slower so spamming is punished
// less than pinning.
func cooldownRate(held bool) float64 {
	if held {
		return 1
	}
	return idleCooldownDecay
}

// tryHyperactivate starts a burst if the key is held and the stamina and
// cooldown gates allow it.
func (a *Agent) tryHyperactivate() {
	if !a.held.Hyper || a.Hyperactive || a.Cooldown > 0 {
		return
	}
	if a.Stamina < hyperStaminaMin+hyperStaminaCost {
		return
	}
	a.Hyperactive = true
	a.HyperTimer = hyperBurstSeconds
	a.Stamina -= hyperStaminaCost
}

// acrosomeWindowOpen reports whether the reaction window is open at nowMs.
func (a *Agent) acrosomeWindowOpen(nowMs int64) bool {
	if a.AcrosomeActivatedAtMs == 0 {
		return false
	}
	elapsed := nowMs - a.AcrosomeActivatedAtMs
	return elapsed >= acrosomeWindowMinMs && elapsed <= acrosomeWindowMaxMs
}
