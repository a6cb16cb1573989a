package world

import "math"

// updateCapacitation accrues maturation at the region's rate up to its
// ceiling. Capacitation never decreases; entering a lower-ceiling region
// (which cannot happen forward, but ghosts replay odd inputs) keeps the
// earned value.
func updateCapacitation(a *Agent, region *Region, dt float64) {
	if a.Capacitation >= region.CapacitationCeiling {
		return
	}
	a.Capacitation += region.CapacitationRate * dt
	if a.Capacitation > region.CapacitationCeiling {
		a.Capacitation = region.CapacitationCeiling
	}
}

// chemotaxisForce pulls the agent toward the egg in profiled regions, with
// per-axis gaussian noise drawn from the agent's own stream.
func chemotaxisForce(a *Agent, region *Region) Vec2 {
	prof := region.Chemotaxis
	if prof == nil {
		return Vec2{}
	}
	dir := Vec2{X: EggPos.X - a.Pos.X, Y: EggPos.Y - a.Pos.Y}.Normalized()
	return Vec2{
		X: dir.X*prof.Strength + a.rng.Gaussian(0, prof.Noise),
		Y: dir.Y*prof.Strength + a.rng.Gaussian(0, prof.Noise),
	}
}

// gatePasses evaluates a region gate at the moment an agent tries to cross
// the exit threshold. The heading must fall inside a cone around straight
// upstream (-Y); the cone edge gets a small seeded jitter per attempt so
// grazing crossings don't resolve identically every tick.
func gatePasses(a *Agent, gate *GateProfile) bool {
	if a.Capacitation < gate.CapacitationMin {
		return false
	}
	speed := a.Vel.Len()
	if speed < gate.SpeedMin {
		return false
	}
	heading := math.Atan2(a.Vel.Y, a.Vel.X)
	diff := angleDiff(heading, -math.Pi/2)
	jitter := (a.rng.Next()*2 - 1) * gate.ConeJitter
	return diff <= gate.ConeHalfAngle+jitter
}

// angleDiff returns the absolute smallest difference between two angles.
func angleDiff(a, b float64) float64 {
	d := math.Mod(a-b, 2*math.Pi)
	if d > math.Pi {
		d -= 2 * math.Pi
	} else if d < -math.Pi {
		d += 2 * math.Pi
	}
	return math.Abs(d)
}

// pushBack rejects a gate attempt: the agent is held just below the
// threshold and its upstream momentum is halved.
func pushBack(a *Agent, exitY float64) {
	if a.Pos.Y < exitY+5 {
		a.Pos.Y = exitY + 5
	}
	a.Vel.Y *= 0.5
}
