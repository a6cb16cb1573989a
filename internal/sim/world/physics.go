package world

import "math"

type Vec2 struct {
	X, Y float64
}

func (v Vec2) Add(o Vec2) Vec2      { return Vec2{v.X + o.X, v.Y + o.Y} }
func (v Vec2) Scale(s float64) Vec2 { return Vec2{v.X * s, v.Y * s} }
func (v Vec2) Len() float64         { return math.Hypot(v.X, v.Y) }

func (v Vec2) Normalized() Vec2 {
	l := v.Len()
	if l == 0 {
		return Vec2{}
	}
	return Vec2{v.X / l, v.Y / l}
}

// Tuned motion constants. Base travel speed is deliberately below the gate
// speed floor so the junction cannot be passed without a hyperactivation
// burst.
const (
	baseSpeed     = 2.8
	maxSpeed      = 7.5
	boostSpeedMul = 1.2
	accelRate     = 3.2 // approach rate toward the desired velocity, 1/s
	dragRate      = 1.2 // passive damping, 1/s
	flowScale     = 0.6
	wallRestitute = 0.5
	mucusRadius   = 28.0
	stunSeconds   = 0.5
	stunSpeedMin  = 6.0
)

// desiredHeading maps the four directional input bits to a unit vector.
// Opposing bits cancel; no bits means the agent drifts with the tract.
func desiredHeading(in InputBits) Vec2 {
	var h Vec2
	if in.Up {
		h.Y -= 1
	}
	if in.Down {
		h.Y += 1
	}
	if in.Left {
		h.X -= 1
	}
	if in.Right {
		h.X += 1
	}
	return h.Normalized()
}

// integrateVelocity moves the agent's velocity toward the heading-derived
// target, adds external tract forces and applies drag, then clamps speed.
func integrateVelocity(a *Agent, heading Vec2, external Vec2, dt float64) {
	target := baseSpeed
	cap := maxSpeed
	if a.Hyperactive {
		target = maxSpeed
		cap = maxSpeed * boostSpeedMul
	}
	if a.StunTimer > 0 {
		heading = Vec2{}
	}

	blend := accelRate * dt
	if blend > 1 {
		blend = 1
	}
	a.Vel.X += (heading.X*target - a.Vel.X) * blend
	a.Vel.Y += (heading.Y*target - a.Vel.Y) * blend

	a.Vel = a.Vel.Add(external.Scale(dt))
	a.Vel = a.Vel.Scale(1 / (1 + dragRate*dt))

	if speed := a.Vel.Len(); speed > cap {
		a.Vel = a.Vel.Scale(cap / speed)
	}
}

// collideBounds clamps the agent inside the region rectangle, reflecting
// the offending velocity component with damping.
func collideBounds(a *Agent, b Rect) {
	if a.Pos.X < b.MinX {
		a.Pos.X = b.MinX
		a.Vel.X = -a.Vel.X * wallRestitute
	} else if a.Pos.X > b.MaxX {
		a.Pos.X = b.MaxX
		a.Vel.X = -a.Vel.X * wallRestitute
	}
	if a.Pos.Y > b.MaxY {
		a.Pos.Y = b.MaxY
		a.Vel.Y = -a.Vel.Y * wallRestitute
	}
	// MinY is the open end toward the next region; the exit threshold
	// handles it, not the wall.
}

// applyMucus dampens velocity near mucus segments with linear falloff and
// stuns agents that plow into a segment core at speed.
func applyMucus(a *Agent, segs []MucusSegment, dt float64) {
	for _, seg := range segs {
		d := pointSegmentDist(a.Pos, seg)
		if d >= mucusRadius {
			continue
		}
		falloff := 1 - d/mucusRadius
		damp := seg.Strength * falloff * dt * 8
		if damp > 0.9 {
			damp = 0.9
		}
		if falloff > 0.9 && a.Vel.Len() > stunSpeedMin && a.StunTimer <= 0 {
			a.StunTimer = stunSeconds
		}
		a.Vel = a.Vel.Scale(1 - damp)
	}
}

func pointSegmentDist(p Vec2, seg MucusSegment) float64 {
	ax, ay := seg.X1, seg.Y1
	dx, dy := seg.X2-seg.X1, seg.Y2-seg.Y1
	lenSq := dx*dx + dy*dy
	t := 0.0
	if lenSq > 0 {
		t = ((p.X-ax)*dx + (p.Y-ay)*dy) / lenSq
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
	}
	return math.Hypot(p.X-(ax+t*dx), p.Y-(ay+t*dy))
}

// sampleFlow bilinearly interpolates the region's 4x4 flow grid at a world
// position, adding a peristaltic pulse in the uterus.
func sampleFlow(region *Region, pos Vec2, nowMs int64) Vec2 {
	b := region.Bounds
	fx := (pos.X - b.MinX) / (b.MaxX - b.MinX) * 3
	fy := (pos.Y - b.MinY) / (b.MaxY - b.MinY) * 3
	fx = clampF(fx, 0, 3)
	fy = clampF(fy, 0, 3)

	x0, y0 := int(fx), int(fy)
	x1, y1 := x0, y0
	if x1 < 3 {
		x1++
	}
	if y1 < 3 {
		y1++
	}
	tx, ty := fx-float64(x0), fy-float64(y0)

	top := lerpVec(region.Flow[y0][x0], region.Flow[y0][x1], tx)
	bot := lerpVec(region.Flow[y1][x0], region.Flow[y1][x1], tx)
	flow := lerpVec(top, bot, ty).Scale(flowScale)

	if region.ID == "uterus" {
		// Peristaltic pulse toward the junction mouth.
		phase := math.Sin(float64(nowMs)/850+pos.X*0.002)*0.5 + 0.5
		dir := Vec2{X: 510 - pos.X, Y: regionDefs[3].Bounds.MaxY - pos.Y}.Normalized()
		flow = flow.Add(dir.Scale(phase * 0.6))
	}
	return flow
}

func lerpVec(a, b Vec2, t float64) Vec2 {
	return Vec2{a.X + (b.X-a.X)*t, a.Y + (b.Y-a.Y)*t}
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
