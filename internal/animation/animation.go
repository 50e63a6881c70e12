// Package animation evaluates keyframe animations and keeps the scene
// graph's world matrices current from frame to frame.
package animation

import (
	stdmath "math"
	"sort"

	"github.com/Faultbox/rtaccel/pkg/math"
)

// Behavior controls evaluation outside the keyframe range.
type Behavior uint8

const (
	BehaviorConstant  Behavior = iota // hold the first/last keyframe
	BehaviorCycle                     // repeat
	BehaviorOscillate                 // ping-pong
)

// Keyframe is a TRS pose at a point in time (seconds).
type Keyframe struct {
	Time        float64
	Translation math.Vec3
	Rotation    math.Quat
	Scale       math.Vec3
}

// Animation drives the local transform of one scene graph node.
type Animation struct {
	Name         string
	NodeID       uint32
	Duration     float64
	PreInfinity  Behavior
	PostInfinity Behavior
	keyframes    []Keyframe
}

// New creates an animation for a node.
func New(name string, nodeID uint32, duration float64) *Animation {
	return &Animation{Name: name, NodeID: nodeID, Duration: duration}
}

// AddKeyframe inserts k, replacing any keyframe at the same time.
func (a *Animation) AddKeyframe(k Keyframe) {
	i := sort.Search(len(a.keyframes), func(i int) bool { return a.keyframes[i].Time >= k.Time })
	if i < len(a.keyframes) && a.keyframes[i].Time == k.Time {
		a.keyframes[i] = k
		return
	}
	a.keyframes = append(a.keyframes, Keyframe{})
	copy(a.keyframes[i+1:], a.keyframes[i:])
	a.keyframes[i] = k
}

// Keyframes returns the sorted keyframe list.
func (a *Animation) Keyframes() []Keyframe {
	return a.keyframes
}

// Animate returns the local transform at time t.
func (a *Animation) Animate(t float64) math.Mat4 {
	if len(a.keyframes) == 0 {
		return math.Identity()
	}
	k := a.interpolate(a.wrapTime(t))
	return math.TRS(k.Translation, k.Rotation, k.Scale)
}

func (a *Animation) wrapTime(t float64) float64 {
	first := a.keyframes[0].Time
	last := a.keyframes[len(a.keyframes)-1].Time
	span := last - first
	if span <= 0 {
		return first
	}

	var behavior Behavior
	switch {
	case t < first:
		behavior = a.PreInfinity
	case t > last:
		behavior = a.PostInfinity
	default:
		return t
	}

	switch behavior {
	case BehaviorCycle:
		return first + positiveMod(t-first, span)
	case BehaviorOscillate:
		p := positiveMod(t-first, 2*span)
		if p > span {
			p = 2*span - p
		}
		return first + p
	default:
		if t < first {
			return first
		}
		return last
	}
}

func positiveMod(x, m float64) float64 {
	r := stdmath.Mod(x, m)
	if r < 0 {
		r += m
	}
	return r
}

// interpolate finds the surrounding keyframes and blends them: lerp for
// translation and scale, slerp for rotation.
func (a *Animation) interpolate(t float64) Keyframe {
	keys := a.keyframes
	if len(keys) == 1 || t <= keys[0].Time {
		return keys[0]
	}

	next := sort.Search(len(keys), func(i int) bool { return keys[i].Time > t })
	if next >= len(keys) {
		return keys[len(keys)-1]
	}
	prev := next - 1

	k0, k1 := keys[prev], keys[next]
	f := float32(0)
	if k1.Time != k0.Time {
		f = float32((t - k0.Time) / (k1.Time - k0.Time))
	}
	return Keyframe{
		Time:        t,
		Translation: k0.Translation.Lerp(k1.Translation, f),
		Rotation:    k0.Rotation.Slerp(k1.Rotation, f),
		Scale:       k0.Scale.Lerp(k1.Scale, f),
	}
}
