package math

import (
	"math"
	"testing"
)

func TestQuatIdentity(t *testing.T) {
	q := QuatIdentity()
	if q.X != 0 || q.Y != 0 || q.Z != 0 || q.W != 1 {
		t.Errorf("Identity quaternion should be (0,0,0,1), got %+v", q)
	}
}

func TestQuatNormalize(t *testing.T) {
	n := Quat{X: 1, Y: 2, Z: 3, W: 4}.Normalize()
	if length := n.Dot(n); math.Abs(float64(length-1)) > 0.0001 {
		t.Errorf("Normalized quaternion length should be 1, got %v", length)
	}
	if got := (Quat{}).Normalize(); got != QuatIdentity() {
		t.Errorf("degenerate Normalize() = %+v, want identity", got)
	}
}

func TestQuatSlerp(t *testing.T) {
	q1 := QuatIdentity()
	q2 := QuatFromAxisAngle(Vec3{Y: 1}, float32(math.Pi/2))

	if r := q1.Slerp(q2, 0); math.Abs(float64(r.W-q1.W)) > 0.001 {
		t.Errorf("Slerp at t=0 should equal q1, got %+v", r)
	}
	if r := q1.Slerp(q2, 1); math.Abs(float64(r.W-q2.W)) > 0.001 {
		t.Errorf("Slerp at t=1 should equal q2, got %+v", r)
	}
	expectedW := float32(math.Cos(math.Pi / 8))
	if r := q1.Slerp(q2, 0.5); math.Abs(float64(r.W-expectedW)) > 0.01 {
		t.Errorf("Slerp at t=0.5: expected W ~%v, got %v", expectedW, r.W)
	}
}

func TestQuatToMat4(t *testing.T) {
	m := QuatIdentity().ToMat4()
	id := Identity()
	for i := 0; i < 16; i++ {
		if math.Abs(float64(m[i]-id[i])) > 0.0001 {
			t.Errorf("element %d: got %v, want %v", i, m[i], id[i])
		}
	}

	// Same rotation through both paths.
	rq := QuatFromAxisAngle(Vec3{Z: 1}, 0.6).ToMat4()
	rm := RotateZ(0.6)
	for i := 0; i < 16; i++ {
		if math.Abs(float64(rq[i]-rm[i])) > 0.0001 {
			t.Errorf("quat vs RotateZ element %d: %v vs %v", i, rq[i], rm[i])
		}
	}
}

func TestQuatFromEuler(t *testing.T) {
	q := QuatFromEuler(0, float32(math.Pi/2), 0)
	p := q.ToMat4().TransformPoint([3]float32{1, 0, 0})
	if abs(p[0]) > 0.001 || abs(p[2]+1) > 0.001 {
		t.Errorf("Euler Y 90 moved (1,0,0) to %v, want (0,0,-1)", p)
	}
}

func TestTRS(t *testing.T) {
	m := TRS(Vec3{1, 2, 3}, QuatIdentity(), Vec3{2, 2, 2})
	got := m.TransformPoint([3]float32{1, 1, 1})
	want := [3]float32{3, 4, 5}
	if got != want {
		t.Errorf("TRS point = %v, want %v", got, want)
	}
}

func TestVec3Lerp(t *testing.T) {
	got := Vec3{}.Lerp(Vec3{10, 20, 30}, 0.5)
	want := Vec3{5, 10, 15}
	if got != want {
		t.Errorf("Lerp() = %v, want %v", got, want)
	}
}
