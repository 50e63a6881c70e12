package animation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/rtaccel/internal/scenegraph"
	"github.com/Faultbox/rtaccel/pkg/math"
)

func key(t float64, x float32) Keyframe {
	return Keyframe{
		Time:        t,
		Translation: math.Vec3{X: x},
		Rotation:    math.QuatIdentity(),
		Scale:       math.Vec3{X: 1, Y: 1, Z: 1},
	}
}

func translationX(m math.Mat4) float32 { return m[12] }

func TestAddKeyframeSortsAndReplaces(t *testing.T) {
	a := New("slide", 0, 2)
	a.AddKeyframe(key(2, 20))
	a.AddKeyframe(key(0, 0))
	a.AddKeyframe(key(1, 10))
	a.AddKeyframe(key(1, 15))

	keys := a.Keyframes()
	require.Len(t, keys, 3)
	assert.Equal(t, []float64{0, 1, 2}, []float64{keys[0].Time, keys[1].Time, keys[2].Time})
	assert.Equal(t, float32(15), keys[1].Translation.X)
}

func TestAnimateInterpolates(t *testing.T) {
	a := New("slide", 0, 1)
	a.AddKeyframe(key(0, 0))
	a.AddKeyframe(key(1, 10))

	assert.InDelta(t, 0, translationX(a.Animate(0)), 1e-5)
	assert.InDelta(t, 5, translationX(a.Animate(0.5)), 1e-5)
	assert.InDelta(t, 10, translationX(a.Animate(1)), 1e-5)
}

func TestAnimateInfinityBehavior(t *testing.T) {
	tests := []struct {
		name     string
		behavior Behavior
		time     float64
		want     float32
	}{
		{"constant after", BehaviorConstant, 1.5, 10},
		{"cycle after", BehaviorCycle, 1.25, 2.5},
		{"oscillate after", BehaviorOscillate, 1.25, 7.5},
		{"constant before", BehaviorConstant, -0.5, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New("slide", 0, 1)
			a.PreInfinity = tt.behavior
			a.PostInfinity = tt.behavior
			a.AddKeyframe(key(0, 0))
			a.AddKeyframe(key(1, 10))
			assert.InDelta(t, tt.want, translationX(a.Animate(tt.time)), 1e-4)
		})
	}
}

func TestAnimateWithoutKeyframes(t *testing.T) {
	assert.Equal(t, math.Identity(), New("empty", 0, 1).Animate(3))
}

// twoNodeGraph builds root -> child with the child offset by one unit in Y.
func twoNodeGraph(t *testing.T) *scenegraph.Graph {
	t.Helper()
	g := scenegraph.New()
	root, err := g.AddNode(scenegraph.NewNode("root", scenegraph.InvalidNode, math.Identity()))
	require.NoError(t, err)
	_, err = g.AddNode(scenegraph.NewNode("child", root, math.Translate(0, 1, 0)))
	require.NoError(t, err)
	return g
}

func slide(nodeID uint32) *Animation {
	a := New("slide", nodeID, 1)
	a.AddKeyframe(key(0, 0))
	a.AddKeyframe(key(1, 10))
	return a
}

func TestNewControllerRejectsUnknownNode(t *testing.T) {
	_, err := NewController(twoNodeGraph(t), []*Animation{slide(5)}, false)
	assert.ErrorIs(t, err, ErrInvalidNode)
}

func TestControllerFirstUpdateAndIdempotence(t *testing.T) {
	c, err := NewController(twoNodeGraph(t), []*Animation{slide(0)}, false)
	require.NoError(t, err)
	assert.True(t, c.HasAnimations())
	assert.Equal(t, 1.0, c.GlobalAnimationLength())

	assert.True(t, c.Animate(0), "first update always reports a change")
	assert.Equal(t, c.CurrentBuffer().World, c.PreviousBuffer().World)

	assert.False(t, c.Animate(0), "same time twice is a no-op")
	assert.False(t, c.IsMatrixChanged(0))
	assert.False(t, c.IsMatrixChanged(1))
}

func TestControllerPropagatesToChildren(t *testing.T) {
	c, err := NewController(twoNodeGraph(t), []*Animation{slide(0)}, false)
	require.NoError(t, err)
	c.Animate(0)

	require.True(t, c.Animate(0.5))
	assert.True(t, c.IsMatrixChanged(0))
	assert.True(t, c.IsMatrixChanged(1), "child inherits the parent's change")

	world := c.GlobalMatrix(1)
	assert.InDelta(t, 5, world[12], 1e-5)
	assert.InDelta(t, 1, world[13], 1e-5)

	prev := c.PreviousBuffer().World
	assert.InDelta(t, 0, prev[1][12], 1e-5, "previous frame keeps the old matrix")
	assert.Equal(t, UploadRange{Begin: 0, End: 2}, c.LastUploadRange())

	// Settling: the same time again moves nothing and previous catches up.
	assert.False(t, c.Animate(0.5))
	assert.Equal(t, c.CurrentBuffer().World, c.PreviousBuffer().World)
	assert.True(t, c.LastUploadRange().Empty())
}

func TestControllerLoopsTime(t *testing.T) {
	c, err := NewController(twoNodeGraph(t), []*Animation{slide(0)}, false)
	require.NoError(t, err)
	c.Animate(0)

	c.Animate(1.25)
	assert.InDelta(t, 0.25, c.Time(), 1e-9)
	assert.InDelta(t, 2.5, c.GlobalMatrix(0)[12], 1e-4)

	c.SetLooped(false)
	c.Animate(1.5)
	assert.InDelta(t, 1.5, c.Time(), 1e-9)
	assert.InDelta(t, 10, c.GlobalMatrix(0)[12], 1e-4)
}

func TestControllerEditedNodeUploadsSuffix(t *testing.T) {
	c, err := NewController(twoNodeGraph(t), nil, false)
	require.NoError(t, err)
	assert.False(t, c.HasAnimations())

	require.True(t, c.Animate(0))
	require.False(t, c.Animate(1), "time motion without animations changes nothing")

	require.NoError(t, c.SetNodeTransform(1, math.Translate(0, 3, 0)))
	require.True(t, c.Animate(1))
	assert.False(t, c.IsMatrixChanged(0))
	assert.True(t, c.IsMatrixChanged(1))
	assert.Equal(t, UploadRange{Begin: 1, End: 2}, c.LastUploadRange())
	assert.InDelta(t, 3, c.CurrentBuffer().World[1][13], 1e-6)
	assert.Equal(t, c.PreviousBuffer().World[0], c.CurrentBuffer().World[0])

	assert.ErrorIs(t, c.SetNodeTransform(9, math.Identity()), ErrInvalidNode)
}

func TestControllerEnabledToggleReinitializes(t *testing.T) {
	c, err := NewController(twoNodeGraph(t), []*Animation{slide(0)}, false)
	require.NoError(t, err)
	c.Animate(0)
	c.Animate(0.5)

	c.SetEnabled(false)
	require.True(t, c.Animate(0.75))
	assert.InDelta(t, 0, c.GlobalMatrix(0)[12], 1e-6, "authored transform is restored")
	assert.Equal(t, c.CurrentBuffer().World, c.PreviousBuffer().World)

	assert.False(t, c.Animate(0.9), "disabled playback ignores time")
}

func TestControllerSkinningMatrices(t *testing.T) {
	g := twoNodeGraph(t)
	g.Node(1).LocalToBindPose = math.Translate(0, -1, 0)

	c, err := NewController(g, nil, true)
	require.NoError(t, err)
	c.Animate(0)

	assert.True(t, c.HasSkinnedMeshes())
	skin := c.SkinningMatrix(1)
	assert.InDelta(t, 0, skin[13], 1e-6)
	assert.Equal(t, math.Identity(), c.InvTransposeSkinningMatrix(0))
}
