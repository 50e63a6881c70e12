package animation

import (
	"errors"
	"fmt"
	stdmath "math"

	"go.uber.org/zap"

	"github.com/Faultbox/rtaccel/internal/logger"
	"github.com/Faultbox/rtaccel/internal/scenegraph"
	"github.com/Faultbox/rtaccel/pkg/math"
)

// ErrInvalidNode is returned for node ids outside the graph.
var ErrInvalidNode = errors.New("animation: node id out of range")

// Controller advances local and world matrices once per frame and records
// which nodes changed. It owns two named matrix buffers; the previous
// frame's values stay readable until the next Animate call.
type Controller struct {
	parents         []uint32
	localToBindPose []math.Mat4
	transformLists  [][]math.Mat4 // authored local transforms
	animations      []*Animation

	localMatrices        [][]math.Mat4
	globalMatrices       [][]math.Mat4
	invTransposeMatrices [][]math.Mat4
	skinningMatrices     []math.Mat4
	invTransposeSkinning []math.Mat4
	changed              []bool
	edited               []bool

	buffers [2]MatrixBuffer
	current int
	offsets []int
	upload  UploadRange

	hasSkinned   bool
	enabled      bool
	prevEnabled  bool
	loop         bool
	firstUpdate  bool
	globalLength float64
	time         float64
	prevTime     float64

	log *zap.Logger
}

// NewController snapshots the graph's local transforms and validates that
// every animation targets an existing node.
func NewController(g *scenegraph.Graph, animations []*Animation, hasSkinnedMeshes bool) (*Controller, error) {
	n := g.Len()
	c := &Controller{
		parents:              make([]uint32, n),
		localToBindPose:      make([]math.Mat4, n),
		transformLists:       make([][]math.Mat4, n),
		animations:           animations,
		localMatrices:        make([][]math.Mat4, n),
		globalMatrices:       make([][]math.Mat4, n),
		invTransposeMatrices: make([][]math.Mat4, n),
		changed:              make([]bool, n),
		edited:               make([]bool, n),
		hasSkinned:           hasSkinnedMeshes,
		enabled:              true,
		loop:                 true,
		firstUpdate:          true,
		log:                  logger.Named("animation"),
	}
	c.buffers[0].Name = "worldMatrices"
	c.buffers[1].Name = "prevWorldMatrices"

	for i, node := range g.Nodes() {
		c.parents[i] = node.Parent
		c.localToBindPose[i] = node.LocalToBindPose
		c.transformLists[i] = []math.Mat4{node.Transform}
	}
	if hasSkinnedMeshes {
		c.skinningMatrices = make([]math.Mat4, n)
		c.invTransposeSkinning = make([]math.Mat4, n)
	}

	for _, a := range animations {
		if a.NodeID >= uint32(n) {
			return nil, fmt.Errorf("animation %q targets node %d: %w", a.Name, a.NodeID, ErrInvalidNode)
		}
		c.globalLength = stdmath.Max(c.globalLength, a.Duration)
	}
	return c, nil
}

// SetEnabled toggles animation playback. The next Animate reinitializes.
func (c *Controller) SetEnabled(enabled bool) { c.enabled = enabled }

// IsEnabled reports whether playback is enabled.
func (c *Controller) IsEnabled() bool { return c.enabled }

// SetLooped toggles wrapping time into the global animation length.
func (c *Controller) SetLooped(loop bool) { c.loop = loop }

// HasAnimations reports whether any animation exists.
func (c *Controller) HasAnimations() bool { return len(c.animations) > 0 }

// HasSkinnedMeshes reports whether skinning matrices are maintained.
func (c *Controller) HasSkinnedMeshes() bool { return c.hasSkinned }

// GlobalAnimationLength is the longest animation duration.
func (c *Controller) GlobalAnimationLength() float64 { return c.globalLength }

// NodeCount returns the number of nodes tracked.
func (c *Controller) NodeCount() int { return len(c.parents) }

// SetNodeTransform replaces the authored local transform of a node.
func (c *Controller) SetNodeTransform(id uint32, m math.Mat4) error {
	return c.SetNodeTransformList(id, []math.Mat4{m})
}

// SetNodeTransformList replaces the authored local transform list of a node.
func (c *Controller) SetNodeTransformList(id uint32, list []math.Mat4) error {
	if id >= uint32(len(c.parents)) {
		return fmt.Errorf("node %d: %w", id, ErrInvalidNode)
	}
	if len(list) == 0 {
		list = []math.Mat4{math.Identity()}
	}
	c.transformLists[id] = append([]math.Mat4(nil), list...)
	c.edited[id] = true
	return nil
}

// ClearNodeTransformList resets a node to a single identity transform.
func (c *Controller) ClearNodeTransformList(id uint32) error {
	return c.SetNodeTransformList(id, nil)
}

// IsMatrixChanged reports whether the node's first world matrix changed in
// the last Animate call.
func (c *Controller) IsMatrixChanged(id uint32) bool {
	return id < uint32(len(c.changed)) && c.changed[id]
}

// IsMatrixListChanged reports whether any matrix of the node changed.
func (c *Controller) IsMatrixListChanged(id uint32) bool {
	return c.IsMatrixChanged(id)
}

// GlobalMatrices returns the world matrix list of a node.
func (c *Controller) GlobalMatrices(id uint32) []math.Mat4 {
	if id >= uint32(len(c.globalMatrices)) {
		return nil
	}
	return c.globalMatrices[id]
}

// GlobalMatrix returns the first world matrix of a node.
func (c *Controller) GlobalMatrix(id uint32) math.Mat4 {
	if l := c.GlobalMatrices(id); len(l) > 0 {
		return l[0]
	}
	return math.Identity()
}

// InvTransposeGlobalMatrices returns the normal matrices of a node.
func (c *Controller) InvTransposeGlobalMatrices(id uint32) []math.Mat4 {
	if id >= uint32(len(c.invTransposeMatrices)) {
		return nil
	}
	return c.invTransposeMatrices[id]
}

// SkinningMatrix returns global * localToBindPose for a node.
func (c *Controller) SkinningMatrix(id uint32) math.Mat4 {
	if id >= uint32(len(c.skinningMatrices)) {
		return math.Identity()
	}
	return c.skinningMatrices[id]
}

// InvTransposeSkinningMatrix returns the normal matrix of SkinningMatrix.
func (c *Controller) InvTransposeSkinningMatrix(id uint32) math.Mat4 {
	if id >= uint32(len(c.invTransposeSkinning)) {
		return math.Identity()
	}
	return c.invTransposeSkinning[id]
}

// CurrentBuffer returns this frame's uploaded matrices.
func (c *Controller) CurrentBuffer() *MatrixBuffer { return &c.buffers[c.current] }

// PreviousBuffer returns last frame's matrices.
func (c *Controller) PreviousBuffer() *MatrixBuffer { return &c.buffers[1-c.current] }

// LastUploadRange returns the matrix range written by the last upload.
func (c *Controller) LastUploadRange() UploadRange { return c.upload }

// Time returns the evaluation time of the current frame.
func (c *Controller) Time() float64 { return c.time }

// Animate advances to currentTime and reports whether any matrix changed.
// Calling it again with the same time reports no change.
func (c *Controller) Animate(currentTime float64) bool {
	for i := range c.changed {
		c.changed[i] = false
	}

	edited := false
	for i, e := range c.edited {
		if e {
			c.localMatrices[i] = c.transformLists[i]
			c.edited[i] = false
			c.changed[i] = true
			edited = true
		}
	}

	t := currentTime
	if c.loop && c.globalLength > 0 {
		t = stdmath.Mod(currentTime, c.globalLength)
	}

	changed := false

	// First update or enabled toggle: rebuild everything so the first frame
	// has no motion.
	if c.firstUpdate || c.enabled != c.prevEnabled {
		c.initLocalMatrices()
		if c.enabled {
			c.updateLocalMatrices(t)
			c.time, c.prevTime = t, t
		}
		c.updateWorldMatrices(true)
		c.uploadWorldMatrices(true)
		c.PreviousBuffer().copyFrom(c.CurrentBuffer())

		c.firstUpdate = false
		c.prevEnabled = c.enabled
		c.log.Debug("animation state initialized", zap.Bool("enabled", c.enabled), zap.Float64("time", t))
		return true
	}

	if edited || (c.enabled && (t != c.time || c.time != c.prevTime)) {
		switch {
		case edited || (c.HasAnimations() && t != c.time):
			c.current = 1 - c.current
			if c.enabled {
				c.updateLocalMatrices(t)
			}
			c.updateWorldMatrices(false)
			c.uploadWorldMatrices(false)
			changed = true
		default:
			// Time stopped: previous catches up with current, nothing moves.
			c.PreviousBuffer().copyFrom(c.CurrentBuffer())
			c.upload = UploadRange{}
		}
		c.prevTime = c.time
		c.time = t
	}
	return changed
}

func (c *Controller) initLocalMatrices() {
	for i := range c.localMatrices {
		c.localMatrices[i] = c.transformLists[i]
	}
}

func (c *Controller) updateLocalMatrices(t float64) {
	for _, a := range c.animations {
		c.localMatrices[a.NodeID] = []math.Mat4{a.Animate(t)}
		c.changed[a.NodeID] = true
	}
}

// updateWorldMatrices walks the arena in order; parents precede children so
// a changed parent has already propagated its bit.
func (c *Controller) updateWorldMatrices(updateAll bool) {
	for i := range c.globalMatrices {
		parent := c.parents[i]
		if parent != scenegraph.InvalidNode {
			c.changed[i] = c.changed[i] || c.changed[parent]
		}
		if !c.changed[i] && !updateAll {
			continue
		}

		global := append([]math.Mat4(nil), c.localMatrices[i]...)
		if parent != scenegraph.InvalidNode && len(global) == len(c.globalMatrices[parent]) {
			for k := range global {
				global[k] = c.globalMatrices[parent][k].Mul(global[k])
			}
		}
		c.globalMatrices[i] = global

		inv := make([]math.Mat4, len(global))
		for k, m := range global {
			inv[k] = m.InverseTranspose()
		}
		c.invTransposeMatrices[i] = inv

		if c.hasSkinned && len(global) > 0 {
			c.skinningMatrices[i] = global[0].Mul(c.localToBindPose[i])
			c.invTransposeSkinning[i] = c.skinningMatrices[i].InverseTranspose()
		}
	}
}

// uploadWorldMatrices writes the flattened matrix lists into the current
// buffer, either whole or from the first changed node to the end. Matrices
// before that range are carried over from the previous frame.
func (c *Controller) uploadWorldMatrices(uploadAll bool) {
	total := 0
	if len(c.offsets) != len(c.globalMatrices) {
		c.offsets = make([]int, len(c.globalMatrices))
	}
	for i, list := range c.globalMatrices {
		c.offsets[i] = total
		total += len(list)
	}

	cur, prev := c.CurrentBuffer(), c.PreviousBuffer()
	if len(cur.World) != total || len(prev.World) != total {
		uploadAll = true
	}
	cur.resize(total)

	first := len(c.globalMatrices)
	if uploadAll {
		first = 0
	} else {
		for i, ch := range c.changed {
			if ch {
				first = i
				break
			}
		}
	}
	if first == len(c.globalMatrices) {
		c.upload = UploadRange{}
		cur.copyFrom(prev)
		return
	}

	begin := c.offsets[first]
	if begin > 0 {
		copy(cur.World[:begin], prev.World[:begin])
		copy(cur.InvTransposeWorld[:begin], prev.InvTransposeWorld[:begin])
	}
	for i := first; i < len(c.globalMatrices); i++ {
		copy(cur.World[c.offsets[i]:], c.globalMatrices[i])
		copy(cur.InvTransposeWorld[c.offsets[i]:], c.invTransposeMatrices[i])
	}
	c.upload = UploadRange{Begin: begin, End: total}
}
