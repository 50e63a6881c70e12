// Package scenegraph stores the transform hierarchy as a flat node arena.
// Parent links are plain indices and a parent is always added before its
// children, so a single forward pass visits parents first.
package scenegraph

import (
	"errors"
	"fmt"
	stdmath "math"

	"go.uber.org/zap"

	"github.com/Faultbox/rtaccel/internal/logger"
	"github.com/Faultbox/rtaccel/pkg/math"
)

// InvalidNode marks "no node" (e.g. the parent of a root).
const InvalidNode = ^uint32(0)

var (
	ErrInvalidMatrix   = errors.New("node matrix has inf/nan values")
	ErrNodeOutOfRange  = errors.New("node id out of range")
	ErrGraphTooLarge   = errors.New("scene graph is too large")
	ErrUnexpectedMerge = errors.New("unexpectedly failed to merge nodes")
)

// Node is one transform in the hierarchy.
type Node struct {
	Name            string
	Parent          uint32
	Transform       math.Mat4
	LocalToBindPose math.Mat4
	Children        []uint32
	Meshes          []uint32
	Curves          []uint32
	HasAnimation    bool
	DontOptimize    bool
}

// NewNode returns a node with an identity bind pose.
func NewNode(name string, parent uint32, transform math.Mat4) Node {
	return Node{
		Name:            name,
		Parent:          parent,
		Transform:       transform,
		LocalToBindPose: math.Identity(),
	}
}

// HasObjects reports whether meshes or curves are attached.
func (n *Node) HasObjects() bool {
	return len(n.Meshes) > 0 || len(n.Curves) > 0
}

func emptyNode() Node {
	return NewNode("", InvalidNode, math.Identity())
}

// LinkFunc rewires the meshes and curves attached to node so that instances
// pointing at from point at to instead. The graph fixes children itself.
type LinkFunc func(node *Node, from, to uint32)

// Graph is the node arena.
type Graph struct {
	nodes []Node
	log   *zap.Logger
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{log: logger.Named("scenegraph")}
}

// Len returns the number of nodes, including emptied ones.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Node returns a pointer into the arena. The pointer is invalidated by AddNode.
func (g *Graph) Node(id uint32) *Node {
	if id >= uint32(len(g.nodes)) {
		return nil
	}
	return &g.nodes[id]
}

// Nodes returns the arena slice.
func (g *Graph) Nodes() []Node {
	return g.nodes
}

// AddNode validates n and appends it. Matrices with inf/nan are rejected;
// non-affine matrices get their last row forced to (0,0,0,1).
func (g *Graph) AddNode(n Node) (uint32, error) {
	var err error
	if n.Transform, err = g.validateMatrix(n.Name, "transform", n.Transform); err != nil {
		return InvalidNode, err
	}
	if n.LocalToBindPose, err = g.validateMatrix(n.Name, "localToBindPose", n.LocalToBindPose); err != nil {
		return InvalidNode, err
	}

	if n.Parent != InvalidNode && n.Parent >= uint32(len(g.nodes)) {
		return InvalidNode, fmt.Errorf("node %q parent %d: %w", n.Name, n.Parent, ErrNodeOutOfRange)
	}
	if uint64(len(g.nodes)) >= stdmath.MaxUint32 {
		return InvalidNode, ErrGraphTooLarge
	}

	id := uint32(len(g.nodes))
	n.Children = nil
	g.nodes = append(g.nodes, n)
	if n.Parent != InvalidNode {
		g.nodes[n.Parent].Children = append(g.nodes[n.Parent].Children, id)
	}
	return id, nil
}

func (g *Graph) validateMatrix(name, field string, m math.Mat4) (math.Mat4, error) {
	if !m.IsFinite() {
		return m, fmt.Errorf("node %q %s: %w", name, field, ErrInvalidMatrix)
	}
	if !m.IsAffine() {
		g.log.Warn("node matrix is not affine, setting last row to (0,0,0,1)",
			zap.String("node", name), zap.String("field", field))
		m = m.ForceAffine()
	}
	return m, nil
}

// Parent returns the parent id of a node.
func (g *Graph) Parent(id uint32) (uint32, error) {
	if id >= uint32(len(g.nodes)) {
		return InvalidNode, fmt.Errorf("node %d: %w", id, ErrNodeOutOfRange)
	}
	return g.nodes[id].Parent, nil
}

// WorldTransform composes the transforms from the root down to id.
func (g *Graph) WorldTransform(id uint32) math.Mat4 {
	m := math.Identity()
	for id != InvalidNode && id < uint32(len(g.nodes)) {
		m = g.nodes[id].Transform.Mul(m)
		id = g.nodes[id].Parent
	}
	return m
}

// IsAnimated reports whether id or any ancestor is driven by an animation.
func (g *Graph) IsAnimated(id uint32) bool {
	for id != InvalidNode && id < uint32(len(g.nodes)) {
		if g.nodes[id].HasAnimation {
			return true
		}
		id = g.nodes[id].Parent
	}
	return false
}

// AttachMesh records that mesh has an instance at node.
func (g *Graph) AttachMesh(node, mesh uint32) {
	g.nodes[node].Meshes = append(g.nodes[node].Meshes, mesh)
}

// DetachMesh removes one occurrence of mesh from node.
func (g *Graph) DetachMesh(node, mesh uint32) bool {
	list := g.nodes[node].Meshes
	for i, m := range list {
		if m == mesh {
			g.nodes[node].Meshes = append(list[:i], list[i+1:]...)
			return true
		}
	}
	return false
}

// RemapMeshes rewrites every mesh reference through remap. Entries mapped to
// InvalidNode are dropped.
func (g *Graph) RemapMeshes(remap []uint32) {
	for i := range g.nodes {
		list := g.nodes[i].Meshes[:0]
		for _, m := range g.nodes[i].Meshes {
			if m < uint32(len(remap)) && remap[m] != InvalidNode {
				list = append(list, remap[m])
			}
		}
		g.nodes[i].Meshes = list
	}
}

// UpdateLinkedObjects points everything linked from node id at newID.
func (g *Graph) UpdateLinkedObjects(id, newID uint32, link LinkFunc) {
	node := &g.nodes[id]
	for _, child := range node.Children {
		g.nodes[child].Parent = newID
	}
	if link != nil {
		link(node, id, newID)
	}
}

// CollapseNodes folds child into parent when the chain between them is a
// static single-child path. The parent keeps its position in the arena and
// takes over the child's contents with the combined transform.
func (g *Graph) CollapseNodes(parentID, childID uint32, link LinkFunc) bool {
	if parentID == InvalidNode || childID == InvalidNode {
		return false
	}
	if g.nodes[parentID].DontOptimize || g.nodes[childID].DontOptimize {
		return false
	}
	if g.nodes[childID].HasAnimation {
		return false
	}

	child := &g.nodes[childID]
	transform := child.Transform
	prevID := childID
	id := child.Parent

	for id != InvalidNode {
		n := &g.nodes[id]
		if len(n.Children) > 1 || n.HasObjects() || n.HasAnimation || n.DontOptimize {
			return false
		}
		if len(n.Children) != 1 || n.Children[0] != prevID {
			return false
		}
		transform = n.Transform.Mul(transform)
		if id == parentID {
			break
		}
		prevID = id
		id = n.Parent
	}
	if id == InvalidNode {
		return false
	}

	g.UpdateLinkedObjects(childID, parentID, link)

	oldParent := g.nodes[parentID].Parent
	collapsed := g.nodes[childID]
	collapsed.Parent = oldParent
	collapsed.Transform = transform

	// Reset the now unused nodes below the parent.
	id = childID
	for id != parentID {
		next := g.nodes[id].Parent
		g.nodes[id] = emptyNode()
		id = next
	}
	g.nodes[parentID] = collapsed
	return true
}

// MergeNodes merges src into dst. Both must be static with identical parent,
// transform and bind pose.
func (g *Graph) MergeNodes(dstID, srcID uint32, link LinkFunc) bool {
	if dstID == InvalidNode || srcID == InvalidNode || dstID == srcID {
		return false
	}
	dst, src := &g.nodes[dstID], &g.nodes[srcID]
	if dst.DontOptimize || src.DontOptimize || dst.HasAnimation || src.HasAnimation {
		return false
	}
	if dst.Parent != src.Parent || dst.Transform != src.Transform || dst.LocalToBindPose != src.LocalToBindPose {
		return false
	}

	g.UpdateLinkedObjects(srcID, dstID, link)

	dst.Children = append(dst.Children, src.Children...)
	dst.Meshes = append(dst.Meshes, src.Meshes...)
	dst.Curves = append(dst.Curves, src.Curves...)

	// The source disappears from its parent's child list.
	if p := src.Parent; p != InvalidNode {
		children := g.nodes[p].Children[:0]
		for _, c := range g.nodes[p].Children {
			if c != srcID {
				children = append(children, c)
			}
		}
		g.nodes[p].Children = children
	}

	g.nodes[srcID] = emptyNode()
	return true
}

type nodeKey struct {
	parent    uint32
	transform math.Mat4
	bindPose  math.Mat4
}

// Optimize collapses static chains and then merges identical static nodes.
// It returns how many nodes were removed by each step.
func (g *Graph) Optimize(link LinkFunc) (collapsed, merged int, err error) {
	for id := uint32(0); id < uint32(len(g.nodes)); id++ {
		if g.CollapseNodes(g.nodes[id].Parent, id, link) {
			collapsed++
		}
	}
	if collapsed > 0 {
		g.log.Info("collapsed internal static nodes", zap.Int("removed", collapsed))
	}

	unique := make(map[nodeKey]uint32)
	for id := uint32(0); id < uint32(len(g.nodes)); id++ {
		n := &g.nodes[id]
		if len(n.Children) == 0 && !n.HasObjects() {
			continue
		}
		if n.HasAnimation || n.DontOptimize {
			continue
		}

		key := nodeKey{parent: n.Parent, transform: n.Transform, bindPose: n.LocalToBindPose}
		if dst, ok := unique[key]; ok {
			if !g.MergeNodes(dst, id, link) {
				return collapsed, merged, fmt.Errorf("merging node %d into %d: %w", id, dst, ErrUnexpectedMerge)
			}
			merged++
			continue
		}
		unique[key] = id
	}
	if merged > 0 {
		g.log.Info("merged identical static nodes", zap.Int("merged", merged))
	}
	return collapsed, merged, nil
}
