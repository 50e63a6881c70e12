// Package scenefile reads scene descriptions from YAML or TOML and feeds
// them to the scene builder. Everything is referenced by name; ids are
// assigned when the document is applied.
package scenefile

import "github.com/Faultbox/rtaccel/internal/model"

// Format selects the document encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// Mesh generators.
const (
	GeneratorQuad = "quad"
	GeneratorBox  = "box"
	GeneratorGrid = "grid"
)

// Document is a whole scene description.
type Document struct {
	Materials        []Material        `yaml:"materials" toml:"materials"`
	Nodes            []Node            `yaml:"nodes" toml:"nodes"`
	Meshes           []Mesh            `yaml:"meshes" toml:"meshes"`
	Instances        []Instance        `yaml:"instances" toml:"instances"`
	Animations       []Animation       `yaml:"animations" toml:"animations"`
	Curves           []Curve           `yaml:"curves" toml:"curves"`
	CustomPrimitives []CustomPrimitive `yaml:"custom_primitives" toml:"custom_primitives"`
}

type Material struct {
	Name      string `yaml:"name" toml:"name"`
	Opaque    bool   `yaml:"opaque" toml:"opaque"`
	Displaced bool   `yaml:"displaced" toml:"displaced"`
}

// Node is a scene graph node. Parent names an earlier node; empty means
// root. Matrix, when set, is 16 column-major values and replaces the TRS
// fields. Rotation is XYZ Euler angles in degrees.
type Node struct {
	Name        string    `yaml:"name" toml:"name"`
	Parent      string    `yaml:"parent,omitempty" toml:"parent,omitempty"`
	Translation []float32 `yaml:"translation,omitempty" toml:"translation,omitempty"`
	Rotation    []float32 `yaml:"rotation,omitempty" toml:"rotation,omitempty"`
	Scale       []float32 `yaml:"scale,omitempty" toml:"scale,omitempty"`
	Matrix      []float32 `yaml:"matrix,omitempty" toml:"matrix,omitempty"`
}

// Mesh is either inline geometry or a generator. Skinned meshes bind every
// vertex to Bone with full weight.
type Mesh struct {
	Name        string       `yaml:"name" toml:"name"`
	Material    string       `yaml:"material,omitempty" toml:"material,omitempty"`
	Positions   [][3]float32 `yaml:"positions,omitempty" toml:"positions,omitempty"`
	Indices     []uint32     `yaml:"indices,omitempty" toml:"indices,omitempty"`
	Generator   string       `yaml:"generator,omitempty" toml:"generator,omitempty"`
	Size        float32      `yaml:"size,omitempty" toml:"size,omitempty"`
	Divisions   int          `yaml:"divisions,omitempty" toml:"divisions,omitempty"`
	FrontFaceCW bool         `yaml:"front_face_cw,omitempty" toml:"front_face_cw,omitempty"`
	Skinned     bool         `yaml:"skinned,omitempty" toml:"skinned,omitempty"`
	Bone        string       `yaml:"bone,omitempty" toml:"bone,omitempty"`
	Skeleton    string       `yaml:"skeleton,omitempty" toml:"skeleton,omitempty"`
}

// Instance places a mesh at a node. Material overrides the mesh material.
type Instance struct {
	Mesh       string                 `yaml:"mesh" toml:"mesh"`
	Node       string                 `yaml:"node" toml:"node"`
	Material   string                 `yaml:"material,omitempty" toml:"material,omitempty"`
	Name       string                 `yaml:"name,omitempty" toml:"name,omitempty"`
	ID         *uint32                `yaml:"id,omitempty" toml:"id,omitempty"`
	Shading    model.ShadingFlags     `yaml:"shading,omitempty" toml:"shading,omitempty"`
	Visibility *model.VisibilityFlags `yaml:"visibility,omitempty" toml:"visibility,omitempty"`
}

// Animation drives one node. PreInfinity and PostInfinity are constant,
// cycle or oscillate.
type Animation struct {
	Name         string     `yaml:"name" toml:"name"`
	Node         string     `yaml:"node" toml:"node"`
	Duration     float64    `yaml:"duration" toml:"duration"`
	PreInfinity  string     `yaml:"pre_infinity,omitempty" toml:"pre_infinity,omitempty"`
	PostInfinity string     `yaml:"post_infinity,omitempty" toml:"post_infinity,omitempty"`
	Keyframes    []Keyframe `yaml:"keyframes" toml:"keyframes"`
}

type Keyframe struct {
	Time        float64   `yaml:"time" toml:"time"`
	Translation []float32 `yaml:"translation,omitempty" toml:"translation,omitempty"`
	Rotation    []float32 `yaml:"rotation,omitempty" toml:"rotation,omitempty"`
	Scale       []float32 `yaml:"scale,omitempty" toml:"scale,omitempty"`
}

type Curve struct {
	Name     string       `yaml:"name" toml:"name"`
	Material string       `yaml:"material,omitempty" toml:"material,omitempty"`
	Nodes    []string     `yaml:"nodes" toml:"nodes"`
	Dynamic  bool         `yaml:"dynamic,omitempty" toml:"dynamic,omitempty"`
	Points   []CurvePoint `yaml:"points" toml:"points"`
}

type CurvePoint struct {
	Position [3]float32 `yaml:"position" toml:"position"`
	Radius   float32    `yaml:"radius" toml:"radius"`
}

type CustomPrimitive struct {
	UserID uint32     `yaml:"user_id" toml:"user_id"`
	Min    [3]float32 `yaml:"min" toml:"min"`
	Max    [3]float32 `yaml:"max" toml:"max"`
}
