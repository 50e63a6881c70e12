// Package config handles rtaccel configuration loading and management.
package config

// Split strategies for oversized mesh groups.
const (
	SplitSimple   = "simple"
	SplitMedian   = "median"
	SplitMidpoint = "midpoint"
)

// Acceleration structure update modes.
const (
	UpdateRefit   = "refit"
	UpdateRebuild = "rebuild"
)

// Config holds all settings.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Build     BuildConfig     `yaml:"build" toml:"build"`
	Accel     AccelConfig     `yaml:"accel" toml:"accel"`
	Animation AnimationConfig `yaml:"animation" toml:"animation"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level"`
	LogFile    string `yaml:"log_file" toml:"log_file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `yaml:"compress" toml:"compress"`
}

// BuildConfig controls the scene build passes.
type BuildConfig struct {
	MergeDuplicateVertices     bool   `yaml:"merge_duplicate_vertices" toml:"merge_duplicate_vertices"`
	Force32BitIndices          bool   `yaml:"force_32bit_indices" toml:"force_32bit_indices"`
	NonIndexedVertices         bool   `yaml:"non_indexed_vertices" toml:"non_indexed_vertices"`
	FlattenStaticMeshInstances bool   `yaml:"flatten_static_mesh_instances" toml:"flatten_static_mesh_instances"`
	PretransformStaticMeshes   bool   `yaml:"pretransform_static_meshes" toml:"pretransform_static_meshes"`
	DontOptimizeGraph          bool   `yaml:"dont_optimize_graph" toml:"dont_optimize_graph"`
	DontMergeStatic            bool   `yaml:"dont_merge_static" toml:"dont_merge_static"`
	DontMergeDynamic           bool   `yaml:"dont_merge_dynamic" toml:"dont_merge_dynamic"`
	DontMergeInstanced         bool   `yaml:"dont_merge_instanced" toml:"dont_merge_instanced"`
	SplitGroups                bool   `yaml:"split_groups" toml:"split_groups"`
	SplitStrategy              string `yaml:"split_strategy" toml:"split_strategy"`
	MaxTrianglesPerBLAS        uint32 `yaml:"max_triangles_per_blas" toml:"max_triangles_per_blas"`
	Workers                    int    `yaml:"workers" toml:"workers"` // 0 means runtime.NumCPU()
}

// AccelConfig controls acceleration structure planning and updates.
type AccelConfig struct {
	BlasBuildMemoryBudget uint64 `yaml:"blas_build_memory_budget" toml:"blas_build_memory_budget"`
	ByteAlignment         uint64 `yaml:"byte_alignment" toml:"byte_alignment"`
	BlasUpdateMode        string `yaml:"blas_update_mode" toml:"blas_update_mode"`
	TlasUpdateMode        string `yaml:"tlas_update_mode" toml:"tlas_update_mode"`
	RayTypeCount          uint32 `yaml:"ray_type_count" toml:"ray_type_count"`
}

// AnimationConfig holds animation playback settings.
type AnimationConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
	Loop    bool `yaml:"loop" toml:"loop"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			LogFile:    "",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
		Build: BuildConfig{
			MergeDuplicateVertices:   true,
			PretransformStaticMeshes: true,
			SplitGroups:              false,
			SplitStrategy:            SplitMidpoint,
			MaxTrianglesPerBLAS:      1 << 24,
		},
		Accel: AccelConfig{
			BlasBuildMemoryBudget: 1 << 29,
			ByteAlignment:         256,
			BlasUpdateMode:        UpdateRefit,
			TlasUpdateMode:        UpdateRefit,
			RayTypeCount:          1,
		},
		Animation: AnimationConfig{
			Enabled: true,
			Loop:    true,
		},
	}
}
