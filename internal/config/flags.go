package config

import "flag"

var (
	flagConfig        = flag.String("config", "", "Path to config file (.yaml or .toml)")
	flagDebug         = flag.Bool("debug", false, "Enable debug logging")
	flagLogFile       = flag.String("log-file", "", "Write logs to this file as well")
	flagSplit         = flag.Bool("split", false, "Split mesh groups above the triangle ceiling")
	flagSplitStrategy = flag.String("split-strategy", "", "Split strategy: simple, median or midpoint")
	flagBudget        = flag.Uint64("blas-budget", 0, "BLAS build memory budget in bytes")
	flagWorkers       = flag.Int("workers", 0, "Mesh processing worker count")
	flagRebuild       = flag.Bool("rebuild", false, "Rebuild BLAS every update instead of refitting")
	flagNoAnim        = flag.Bool("no-anim", false, "Disable animations")
)

// ParseFlags parses command-line flags. Call this early in main().
func ParseFlags() {
	flag.Parse()
}

// Args returns the non-flag arguments left after ParseFlags.
func Args() []string {
	return flag.Args()
}

// ConfigPath returns the explicit config path if provided via --config flag.
func ConfigPath() string {
	return *flagConfig
}

// applyFlags applies CLI flag overrides to the config.
func applyFlags(cfg *Config) {
	if *flagDebug {
		cfg.Logging.Level = "debug"
	}
	if *flagLogFile != "" {
		cfg.Logging.LogFile = *flagLogFile
	}
	if *flagSplit {
		cfg.Build.SplitGroups = true
	}
	if *flagSplitStrategy != "" {
		cfg.Build.SplitStrategy = *flagSplitStrategy
	}
	if *flagBudget > 0 {
		cfg.Accel.BlasBuildMemoryBudget = *flagBudget
	}
	if *flagWorkers > 0 {
		cfg.Build.Workers = *flagWorkers
	}
	if *flagRebuild {
		cfg.Accel.BlasUpdateMode = UpdateRebuild
	}
	if *flagNoAnim {
		cfg.Animation.Enabled = false
	}
}
