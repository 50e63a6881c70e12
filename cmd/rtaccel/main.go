// rtaccel builds ray tracing acceleration structures for scene description
// files on a simulated device and reports on them.
package main

import (
	"fmt"
	"os"

	"github.com/Faultbox/rtaccel/internal/config"
	"github.com/Faultbox/rtaccel/internal/logger"
)

func main() {
	config.ParseFlags()
	args := config.Args()
	if len(args) < 1 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	fileCfg := logger.FileConfig{
		Path:       cfg.Logging.LogFile,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
	if err := logger.InitWithFileConfig(cfg.Logging.Level, fileCfg, true); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	command, rest := args[0], args[1:]
	switch command {
	case "build":
		err = cmdBuild(cfg, rest)
	case "stats":
		err = cmdStats(cfg, rest)
	case "animate":
		err = cmdAnimate(cfg, rest)
	case "config":
		err = cmdConfig(cfg, rest)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logger.Sync()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`rtaccel - ray tracing acceleration structure builder

Usage:
  rtaccel [flags] <command> [options]

Commands:
  build <scene>                          Build the scene and its TLAS, print a summary
  stats <scene>                          Print mesh group and BLAS tables
  animate [-frames N] [-dt S] <scene>    Step animations and report per-frame updates
  config [-o file]                       Print or save the effective configuration

Flags:
  -config <file>      Config file (.yaml or .toml)
  -debug              Debug logging
  -log-file <file>    Also log to a rotated file
  -split              Split mesh groups above the triangle ceiling
  -split-strategy s   simple, median or midpoint
  -blas-budget n      BLAS build memory budget in bytes
  -workers n          Mesh processing workers
  -rebuild            Rebuild dynamic BLASes instead of refitting
  -no-anim            Disable animations

Examples:
  rtaccel build courtyard.yaml
  rtaccel -split -split-strategy median stats city.toml
  rtaccel animate -frames 10 -dt 0.033 courtyard.yaml`)
}
