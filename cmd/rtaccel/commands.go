package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Faultbox/rtaccel/internal/accel"
	"github.com/Faultbox/rtaccel/internal/builder"
	"github.com/Faultbox/rtaccel/internal/config"
	"github.com/Faultbox/rtaccel/internal/logger"
	"github.com/Faultbox/rtaccel/internal/scene"
	"github.com/Faultbox/rtaccel/internal/scenefile"
)

// openScene loads a scene description, builds it and wraps it in a runtime
// scene on a simulated device.
func openScene(ctx context.Context, cfg *config.Config, path string) (*scene.Scene, *accel.SimDevice, error) {
	doc, err := scenefile.Load(path)
	if err != nil {
		return nil, nil, err
	}

	b := builder.New(cfg.Build, builder.WithLogger(logger.Named("builder")))
	if _, err := doc.Apply(b); err != nil {
		return nil, nil, fmt.Errorf("applying %s: %w", path, err)
	}
	data, err := b.Build(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("building %s: %w", path, err)
	}

	dev := accel.NewSimDevice()
	sc, err := scene.New(data, dev, cfg, scene.WithLogger(logger.Named("scene")))
	if err != nil {
		return nil, nil, err
	}
	return sc, dev, nil
}

func sceneArg(fs *flag.FlagSet, args []string, usage string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() < 1 {
		return "", fmt.Errorf("usage: rtaccel %s", usage)
	}
	return fs.Arg(0), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func cmdBuild(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	rays := fs.Uint("rays", 0, "Ray type count (0 uses the config)")
	path, err := sceneArg(fs, args, "build <scene>")
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	sc, dev, err := openScene(ctx, cfg, path)
	if err != nil {
		return err
	}
	if _, err := sc.Update(ctx, 0, nil); err != nil {
		return err
	}
	tlas, err := sc.RaytracingTLAS(ctx, uint32(*rays))
	if err != nil {
		return err
	}

	data := sc.Data()
	stats := sc.Stats()
	fmt.Printf("Scene:          %s\n", path)
	fmt.Printf("Nodes:          %d\n", data.Graph.Len())
	fmt.Printf("Meshes:         %d in %d groups\n", data.MeshCount(), len(data.MeshGroups))
	fmt.Printf("Curves:         %d\n", data.CurveCount())
	fmt.Printf("Custom prims:   %d\n", data.CustomPrimitiveCount())
	fmt.Printf("Instances:      %d\n", len(data.Instances))
	fmt.Printf("BLASes:         %d (%d compacted) in %d groups, %s\n",
		len(stats.Blas), stats.Compacted, len(stats.Groups), formatBytes(stats.FinalBytes))
	fmt.Printf("TLAS instances: %d (%d ray types)\n", len(tlas.Instances), tlas.RayTypeCount)
	fmt.Printf("Device memory:  %s\n", formatBytes(dev.AllocatedBytes()))
	fmt.Printf("Bounds:         %v - %v\n", data.Bounds.Min.Array(), data.Bounds.Max.Array())
	return nil
}

func cmdStats(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	path, err := sceneArg(fs, args, "stats <scene>")
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	sc, _, err := openScene(ctx, cfg, path)
	if err != nil {
		return err
	}
	if _, err := sc.RaytracingTLAS(ctx, 0); err != nil {
		return err
	}

	fmt.Println("Mesh groups")
	fmt.Print(meshGroupTable(sc))
	fmt.Println()
	fmt.Println("Bottom-level acceleration structures")
	fmt.Print(blasTable(sc.Stats()))
	fmt.Println()
	fmt.Println("BLAS groups")
	fmt.Print(groupTable(sc.Stats()))
	return nil
}

func cmdAnimate(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("animate", flag.ExitOnError)
	frames := fs.Int("frames", 10, "Number of frames")
	dt := fs.Float64("dt", 1.0/30, "Seconds per frame")
	path, err := sceneArg(fs, args, "animate [-frames N] [-dt S] <scene>")
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	sc, dev, err := openScene(ctx, cfg, path)
	if err != nil {
		return err
	}

	var buf strings.Builder
	table := tablewriter.NewWriter(&buf)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Frame", "Time", "Flags", "Device builds", "TLAS builds", "TLAS refits"})

	for i := 0; i < *frames; i++ {
		t := float64(i) * *dt
		flags, err := sc.Update(ctx, t, nil)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		tlas, err := sc.RaytracingTLAS(ctx, 0)
		if err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		table.Append([]string{
			strconv.Itoa(i),
			strconv.FormatFloat(t, 'f', 3, 64),
			flags.String(),
			strconv.Itoa(len(dev.Builds())),
			strconv.Itoa(tlas.Builds),
			strconv.Itoa(tlas.Refits),
		})
		dev.ResetBuilds()
	}
	table.Render()
	fmt.Print(buf.String())
	logger.Info("animation finished", zap.Int("frames", *frames), zap.Float64("dt", *dt))
	return nil
}

func cmdConfig(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	out := fs.String("o", "", "Write the config to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out != "" {
		return cfg.SaveTo(*out)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}
