package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/Faultbox/rtaccel/internal/accel"
	"github.com/Faultbox/rtaccel/internal/scene"
)

func newTable(buf *strings.Builder, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(buf)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeader(header)
	return table
}

func meshGroupTable(sc *scene.Scene) string {
	data := sc.Data()
	var buf strings.Builder
	table := newTable(&buf, "Group", "Meshes", "Triangles", "Instances", "Static", "Displaced")
	var meshes int
	var triangles uint64
	for i, g := range data.MeshGroups {
		var tris uint64
		for _, id := range g.Meshes {
			tris += uint64(data.Meshes[id].TriangleCount())
		}
		meshes += len(g.Meshes)
		triangles += tris
		table.Append([]string{
			strconv.Itoa(i),
			strconv.Itoa(len(g.Meshes)),
			strconv.FormatUint(tris, 10),
			strconv.Itoa(data.GroupInstanceCount(g)),
			strconv.FormatBool(g.IsStatic),
			strconv.FormatBool(g.IsDisplaced),
		})
	}
	table.SetFooter([]string{"Total", strconv.Itoa(meshes), strconv.FormatUint(triangles, 10), strconv.Itoa(sc.InstanceCount()), " ", " "})
	table.Render()
	return buf.String()
}

func blasTable(stats accel.Stats) string {
	var buf strings.Builder
	table := newTable(&buf, "BLAS", "Kind", "Geometries", "Primitives", "Flags", "State", "Group", "Size")
	for _, b := range stats.Blas {
		table.Append([]string{
			strconv.Itoa(b.Index),
			b.Kind.String(),
			strconv.Itoa(b.Geometries),
			strconv.FormatUint(b.Primitives, 10),
			b.Flags.String(),
			b.State.String(),
			strconv.Itoa(b.Group),
			formatBytes(b.BlasByteSize),
		})
	}
	table.SetFooter([]string{"Total", " ", " ", " ", " ",
		fmt.Sprintf("%d compacted", stats.Compacted), " ", formatBytes(stats.FinalBytes)})
	table.Render()
	return buf.String()
}

func groupTable(stats accel.Stats) string {
	var buf strings.Builder
	table := newTable(&buf, "Group", "BLASes", "Result", "Scratch", "Final")
	for _, g := range stats.Groups {
		table.Append([]string{
			strconv.Itoa(g.Index),
			strconv.Itoa(g.BlasCount),
			formatBytes(g.ResultByteSize),
			formatBytes(g.ScratchByteSize),
			formatBytes(g.FinalByteSize),
		})
	}
	table.Render()
	return buf.String()
}

// formatBytes renders a byte count with a binary unit.
func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
