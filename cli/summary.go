package cli

import (
	"fmt"
	"io"
	"math"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/samber/lo"

	"github.com/xromm/mocapcore/camera"
	"github.com/xromm/mocapcore/rigidbody"
)

func newTable(w io.Writer, header ...interface{}) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(header))
	return t
}

func formatPixels(v float64) string {
	return fmt.Sprintf("%.3f", v)
}

// writeCalibrationSummary prints one row per calibration frame.
func writeCalibrationSummary(w io.Writer, cams []*camera.Camera) error {
	t := newTable(w, "camera", "frame", "inliers", "mean px", "sd px", "max px")
	for _, cam := range cams {
		for i, f := range cam.Frames {
			if !f.Calibrated {
				t.AppendRow(table.Row{cam.Name, i, "-", "-", "-", "-"})
				continue
			}
			stats, err := cam.ReprojectionError(i)
			if err != nil {
				return err
			}
			t.AppendRow(table.Row{
				cam.Name, i, stats.Count,
				formatPixels(stats.Mean), formatPixels(stats.StdDev), formatPixels(stats.Max),
			})
		}
	}
	t.Render()
	return nil
}

// writeTrackingSummary prints the tracked frame count and mean fit error of every body.
func writeTrackingSummary(w io.Writer, trial *rigidbody.Trial) {
	t := newTable(w, "body", "markers", "frames", "mean error")
	for _, b := range trial.Bodies {
		tracked := lo.Count(b.PoseComputed, true)
		errs := lo.Filter(b.Errors, func(e float64, _ int) bool { return !math.IsNaN(e) })
		mean := "-"
		if len(errs) > 0 {
			mean = fmt.Sprintf("%.4f", lo.Sum(errs)/float64(len(errs)))
		}
		t.AppendRow(table.Row{b.Name, len(b.Markers), fmt.Sprintf("%d/%d", tracked, b.NumFrames()), mean})
	}
	t.Render()
}
