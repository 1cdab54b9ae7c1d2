// Package cli contains the xcal command line application.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

const (
	flagConfig   = "config"
	flagDebug    = "debug"
	flagOutput   = "output"
	flagMode     = "mode"
	flagNoRefine = "no-refine"
)

func newApp() *cli.App {
	return &cli.App{
		Name:            "xcal",
		Usage:           "calibrate cameras, undistort images and track rigid bodies",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagConfig,
				Aliases:  []string{"c"},
				Usage:    "load project configuration from `FILE`",
				Required: true,
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:    flagOutput,
				Aliases: []string{"o"},
				Usage:   "write results to `DIR` instead of the configured output_dir",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "calibrate",
				Usage:     "calibrate every camera from its blob files",
				UsageText: "xcal -c project.json calibrate [--mode full|pose]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  flagMode,
						Usage: "override the configured calibration mode",
					},
				},
				Action: CalibrateAction,
			},
			{
				Name:   "undistort",
				Usage:  "fit the undistortion fields and undistort the grid images",
				Action: UndistortAction,
			},
			{
				Name:  "track",
				Usage: "calibrate, reconstruct the markers and compute the rigid body poses",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  flagNoRefine,
						Usage: "skip the nonlinear refinement of triangulated points and poses",
					},
				},
				Action: TrackAction,
			},
		},
	}
}

// NewApp returns the xcal app writing to out and errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app := newApp()
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
