package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"uvccam/internal/capture"
	"uvccam/internal/options"
)

var snapCmd = &cobra.Command{
	Use:   "snap",
	Short: "Take one capture and print its events",
	Long: `Take a photo or timelapse series, print every event the capture
produces and exit when the capture program ends.

Options without a dedicated flag can be passed with --opt key=value (or
--opt key for a switch). With --emulate-raspicam, --opt keys use the
raspistill names (w, h, t, tl, e, vf, ...).`,
	Example: `  uvccam snap --mode photo --output ./photo/image.jpg
  uvccam snap --mode timelapse --output ./tl/frame.jpg --timelapse 2 --timeout 20
  uvccam snap --mode photo --output shot.jpg --emulate-raspicam --opt w=1280 --opt vf`,
	Args: cobra.NoArgs,
	RunE: runSnap,
}

type snapFlags struct {
	mode            string
	output          string
	encoding        string
	timeout         int
	timelapse       int
	emulateRaspicam bool
	opts            []string
}

var snapOpts snapFlags

func init() {
	f := snapCmd.Flags()
	f.StringVarP(&snapOpts.mode, "mode", "m", "", "capture mode: photo or timelapse")
	f.StringVarP(&snapOpts.output, "output", "o", "", "output file path")
	f.StringVarP(&snapOpts.encoding, "encoding", "e", "", "image encoding")
	f.IntVarP(&snapOpts.timeout, "timeout", "t", 0, "capture timeout")
	f.IntVar(&snapOpts.timelapse, "timelapse", 0, "timelapse frequency")
	f.BoolVar(&snapOpts.emulateRaspicam, "emulate-raspicam", false, "read --opt keys in the raspistill vocabulary")
	f.StringArrayVar(&snapOpts.opts, "opt", nil, "extra option as key=value, repeatable")

	rootCmd.AddCommand(snapCmd)
}

// params builds the option bag. Dedicated flags win over --opt entries and
// are only set when given, so the session applies its own defaults.
func (f snapFlags) params(cmd *cobra.Command) options.Params {
	p := options.ParseAssignments(f.opts)
	if f.mode != "" {
		p[options.KeyMode] = f.mode
	}
	if f.output != "" {
		p[options.KeyOutput] = f.output
	}
	if f.encoding != "" {
		p[options.KeyEncoding] = f.encoding
	}
	if cmd.Flags().Changed("timeout") {
		p[options.KeyTimeout] = strconv.Itoa(f.timeout)
	}
	if cmd.Flags().Changed("timelapse") {
		p[options.KeyTimelapse] = strconv.Itoa(f.timelapse)
	}
	if f.emulateRaspicam {
		p[options.EmulateRaspicamKey] = "true"
	}
	return p
}

func runSnap(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := capture.NewSupervisor(cfg.Capture.Program, logger)
	return snap(ctx, cmd.OutOrStdout(), snapOpts.params(cmd), sup, capture.DefaultRegistry, logger)
}

// snap runs one capture to completion, writing an event line to out for
// everything the capture emits. Cancelling ctx stops the capture.
func snap(ctx context.Context, out io.Writer, params options.Params, sup *capture.Supervisor, reg *capture.Registry, logger *slog.Logger) error {
	sess, err := capture.New(params,
		capture.WithRegistry(reg),
		capture.WithSupervisor(sup),
		capture.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	done := make(chan capture.Event, 1)
	sess.OnAny(func(ev capture.Event) {
		fmt.Fprintln(out, formatEvent(ev))
		if ev.Kind == capture.KindExit || (ev.Kind == capture.KindStop && !ev.Failed()) {
			select {
			case done <- ev:
			default:
			}
		}
	})

	if err := sess.Start(); err != nil {
		return err
	}

	select {
	case ev := <-done:
		return ev.Err
	case <-ctx.Done():
		sess.Stop()
		reg.Shutdown()
		return ctx.Err()
	}
}

func formatEvent(ev capture.Event) string {
	line := fmt.Sprintf("%s %-6s", ev.Timestamp.Local().Format(time.TimeOnly), ev.Kind)
	if ev.Filename != "" {
		line += " " + ev.Filename
	}
	if ev.Failed() {
		line += " " + ev.ErrText()
	}
	return line
}
