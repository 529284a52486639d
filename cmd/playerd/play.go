package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"playback-engine/internal/media"
	"playback-engine/internal/platform/logger"
	"playback-engine/internal/player"
)

type playOptions struct {
	maxBufferSize int64
	live          bool
	protocol      string
}

func newPlayCmd(opts *rootOptions) *cobra.Command {
	var po playOptions
	cmd := &cobra.Command{
		Use:   "play <locator>",
		Short: "Play a locator headlessly and print its events",
		Long: "Resolve, buffer, and present a single source to the logging sinks.\n" +
			"Events are printed to stdout, logs go to stderr. SIGINT or SIGTERM stops playback.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runPlay(ctx, cmd.OutOrStdout(), opts, po, args[0])
		},
	}
	cmd.Flags().Int64Var(&po.maxBufferSize, "max-buffer-size", 0, "Buffer capacity in bytes (default depends on --live)")
	cmd.Flags().BoolVar(&po.live, "live", false, "Use the smaller live buffer")
	cmd.Flags().StringVar(&po.protocol, "protocol", "", "Protocol hint: file, http or hls (default: detect)")
	return cmd
}

func runPlay(ctx context.Context, out io.Writer, opts *rootOptions, po playOptions, raw string) error {
	loc, err := media.ParseLocator(raw, media.Protocol(po.protocol))
	if err != nil {
		return err
	}
	size := po.maxBufferSize
	if size == 0 && po.live {
		size = player.LiveMaxBufferSize
	}

	log := logger.NewWithWriter(os.Stderr, opts.logLevel, opts.logFormat)
	popts := playerOptions(log, nil)
	p, err := player.New(player.Config{Locator: loc, MaxBufferSize: size, Options: &popts})
	if err != nil {
		return err
	}
	return playUntilDone(ctx, out, p)
}

// playUntilDone drives p to a terminal state, printing every event. Canceling
// ctx stops playback.
func playUntilDone(ctx context.Context, out io.Writer, p *player.Player) error {
	if err := p.PrepareToPlay(); err != nil {
		return err
	}
	// A session that already failed reports its own error below.
	if err := p.Play(); err != nil && !errors.Is(err, player.ErrTerminated) {
		p.Stop()
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.Done():
		}
	}()

	for ev := range p.Events() {
		fmt.Fprintln(out, formatEvent(ev))
	}
	<-p.Done()
	return p.Err()
}

func formatEvent(ev player.Event) string {
	line := fmt.Sprintf("%s %-15s state=%s", ev.Time.Format("15:04:05.000"), ev.Type, ev.State)
	switch ev.Type {
	case player.EventStateChanged:
		line += fmt.Sprintf(" previous=%s", ev.Previous)
	case player.EventSegmentLoaded, player.EventSegmentSkipped:
		line += fmt.Sprintf(" sequence=%d", ev.Segment.Sequence)
	}
	if ev.Err != nil {
		line += fmt.Sprintf(" error=%q", ev.Err.Error())
	}
	return line
}
