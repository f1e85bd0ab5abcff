package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kfetch/internal/config"
	"github.com/goodtune/kfetch/internal/engine"
	"github.com/goodtune/kfetch/internal/media"
	"github.com/goodtune/kfetch/internal/progress"
	"github.com/goodtune/kfetch/internal/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	fetchKind     string
	fetchQuality  int
	fetchLang     string
	fetchPlaylist string
	fetchOutput   string
	fetchUser     string
	fetchVerbose  bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch [flags] URL",
	Short: "Download a link from the console",
	Long: `Resolve a link and download it through the same engine the service uses,
including rate limits and the access policy.`,
	Example: `  kfetch fetch https://www.youtube.com/watch?v=dQw4w9WgXcQ
  kfetch fetch --kind audio -o ~/Music https://soundcloud.com/artist/track
  kfetch fetch --kind subtitles --lang en https://www.youtube.com/watch?v=dQw4w9WgXcQ
  kfetch fetch --playlist 10 https://www.youtube.com/playlist?list=PL123`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	fetchCmd.Flags().StringVar(&fetchKind, "kind", "video", "What to download: video, audio or subtitles")
	fetchCmd.Flags().IntVar(&fetchQuality, "quality", 0, "Maximum video height, 0 picks the best offered")
	fetchCmd.Flags().StringVar(&fetchLang, "lang", "all", "Subtitle language")
	fetchCmd.Flags().StringVar(&fetchPlaylist, "playlist", "all", "Number of playlist entries to download")
	fetchCmd.Flags().StringVarP(&fetchOutput, "output", "o", ".", "Output directory")
	fetchCmd.Flags().StringVar(&fetchUser, "user", "console", "User identity checked against policy and rate limits")
	fetchCmd.Flags().BoolVarP(&fetchVerbose, "verbose", "v", false, "Log engine activity to stderr")
	rootCmd.AddCommand(fetchCmd)
}

func runFetch(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := zerolog.New(io.Discard)
	if fetchVerbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}

	if err := os.MkdirAll(fetchOutput, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var (
		mu        sync.Mutex
		delivered []string
	)
	deliverer := engine.DirDeliverer{Root: fetchOutput, Flat: true, Logger: logger}
	c, err := buildCore(cfg, engine.DeliverFunc(func(ctx context.Context, d engine.Delivery) error {
		if err := deliverer.Deliver(ctx, d); err != nil {
			return err
		}
		mu.Lock()
		delivered = append(delivered, d.Title)
		mu.Unlock()
		return nil
	}), logger)
	if err != nil {
		return err
	}
	defer c.close(10 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	user := media.UserID(fetchUser)
	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)

	_, _ = cyan.Fprintf(os.Stdout, "Resolving %s\n", args[0])
	prompt, err := c.engine.SubmitURL(ctx, user, args[0])
	if err != nil {
		return explain(err)
	}
	_, _ = bold.Fprintf(os.Stdout, "%s", prompt.Info.Title)
	if prompt.Info.Platform != "" {
		fmt.Fprintf(os.Stdout, " (%s)", prompt.Info.Platform)
	}
	fmt.Fprintln(os.Stdout)

	opt, err := pickOption(prompt)
	if err != nil {
		_ = c.engine.CancelCurrent(user)
		return err
	}
	_, _ = cyan.Fprintf(os.Stdout, "Selected: %s\n", opt.Label)

	ticket, err := c.engine.SubmitChoice(ctx, user, opt.Token)
	if err != nil {
		return explain(err)
	}

	go func() {
		<-ctx.Done()
		_ = c.engine.CancelCurrent(user)
	}()

	final := watch(ticket)
	if final.Phase == progress.PhaseFailed {
		_, _ = color.New(color.FgRed, color.Bold).Fprintf(os.Stdout, "✗ %s\n", final.Message)
		return fmt.Errorf("download failed")
	}
	_, _ = color.New(color.FgGreen, color.Bold).Fprintf(os.Stdout, "✓ %s\n", final.Message)
	mu.Lock()
	defer mu.Unlock()
	for _, title := range delivered {
		fmt.Fprintf(os.Stdout, "  %s\n", title)
	}
	return nil
}

// pickOption finds the offered option matching the command line flags.
func pickOption(p *engine.Prompt) (engine.Option, error) {
	var want func(c session.Choice) bool

	switch {
	case p.Info.IsPlaylist:
		want = func(c session.Choice) bool { return c.Action == session.ActionPlaylist && c.Param == fetchPlaylist }
	case fetchKind == "audio":
		want = func(c session.Choice) bool { return c.Action == session.ActionAudio }
	case fetchKind == "subtitles":
		want = func(c session.Choice) bool { return c.Action == session.ActionSubtitles && c.Param == fetchLang }
	case fetchKind == "video" && fetchQuality > 0:
		q := strconv.Itoa(fetchQuality)
		want = func(c session.Choice) bool { return c.Action == session.ActionVideo && c.Param == q }
	case fetchKind == "video":
		// Options list the highest quality first.
		want = func(c session.Choice) bool { return c.Action == session.ActionVideo }
	default:
		return engine.Option{}, fmt.Errorf("unknown kind %q", fetchKind)
	}

	for _, o := range p.Options {
		if want(o.Choice) {
			return o, nil
		}
	}
	if fetchKind == "subtitles" && fetchLang == "all" {
		// A single language has no "all" entry.
		for _, o := range p.Options {
			if o.Choice.Action == session.ActionSubtitles {
				return o, nil
			}
		}
	}

	fmt.Fprintln(os.Stderr, "Available options:")
	for _, o := range p.Options {
		fmt.Fprintf(os.Stderr, "  %-24s %s %s\n", o.Label, o.Choice.Action, o.Choice.Param)
	}
	return engine.Option{}, fmt.Errorf("no matching option for this link")
}

// watch prints the flow's progress and returns its final root event.
func watch(t *engine.Ticket) progress.Event {
	yellow := color.New(color.FgYellow)
	final := progress.Event{Phase: progress.PhaseFailed, Message: "no result"}

	for ev := range t.Stream.Events(context.Background()) {
		if ev.TaskID == t.SessionID {
			if ev.Phase.Terminal() {
				final = ev
			} else if t.Tasks > 1 && ev.Phase == progress.PhaseRunning {
				_, _ = yellow.Fprintf(os.Stdout, "[%3.0f%%] %s\n", ev.Percent, ev.Message)
			}
			continue
		}
		switch ev.Phase {
		case progress.PhaseRunning:
			fmt.Fprintf(os.Stdout, "\r%s %-60s", ev.TaskID, ev.Message)
		case progress.PhaseFinished, progress.PhaseFailed:
			fmt.Fprintf(os.Stdout, "\r%s %-60s\n", ev.TaskID, ev.Phase)
		}
	}
	return final
}

// explain turns an engine error into a user-facing one.
func explain(err error) error {
	var me *media.Error
	if errors.As(err, &me) && me.Detail != "" {
		return fmt.Errorf("%s (%s)", media.Describe(err), me.Detail)
	}
	return errors.New(media.Describe(err))
}
