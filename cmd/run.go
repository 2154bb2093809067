package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/spiffcs/stalebot/config"
	"github.com/spiffcs/stalebot/internal/archive"
	"github.com/spiffcs/stalebot/internal/constants"
	"github.com/spiffcs/stalebot/internal/history"
	"github.com/spiffcs/stalebot/internal/log"
	"github.com/spiffcs/stalebot/internal/messages"
	"github.com/spiffcs/stalebot/internal/model"
	"github.com/spiffcs/stalebot/internal/notify"
	"github.com/spiffcs/stalebot/internal/output"
	"github.com/spiffcs/stalebot/internal/scan"
	"github.com/spiffcs/stalebot/internal/stats"
	"github.com/spiffcs/stalebot/internal/tui"
)

// runRuntime bundles TUI-related state that's threaded through a run.
type runRuntime struct {
	useTUI  bool
	dryRun  bool
	events  chan tui.Event
	tuiDone chan error
}

func (rt *runRuntime) startTUI() {
	if !rt.useTUI {
		return
	}
	rt.events = make(chan tui.Event, 100)
	rt.tuiDone = make(chan error, 1)
	go func() {
		rt.tuiDone <- tui.Run(rt.events, tui.WithTasks(tui.RunTasks()), tui.WithDryRun(rt.dryRun))
	}()
}

// close closes the event channel and waits for the TUI to finish.
func (rt *runRuntime) close() {
	if rt.events == nil {
		return
	}
	tui.SendEvent(rt.events, tui.DoneEvent{})
	close(rt.events)
	<-rt.tuiDone
	rt.events = nil
}

func (rt *runRuntime) sendEvent(task tui.TaskID, status tui.TaskStatus, opts ...tui.TaskEventOption) {
	if rt.events == nil {
		return
	}
	tui.SendTaskEvent(rt.events, task, status, opts...)
}

func (rt *runRuntime) progress() scan.ProgressFunc {
	if rt.events != nil {
		return tui.StageProgress(rt.events)
	}
	return logProgress()
}

// NewCmdRun creates the run command.
func NewCmdRun(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Scan projects and notify owners of stale branches (same as root stalebot)",
		Long: `Scans every configured project for stale branches and merge/pull
requests, emails one digest per owner, optionally posts reminder comments on
inactive requests, and archives branches past the cleanup window.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runScan(cmd.Context(), opts)
		},
	}
	addRunFlags(cmd, opts)
	return cmd
}

// addRunFlags adds the run flags to a command.
func addRunFlags(cmd *cobra.Command, opts *Options) {
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "Log every mutation instead of performing it")
	cmd.Flags().BoolVar(&opts.Archive, "archive", false, "Archive branches past the cleanup window even if enable_auto_archive is off")
	cmd.Flags().BoolVar(&opts.Comments, "comments", false, "Post reminder comments even if enable_mr_comments is off")
	cmd.Flags().StringVarP(&opts.Format, "output", "o", "table", "Summary format (table, json)")
	addTUIFlag(cmd, opts)
	addProfilingFlags(cmd, opts)
}

func runScan(ctx context.Context, opts *Options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	format, err := output.ParseFormat(opts.Format)
	if err != nil {
		return err
	}

	profiler := NewProfiler(opts)
	if err := profiler.Start(); err != nil {
		return err
	}
	defer profiler.Stop()

	runID := uuid.NewString()
	rt := &runRuntime{useTUI: shouldUseTUI(opts)}
	logw := io.Writer(os.Stderr)
	if rt.useTUI {
		logw = io.Discard
	}
	if err := initLogging(opts, logw, "run", runID); err != nil {
		return err
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	rt.dryRun = cfg.DryRun || opts.DryRun
	rt.startTUI()
	defer rt.close()

	rt.sendEvent(tui.TaskConfig, tui.StatusRunning)
	p, err := newPipeline(cfg, opts, rt, runID)
	if err != nil {
		rt.sendEvent(tui.TaskConfig, tui.StatusError, tui.WithError(err))
		return err
	}
	defer p.close()
	rt.sendEvent(tui.TaskConfig, tui.StatusComplete, tui.WithCount(len(p.projects)))

	sum, err := p.orchestrator.Run(ctx, p.projects)
	if p.platform.limits != nil {
		if _, _, resetAt, limited := p.platform.limits.Status(); limited {
			tui.SendEvent(rt.events, tui.RateLimitEvent{Limited: true, ResetAt: resetAt})
		}
	}
	if sum == nil {
		return err
	}

	if statsStore, serr := stats.NewStore(); serr != nil {
		log.Warn("could not open stats store", "error", serr)
	} else if serr := statsStore.Append(stats.FromSummary(sum)); serr != nil {
		log.Warn("could not record run stats", "error", serr)
	}

	rt.close()
	log.ProgressClear()
	if ferr := output.NewFormatter(format).FormatSummary(sum, os.Stdout); ferr != nil {
		return ferr
	}
	return err
}

// pipeline holds the wired components of one run.
type pipeline struct {
	store        *history.Store
	platform     *platformClient
	orchestrator *scan.Orchestrator
	projects     []model.Project
}

func (p *pipeline) close() {
	if err := p.store.Close(); err != nil {
		log.Warn("could not close history store", "error", err)
	}
}

// newPipeline validates cfg and wires the platform, the history store and
// the delivery components into an orchestrator.
func newPipeline(cfg *config.Config, opts *Options, rt *runRuntime, runID string) (*pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}

	dryRun := rt.dryRun
	autoArchive := cfg.EnableAutoArchive || opts.Archive
	comments := cfg.EnableMRComments || opts.Comments

	pc, err := newPlatform(cfg, dryRun)
	if err != nil {
		return nil, err
	}

	store, err := history.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}

	composer, err := notify.NewComposer(messages.Greetings(cfg.EmailGreetingsFile), cfg.StaleDays, cfg.CleanupWeeks,
		notify.WithAutoArchive(autoArchive))
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to prepare email template: %w", err)
	}
	sender := notify.NewSMTPSender(notify.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		From:     cfg.SMTP.FromEmail,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		UseTLS:   cfg.SMTP.UseTLS,
		Timeout:  constants.SMTPTimeout,
	})
	notifier := notify.NewNotifier(composer, sender, store, cfg.NotificationCooldown(),
		notify.WithNotifierDryRun(dryRun))

	scanOpts := []scan.Option{
		scan.WithNotifier(notifier),
		scan.WithProgress(rt.progress()),
	}
	if comments {
		reminder := notify.NewReminder(pc.adapter, store, messages.Comments(cfg.MRCommentsFile),
			cfg.MRCommentInactivityDays, cfg.CommentCooldown(), notify.WithReminderDryRun(dryRun))
		scanOpts = append(scanOpts, scan.WithReminder(reminder))
	} else {
		rt.sendEvent(tui.TaskComment, tui.StatusSkipped, tui.WithMessage("disabled"))
	}
	if autoArchive {
		scanOpts = append(scanOpts, scan.WithArchiver(archive.New(pc.adapter, store, cfg.ArchiveFolder, archive.WithDryRun(dryRun))))
	} else {
		rt.sendEvent(tui.TaskArchive, tui.StatusSkipped, tui.WithMessage("disabled"))
	}

	orch := scan.New(pc.adapter, scan.Config{
		StaleDays:         cfg.StaleDays,
		CleanupWeeks:      cfg.CleanupWeeks,
		MaxWorkers:        int(cfg.MaxWorkers),
		RequestTimeout:    cfg.RequestTimeout(),
		ProtectedPatterns: cfg.ProtectedBranches,
		FallbackEmail:     cfg.FallbackEmail,
		AutoArchive:       autoArchive,
		DryRun:            dryRun,
		RunID:             runID,
	}, scanOpts...)

	return &pipeline{
		store:        store,
		platform:     pc,
		orchestrator: orch,
		projects:     cfg.ProjectList(),
	}, nil
}

// logProgress prints throttled progress lines when the TUI is off.
func logProgress() scan.ProgressFunc {
	var (
		mu   sync.Mutex
		last = make(map[scan.Stage]int)
	)
	labels := map[scan.Stage]string{
		scan.StageScan:    "Scanning projects",
		scan.StageArchive: "Archiving branches",
		scan.StageNotify:  "Sending digests",
		scan.StageComment: "Posting reminders",
	}
	return func(stage scan.Stage, completed, total int) {
		if total == 0 {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		percent := completed * 100 / total
		if completed > 0 && completed < total && percent-last[stage] < constants.LogThrottlePercent {
			return
		}
		last[stage] = percent
		log.Progress("%s: %d/%d (%d%%)...", labels[stage], completed, total, percent)
		if completed >= total {
			log.ProgressDone()
		}
	}
}
