package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/korentomas/issueforge/internal/auth"
	"github.com/korentomas/issueforge/internal/config"
	"github.com/korentomas/issueforge/internal/dashboard"
	"github.com/korentomas/issueforge/internal/domain"
	"github.com/korentomas/issueforge/internal/notify"
	"github.com/korentomas/issueforge/internal/runner"
	"github.com/korentomas/issueforge/internal/sweep"
	"github.com/korentomas/issueforge/internal/threadstore"
	"github.com/korentomas/issueforge/internal/triage"
	"github.com/korentomas/issueforge/web/api"
)

var (
	listStatus string
	serveHost  string
	servePort  int
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane server",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show thread counts and spend",
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	threadsCmd := &cobra.Command{
		Use:   "threads",
		Short: "List task threads",
		RunE:  runThreads,
	}
	threadsCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	rootCmd.AddCommand(threadsCmd)

	triageCmd := &cobra.Command{
		Use:   "triage",
		Short: "Run one issue intake pass now",
		RunE:  runTriage,
	}
	rootCmd.AddCommand(triageCmd)

	tokenCmd := &cobra.Command{
		Use:   "token USER_ID",
		Short: "Mint a session token for a user",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
	rootCmd.AddCommand(tokenCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*threadstore.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
		return nil, err
	}
	return threadstore.New(cfg.General.DatabasePath)
}

func newRunnerClient(cfg *config.Config) *runner.Client {
	return runner.New(cfg.Runner.URL, cfg.Runner.WebhookSecret,
		time.Duration(cfg.Runner.RequestTimeout)*time.Second)
}

// dispatchFunc adapts the runner client for the triage intake, which hands
// over whole threads rather than request structs
func dispatchFunc(client *runner.Client, baseURL string) triage.DispatchFunc {
	return func(ctx context.Context, thread *domain.TaskThread) error {
		return client.Dispatch(ctx, runner.DispatchRequest{
			ThreadID:    thread.ID,
			RepoURL:     thread.RepoURL,
			Branch:      thread.Branch,
			BaseBranch:  thread.BaseBranch,
			Description: thread.Description,
			RiskTier:    string(thread.RiskTier),
			Engine:      thread.Engine,
			Model:       thread.Model,
			CallbackURL: baseURL + "/api/threads/" + thread.ID + "/webhook",
		})
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Web.Host = serveHost
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runnerClient := newRunnerClient(cfg)
	slack := notify.NewSlackNotifier(cfg.Notifications.SlackWebhook)

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := api.NewServer(api.Options{
		Store:          store,
		Runner:         runnerClient,
		Sessions:       auth.New(cfg.Auth.SessionSecret),
		Notifier:       slack,
		WebhookSecret:  cfg.Runner.WebhookSecret,
		BaseURL:        cfg.General.BaseURL,
		PollInterval:   cfg.Stream.PollInterval(),
		Addr:           addr,
		AllowedOrigins: cfg.Web.AllowedOrigins,
	})

	intake := triage.NewIntake(
		triage.NewFetcher(&cfg.Triage),
		store,
		dispatchFunc(runnerClient, cfg.General.BaseURL),
		&cfg.Triage,
	)
	sweeper := sweep.New(store, slack, cfg.Sweep.StuckAfter())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := cron.New()
	if cfg.Triage.Repo != "" {
		_, err := scheduler.AddFunc(cfg.Triage.Cron, func() {
			if created, err := intake.Run(ctx); err != nil {
				slog.Error("issue intake failed", "error", err)
			} else if created > 0 {
				slog.Info("issue intake finished", "threads_created", created)
			}
		})
		if err != nil {
			return fmt.Errorf("invalid triage cron %q: %w", cfg.Triage.Cron, err)
		}
	}
	if _, err := scheduler.AddFunc(cfg.Sweep.Cron, func() {
		if _, err := sweeper.Run(); err != nil {
			slog.Error("stuck thread sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep cron %q: %w", cfg.Sweep.Cron, err)
	}

	watchPath := configPath
	if watchPath == "" {
		watchPath = config.DefaultConfigPath()
	}
	watcher := config.NewWatcher(watchPath, func(next *config.Config) {
		slack.SetWebhookURL(next.Notifications.SlackWebhook)
	})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		return server.Start(ctx)
	})
	g.Go(func() error {
		scheduler.Start()
		<-ctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error {
		return watcher.Run(ctx)
	})

	return g.Wait()
}

var (
	statusTitleStyle = lipgloss.NewStyle().Bold(true)
	statusDimStyle   = lipgloss.NewStyle().Faint(true)

	statusColors = map[domain.ThreadStatus]lipgloss.Style{
		domain.StatusPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		domain.StatusRunning:    lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		domain.StatusCommitting: lipgloss.NewStyle().Foreground(lipgloss.Color("99")),
		domain.StatusComplete:   lipgloss.NewStyle().Foreground(lipgloss.Color("35")),
		domain.StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("160")),
		domain.StatusCancelled:  lipgloss.NewStyle().Foreground(lipgloss.Color("172")),
	}
)

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := threadstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := dashboard.Collect(store)
	if err != nil {
		return err
	}

	fmt.Println(statusTitleStyle.Render(fmt.Sprintf("Threads: %d total", stats.Total)))
	rows := []struct {
		status domain.ThreadStatus
		count  int
	}{
		{domain.StatusPending, stats.Pending},
		{domain.StatusRunning, stats.Running},
		{domain.StatusCommitting, stats.Committing},
		{domain.StatusComplete, stats.Complete},
		{domain.StatusFailed, stats.Failed},
		{domain.StatusCancelled, stats.Cancelled},
	}
	for _, row := range rows {
		style, ok := statusColors[row.status]
		if !ok {
			style = statusDimStyle
		}
		fmt.Printf("  %s %d\n", style.Render(fmt.Sprintf("%-11s", row.status)), row.count)
	}

	fmt.Println()
	fmt.Printf("Total spend:  %s\n", stats.TotalCostDisplay())
	fmt.Printf("Avg duration: %s\n", stats.AvgDurationDisplay())

	return nil
}

func runThreads(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	store, err := threadstore.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := threadstore.ListOptions{Status: domain.ThreadStatus(listStatus)}
	threads, err := store.ListThreads(opts)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tUSER\tCOST")
	for _, t := range threads {
		cost := t.CostUSD
		if cost == "" {
			cost = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Title, t.Status, t.UserID, cost)
	}
	w.Flush()

	return nil
}

func runTriage(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Triage.Repo == "" {
		return fmt.Errorf("triage.repo not configured")
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	intake := triage.NewIntake(
		triage.NewFetcher(&cfg.Triage),
		store,
		dispatchFunc(newRunnerClient(cfg), cfg.General.BaseURL),
		&cfg.Triage,
	)

	created, err := intake.Run(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Created %d threads from %s\n", created, cfg.Triage.Repo)
	return nil
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.SessionSecret == "" {
		return fmt.Errorf("auth.session_secret not configured")
	}

	fmt.Println(auth.New(cfg.Auth.SessionSecret).Token(args[0]))
	return nil
}
