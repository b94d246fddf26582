package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mapflow/mapflow/internal/config"
	"github.com/mapflow/mapflow/internal/events"
	internal_http "github.com/mapflow/mapflow/internal/http"
	"github.com/mapflow/mapflow/internal/log"
	internal_storage "github.com/mapflow/mapflow/internal/storage"
	"github.com/mapflow/mapflow/pkg/checkpoint"
	"github.com/mapflow/mapflow/pkg/executor"
	"github.com/mapflow/mapflow/pkg/service"
	"github.com/mapflow/mapflow/pkg/storage"
	"github.com/mapflow/mapflow/pkg/workspace"
)

func SetupCLI(rootCmd *cobra.Command) {
	runCmd := &cobra.Command{
		Use:   "run [workflow.yml]",
		Short: "Run a workflow from the beginning",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			settings := loadSettings()
			wf, err := config.LoadWorkflow(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to load workflow: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			store := initStore(settings)
			defer store.Close()
			svc := buildService(settings, store)
			ctx, cancel := interruptibleContext()
			defer cancel()
			job, err := svc.RunJob(ctx, wf)
			report(job.ID, job.Status, err)
		},
	}

	resumeCmd := &cobra.Command{
		Use:   "resume [job-id] [workflow.yml]",
		Short: "Resume an interrupted job from its last checkpoint",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			settings := loadSettings()
			force, _ := cmd.Flags().GetBool("force")
			if force {
				if err := checkpoint.ForceClearLock(settings.LockDir(), args[0]); err != nil {
					log.GetLogger().Errorf("Failed to clear resume lock: %v", err)
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
			}
			wf, err := config.LoadWorkflow(args[1])
			if err != nil {
				log.GetLogger().Errorf("Failed to load workflow: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			store := initStore(settings)
			defer store.Close()
			svc := buildService(settings, store)
			ctx, cancel := interruptibleContext()
			defer cancel()
			job, err := svc.ResumeJob(ctx, args[0], wf)
			report(job.ID, job.Status, err)
		},
	}
	resumeCmd.Flags().Bool("force", false, "Clear a stale resume lock before resuming")

	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		Run: func(cmd *cobra.Command, args []string) {
			settings := loadSettings()
			store := initStore(settings)
			defer store.Close()
			jobs, err := store.ListJobs()
			if err != nil {
				log.GetLogger().Errorf("Failed to list jobs: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs found.")
				return
			}
			for _, j := range jobs {
				fmt.Printf("- %s  %-11s phase=%-6s workflow=%s created=%s\n",
					j.ID, j.Status, j.Phase, j.WorkflowName, j.CreatedAt.Format(time.RFC3339))
			}
		},
	}

	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage dead-lettered work items",
	}

	dlqListCmd := &cobra.Command{
		Use:   "list [job-id]",
		Short: "List dead-lettered items for a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			settings := loadSettings()
			store := initStore(settings)
			defer store.Close()
			svc := buildService(settings, store)
			entries, err := svc.DLQ().List(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to list DLQ: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(entries) == 0 {
				fmt.Println("Dead letter queue is empty.")
				return
			}
			for _, e := range entries {
				fmt.Printf("- %s  attempts=%d reprocessed=%v reason=%s\n", e.ID, e.Attempts, e.Reprocessed, e.Reason)
				for _, f := range e.History {
					fmt.Printf("    attempt %d: [%s] %s\n", f.Attempt, f.Kind, f.Message)
				}
			}
		},
	}

	dlqAnalyzeCmd := &cobra.Command{
		Use:   "analyze [job-id]",
		Short: "Summarize failure patterns for a job's DLQ",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			settings := loadSettings()
			store := initStore(settings)
			defer store.Close()
			svc := buildService(settings, store)
			a, err := svc.DLQ().Analyze(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to analyze DLQ: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Total dead-lettered: %d\n", a.Total)
			for kind, n := range a.ByKind {
				fmt.Printf("  %s: %d\n", kind, n)
			}
			if !a.OldestFailure.IsZero() {
				fmt.Printf("Oldest failure: %s\n", a.OldestFailure.Format(time.RFC3339))
				fmt.Printf("Newest failure: %s\n", a.NewestFailure.Format(time.RFC3339))
			}
		},
	}

	dlqRequeueCmd := &cobra.Command{
		Use:   "requeue [entry-id]",
		Short: "Mark a dead-lettered item eligible for reprocessing",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			settings := loadSettings()
			store := initStore(settings)
			defer store.Close()
			svc := buildService(settings, store)
			item, err := svc.RequeueDeadLetter(args[0])
			if err != nil {
				log.GetLogger().Errorf("Failed to requeue DLQ entry: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Requeued item %s; it will be retried on the next resume.\n", item.ID)
		},
	}

	dlqPurgeCmd := &cobra.Command{
		Use:   "purge [entry-id]",
		Short: "Remove a dead-lettered item permanently",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			settings := loadSettings()
			store := initStore(settings)
			defer store.Close()
			svc := buildService(settings, store)
			if err := svc.DLQ().Purge(args[0]); err != nil {
				log.GetLogger().Errorf("Failed to purge DLQ entry: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Purged %s\n", args[0])
		},
	}
	dlqCmd.AddCommand(dlqListCmd, dlqAnalyzeCmd, dlqRequeueCmd, dlqPurgeCmd)

	cleanCmd := &cobra.Command{
		Use:   "clean [job-id]",
		Short: "Remove orphaned workspaces left behind by a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			settings := loadSettings()
			cleanWorkspaces(settings, args[0])
		},
	}

	eventsCmd := &cobra.Command{
		Use:   "events [job-id]",
		Short: "Show recent events for a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			settings := loadSettings()
			n, _ := cmd.Flags().GetInt("tail")
			evs, err := events.NewLog(settings.EventsDir()).Read(args[0], n)
			if err != nil {
				log.GetLogger().Errorf("Failed to read events: %v", err)
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			for _, e := range evs {
				fmt.Printf("%s  %-15s item=%s agent=%s %s\n",
					e.Timestamp.Format(time.RFC3339), e.Type, e.ItemID, e.AgentID, e.Message)
			}
		},
	}
	eventsCmd.Flags().Int("tail", 50, "Number of recent events to show")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the read-only status server",
		Run: func(cmd *cobra.Command, args []string) {
			settings := loadSettings()
			port, _ := cmd.Flags().GetString("port")
			store := initStore(settings)
			defer store.Close()
			if err := internal_http.StartServer(port, store); err != nil {
				log.GetLogger().Errorf("Server failed: %v", err)
				os.Exit(1)
			}
		},
	}
	serveCmd.Flags().String("port", "8080", "Port for the status server")

	rootCmd.AddCommand(runCmd, resumeCmd, jobsCmd, dlqCmd, cleanCmd, eventsCmd, serveCmd)
}

func loadSettings() config.Settings {
	settings, err := config.Load()
	if err != nil {
		log.GetLogger().Errorf("Failed to load settings: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return settings
}

func initStore(settings config.Settings) storage.Store {
	store, err := internal_storage.InitStore(settings.PostgresDSN, settings.JobsDir())
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return store
}

func buildService(settings config.Settings, store storage.Store) *service.JobService {
	logger := log.GetLogger()
	exec := executor.NewExecutor(logger, executor.WithDefaultTimeout(settings.StepTimeout))
	var strategy workspace.ConflictStrategy
	if settings.MergeStrategy == "prefer_newest" {
		strategy = workspace.PreferNewestStrategy{}
	}
	return service.NewJobService(store, exec, service.Config{
		BaseRepo:         settings.BaseRepo,
		WorkspaceRoot:    settings.WorkspaceRoot,
		LockDir:          settings.LockDir(),
		ConflictStrategy: strategy,
		Events:           events.NewLog(settings.EventsDir()),
	}, logger)
}

func cleanWorkspaces(settings config.Settings, jobID string) {
	logger := log.GetLogger()
	mgr := workspace.NewManager(workspace.NewGitCLI(), settings.BaseRepo, settings.WorkspaceRoot, jobID, nil, logger)
	orphans, err := mgr.ListOrphaned()
	if err != nil {
		logger.Errorf("Failed to list orphaned workspaces: %v", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(orphans) == 0 {
		fmt.Println("No orphaned workspaces found.")
		return
	}
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(4)
	var removed int64
	for i := range orphans {
		ws := orphans[i]
		g.Go(func() error {
			if err := mgr.Destroy(ctx, &ws); err != nil {
				logger.Warnf("Failed to remove workspace %s: %v", ws.ID, err)
				return nil
			}
			atomic.AddInt64(&removed, 1)
			return nil
		})
	}
	_ = g.Wait()
	fmt.Printf("Removed %d of %d orphaned workspaces.\n", removed, len(orphans))
}

func interruptibleContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func report(jobID string, status interface{}, err error) {
	if err != nil {
		log.GetLogger().Errorf("Job %s finished with error: %v", jobID, err)
		fmt.Fprintf(os.Stderr, "Job %s: %s (%v)\n", jobID, status, err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "Job %s finished: %s\n", jobID, status)
}
