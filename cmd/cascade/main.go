package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/igoryan-dao/cascade/internal/config"
	"github.com/igoryan-dao/cascade/internal/executor"
	"github.com/igoryan-dao/cascade/internal/mcp"
	"github.com/igoryan-dao/cascade/internal/pipeline"
	"github.com/igoryan-dao/cascade/internal/state"
	"github.com/igoryan-dao/cascade/internal/task"
)

var (
	flagModel      string
	flagWorkingDir string
	flagRetries    int
)

var rootCmd = &cobra.Command{
	Use:   "cascade",
	Short: "Pipeline orchestration for an external AI assistant CLI",
}

var runCmd = &cobra.Command{
	Use:   "run <workflow.yaml>",
	Short: "Run a workflow from a definition file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}

		orch, st, tasks, err := svc.Start(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Execution %s (%d steps)\n", st.ExecutionID, len(tasks))
		return drive(cmd.Context(), orch, st, tasks)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <execution-id>",
	Short: "Resume a paused execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}

		orch, st, tasks, err := svc.PrepareResume(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Resuming %s at step %d/%d\n", st.ExecutionID, st.CurrentStep, st.TotalSteps)
		return drive(cmd.Context(), orch, st, tasks)
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List resumable executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := state.NewStore("")
		if err != nil {
			return err
		}
		states, err := store.ListResumable()
		if err != nil {
			return err
		}
		if len(states) == 0 {
			fmt.Println("No resumable executions.")
			return nil
		}
		for _, st := range states {
			fmt.Printf("%s  %-20s %s (%d/%d, %s)\n",
				st.ExecutionID, st.WorkflowName, st.Status, st.CurrentStep, st.TotalSteps, st.PauseReason)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <execution-id>",
	Short: "Show the durable state of an execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := state.NewStore("")
		if err != nil {
			return err
		}
		st, err := store.Load(args[0])
		if err != nil {
			return err
		}
		if st == nil {
			return fmt.Errorf("no execution %s", args[0])
		}
		fmt.Printf("Workflow:  %s (%s)\n", st.WorkflowName, st.WorkflowPath)
		fmt.Printf("Status:    %s", st.Status)
		if st.PauseReason != "" {
			fmt.Printf(" (%s)", st.PauseReason)
		}
		fmt.Printf("\nProgress:  %d/%d\n", st.CurrentStep, st.TotalSteps)
		for _, sr := range st.CompletedSteps {
			line := fmt.Sprintf("  [%d] %s: %s", sr.StepIndex, sr.StepID, sr.Status)
			if sr.SessionID != "" {
				line += " session=" + sr.SessionID
			}
			fmt.Println(line)
		}
		return nil
	},
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Delete execution state older than the configured age",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewStore()
		if err != nil {
			return err
		}
		store, err := state.NewStore("")
		if err != nil {
			return err
		}
		maxAge := time.Duration(cfg.Get().Tool.CleanupMaxDays) * 24 * time.Hour
		removed, err := store.Cleanup(maxAge)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d execution(s).\n", removed)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the pipeline engine over MCP stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		return mcp.Serve(svc)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagModel, "model", "m", "", "Model override for this run")
	rootCmd.PersistentFlags().StringVarP(&flagWorkingDir, "dir", "d", "", "Working directory for tool invocations")
	rootCmd.PersistentFlags().IntVar(&flagRetries, "retries", -1, "Rate-limit retry bound (-1 uses settings)")
	rootCmd.AddCommand(runCmd, resumeCmd, listCmd, statusCmd, cleanCmd, serveCmd)
}

func newService() (*pipeline.Service, error) {
	cfg, err := config.NewStore()
	if err != nil {
		return nil, err
	}
	settings := cfg.Get()
	if flagModel != "" {
		settings.Tool.Model = flagModel
	}
	if flagWorkingDir != "" {
		settings.Tool.WorkingDir = flagWorkingDir
	}
	if flagRetries >= 0 {
		settings.Tool.RateLimitRetry = flagRetries
	}

	store, err := state.NewStore("")
	if err != nil {
		return nil, err
	}
	cache := executor.NewAvailabilityCache(time.Duration(settings.Tool.AvailabilityTTL) * time.Second)
	return pipeline.NewService(store, settings, cache), nil
}

// drive runs the pipeline while printing its event stream. Ctrl-C requests a
// pause at the next task boundary; a second Ctrl-C kills the subprocess.
func drive(ctx context.Context, orch *pipeline.Orchestrator, st *state.WorkflowState, tasks []*task.Record) error {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
		case <-done:
			return
		}
		fmt.Println("\nPausing at the next task boundary (Ctrl-C again to cancel)...")
		orch.Pause(state.PauseManual)
		select {
		case <-sigCh:
			orch.Cancel()
		case <-done:
		}
	}()

	var res *pipeline.Result
	var runErr error
	go func() {
		res, runErr = orch.Run(ctx, st, tasks)
		close(done)
	}()

	for ev := range orch.Events() {
		printEvent(ev)
	}
	<-done

	if runErr != nil {
		return runErr
	}
	if res.Status == pipeline.RunPaused {
		fmt.Printf("Paused. Resume with: cascade resume %s\n", st.ExecutionID)
	}
	return nil
}

func printEvent(ev pipeline.Event) {
	decorated := isatty.IsTerminal(os.Stdout.Fd())
	prefix := map[pipeline.EventType]string{
		pipeline.EventProgress:  "→",
		pipeline.EventPaused:    "⏸",
		pipeline.EventCompleted: "✓",
		pipeline.EventFailed:    "✗",
	}[ev.Type]
	if !decorated {
		prefix = "*"
	}
	fmt.Printf("%s %s\n", prefix, ev.Message)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
