package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vk/pipegrid/internal/app"
	"github.com/vk/pipegrid/internal/history"
	"github.com/vk/pipegrid/internal/model"
	"github.com/vk/pipegrid/internal/scheduler"
	"github.com/vk/pipegrid/internal/trigger"
	"github.com/vk/pipegrid/modules/artifacts"
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitFailed     = 1
	ExitDefinition = 2
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// globalFlags are shared by every command. Defaults come from PIPEGRID_*
// environment variables.
type globalFlags struct {
	logLevel     string
	logFormat    string
	logFile      string
	db           string
	artifacts    string
	workspace    string
	workers      int
	retention    string
	docker       bool
	dockerHost   string
	secretGrants map[string]string
}

// Execute runs the command line in args. Output meant for the user goes to
// outW; logs go to errW. The returned error is nil or an *ExitError.
func Execute(ctx context.Context, args []string, outW, errW io.Writer) error {
	root := NewRootCommand(outW, errW)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr
	}
	// Anything cobra rejects before a command runs is a usage error.
	return &ExitError{Code: ExitDefinition, Message: err.Error()}
}

// NewRootCommand builds the pipegrid command tree.
func NewRootCommand(outW, errW io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "pipegrid",
		Short:         "pipegrid - a declarative pipeline orchestration engine.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(outW)
	root.SetErr(errW)

	pf := root.PersistentFlags()
	pf.StringVar(&g.logLevel, "log-level", getEnv("PIPEGRID_LOG_LEVEL", "info"), "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")
	pf.StringVar(&g.logFormat, "log-format", getEnv("PIPEGRID_LOG_FORMAT", "text"), "Log output format. Options: 'text' or 'json'.")
	pf.StringVar(&g.logFile, "log-file", getEnv("PIPEGRID_LOG_FILE", ""), "Also write logs to this rotated file.")
	pf.StringVar(&g.db, "db", getEnv("PIPEGRID_DB", ""), "Run history database: a sqlite path, sqlite://<path> or mysql://<dsn>.")
	pf.StringVar(&g.artifacts, "artifacts", getEnv("PIPEGRID_ARTIFACTS", ""), "Artifact store directory. Empty keeps artifacts in memory.")
	pf.StringVar(&g.workspace, "workspace", getEnv("PIPEGRID_WORKSPACE", ""), "Directory for job workspaces.")
	pf.IntVar(&g.workers, "workers", getEnvInt("PIPEGRID_WORKERS", scheduler.DefaultWorkers), "Number of concurrent job workers.")
	pf.StringVar(&g.retention, "retention", getEnv("PIPEGRID_RETENTION", ""), "Artifact and history retention, e.g. '7d' or '72h'.")
	pf.BoolVar(&g.docker, "docker", getEnv("PIPEGRID_DOCKER", "") == "true", "Enable docker:// job environments.")
	pf.StringVar(&g.dockerHost, "docker-host", getEnv("PIPEGRID_DOCKER_HOST", ""), "Docker daemon address; defaults to the DOCKER_* environment.")
	pf.StringToStringVar(&g.secretGrants, "secret-grant", nil, "Permission required to read a secret, as NAME=scope:level.")

	root.AddCommand(
		newRunCommand(g, outW, errW),
		newValidateCommand(g, errW),
		newStatusCommand(g, outW, errW),
		newServeCommand(g, errW),
	)
	return root
}

// config translates the flags into a validated app.Config.
func (g *globalFlags) config(paths []string) (*app.Config, error) {
	retention, err := artifacts.ParseRetention(g.retention)
	if err != nil {
		return nil, &ExitError{Code: ExitDefinition, Message: fmt.Sprintf("invalid retention: %v", err)}
	}
	cfg, err := app.NewConfig(app.Config{
		Paths:         paths,
		LogFormat:     g.logFormat,
		LogLevel:      g.logLevel,
		LogFile:       g.logFile,
		DB:            g.db,
		ArtifactRoot:  g.artifacts,
		WorkspaceRoot: g.workspace,
		WorkerCount:   g.workers,
		Retention:     retention,
		Docker:        g.docker,
		DockerHost:    g.dockerHost,
		SecretGrants:  g.secretGrants,
	})
	if err != nil {
		return nil, &ExitError{Code: ExitDefinition, Message: err.Error()}
	}
	return cfg, nil
}

// newApp builds the application. Load failures are definition errors.
func (g *globalFlags) newApp(ctx context.Context, paths []string, errW io.Writer) (*app.App, error) {
	cfg, err := g.config(paths)
	if err != nil {
		return nil, err
	}
	a, err := app.NewApp(ctx, errW, cfg)
	if err != nil {
		return nil, &ExitError{Code: ExitDefinition, Message: err.Error()}
	}
	return a, nil
}

// closeApp shuts a down. Close logs its own failure through the app logger;
// it is echoed to errW because the log sink is gone by then. It never changes
// the exit code.
func closeApp(a *app.App, errW io.Writer) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		fmt.Fprintf(errW, "Warning: shutdown incomplete: %v\n", err)
	}
}

func newRunCommand(g *globalFlags, outW, errW io.Writer) *cobra.Command {
	var (
		event  string
		ev     trigger.Event
		inputs map[string]string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "run PATH...",
		Short: "Run the pipelines admitted by an event and wait for them.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := model.ParseEventKind(event)
			if err != nil {
				return &ExitError{Code: ExitDefinition, Message: err.Error()}
			}
			ev.Kind = kind
			ev.Inputs = inputs
			if kind == model.EventSchedule && ev.Schedule == "" {
				return &ExitError{Code: ExitDefinition, Message: "--schedule is required for schedule events"}
			}

			a, err := g.newApp(cmd.Context(), args, errW)
			if err != nil {
				return err
			}
			defer closeApp(a, errW)
			if err := a.Validate(); err != nil {
				return &ExitError{Code: ExitDefinition, Message: err.Error()}
			}

			reports, err := a.Run(cmd.Context(), ev)
			if errors.Is(err, app.ErrNoPipelineAdmitted) {
				return &ExitError{Code: ExitFailed, Message: err.Error()}
			}
			if err != nil && errors.Is(err, model.ErrDefinition) {
				return &ExitError{Code: ExitDefinition, Message: err.Error()}
			}
			if asJSON {
				printJSON(outW, reports)
			} else {
				for _, rep := range reports {
					printReport(outW, rep)
				}
			}
			if err != nil {
				return &ExitError{Code: ExitFailed, Message: err.Error()}
			}
			if app.Failed(reports) {
				return &ExitError{Code: ExitFailed, Message: "one or more runs did not succeed"}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVarP(&event, "event", "e", "push", "Event kind: push, pull_request, schedule or manual.")
	f.StringVarP(&ev.Ref, "ref", "r", "main", "Git ref or branch name of the event.")
	f.StringVar(&ev.Actor, "actor", os.Getenv("USER"), "Actor that caused the event.")
	f.StringVar(&ev.SHA, "sha", "", "Commit SHA of the event.")
	f.StringVar(&ev.Repository, "repository", "", "Repository of the event.")
	f.StringVar(&ev.Schedule, "schedule", "", "Cron expression of a schedule event.")
	f.StringToStringVarP(&inputs, "input", "i", nil, "Manual event input as KEY=VALUE.")
	f.BoolVar(&asJSON, "json", false, "Print the final reports as JSON.")
	return cmd
}

func newValidateCommand(g *globalFlags, errW io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "validate PATH...",
		Short: "Validate pipeline definitions without running them.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.newApp(cmd.Context(), args, errW)
			if err != nil {
				return err
			}
			defer closeApp(a, errW)
			if err := a.Validate(); err != nil {
				return &ExitError{Code: ExitDefinition, Message: err.Error()}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d pipeline(s) valid\n", len(a.Pipelines()))
			return nil
		},
	}
}

func newStatusCommand(g *globalFlags, outW, errW io.Writer) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Print the persisted report of a run.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.db == "" {
				return &ExitError{Code: ExitDefinition, Message: "status needs --db (or PIPEGRID_DB)"}
			}
			a, err := g.newApp(cmd.Context(), nil, errW)
			if err != nil {
				return err
			}
			defer closeApp(a, errW)

			rep, err := a.Status(cmd.Context(), args[0])
			if errors.Is(err, history.ErrNotFound) {
				return &ExitError{Code: ExitFailed, Message: fmt.Sprintf("run %s not found", args[0])}
			}
			if err != nil {
				return &ExitError{Code: ExitFailed, Message: err.Error()}
			}
			if asJSON {
				printJSON(outW, rep)
				return nil
			}
			printReport(outW, rep)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON.")
	return cmd
}

func newServeCommand(g *globalFlags, errW io.Writer) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve [PATH...]",
		Short: "Serve the HTTP API and fire schedule triggers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.config(args)
			if err != nil {
				return err
			}
			cfg.Listen = listen
			a, err := app.NewApp(cmd.Context(), errW, cfg)
			if err != nil {
				return &ExitError{Code: ExitDefinition, Message: err.Error()}
			}
			if err := a.Validate(); err != nil && len(a.Pipelines()) > 0 {
				closeApp(a, errW)
				return &ExitError{Code: ExitDefinition, Message: err.Error()}
			}
			if err := a.Serve(cmd.Context()); err != nil {
				return &ExitError{Code: ExitFailed, Message: err.Error()}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", getEnv("PIPEGRID_LISTEN", app.DefaultListen), "HTTP API listen address.")
	return cmd
}

func printReport(w io.Writer, rep *scheduler.Report) {
	fmt.Fprintf(w, "run %s  pipeline=%s  event=%s  ref=%s  status=%s\n", rep.RunID, rep.Pipeline, rep.Event, rep.Ref, rep.Status)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATE\tCONCLUSION\tDURATION\tDETAIL")
	for _, j := range rep.Jobs {
		detail := j.Error
		if j.SkipReason != model.SkipNone {
			detail = "skipped: " + string(j.SkipReason)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", j.ID, j.State, j.Conclusion, j.Duration.Round(time.Millisecond), firstLine(detail))
	}
	tw.Flush()
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return n
}
