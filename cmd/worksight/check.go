package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/worksight/internal/config"
	"github.com/goodtune/worksight/internal/session"
	"github.com/goodtune/worksight/internal/storage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkEmployee string
	checkProject  string
	checkStatus   string
	checkLimit    int
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Inspect stored sessions",
	Long:  `Inspect the sessions and app usage Worksight has recorded.`,
}

var checkSessionsCmd = &cobra.Command{
	Use:   "sessions [flags]",
	Short: "List sessions",
	Long:  `List recorded sessions, newest first. Defaults to Active sessions.`,
	Example: `  worksight -c config.yaml check sessions
  worksight check sessions --status complete --employee emp-42 --limit 20`,
	Args: cobra.NoArgs,
	RunE: runCheckSessions,
}

var checkSessionCmd = &cobra.Command{
	Use:     "session [flags] SESSION_ID",
	Short:   "Show a session and its app usage",
	Example: `  worksight check session 2f1c9d7e-6b0e-4a53-9d0b-6f8b8f0a1c33`,
	Args:    cobra.ExactArgs(1),
	RunE:    runCheckSession,
}

func init() {
	checkSessionsCmd.Flags().StringVar(&checkEmployee, "employee", "", "Filter by employee ID")
	checkSessionsCmd.Flags().StringVar(&checkProject, "project", "", "Filter by project ID")
	checkSessionsCmd.Flags().StringVar(&checkStatus, "status", "active", "Filter by status (active, complete, or empty for all)")
	checkSessionsCmd.Flags().IntVar(&checkLimit, "limit", 50, "Maximum number of sessions to show")

	checkCmd.AddCommand(checkSessionsCmd)
	checkCmd.AddCommand(checkSessionCmd)
	rootCmd.AddCommand(checkCmd)
}

// openManager builds a session manager over the configured store for
// read-only inspection.
func openManager() (*session.Manager, storage.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	tracker := session.NewTracker(store.Sessions(), nil, logger)
	manager, err := session.NewManager(store.Sessions(), tracker, session.Config{
		AppCacheSize: cfg.Sessions.AppCacheSize,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("failed to initialize Session Manager: %w", err)
	}

	return manager, store, nil
}

func runCheckSessions(cmd *cobra.Command, args []string) error {
	filter := storage.SessionFilter{
		EmployeeID: checkEmployee,
		ProjectID:  checkProject,
		Limit:      checkLimit,
	}
	if checkStatus != "" {
		status, err := storage.ParseSessionStatus(checkStatus)
		if err != nil {
			return err
		}
		filter.Status = status
	}

	manager, store, err := openManager()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sessions, err := manager.ListSessions(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	printSessions(cmd.OutOrStdout(), sessions, time.Now())
	return nil
}

func runCheckSession(cmd *cobra.Command, args []string) error {
	manager, store, err := openManager()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := manager.GetSession(ctx, args[0])
	if errors.Is(err, session.ErrSessionNotFound) {
		return fmt.Errorf("session %s not found", args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}

	apps, err := manager.SessionApps(ctx, s.ID)
	if err != nil {
		return fmt.Errorf("failed to load app usage: %w", err)
	}

	printSession(cmd.OutOrStdout(), *s, apps, time.Now())
	return nil
}

func printSessions(out io.Writer, sessions []storage.Session, now time.Time) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)

	_, _ = fmt.Fprintln(out)
	_, _ = cyan.Fprintf(out, "%-36s  %-16s  %-16s  %-8s  %-20s  %s\n",
		"SESSION", "EMPLOYEE", "PROJECT", "STATUS", "STARTED", "DURATION")

	for _, s := range sessions {
		status := string(s.Status)
		if s.IsActive() {
			status = green.Sprint(status)
		}
		_, _ = fmt.Fprintf(out, "%-36s  %-16s  %-16s  %-8s  %-20s  %s\n",
			s.ID, s.EmployeeID, s.ProjectID, status,
			s.StartTime.Local().Format("2006-01-02 15:04:05"),
			sessionDuration(s, now))
	}

	_, _ = fmt.Fprintf(out, "\n%d session(s)\n\n", len(sessions))
}

func printSession(out io.Writer, s storage.Session, apps []storage.AppUsage, now time.Time) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)

	_, _ = fmt.Fprintln(out)
	_, _ = cyan.Fprintln(out, "Session")
	_, _ = fmt.Fprintf(out, "ID:         %s\n", s.ID)
	_, _ = fmt.Fprintf(out, "Employee:   %s\n", s.EmployeeID)
	_, _ = fmt.Fprintf(out, "Project:    %s\n", s.ProjectID)
	_, _ = fmt.Fprint(out, "Status:     ")
	if s.IsActive() {
		_, _ = green.Fprintln(out, s.Status)
	} else {
		_, _ = fmt.Fprintln(out, s.Status)
	}
	_, _ = fmt.Fprintf(out, "Started:    %s\n", s.StartTime.Local().Format(time.RFC3339))
	if s.EndTime != nil {
		_, _ = fmt.Fprintf(out, "Ended:      %s\n", s.EndTime.Local().Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(out, "Duration:   %s\n", sessionDuration(s, now))

	_, _ = fmt.Fprintln(out)
	_, _ = cyan.Fprintf(out, "Applications (%d)\n", len(apps))
	for _, a := range apps {
		usage := a.TotalUsage
		if a.IsActive() {
			usage = now.Sub(a.StartTime)
			_, _ = yellow.Fprintf(out, "  %-24s  %-8s  %s (in focus)\n", a.AppName, a.Status, usage.Round(time.Second))
			continue
		}
		_, _ = fmt.Fprintf(out, "  %-24s  %-8s  %s\n", a.AppName, a.Status, usage.Round(time.Second))
	}
	_, _ = fmt.Fprintln(out)
}

// sessionDuration reports the stored duration of a Complete session and the
// running duration of an Active one.
func sessionDuration(s storage.Session, now time.Time) time.Duration {
	if s.IsActive() {
		if d := now.Sub(s.StartTime); d > 0 {
			return d.Round(time.Second)
		}
		return 0
	}
	return s.ActiveDuration.Round(time.Second)
}
