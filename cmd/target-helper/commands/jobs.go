package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/trellisfw/target-helper/am"
	"github.com/trellisfw/target-helper/pulse/async"
)

// JobsCmd inspects the local job ledger
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect jobs handled by this instance",
	Long: `Inspect the local job ledger.

The ledger records every transition of the jobs this instance handled.
It is diagnostic only; the store remains the source of truth.

Examples:
  target-helper jobs ls                          # Latest state of recent jobs
  target-helper jobs ls --limit 10 --json        # As JSON
  target-helper jobs show resources/2kBw5Oq...   # Every transition of one job
  target-helper jobs prune --older-than 720h     # Forget old transitions`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List the latest state of recent jobs",
	RunE:  runJobsLs,
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show every recorded transition of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsShow,
}

var jobsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete ledger entries older than a duration",
	RunE:  runJobsPrune,
}

var (
	jobsLimit     int
	jobsJSON      bool
	jobsDB        string
	jobsOlderThan time.Duration
)

func init() {
	JobsCmd.PersistentFlags().StringVar(&jobsDB, "db", "", "Ledger database (default: database.path)")
	JobsCmd.PersistentFlags().BoolVar(&jobsJSON, "json", false, "Output as JSON")
	jobsLsCmd.Flags().IntVarP(&jobsLimit, "limit", "n", 20, "Maximum jobs to list")
	jobsPruneCmd.Flags().DurationVar(&jobsOlderThan, "older-than", 30*24*time.Hour, "Age of entries to delete")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsPruneCmd)
}

// withLedger opens the ledger for the duration of fn
func withLedger(fn func(*async.Ledger) error) error {
	cfg, err := am.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	database, err := openDatabase(cfg, jobsDB)
	if err != nil {
		return err
	}
	defer database.Close()
	return fn(async.NewLedger(database))
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	return withLedger(func(l *async.Ledger) error {
		entries, err := l.Latest(jobsLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 && !jobsJSON {
			pterm.Info.Println("No jobs recorded")
			return nil
		}
		return renderEntries(cmd.OutOrStdout(), entries)
	})
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	return withLedger(func(l *async.Ledger) error {
		entries, err := l.History(args[0])
		if err != nil {
			return err
		}
		return renderEntries(cmd.OutOrStdout(), entries)
	})
}

func runJobsPrune(cmd *cobra.Command, args []string) error {
	return withLedger(func(l *async.Ledger) error {
		n, err := l.Cleanup(jobsOlderThan)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("Deleted %d ledger entries older than %s", n, jobsOlderThan)
		return nil
	})
}

// renderEntries prints entries as a table, or JSON with --json
func renderEntries(w io.Writer, entries []async.Entry) error {
	if jobsJSON {
		if entries == nil {
			entries = []async.Entry{}
		}
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode jobs: %w", err)
		}
		fmt.Fprintln(w, string(data))
		return nil
	}

	data := pterm.TableData{{"JOB", "KEY", "TYPE", "STATE", "UPDATED", "INFORMATION"}}
	for _, e := range entries {
		info := e.Information
		if e.ErrorCode != "" {
			info = fmt.Sprintf("[%s] %s", e.ErrorCode, info)
		}
		data = append(data, []string{
			e.JobID,
			e.JobKey,
			e.JobType,
			stateStyle(e.State).Sprint(e.State),
			e.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
			truncate(info, 60),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render()
}

func stateStyle(state string) *pterm.Style {
	switch state {
	case async.StatusSuccess:
		return pterm.NewStyle(pterm.FgGreen)
	case async.StatusFailure, async.StatusError:
		return pterm.NewStyle(pterm.FgRed)
	case async.StateCancelled:
		return pterm.NewStyle(pterm.FgYellow)
	default:
		return pterm.NewStyle(pterm.FgDefault)
	}
}

func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}
