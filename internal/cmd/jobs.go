package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ecological-systems-design/gsa-dashboard/internal/config"
	"github.com/ecological-systems-design/gsa-dashboard/internal/observability"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/jobregistry"
	"github.com/ecological-systems-design/gsa-dashboard/pkg/resultstore"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage job records",
	Long: `Inspect and manage job records in the configured job store.

The file and redis backends are shared between processes, so jobs started
by 'gsadash serve' or another 'gsadash mc run' can be listed and cancelled
from here.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List job records, newest first",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show one job record",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Request cancellation of a running job",
	Long: `Request cooperative cancellation of a running job.

The owning process stops the job at its next iteration boundary and marks
it cancelled. Cancelling a finished job is a no-op.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsCancel,
}

var jobsGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete finished job records older than --max-age",
	Long: `Delete finished job records older than --max-age.

Stored results of deleted Monte Carlo and validation jobs are pruned from
the results database when one is configured.`,
	RunE: runJobsGC,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd, jobsStatusCmd, jobsCancelCmd, jobsGCCmd)

	jobsListCmd.Flags().Bool("json", false, "Output JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output JSON")
	jobsGCCmd.Flags().String("max-age", "168h", "Delete records that ended longer ago than this")
	jobsGCCmd.Flags().Bool("dry-run", false, "Report what would be deleted")
	jobsGCCmd.Flags().Bool("json", false, "Output JSON")
}

// jobsStoreOpener is replaced in tests.
var jobsStoreOpener = openJobStore

func openJobsStore(ctx context.Context) (jobregistry.Store, error) {
	cfg, err := currentConfig(ctx)
	if err != nil {
		return nil, exitError(exitInvalidArgument, "Invalid configuration", err)
	}
	store, err := jobsStoreOpener(ctx, cfg.Jobs)
	if err != nil {
		return nil, exitError(exitServiceUnavailable, "Failed to open job store", err)
	}
	if cfg.Jobs.ResolvedBackend() == config.BackendMemory {
		observability.CLILogger.Warn("Job store backend is memory; records of other processes are not visible")
	}
	return store, nil
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	ctx := cmd.Context()

	store, err := openJobsStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	jobs, err := store.List(ctx)
	if err != nil {
		return exitError(exitServiceUnavailable, "Failed to list jobs", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if jobs == nil {
			jobs = []jobregistry.JobState{}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(jobs)
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(out, "No jobs found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tROLE\tSTATUS\tPROGRESS\tSTARTED\tENDED\tERROR")
	for _, j := range jobs {
		errText := j.Error
		if errText == "" {
			errText = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			shortJobID(j.JobID),
			j.Role,
			j.Status,
			j.Completed,
			j.Total,
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.EndedAt),
			errText,
		)
	}
	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	ctx := cmd.Context()

	store, err := openJobsStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	jobID, err := resolveJobID(ctx, store, args[0])
	if err != nil {
		return exitError(exitInvalidArgument, "Unknown job", err)
	}
	st, err := store.Read(ctx, jobID)
	if err != nil {
		return exitError(exitServiceUnavailable, "Failed to read job", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}
	writeJobStatus(out, st)
	return nil
}

func writeJobStatus(w io.Writer, st jobregistry.JobState) {
	_, _ = fmt.Fprintf(w, "job_id=%s\n", st.JobID)
	_, _ = fmt.Fprintf(w, "role=%s\n", st.Role)
	_, _ = fmt.Fprintf(w, "status=%s\n", st.Status)
	_, _ = fmt.Fprintf(w, "completed_iterations=%d\n", st.Completed)
	_, _ = fmt.Fprintf(w, "total_iterations=%d\n", st.Total)
	_, _ = fmt.Fprintf(w, "percent=%.1f\n", st.Percent())
	_, _ = fmt.Fprintf(w, "created_at=%s\n", st.CreatedAt.UTC().Format(time.RFC3339))
	if st.StartedAt != nil {
		_, _ = fmt.Fprintf(w, "started_at=%s\n", st.StartedAt.UTC().Format(time.RFC3339))
	}
	if st.EndedAt != nil {
		_, _ = fmt.Fprintf(w, "ended_at=%s\n", st.EndedAt.UTC().Format(time.RFC3339))
	}
	if st.Host != "" {
		_, _ = fmt.Fprintf(w, "host=%s\n", st.Host)
		_, _ = fmt.Fprintf(w, "pid=%d\n", st.PID)
	}
	if st.Error != "" {
		_, _ = fmt.Fprintf(w, "error=%s\n", st.Error)
	}
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	store, err := openJobsStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	jobID, err := resolveJobID(ctx, store, args[0])
	if err != nil {
		return exitError(exitInvalidArgument, "Unknown job", err)
	}
	st, err := store.Read(ctx, jobID)
	if err != nil {
		return exitError(exitServiceUnavailable, "Failed to read job", err)
	}

	out := cmd.OutOrStdout()
	if st.Terminal() {
		_, _ = fmt.Fprintf(out, "job_id=%s\nstatus=%s\n", jobID, st.Status)
		return nil
	}

	signaler, ok := store.(jobregistry.CancelSignaler)
	if !ok {
		return exitError(exitInvalidArgument, "Job store cannot signal other processes", errors.New("use the file or redis backend"))
	}
	if err := signaler.RequestCancel(ctx, jobID); err != nil {
		return exitError(exitFileWriteError, "Failed to request cancellation", err)
	}
	observability.CLILogger.Info("Cancellation requested", zap.String("job_id", jobID))
	_, _ = fmt.Fprintf(out, "job_id=%s\ncancel_requested=true\n", jobID)
	return nil
}

type jobsGCResult struct {
	Deleted      int    `json:"deleted"`
	WouldDelete  int    `json:"would_delete"`
	DryRun       bool   `json:"dry_run"`
	MaxAgeString string `json:"max_age"`
}

func runJobsGC(cmd *cobra.Command, _ []string) error {
	maxAgeStr, _ := cmd.Flags().GetString("max-age")
	maxAgeStr = strings.TrimSpace(maxAgeStr)
	if maxAgeStr == "" {
		maxAgeStr = "168h"
	}
	maxAge, err := time.ParseDuration(maxAgeStr)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid --max-age", err)
	}
	if maxAge <= 0 {
		return exitError(exitInvalidArgument, "--max-age must be > 0", nil)
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	ctx := cmd.Context()

	store, err := openJobsStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore(store)

	jobs, err := store.List(ctx)
	if err != nil {
		return exitError(exitServiceUnavailable, "Failed to list jobs", err)
	}

	expired := expiredJobs(jobs, time.Now().UTC(), maxAge)
	if !dryRun {
		for _, jobID := range expired {
			if err := store.Reset(ctx, jobID); err != nil {
				return exitError(exitFileWriteError, "Failed to delete job record", err)
			}
		}
		if err := pruneResults(ctx, expired); err != nil {
			observability.CLILogger.Warn("Failed to prune stored results", zap.Error(err))
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		res := jobsGCResult{DryRun: dryRun, MaxAgeString: maxAgeStr}
		if dryRun {
			res.WouldDelete = len(expired)
		} else {
			res.Deleted = len(expired)
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}

	if dryRun {
		_, _ = fmt.Fprintf(out, "would_delete=%d\n", len(expired))
		return nil
	}
	_, _ = fmt.Fprintf(out, "deleted=%d\n", len(expired))
	return nil
}

// expiredJobs returns terminal jobs that ended more than maxAge before now.
func expiredJobs(jobs []jobregistry.JobState, now time.Time, maxAge time.Duration) []string {
	var out []string
	for _, j := range jobs {
		if !j.Terminal() || j.EndedAt == nil {
			continue
		}
		if now.Sub(j.EndedAt.UTC()) <= maxAge {
			continue
		}
		out = append(out, j.JobID)
	}
	return out
}

func pruneResults(ctx context.Context, jobIDs []string) error {
	if len(jobIDs) == 0 || appConfig == nil || appConfig.Results.Path == "" {
		return nil
	}
	rs, err := resultstore.Open(ctx, resultstore.Config{Path: appConfig.Results.Path})
	if err != nil {
		return err
	}
	defer func() { _ = rs.Close() }()
	return rs.Prune(ctx, jobIDs...)
}

func shortJobID(jobID string) string {
	jobID = strings.TrimSpace(jobID)
	if len(jobID) <= 12 {
		return jobID
	}
	return jobID[:12]
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func resolveJobID(ctx context.Context, store jobregistry.Store, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("job_id is required")
	}

	// Exact match first.
	if _, err := store.Read(ctx, input); err == nil {
		return input, nil
	}

	// Prefix match (allows table-friendly short IDs).
	jobs, err := store.List(ctx)
	if err != nil {
		return "", err
	}
	matches := make([]string, 0, 2)
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j.JobID)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("job id prefix is ambiguous (%d matches); use full job_id or --json", len(matches))
	}
	return matches[0], nil
}
