package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rpattn/qcsync/internal/snapshot"
	"github.com/rpattn/qcsync/internal/upload"
)

// UploadOptions holds flags for the upload command.
type UploadOptions struct {
	UploadPath string
	Pattern    string
	DryRun     bool
	Force      bool
}

// NewUploadCommand creates the upload command.
func NewUploadCommand(root *RootOptions) *cobra.Command {
	opts := &UploadOptions{}

	cmd := &cobra.Command{
		Use:   "upload [files...]",
		Short: "Upload new QC results",
		Long: `Upload the given files, or every new file in the upload directory.

Example:
  qcsync upload --initials JD
  qcsync upload --initials JD --dry-run results/qc_2025_01_02.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.requireActor(); err != nil {
				return err
			}
			return root.withApp(cmd.Context(), true, func(ctx context.Context, a *app) error {
				return runUpload(ctx, cmd.OutOrStdout(), a, root.Actor, opts, args)
			})
		},
	}

	cmd.Flags().StringVar(&opts.UploadPath, "upload-path", "", "directory scanned for new files (default from config)")
	cmd.Flags().StringVar(&opts.Pattern, "pattern", "", "file name glob inside the upload directory (default from config)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "write a report instead of importing")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "resend records whose run marker is unchanged and ignore file fingerprints")

	return cmd
}

func runUpload(ctx context.Context, out io.Writer, a *app, actor string, opts *UploadOptions, paths []string) error {
	req := upload.BatchRequest{
		Paths:   paths,
		Dir:     firstNonEmpty(opts.UploadPath, a.cfg.UploadPath),
		Pattern: firstNonEmpty(opts.Pattern, a.cfg.FilePattern),
		Options: upload.Options{Actor: actor, DryRun: opts.DryRun, Force: opts.Force},
	}

	batch, err := a.orchestrator.Upload(ctx, req)
	for _, result := range batch.Results {
		printResult(out, result)
	}
	for _, path := range batch.Unchanged {
		fmt.Fprintf(out, "%s: unchanged, skipped\n", path)
	}
	for _, failure := range batch.Failed {
		fmt.Fprintf(out, "%s: not loaded: %v\n", failure.Path, failure.Err)
	}
	if err != nil {
		return err
	}
	if len(batch.Failed) > 0 {
		return fmt.Errorf("%d input files could not be loaded", len(batch.Failed))
	}
	return nil
}

// NewQueryResolutionCommand creates the query-resolution command.
func NewQueryResolutionCommand(root *RootOptions) *cobra.Command {
	var (
		dataFile string
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:     "query-resolution",
		Aliases: []string{"upload-query-resolution"},
		Short:   "Upload resolved queries as they are",
		Long: `Upload a CSV or XLSX file of resolved data queries. Records are sent
without run-marker dedupe and without an audit entry. The current remote
values are still snapshotted first and a receipt is written afterwards.

Example:
  qcsync query-resolution --initials JD --data-file queries.xlsx --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := root.requireActor(); err != nil {
				return err
			}
			return root.withApp(cmd.Context(), true, func(ctx context.Context, a *app) error {
				result, err := a.orchestrator.UploadFile(ctx, dataFile, upload.Options{
					Actor:  root.Actor,
					DryRun: dryRun,
					Mode:   upload.ModeQueryResolution,
				})
				if result.OperationID != "" {
					printResult(cmd.OutOrStdout(), result)
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&dataFile, "data-file", "", "CSV or XLSX file to upload")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "write a report instead of importing")
	_ = cmd.MarkFlagRequired("data-file")

	return cmd
}

func printResult(out io.Writer, r upload.Result) {
	fmt.Fprintf(out, "%s [%s] %s: %d uploaded, %d skipped, %d field changes\n",
		r.Source.Path, r.OperationID, r.Status, r.Processed, r.Skipped, r.Statistics.TotalChanges)
	if r.Cause != nil {
		fmt.Fprintf(out, "  aborted at %s: %v\n", r.FailedStep, r.Cause)
	}
	for _, path := range []string{r.ChangeSet.Path, snapshotPath(r), r.Report.Path, r.Receipt.Path} {
		if path != "" {
			fmt.Fprintf(out, "  %s\n", path)
		}
	}
	for _, warning := range r.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", warning)
	}
}

func snapshotPath(r upload.Result) string {
	if r.Snapshot == nil {
		return ""
	}
	return r.Snapshot.Path
}

// NewFetchCommand creates the fetch command.
func NewFetchCommand(root *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Save a full snapshot of the remote project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd.Context(), true, func(ctx context.Context, a *app) error {
				ref, err := a.orchestrator.Fetch(ctx, root.Actor)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d records saved to %s\n", ref.RecordCount, ref.Path)
				return nil
			})
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(root *RootOptions) *cobra.Command {
	var uploadPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show which input files are new or already processed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				statuses, err := a.fingerprints.Status(ctx, firstNonEmpty(uploadPath, a.cfg.UploadPath))
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "FILE\tSTATE\tSIZE\tMODIFIED\tLAST PROCESSED\tRECORDS")
				for _, s := range statuses {
					processed := "-"
					if s.LastProcessed != nil {
						processed = s.LastProcessed.Local().Format(time.DateTime)
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\n", s.Name, s.State, s.Size,
						s.ModifiedTime.Local().Format(time.DateTime), processed, s.RecordsProcessed)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().StringVar(&uploadPath, "upload-path", "", "directory to report on (default from config)")
	return cmd
}

// NewSweepCommand creates the sweep command.
func NewSweepCommand(root *RootOptions) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove fingerprints of deleted or old files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				retention := a.cfg.Retention()
				if days > 0 {
					retention = time.Duration(days) * 24 * time.Hour
				}
				removed, err := a.fingerprints.Sweep(ctx, retention)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d fingerprints\n", len(removed))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default from config)")
	return cmd
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(root *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent upload attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd.Context(), false, func(ctx context.Context, a *app) error {
				entries, err := a.uploadLog.List(ctx, limit)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tSTATUS\tACTOR\tRECORDS\tFILE\tOPERATION")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", e.CreatedAt.Local().Format(time.DateTime),
						e.Status, e.Actor, e.RecordsProcessed, e.FileName, e.OperationID)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show (0 for all)")
	return cmd
}

// NewSnapshotCommand creates the snapshot command group.
func NewSnapshotCommand(_ *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect saved snapshots",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <path>",
		Short: "Summarize a snapshot file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := snapshot.Read(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "operation: %s\n", snap.OperationID)
			fmt.Fprintf(out, "taken:     %s\n", snap.Timestamp.Format(time.RFC3339))
			fmt.Fprintf(out, "scope:     %s\n", snap.Scope)
			fmt.Fprintf(out, "records:   %d\n", snap.RecordCount)
			if len(snap.Fields) > 0 {
				fmt.Fprintf(out, "fields:    %s\n", strings.Join(snap.Fields, ", "))
			}
			for _, identity := range snap.TargetIdentities {
				fmt.Fprintf(out, "  %s\n", identity)
			}
			return nil
		},
	})
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
