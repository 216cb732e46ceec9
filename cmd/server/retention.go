package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/PaulBabatuyi/attachvault/internal/config"
	"github.com/PaulBabatuyi/attachvault/internal/models"
	"github.com/PaulBabatuyi/attachvault/internal/retention"
)

type statsView struct {
	DryRun            bool     `json:"dry_run,omitempty"`
	RetentionExpired  int      `json:"retention_expired"`
	FailedTimedOut    int      `json:"failed_timed_out"`
	Scheduled         int      `json:"scheduled"`
	UserErased        int      `json:"user_erased"`
	TempFilesRemoved  int      `json:"temp_files_removed"`
	DirsPruned        int      `json:"dirs_pruned"`
	BytesFreed        string   `json:"bytes_freed"`
	ApproachingExpiry int      `json:"approaching_expiry"`
	Duration          string   `json:"duration"`
	Errors            []string `json:"errors,omitempty"`
}

func statsOf(s models.CleanupStats) statsView {
	v := statsView{
		DryRun:            s.DryRun,
		RetentionExpired:  s.RetentionExpired,
		FailedTimedOut:    s.FailedTimedOut,
		Scheduled:         s.Scheduled,
		UserErased:        s.UserErased,
		TempFilesRemoved:  s.TempFilesRemoved,
		DirsPruned:        s.DirsPruned,
		BytesFreed:        humanize.Bytes(uint64(s.BytesFreed)),
		ApproachingExpiry: s.ApproachingExpiry,
		Duration:          s.Duration.String(),
	}
	for _, e := range s.Errors {
		v.Errors = append(v.Errors, e.Error())
	}
	return v
}

func newSweepCmd(cfg *config.Config) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one retention sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			stats := a.reaper.Sweep(cmd.Context(), time.Now(), retention.SweepOptions{DryRun: dryRun})
			if err := writeJSON(cmd.OutOrStdout(), statsOf(stats)); err != nil {
				return err
			}
			if len(stats.Errors) > 0 {
				return fmt.Errorf("sweep finished with %d errors", len(stats.Errors))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be deleted without deleting")
	return cmd
}

func newEraseCmd(cfg *config.Config) *cobra.Command {
	var (
		owner  string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase every attachment of a user immediately (GDPR)",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			stats := a.reaper.EraseForUser(cmd.Context(), owner, reason)
			if err := writeJSON(cmd.OutOrStdout(), statsOf(stats)); err != nil {
				return err
			}
			if len(stats.Errors) > 0 {
				return fmt.Errorf("erasure finished with %d errors", len(stats.Errors))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&owner, "owner", "", "user whose attachments are erased")
	cmd.Flags().StringVar(&reason, "reason", models.ReasonUserRequest, "reason recorded in the audit log")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newScheduleCmd(cfg *config.Config) *cobra.Command {
	var (
		at     string
		reason string
	)

	cmd := &cobra.Command{
		Use:   "schedule <id>",
		Short: "Schedule an attachment for deletion at a future time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ok, err := a.reaper.ScheduleDeletion(cmd.Context(), args[0], when, reason)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", models.ErrNotFound, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s scheduled for deletion %s\n", args[0], humanize.Time(when))
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "deletion time, RFC 3339")
	cmd.Flags().StringVar(&reason, "reason", models.ReasonScheduled, "reason recorded with the schedule")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}
