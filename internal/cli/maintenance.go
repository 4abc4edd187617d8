package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/devrev/streakd/internal/retention"
	"github.com/devrev/streakd/internal/scheduler"
)

var (
	okLabel   = color.New(color.FgGreen).Sprint("OK")
	fixLabel  = color.New(color.FgYellow).Sprint("REPAIRED")
	failLabel = color.New(color.FgRed).Sprint("FAILED")
)

func addDataDirFlag(cmd *cobra.Command) {
	cmd.Flags().String("data-dir", "", "override storage.data_dir")
}

// guildsFor returns --guild when set, otherwise every guild
func guildsFor(cmd *cobra.Command, app *App) ([]string, error) {
	if g, _ := cmd.Flags().GetString("guild"); g != "" {
		return []string{g}, nil
	}
	return app.Store.ListGuilds()
}

// RepairCmd repairs corrupt guild documents in place
func RepairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Repair corrupt guild documents",
		Long: `Load every guild document with structural repair and sanitization, and
rewrite the documents that needed either. Entries that cannot be recovered
are dropped and listed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := toolApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			return runRepair(cmd.Context(), cmd, app, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("guild", "", "only repair this guild")
	addDataDirFlag(cmd)
	return cmd
}

func runRepair(ctx context.Context, cmd *cobra.Command, app *App, out io.Writer) error {
	guilds, err := guildsFor(cmd, app)
	if err != nil {
		return err
	}

	failed := 0
	for _, g := range guilds {
		report, err := app.Store.RepairGuild(ctx, g)
		if err != nil {
			failed++
			fmt.Fprintf(out, "%-10s %s: %v\n", failLabel, g, err)
			continue
		}
		if !report.Rewritten {
			fmt.Fprintf(out, "%-10s %s\n", okLabel, g)
			continue
		}
		fmt.Fprintf(out, "%-10s %s\n", fixLabel, g)
		if report.Config.Repaired {
			fmt.Fprintf(out, "    config: salvaged %d members, discarded %d bytes\n",
				report.Config.Repair.Salvaged, report.Config.Repair.DiscardedBytes)
		}
		if report.Users.Repaired {
			fmt.Fprintf(out, "    users: salvaged %d members, discarded %d bytes\n",
				report.Users.Repair.Salvaged, report.Users.Repair.DiscardedBytes)
		}
		for _, key := range report.Users.Dropped {
			fmt.Fprintf(out, "    dropped user %s\n", key)
		}
	}

	fmt.Fprintf(out, "\n%d guilds checked, %d failed\n", len(guilds), failed)
	if failed > 0 {
		return fmt.Errorf("%d guilds could not be repaired", failed)
	}
	return nil
}

// MigrateCmd rewrites guild documents in the current schema
func MigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Migrate guild documents to the current schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := toolApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			guilds, err := guildsFor(cmd, app)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			failed := 0
			for _, g := range guilds {
				report, err := app.Store.MigrateGuild(cmd.Context(), g)
				if err != nil {
					failed++
					fmt.Fprintf(out, "%-10s %s: %v\n", failLabel, g, err)
					continue
				}
				fmt.Fprintf(out, "%-10s %s (%d users)\n", okLabel, g, report.Users)
			}
			if failed > 0 {
				return fmt.Errorf("%d guilds could not be migrated", failed)
			}
			return nil
		},
	}
	cmd.Flags().String("guild", "", "only migrate this guild")
	addDataDirFlag(cmd)
	return cmd
}

// RetentionCmd prints user retention between date ranges
func RetentionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Show user retention for a guild",
		Example: `  streakd retention --guild 123 --start 2024-03-01 --end 2024-03-07
  streakd retention --guild 123 --start 2024-03-01 --end 2024-03-07 \
      --compare-start 2024-03-08 --compare-end 2024-03-14`,
		RunE: func(cmd *cobra.Command, args []string) error {
			guild, _ := cmd.Flags().GetString("guild")
			start, _ := cmd.Flags().GetString("start")
			end, _ := cmd.Flags().GetString("end")
			cStart, _ := cmd.Flags().GetString("compare-start")
			cEnd, _ := cmd.Flags().GetString("compare-end")

			app, err := toolApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			a := retention.DateRange{Start: start, End: end}
			var b *retention.DateRange
			if cStart != "" || cEnd != "" {
				b = &retention.DateRange{Start: cStart, End: cEnd}
			}
			result, err := app.Engine.ComputeRetention(cmd.Context(), guild, a, b)
			if err != nil {
				return err
			}
			printRetention(cmd.OutOrStdout(), result)
			return nil
		},
	}
	cmd.Flags().String("guild", "", "guild ID")
	cmd.Flags().String("start", "", "first day of the range (YYYY-MM-DD)")
	cmd.Flags().String("end", "", "last day of the range (YYYY-MM-DD)")
	cmd.Flags().String("compare-start", "", "first day of the comparison range")
	cmd.Flags().String("compare-end", "", "last day of the comparison range")
	_ = cmd.MarkFlagRequired("guild")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	addDataDirFlag(cmd)
	return cmd
}

func printRetention(out io.Writer, r *retention.Result) {
	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintf(out, "%s %s .. %s: %d active users\n", bold("Range A"), r.RangeA.Start, r.RangeA.End, r.ActiveA)
	if r.RangeB != nil {
		fmt.Fprintf(out, "%s %s .. %s: %d active users\n", bold("Range B"), r.RangeB.Start, r.RangeB.End, r.ActiveB)
	}
	rate := color.New(color.FgCyan).Sprintf("%.2f%%", r.RetentionRate)
	fmt.Fprintf(out, "Retained: %d (%s)\n", r.Retained, rate)
}

// RunJobCmd runs one scheduler job over every guild
func RunJobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "run-job <daily-reset|weekly-report|leaderboard|monthly-report>",
		Short:     "Run a scheduled job once, now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"daily-reset", "weekly-report", "leaderboard", "monthly-report"},
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := scheduler.ParseJob(args[0])
			if err != nil {
				return err
			}
			app, err := toolApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			report, err := app.Scheduler.RunNow(cmd.Context(), job)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range report.Results {
				if r.Error != "" {
					fmt.Fprintf(out, "%-10s %s: %s\n", failLabel, r.GuildID, r.Error)
					continue
				}
				fmt.Fprintf(out, "%-10s %s\n", okLabel, r.GuildID)
			}
			fmt.Fprintf(out, "\n%s: %d guilds, %d failed in %s\n", job, report.Guilds, report.Failures, report.Duration)
			return nil
		},
	}
	addDataDirFlag(cmd)
	return cmd
}
