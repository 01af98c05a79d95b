package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"scratbackup/core"
)

var (
	flagCronExpr            string
	flagWatch               bool
	flagWatchDebounceMs     int
	flagScheduleOnce        bool
	flagScheduleTaskID      string
	flagScheduleTaskName    string
	flagScheduleIncremental bool
	flagSchedulePassword    string
	flagScheduleCompression int
	flagScheduleSplitSizeMB int64
	flagScheduleExcludes    []string
	flagScheduleMaxVersions int
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule <source>...",
	Short: "Run backups on a cron schedule or in response to filesystem changes",
	Long: `schedule keeps a backup task alive for the life of the process: either
firing on a cron expression (--cron) or debouncing filesystem change events
under the given source paths (--watch). Each firing drives the same
Backup/BackupIncremental path the one-shot "backup" subcommand uses; an
incremental task whose destination has no completed base yet is promoted
to a full backup on its first run.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagCronExpr == "" && !flagWatch {
			return fmt.Errorf("one of --cron or --watch is required")
		}

		backend, err := openBackend()
		if err != nil {
			return err
		}
		defer backend.Disconnect()

		engine := core.NewBackupEngine(stores, backend)
		engine.Observer = printProgress

		trigger := core.TriggerCron
		if flagWatch {
			trigger = core.TriggerWatch
		}

		cfg := core.TaskConfig{
			SourcePaths:      args,
			DestinationDir:   flagDestination,
			DestinationKind:  "local",
			ExcludePatterns:  flagScheduleExcludes,
			CompressionLevel: flagScheduleCompression,
			SplitSize:        flagScheduleSplitSizeMB * 1024 * 1024,
			MaxVersions:      flagScheduleMaxVersions,
			Password:         flagSchedulePassword,
			Incremental:      flagScheduleIncremental,
			CronExpr:         flagCronExpr,
			WatchPaths:       args,
			WatchDebounceMs:  flagWatchDebounceMs,
		}

		task := core.BackupTask{
			ID:      flagScheduleTaskID,
			Name:    flagScheduleTaskName,
			Trigger: trigger,
			Enabled: true,
			Config:  cfg,
		}

		runner := core.NewTaskRunner(func(ctx context.Context, backupCfg core.BackupConfig, incremental bool) (*core.BackupResult, error) {
			if incremental {
				return engine.BackupIncremental(backupCfg)
			}
			return engine.Backup(backupCfg)
		})

		runner.Start()
		defer runner.Stop()

		if err := runner.Upsert(task); err != nil {
			return fmt.Errorf("register task: %w", err)
		}

		if flagScheduleOnce {
			runner.RunNow(task.ID)
			return printOutcome(runner.Outcome(task.ID))
		}

		fmt.Printf("armed task %q (%s); press ctrl-c to stop\n", task.Name, task.Trigger)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		fmt.Println("stopping...")
		return printOutcome(runner.Outcome(task.ID))
	},
}

// printOutcome reports a task's last run, if it ever fired.
func printOutcome(outcome *core.TaskOutcome) error {
	if outcome == nil {
		return nil
	}
	if outcome.Err != "" {
		return fmt.Errorf("last run failed: %s", outcome.Err)
	}
	label := outcome.BackupIDString
	if outcome.PromotedToFull {
		label += " (promoted to full)"
	}
	fmt.Printf("last run %s: backup %s, %d files\n", outcome.RunID, label, outcome.FilesTotal)
	if len(outcome.ArchivePaths) > 0 {
		fmt.Printf("archives: %s\n", strings.Join(outcome.ArchivePaths, ", "))
	}
	return nil
}

func init() {
	scheduleCmd.Flags().StringVar(&flagCronExpr, "cron", "", "cron expression (robfig/cron syntax, e.g. \"@every 1h\")")
	scheduleCmd.Flags().BoolVar(&flagWatch, "watch", false, "trigger a backup on filesystem changes under the source paths instead of on a schedule")
	scheduleCmd.Flags().IntVar(&flagWatchDebounceMs, "watch-debounce-ms", 500, "quiet window for --watch, in milliseconds")
	scheduleCmd.Flags().BoolVar(&flagScheduleOnce, "run-now", false, "run the task once immediately instead of waiting for its trigger")
	scheduleCmd.Flags().StringVar(&flagScheduleTaskID, "task-id", "cli-scheduled-task", "identifier for this scheduled task")
	scheduleCmd.Flags().StringVar(&flagScheduleTaskName, "task-name", "scheduled backup", "display name for this scheduled task")
	scheduleCmd.Flags().BoolVar(&flagScheduleIncremental, "incremental", false, "run incremental backups against the most recent completed backup")
	scheduleCmd.Flags().StringVar(&flagSchedulePassword, "password", "", "encryption passphrase")
	scheduleCmd.Flags().IntVar(&flagScheduleCompression, "compression-level", core.DefaultCompressionLevel, "compression level 0-9")
	scheduleCmd.Flags().Int64Var(&flagScheduleSplitSizeMB, "split-size-mb", core.DefaultSplitSize/(1024*1024), "archive split size in MiB")
	scheduleCmd.Flags().StringSliceVar(&flagScheduleExcludes, "exclude", nil, "additional glob exclusion patterns")
	scheduleCmd.Flags().IntVar(&flagScheduleMaxVersions, "max-versions", 3, "number of completed backups to retain")
	scheduleCmd.MarkFlagRequired("password")
}
