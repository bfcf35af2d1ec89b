package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tm-go/internal/app"
	"tm-go/internal/config"
	"tm-go/internal/tm"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// profileName is the --profile flag shared by all profile-bound commands.
var profileName string

// newApp reads the config and creates a TMApp. The caller must defer app.Close().
// operation identifies the CLI command being run (e.g. "Backup", "Restore").
func newApp(operation string, parameters ...string) (*app.TMApp, error) {
	cfg, _, err := readConfig()
	if err != nil {
		return nil, err
	}

	a, err := app.NewTMApp(cfg, profileName, app.NewOperation(operation, parameters...))
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}

	return a, nil
}

// readConfig loads the config from the default location.
func readConfig() (*config.Config, string, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, "", fmt.Errorf("getting defaults: %w", err)
	}

	cfg, err := config.ReadFromFile(paths.ConfigPath)
	if err != nil {
		return nil, "", fmt.Errorf("reading config: %w", err)
	}
	return cfg, paths.ConfigPath, nil
}

var rootCmd = &cobra.Command{
	Use:          "tm",
	Short:        "Point-in-time snapshot backups",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get defaults: %w", err)
		}

		hostID := uuid.New().String()
		cfg := config.NewConfig(hostID, paths.BaseDir)

		if err := config.Init(paths.ConfigPath, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigPath)
		fmt.Printf("Host ID: %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", paths.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := readConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", path)
		fmt.Printf("Host ID:   %s\n", cfg.HostID)
		fmt.Printf("Base Dir:  %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:   %s\n", cfg.LogDir)
		fmt.Printf("Log Level: %s\n", cfg.LogLevel)
		fmt.Printf("Database:  %s %s\n", cfg.Database.Type, cfg.Database.DataDir)
		for _, p := range cfg.Profiles {
			r := p.Retention
			fmt.Printf("\nProfile %s\n", p.Name)
			fmt.Printf("  Sources:     %v\n", p.SourcePaths)
			fmt.Printf("  Destination: %s\n", p.DestinationPath)
			fmt.Printf("  Exclude:     %v\n", p.ExcludePatterns)
			fmt.Printf("  Checksum:    %s  verify:%t  hardlinks:%t\n", p.Checksum, p.VerifyBackup, p.UseHardLinks)
			fmt.Printf("  Retention:   daily:%d weekly:%d monthly:%d yearly:%d auto_delete:%t order:%s\n",
				r.KeepDaily, r.KeepWeekly, r.KeepMonthly, r.KeepYearly, r.AutoDelete, r.BucketOrder)
		}
		return nil
	},
}

var configProfileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage backup profiles",
}

var configProfileAddCmd = &cobra.Command{
	Use:   "add NAME DESTINATION SOURCE...",
	Short: "Add a backup profile",
	Args:  cobra.MinimumNArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := readConfig()
		if err != nil {
			return err
		}
		exclude, _ := cmd.Flags().GetStringSlice("exclude")

		dest, err := filepath.Abs(args[1])
		if err != nil {
			return fmt.Errorf("resolving destination: %w", err)
		}
		var sources []string
		for _, s := range args[2:] {
			abs, err := filepath.Abs(s)
			if err != nil {
				return fmt.Errorf("resolving source: %w", err)
			}
			sources = append(sources, abs)
		}

		p := config.NewProfile(args[0], sources, dest)
		p.ExcludePatterns = exclude
		cfg.Profiles = append(cfg.Profiles, p)
		if err := cfg.Validate(); err != nil {
			return err
		}
		if err := config.WriteToFile(path, cfg); err != nil {
			return err
		}
		fmt.Printf("Added profile %s\n", p.Name)
		return nil
	},
}

var configProfileRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a backup profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := readConfig()
		if err != nil {
			return err
		}
		kept := cfg.Profiles[:0]
		for _, p := range cfg.Profiles {
			if p.Name != args[0] {
				kept = append(kept, p)
			}
		}
		if len(kept) == len(cfg.Profiles) {
			return fmt.Errorf("%w: %s", config.ErrProfileNotFound, args[0])
		}
		cfg.Profiles = kept
		if err := config.WriteToFile(path, cfg); err != nil {
			return err
		}
		fmt.Printf("Removed profile %s\n", args[0])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Generate the catalog encryption key pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := readConfig()
		if err != nil {
			return err
		}
		passphrase, err := readNewPassphrase()
		if err != nil {
			return err
		}
		if err := app.SetupKeys(cfg, passphrase); err != nil {
			return err
		}
		fmt.Printf("Public key:  %s\n", cfg.Encryption.PublicKeyPath)
		fmt.Printf("Private key: %s\n", cfg.Encryption.PrivateKeyPath)
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create a snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		prune, _ := cmd.Flags().GetBool("prune")
		quiet, _ := cmd.Flags().GetBool("quiet")

		a, err := newApp("Backup")
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var progress tm.ProgressFunc
		if !quiet {
			progress = printProgress
		}
		stats, err := a.Backup(ctx, progress)
		if err != nil {
			if tm.IsCancelled(err) {
				return fmt.Errorf("backup cancelled after %d file(s)", stats.ProcessedFiles)
			}
			return fmt.Errorf("backup failed: %w", err)
		}

		fmt.Printf("Backed up %d file(s): %d new, %d modified, %d unchanged, %d skipped\n",
			stats.ProcessedFiles, stats.NewFiles, stats.ModifiedFiles, stats.UnchangedFiles, stats.SkippedFiles)
		fmt.Printf("Copied %s, linked %s in %s\n",
			formatBytes(stats.ProcessedSize-stats.DedupSavings),
			formatBytes(stats.DedupSavings),
			stats.Duration(time.Now()).Truncate(time.Millisecond),
		)

		if prune {
			res, err := a.Prune(ctx, false)
			if err != nil {
				return fmt.Errorf("pruning: %w", err)
			}
			printPrune(res)
		}
		return nil
	},
}

// printProgress renders a single updating status line on stderr.
func printProgress(status tm.Status, stats tm.Stats) {
	switch status {
	case tm.StatusScanning:
		fmt.Fprintf(os.Stderr, "Scanned %d file(s), %s\n", stats.TotalFiles, formatBytes(stats.TotalSize))
	case tm.StatusBackingUp:
		fmt.Fprintf(os.Stderr, "\r%5.1f%%  %d/%d file(s)", stats.Progress()*100, stats.ProcessedFiles, stats.TotalFiles)
	default:
		fmt.Fprintf(os.Stderr, "\r%s\n", status)
	}
}

// list command
var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List complete snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("ListBackups")
		if err != nil {
			return err
		}
		defer a.Close()

		snaps, err := a.ListBackups()
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}
		for _, s := range snaps {
			fmt.Printf("%s  %s\n", s.ID, s.Time.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// prune command
var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Apply the retention policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		a, err := newApp("Prune")
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Prune(cmd.Context(), dryRun)
		if err != nil {
			return err
		}
		printPrune(res)
		return nil
	},
}

func printPrune(res tm.PruneResult) {
	verb := "Deleted"
	if res.DryRun {
		verb = "Would delete"
	}
	for _, id := range res.DeletedIDs {
		fmt.Printf("%s %s\n", verb, id)
	}
	fmt.Printf("%s %d snapshot(s), retained %d\n", verb, len(res.DeletedIDs), res.Retained)
}

// history command
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View backup run history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp("History")
		if err != nil {
			return err
		}
		defer a.Close()

		sessions, err := a.History(limit)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No backup runs recorded.")
			return nil
		}
		for _, s := range sessions {
			duration := ""
			if !s.FinishedAt.IsZero() {
				duration = s.FinishedAt.Sub(s.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("%s  %s  %-10s  %6d  %10s  %s\n",
				s.SnapshotID,
				s.StartedAt.Format("2006-01-02 15:04:05"),
				s.Status,
				s.TotalFiles,
				formatBytes(s.TotalSize),
				duration,
			)
		}
		return nil
	},
}

// log command
var logCmd = &cobra.Command{
	Use:   "log PATH",
	Short: "View the recorded versions of a file",
	Long:  "PATH is relative to its source root, as it appears inside a snapshot.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("FileHistory", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.FileHistory(args[0])
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No backup history.")
			return nil
		}
		for _, r := range records {
			how := "copied"
			if r.Linked() {
				how = "linked"
			}
			fmt.Printf("%s  %s  %10d  mtime:%s  %s\n",
				shortSum(r.Checksum),
				r.BackedUpAt.Format("2006-01-02 15:04:05"),
				r.Size,
				r.ModifiedAt.Format("2006-01-02 15:04:05"),
				how,
			)
		}
		return nil
	},
}

// where command
var whereCmd = &cobra.Command{
	Use:   "where FILE",
	Short: "Find snapshot copies of a file's content",
	Long:  "FILE is hashed and every snapshot copy with the same content is listed. With --checksum, FILE is the checksum itself.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		isSum, _ := cmd.Flags().GetBool("checksum")

		a, err := newApp("Where", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		var locs []tm.Location
		if isSum {
			locs, err = a.Where(args[0])
		} else {
			_, locs, err = a.WhereFile(args[0])
		}
		if err != nil {
			return err
		}
		if len(locs) == 0 {
			fmt.Println("Content not found in any snapshot.")
			return nil
		}
		for _, l := range locs {
			fmt.Printf("%s  %s\n", l.Session.SnapshotID, l.Path)
		}
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore [PATH...]",
	Short: "Restore files from a snapshot",
	Long:  "PATHs are relative to the snapshot root. With no PATH the whole snapshot is restored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshot, _ := cmd.Flags().GetString("snapshot")
		target, _ := cmd.Flags().GetString("target")
		overwrite, _ := cmd.Flags().GetBool("overwrite")

		a, err := newApp("Restore", append([]string{snapshot}, args...)...)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		res, err := a.Restore(ctx, snapshot, args, target, overwrite)
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored %d file(s), %s, skipped %d\n", res.Files, formatBytes(res.Bytes), res.Skipped)
		return nil
	},
}

// files command
var filesCmd = &cobra.Command{
	Use:   "files [PATH]",
	Short: "List files in a snapshot",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshot, _ := cmd.Flags().GetString("snapshot")

		a, err := newApp("ListFiles")
		if err != nil {
			return err
		}
		defer a.Close()

		path := ""
		if len(args) > 0 {
			path = args[0]
		}
		entries, err := a.ListFiles(snapshot, path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			kind := "-"
			switch {
			case e.IsDir:
				kind = "d"
			case e.IsSymlink:
				kind = "l"
			}
			fmt.Printf("%s  %10s  %s  %s\n", kind, formatBytes(e.Size), e.ModTime.Format("2006-01-02 15:04:05"), e.Path)
		}
		return nil
	},
}

// catalog command
var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Manage the exported catalog",
}

var catalogFetchCmd = &cobra.Command{
	Use:   "fetch OUTPUT",
	Short: "Write the exported catalog to a SQLite file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp("FetchCatalog", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		var passphrase string
		if a.CatalogEncrypted() {
			passphrase, err = readPassphrase("Passphrase: ")
			if err != nil {
				return err
			}
		}

		f, err := os.OpenFile(args[0], os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("creating output: %w", err)
		}
		if err := a.FetchCatalog(f, passphrase); err != nil {
			f.Close()
			os.Remove(args[0])
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("closing output: %w", err)
		}
		fmt.Printf("Catalog written to %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "", "Backup profile (optional with a single profile)")

	// config subcommands
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configKeysCmd)
	configCmd.AddCommand(configProfileCmd)
	configProfileCmd.AddCommand(configProfileAddCmd)
	configProfileCmd.AddCommand(configProfileRemoveCmd)
	configProfileAddCmd.Flags().StringSlice("exclude", nil, "Exclusion patterns")

	// catalog subcommands
	catalogCmd.AddCommand(catalogFetchCmd)

	// root commands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().Bool("prune", false, "Apply the retention policy after a completed run")
	backupCmd.Flags().BoolP("quiet", "q", false, "Do not print progress")
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(pruneCmd)
	pruneCmd.Flags().BoolP("dry-run", "n", false, "Show what would be deleted")
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of runs to show")
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(whereCmd)
	whereCmd.Flags().BoolP("checksum", "c", false, "Treat the argument as a checksum")
	rootCmd.AddCommand(restoreCmd)
	restoreCmd.Flags().StringP("snapshot", "s", "latest", "Snapshot id")
	restoreCmd.Flags().StringP("target", "t", ".", "Directory to restore into")
	restoreCmd.Flags().Bool("overwrite", false, "Replace existing files")
	rootCmd.AddCommand(filesCmd)
	filesCmd.Flags().StringP("snapshot", "s", "latest", "Snapshot id")
	rootCmd.AddCommand(catalogCmd)
}
