package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"relocare/internal/backup"
	"relocare/internal/config"
	"relocare/internal/inventory"
	"relocare/internal/logging"
	"relocare/internal/pathspec"
	"relocare/internal/prompt"
	"relocare/internal/relocate"
	"relocare/internal/reporting"
	"relocare/internal/security"
	"relocare/internal/system"
)

const (
	Version = "1.0.0"
	AppName = "Relocare"

	ExitSuccess = 0
	ExitError   = 1
)

var (
	cfg        *config.Config
	logger     *logging.Logger
	configPath string
	verbose    bool
	assumeYes  bool
	dryRun     bool

	sizeFlag     int64
	letterFlag   string
	mediaFlag    string
	keepBackup   bool
	deleteBackup bool
)

var rootCmd = &cobra.Command{
	Use:     "relocare",
	Short:   "Relocare - recovery partition relocation",
	Long:    "Relocates the recovery partition to the end of the system disk, resizing the system partition around it",
	Version: Version,
}

var relocateCmd = &cobra.Command{
	Use:   "relocate",
	Short: "Relocate the recovery partition",
	RunE:  runRelocate,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show recovery environment and disk state",
	RunE:  runInfo,
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Capture the recovery partition without relocating",
	RunE:  runBackup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "Answer yes to all prompts")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Log what would run without touching the system")

	relocateCmd.Flags().Int64Var(&sizeFlag, "size", 0, "Recovery partition size (values below 1 MiB mean MiB)")
	relocateCmd.Flags().StringVar(&letterFlag, "letter", "", "Preferred transient drive letter")
	relocateCmd.Flags().StringVar(&mediaFlag, "media", "", "Installation media root for image extraction")
	relocateCmd.Flags().BoolVar(&keepBackup, "keep-backup", false, "Keep the backup after a verified relocation")
	relocateCmd.Flags().BoolVar(&deleteBackup, "delete-backup", false, "Delete the backup after a verified relocation")

	rootCmd.AddCommand(relocateCmd, infoCmd, backupCmd)
}

// setup loads config, applies flag overrides and opens the logger.
func setup(cmd *cobra.Command) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	if cmd.Flags().Changed("size") {
		cfg.Recovery.ExtendedSize = sizeFlag
	}
	if cmd.Flags().Changed("letter") {
		cfg.Recovery.Letter = letterFlag
	}
	if cmd.Flags().Changed("media") {
		cfg.Recovery.MediaPath = mediaFlag
	}
	if cmd.Flags().Changed("keep-backup") {
		cfg.Recovery.DeleteBackup = false
	}
	if cmd.Flags().Changed("delete-backup") {
		cfg.Recovery.DeleteBackup = true
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err = logging.New(cfg.Logging.Level, cfg.Logging.File, verbose)
	if err != nil {
		return fmt.Errorf("logger initialization failed: %w", err)
	}
	return nil
}

// signalContext cancels on SIGINT/SIGTERM so long-running image
// operations stop at the next tool boundary.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		if logger != nil {
			logger.Log("WARN", "Signal received, stopping", "signal", sig.String())
		}
		fmt.Printf("\n[INFO] Signal %s received, shutting down...\n", sig.String())
		cancel()
	}()

	return ctx, cancel
}

func runner() system.Runner {
	if dryRun {
		return system.NewDryRunner(logger)
	}
	return system.NewExecRunner(logger)
}

func confirm() prompt.Func {
	if assumeYes || dryRun {
		return prompt.AssumeYes()
	}
	return prompt.Terminal()
}

func runRelocate(cmd *cobra.Command, args []string) error {
	if err := setup(cmd); err != nil {
		return err
	}
	defer logger.Close()

	ctx, cancel := signalContext()
	defer cancel()

	r := runner()
	logger.Log("INFO", "Starting "+AppName, "version", Version, "dry_run", dryRun)

	if !dryRun {
		checks := &security.Checks{R: r, Log: logger}
		if err := checks.Preflight(ctx, cfg.Recovery.Letter); err != nil {
			return err
		}
	}

	session := relocate.NewSession(cfg, logger, r, confirm(), dryRun)
	runErr := session.Run(ctx)

	exitCode := ExitSuccess
	if runErr != nil {
		exitCode = ExitError
	}
	session.Report.Finish(exitCode)
	if path, err := reporting.Save(session.Report, cfg); err != nil {
		logger.Log("WARN", "Cannot save run report", "error", err.Error())
	} else if path != "" {
		logger.Log("INFO", "Run report saved", "file", path)
	}

	return runErr
}

func runInfo(cmd *cobra.Command, args []string) error {
	if err := setup(cmd); err != nil {
		return err
	}
	defer logger.Close()

	ctx, cancel := signalContext()
	defer cancel()

	r := runner()

	winre := system.WinRE{R: r}
	re, err := winre.Info(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Recovery environment: enabled=%v\n", re.Enabled)
	if re.Location != "" {
		fmt.Printf("  location:   %s\n", re.Location)
	}
	if re.BCDIdentifier != "" {
		fmt.Printf("  identifier: %s\n", re.BCDIdentifier)
	}

	inv := &inventory.Service{R: r, Log: logger, PreferredLetter: cfg.Recovery.Letter}
	snap, err := inv.Take(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("System partition: %d on disk %d (%d MiB)\n",
		snap.System.PartitionNumber, snap.System.DiskNumber, snap.System.Size/(1<<20))

	candidates := inventory.CandidatesAfter(snap)
	if len(candidates) == 0 {
		fmt.Println("No recovery-marked partitions after the system partition")
		return nil
	}
	for _, c := range candidates {
		letter := c.Letter()
		if letter == "" {
			letter = "-"
		}
		fmt.Printf("Recovery candidate: partition %d on disk %d, offset %d, %d MiB, letter %s\n",
			c.PartitionNumber, c.DiskNumber, c.Offset, c.Size/(1<<20), letter)
	}
	return nil
}

func runBackup(cmd *cobra.Command, args []string) error {
	if err := setup(cmd); err != nil {
		return err
	}
	defer logger.Close()

	ctx, cancel := signalContext()
	defer cancel()

	r := runner()

	winre := system.WinRE{R: r}
	re, err := winre.Info(ctx)
	if err != nil {
		return err
	}
	if !re.Enabled {
		return fmt.Errorf("recovery environment is disabled, nothing to back up")
	}

	ref, err := pathspec.Parse(re.Location)
	if err != nil {
		return fmt.Errorf("environment location %q not understood: %w", re.Location, err)
	}

	parts, err := system.ListPartitions(ctx, r, -1)
	if err != nil {
		return err
	}

	svc := &backup.Service{
		R: r, Log: logger,
		BackupDir:       cfg.Recovery.BackupDir,
		PreferredLetter: cfg.Recovery.Letter,
	}
	img, err := svc.Capture(ctx, ref, parts)
	if err != nil {
		return err
	}
	if img == nil {
		logger.Log("WARN", "No recovery image found, nothing captured")
		return nil
	}
	fmt.Printf("Backup written: %s\n", img.Path)
	fmt.Printf("Digest:         %s\n", img.Digest)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}
}
