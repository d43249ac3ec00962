package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stalexteam/interruptd/pkg/interruptd"
)

var (
	gitCommit  string
	versionTag string
	buildType  string
)

func main() {
	var verbose bool
	var noTray bool

	rootCmd := &cobra.Command{
		Use:   "interruptd",
		Short: "Audio interruption monitor",
		Long:  "Watch phone calls, audio focus and output routes and report interruptions to media players.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(verbose, noTray)
		},
		SilenceUsage: true,
	}

	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "show verbose logs (useful for debugging serial)")
	rootCmd.Flags().BoolVar(&noTray, "no-tray", false, "run without a tray icon")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(verbose bool, noTray bool) error {
	// first we need a logger
	logger, err := interruptd.NewLogger(buildType, verbose)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	if verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	d, err := interruptd.New(logger, verbose)
	if err != nil {
		named.Errorw("Failed to create interruptd object", "error", err)
		return fmt.Errorf("create interruptd: %w", err)
	}

	// if injected by build process, set version info to show up in the tray
	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		d.SetVersion(fmt.Sprintf("Version %s-%s", buildType, identifier))
	}

	if err := d.Initialize(noTray); err != nil {
		named.Errorw("Failed to initialize interruptd", "error", err)
		return fmt.Errorf("initialize interruptd: %w", err)
	}

	return nil
}
