package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/Sternrassler/appstore-reviews/pkg/logging"
	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	var logLevel string
	var pretty bool

	rootCmd := &cobra.Command{
		Use:           "appstore-reviews",
		Short:         "appstore-reviews fetches user reviews from the App Store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Setup(logging.Config{
				Level:  logging.LogLevel(logLevel),
				Pretty: pretty,
				Output: cmd.ErrOrStderr(),
			})
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", string(logging.LevelWarn), "Log level (debug, info, warn, error, disabled).")
	rootCmd.PersistentFlags().BoolVar(&pretty, "log-pretty", true, "Human-readable log output.")

	rootCmd.AddCommand(newReviewsCmd())
	return rootCmd
}

// ExecuteContext runs the root command and exits with status 1 on error.
func ExecuteContext(ctx context.Context) {
	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
