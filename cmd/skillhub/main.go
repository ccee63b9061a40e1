package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/inferera/skills-repo/pkg/logger"
	"github.com/inferera/skills-repo/pkg/presenter"
)

var rootCmd = &cobra.Command{
	Use:   "skillhub",
	Short: "Maintain the skills registry",
	Long: `skillhub validates the skills tree, detects and fetches upstream changes for
externally sourced skills, translates skill descriptions and builds the
registry artifacts served by the site.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := configureOutput(cmd); err != nil {
			return err
		}
		return startTracing(cmd.Context())
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return stopTracing(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().String("root", ".", "Registry root directory")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (panic, fatal, error, warn, info, debug, trace)")
	rootCmd.PersistentFlags().String("log-format", "fmt", "Log format (fmt, json)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "Only print errors and validation problems")

	viper.BindPFlag("root", rootCmd.PersistentFlags().Lookup("root"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))

	rootCmd.AddCommand(withTracing(validateCmd))
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(withTracing(buildCmd))
	rootCmd.AddCommand(withTracing(translateCmd))
	rootCmd.AddCommand(versionCmd)
}

// configureOutput applies the logging and presenter flags. Quiet mode also
// lowers logging to warnings unless --log-level was given explicitly.
func configureOutput(cmd *cobra.Command) error {
	presenter.SetQuiet(viper.GetBool("quiet"))
	logger.SetLogFormat(viper.GetString("log_format"))

	level := viper.GetString("log_level")
	if f := cmd.Flag("log-level"); presenter.IsQuiet() && (f == nil || !f.Changed) {
		level = "warn"
	}
	return logger.SetLogLevel(level)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stopTracing(context.Background())
	stop()
	if err != nil {
		if !isExitError(err) {
			presenter.Error(err, "")
		}
		os.Exit(1)
	}
}

// exitError fails the command after the problem has already been reported.
type exitError struct {
	msg string
}

func (e *exitError) Error() string { return e.msg }
