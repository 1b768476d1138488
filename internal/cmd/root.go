// Package cmd implements the gsadash command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ecological-systems-design/gsa-dashboard/internal/config"
	"github.com/ecological-systems-design/gsa-dashboard/internal/observability"
	"github.com/ecological-systems-design/gsa-dashboard/internal/server/handlers"
)

// Exit codes.
const (
	exitInvalidArgument    = int(foundry.ExitInvalidArgument)
	exitServiceUnavailable = int(foundry.ExitExternalServiceUnavailable)
	exitFileWriteError     = int(foundry.ExitFileWriteError)
	exitFileNotFound       = int(foundry.ExitFileNotFound)
	exitSignalInt          = int(foundry.ExitSignalInt)
	exitFailure            = 1
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "unknown",
	BuildDate: "unknown",
}

var (
	cfgFile  string
	logLevel string
	verbose  bool

	appConfig *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "gsadash",
	Short: "Global sensitivity analysis jobs for LCA models",
	Long: `gsadash runs Monte Carlo propagation, sensitivity ranking and
restricted-model validation jobs for a life cycle assessment study.

Jobs run in the background with pollable progress and can be cancelled.
Use 'gsadash serve' for the HTTP API or the 'mc', 'validate', 'rank' and
'jobs' commands from a terminal.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRuntimeConfig,
}

func init() {
	setDefaults()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./gsadash.yaml or $HOME/.config/gsadash/gsadash.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Shorthand for --log-level debug")

	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func setDefaults() {
	config.SetDefaults(viper.GetViper())
}

// SetVersionInfo records build identity for 'version' and /version.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func initRuntimeConfig(cmd *cobra.Command, _ []string) error {
	if cfgFile != "" {
		config.SetConfigFile(cfgFile)
	}

	overrides := map[string]any{}
	switch {
	case verbose:
		overrides["logging"] = map[string]any{"level": "debug"}
	case strings.TrimSpace(logLevel) != "":
		overrides["logging"] = map[string]any{"level": logLevel}
	}

	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return exitError(exitInvalidArgument, "Invalid configuration", err)
	}
	appConfig = cfg

	if err := observability.InitLogger(cmd.Root().Name(), cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(exitInvalidArgument, "Invalid logging configuration", err)
	}
	observability.CLILogger.Debug("Configuration loaded",
		zap.String("jobs_backend", cfg.Jobs.ResolvedBackend()),
		zap.String("results_path", cfg.Results.Path))
	return nil
}

// ExitError carries a process exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitError(code int, msg string, err error) error {
	return &ExitError{Code: code, Message: msg, Err: err}
}

// ExitCode maps an Execute error to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return exitFailure
}

// currentConfig returns the loaded config, loading defaults when a command
// runs without the root pre-run (tests).
func currentConfig(ctx context.Context) (*config.Config, error) {
	if appConfig != nil {
		return appConfig, nil
	}
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	appConfig = cfg
	return cfg, nil
}
