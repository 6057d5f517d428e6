package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimbusfs/sync/internal/config"
	"github.com/nimbusfs/sync/internal/remoteapi"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in setupRootCmd().
var (
	flagConfigPath string
	flagAccount    string
	flagDrive      string
	flagJSON       bool
	flagVerbose    bool
	flagDebug      bool
	flagQuiet      bool
)

// skipConfigAnnotation marks commands that handle config loading themselves.
// Commands annotated with this key skip the automatic four-layer config
// resolution in PersistentPreRunE. This replaces the fragile string map
// (skipConfigCommands) which required manual maintenance when adding commands.
const skipConfigAnnotation = "skipConfig"

// CLIContext bundles resolved config, logger, and the CLI flags in effect
// for the current invocation. Created once in PersistentPreRunE; eliminates
// redundant buildLogger calls and global flag reads in RunE handlers.
//
// PersistentPreRunE populates it in two phases: Phase 1 runs for every
// command and sets Logger, Flags, CfgPath, and Env; Phase 2 runs only for
// commands without skipConfigAnnotation and additionally sets Cfg (and
// rebuilds Logger using the resolved config's log level). Commands that
// skip Phase 2 (auth commands, multi-drive commands like sync) see a nil
// Cfg and load configuration themselves via loadAndResolve or ResolveDrives.
type CLIContext struct {
	Cfg     *config.ResolvedDrive
	Logger  *slog.Logger
	Flags   CLIFlags
	CfgPath string
	Env     config.EnvOverrides
}

// CLIFlags snapshots the persistent flags for the current command invocation.
type CLIFlags struct {
	ConfigPath string
	Account    string
	Drive      string
	JSON       bool
	Verbose    bool
	Debug      bool
	Quiet      bool
}

// cliContextKey is the context key for CLIContext.
type cliContextKey struct{}

// cliContextFrom extracts the CLIContext from the command's context.
// Returns nil if no config was loaded (e.g., auth commands that skip config).
func cliContextFrom(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		return nil
	}

	return cc
}

// mustCLIContext extracts the CLIContext or panics with an actionable message.
// Use in RunE handlers for commands that require config (no skipConfigAnnotation).
// Panics are always programmer errors — the command tree should guarantee the
// context is populated by PersistentPreRunE before RunE executes.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc := cliContextFrom(ctx)
	if cc == nil {
		panic("BUG: CLIContext not found in context — ensure the command " +
			"does not skip config loading (no skipConfigAnnotation) or " +
			"explicitly loads config in its RunE")
	}

	return cc
}

// httpClientTimeout is the default timeout for HTTP requests.
// Prevents hung connections from blocking CLI commands indefinitely.
const httpClientTimeout = 30 * time.Second

// defaultHTTPClient returns an HTTP client with a sensible timeout.
func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: httpClientTimeout}
}

// transferHTTPClient returns an HTTP client with no timeout for
// upload/download operations. Large file transfers on slow connections
// can exceed the 30-second default (e.g., 10MB chunks at 100KB/s = 100s).
// Transfers are bounded by context cancellation instead.
func transferHTTPClient() *http.Client {
	return &http.Client{Timeout: 0}
}

// newGraphClient creates a remoteapi.Client with the standard HTTP client,
// user-agent, and base URL. Eliminates boilerplate repeated across commands.
func newGraphClient(ts remoteapi.TokenSource, logger *slog.Logger) *remoteapi.Client {
	return remoteapi.NewClient(remoteapi.DefaultBaseURL, defaultHTTPClient(), ts, logger, "nimbus-sync/"+version)
}

// newTransferGraphClient creates a remoteapi.Client without a timeout for
// upload/download operations. Metadata operations (ls, rm, mkdir, stat,
// Drives(), Me()) should use newGraphClient with the 30-second timeout.
func newTransferGraphClient(ts remoteapi.TokenSource, logger *slog.Logger) *remoteapi.Client {
	return remoteapi.NewClient(remoteapi.DefaultBaseURL, transferHTTPClient(), ts, logger, "nimbus-sync/"+version)
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "nimbus-sync",
		Short:   "CloudDrive CLI client",
		Long:    "A fast, safe CloudDrive CLI and sync client for Linux and macOS.",
		Version: version,
		// Silence Cobra's default error/usage printing — we handle it ourselves.
		SilenceErrors: true,
		SilenceUsage:  true,
		// PersistentPreRunE always runs Phase 1 (logger, flags, CfgPath, Env).
		// Commands annotated with skipConfigAnnotation skip Phase 2 (the full
		// four-layer config resolution) and load config themselves if needed.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return persistentPreRun(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagAccount, "account", "", "account for auth commands (e.g., user@example.com)")
	cmd.PersistentFlags().StringVar(&flagDrive, "drive", "", "drive selector (canonical ID, alias, or partial match)")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "show detailed output")
	cmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging (HTTP requests, config resolution)")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.MarkFlagsMutuallyExclusive("verbose", "debug", "quiet")

	// Register subcommands.
	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newWhoamiCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newDriveCmd())
	cmd.AddCommand(newLsCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newPutCmd())
	cmd.AddCommand(newRmCmd())
	cmd.AddCommand(newMkdirCmd())
	cmd.AddCommand(newStatCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newConflictsCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newResolveCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// persistentPreRun implements the two-phase config setup shared by every
// command. Phase 1 always runs: it snapshots CLI flags, resolves the env
// overrides and config path, and stores a CLIContext on the command's
// context so that even skip-config commands (auth, sync) can read them.
// Phase 2 runs the full four-layer resolution and populates CLIContext.Cfg,
// unless the command carries skipConfigAnnotation.
func persistentPreRun(cmd *cobra.Command) error {
	flags := CLIFlags{
		ConfigPath: flagConfigPath,
		Account:    flagAccount,
		Drive:      flagDrive,
		JSON:       flagJSON,
		Verbose:    flagVerbose,
		Debug:      flagDebug,
		Quiet:      flagQuiet,
	}

	logger := buildLogger(nil, flags)
	env := config.ReadEnvOverrides(logger)

	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}
	if cmd.Flags().Changed("drive") {
		cli.Drive = flags.Drive
	}

	cfgPath := config.ResolveConfigPath(env, cli, logger)

	cc := &CLIContext{Logger: logger, Flags: flags, CfgPath: cfgPath, Env: env}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(context.WithValue(ctx, cliContextKey{}, cc))

	if cmd.Annotations[skipConfigAnnotation] == "true" {
		return nil
	}

	resolved, _, err := loadAndResolve(cmd, flags, env, logger)
	if err != nil {
		return err
	}

	logger.Debug("config resolved",
		slog.String("canonical_id", resolved.CanonicalID.String()),
		slog.String("sync_dir", resolved.SyncDir),
		slog.String("drive_id", resolved.DriveID.String()),
	)

	finalLogger := buildLogger(resolved, flags)
	cc.Cfg = resolved
	cc.Logger = finalLogger

	config.WarnUnimplemented(resolved, finalLogger)

	return nil
}

// loadAndResolve runs the four-layer config override chain for the current
// command invocation, returning both the fully resolved drive and the raw
// parsed Config (e.g. for commands that need to resolve multiple drives).
// Used by persistentPreRun's Phase 2 and directly by commands that skip
// Phase 2 but still need config (sync's multi-drive resolution).
func loadAndResolve(cmd *cobra.Command, flags CLIFlags, env config.EnvOverrides, logger *slog.Logger) (*config.ResolvedDrive, *config.Config, error) {
	cli := config.CLIOverrides{ConfigPath: flags.ConfigPath}
	if cmd.Flags().Changed("drive") {
		cli.Drive = flags.Drive
	}

	cfgPath := config.ResolveConfigPath(env, cli, logger)

	rawCfg, err := config.LoadOrDefault(cfgPath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	resolved, err := config.ResolveDrive(env, cli, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	return resolved, rawCfg, nil
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Pass nil for pre-config bootstrap (no config-file log level).
// Config-file log level provides the baseline; --verbose, --debug, and --quiet
// override it because CLI flags always win. The flags are mutually exclusive
// (enforced by Cobra).
func buildLogger(cfg *config.ResolvedDrive, flags CLIFlags) *slog.Logger {
	level := slog.LevelWarn

	// Config-based log level (lower priority than CLI flags). An unrecognized
	// value falls back to warn rather than silently logging at default.
	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "info":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	// CLI flags override config (highest priority).
	if flags.Verbose {
		level = slog.LevelInfo
	}

	if flags.Debug {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
