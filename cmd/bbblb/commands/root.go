// Package commands implements the bbblb command line interface.
package commands

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"

	"github.com/spf13/cobra"

	"github.com/bbblb/bbblb/internal/cli/prompt"
	"github.com/bbblb/bbblb/internal/logging"
	"github.com/bbblb/bbblb/pkg/config"
	"github.com/bbblb/bbblb/pkg/store"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

var (
	flagConfig string
	flagDebug  bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "bbblb",
	Short: "Multi-tenant BigBlueButton load balancer",
	Long: `bbblb mediates the BigBlueButton API between tenant frontends and a pool
of backend servers. It places new meetings on the least loaded healthy
backend, translates checksums between tenant and backend secrets, routes
meeting callbacks back to the frontends and imports finished recordings.

Configuration is read from a config file (--config or BBBLB_CONFIG),
BBBLB_* environment variables and built-in defaults, in that order.

Use "bbblb [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExecuteContext runs the command tree. The context carries signal
// cancellation so long-running commands stop cleanly on Ctrl+C.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "C", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tenantCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(overrideCmd)
	rootCmd.AddCommand(recordingCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the configuration honoring the global flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.MustLoad(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDebug {
		cfg.Debug = true
	}
	return cfg, nil
}

// setupCLILogging switches the global logger to human-readable output.
// One-shot admin commands use this; serve keeps structured output.
func setupCLILogging(cfg *config.Config) {
	logging.Configure(logging.Config{Debug: cfg.Debug, Pretty: true})
}

// withStore loads the config, opens the store and hands both to fn. The
// store is closed when fn returns. Admin commands that only need database
// access run through here.
func withStore(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, st *store.GORMStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	setupCLILogging(cfg)

	dbCfg, err := store.ParseURI(cfg.DBURI)
	if err != nil {
		return err
	}
	st, err := store.New(dbCfg)
	if err != nil {
		return err
	}
	defer st.Close()

	return fn(cmd.Context(), cfg, st)
}

// randomSecret generates a fresh shared secret, 43 characters of URL-safe
// base64 so it survives copy-paste into frontend configs.
func randomSecret() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// randomHex returns n random bytes hex-encoded, for token IDs.
func randomHex(n int) string {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	return hex.EncodeToString(raw)
}

// confirmOrAbort asks for confirmation unless force is set. A false result
// with a nil error means the user declined and the command should end
// quietly without an error exit.
func confirmOrAbort(force bool, label string) (bool, error) {
	ok, err := prompt.ConfirmWithForce(label, force)
	if prompt.IsAborted(err) {
		return false, nil
	}
	return ok, err
}

// confirmDangerOrAbort is confirmOrAbort for operations that destroy data:
// the user has to type confirmWord instead of just answering yes.
func confirmDangerOrAbort(force bool, label, confirmWord string) (bool, error) {
	if force {
		return true, nil
	}
	ok, err := prompt.ConfirmDanger(label, confirmWord)
	if prompt.IsAborted(err) {
		return false, nil
	}
	return ok, err
}
