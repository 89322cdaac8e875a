package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bbblb/bbblb/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and bootstrap configuration",
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSchemaCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().BoolVarP(&configInitForce, "force", "f", false, "Overwrite an existing config file")
}

var configInitForce bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Display the effective configuration",
	Long: `Display the configuration as seen by serve, merged from the config file,
BBBLB_* environment variables and defaults. The output includes the
signing secret.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the configuration JSON schema",
	Long: `Print a JSON schema describing every configuration key, for editor
completion and config validation in CI.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := config.Schema()
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	Long: `Write a config file with the default values and a freshly generated
signing secret to --config, or to the default location. domain and db_uri
still have to be filled in before serve starts.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := flagConfig
		if path == "" {
			path = config.GetDefaultConfigPath()
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("config file %s already exists, use --force to overwrite", path)
		}

		cfg := config.GetDefaultConfig()
		cfg.Secret = randomSecret()
		if err := config.SaveConfig(cfg, path); err != nil {
			return err
		}

		fmt.Printf("Wrote %s\n", path)
		fmt.Println("Set domain to the public name of this balancer and db_uri to your database.")
		return nil
	},
}
