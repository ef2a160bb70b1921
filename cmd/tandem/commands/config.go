package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tandemlab/tandem/pkg/tandem/navigator"
)

// newConfigCmd creates the `tandem config` command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the active configuration",
	}
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())
	return configCmd
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration",
		Long:  "Prints the effective configuration after defaults and file merging. Secrets are masked.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			// Never print a real key, even one loaded from the environment.
			if cfg.API.APIKey != "" && !navigator.IsEnvReference(cfg.API.APIKey) {
				cfg.API.APIKey = "****"
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}

			if path != "" {
				fmt.Printf("# %s\n", path)
			} else {
				fmt.Println("# built-in defaults (no config file found)")
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if explicit, _ := cmd.Flags().GetString("config"); explicit != "" {
				fmt.Println(explicit)
				return nil
			}
			path := navigator.FindConfigFile()
			if path == "" {
				fmt.Println("(none found; run `tandem setup` to create one)")
				return nil
			}
			fmt.Println(path)
			return nil
		},
	}
}
