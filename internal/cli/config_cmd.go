package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/qualitygate/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate, inspect and create gate configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(false)
		if err != nil {
			return err
		}

		errs := config.Validate(a.cfg)
		if len(errs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (%s).\n", a.configName())
			return nil
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Validation errors:")
		for _, e := range errs {
			fmt.Fprintf(cmd.OutOrStdout(), "  - %s\n", e)
		}
		return usageError(fmt.Errorf("config has %d validation error(s)", len(errs)))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults merged",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if err := checkFormat(format, config.FormatYAML, config.FormatTOML); err != nil {
			return err
		}
		a, err := loadApp(false)
		if err != nil {
			return err
		}

		data, err := config.Marshal(a.cfg, format)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the built-in configuration to qgate.yaml (or qgate.toml)",
	Args:  usageArgs(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		if err := checkFormat(format, config.FormatYAML, config.FormatTOML); err != nil {
			return err
		}
		force, _ := cmd.Flags().GetBool("force")

		dir := flagDir
		if dir == "" {
			dir = "."
		}
		name := "qgate.yaml"
		if format == config.FormatTOML {
			name = "qgate.toml"
		}
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil && !force {
			return usageError(fmt.Errorf("%s already exists (use --force to overwrite)", path))
		}

		cfg := config.Builtin()
		cfg.Project = filepath.Base(mustAbs(dir))
		data, err := config.Marshal(cfg, format)
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

func mustAbs(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return p
	}
	return abs
}

func init() {
	configShowCmd.Flags().String("format", config.FormatYAML, "Output format: yaml or toml")
	configInitCmd.Flags().String("format", config.FormatYAML, "File format: yaml or toml")
	configInitCmd.Flags().Bool("force", false, "overwrite an existing file")
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}
