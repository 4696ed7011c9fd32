package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/teranos/cratemine/am"
	"github.com/teranos/cratemine/errors"
	"github.com/teranos/cratemine/sym"
)

// AmCmd represents the am (configuration) command
var AmCmd = &cobra.Command{
	Use:   "am",
	Short: sym.AM + " Manage cratemine configuration",
	Long: sym.AM + ` am — Manage cratemine configuration ("I am")

Configuration sources (in order of precedence):
1. Command line flags
2. Environment variables (CRATEMINE_* prefix)
3. Project config (./am.toml, searched up from the working directory)
4. User config (~/.cratemine/am.toml)
5. System config (/etc/cratemine/am.toml)
6. Default values

--config replaces sources 3-5 with a single file.

Examples:
  cratemine am show                    # Show current configuration
  cratemine am show --format json      # Show configuration in JSON format
  cratemine am get registry.requests_per_second
  cratemine am init                    # Write ./am.toml with the defaults
  cratemine am validate                # Validate current configuration`,
}

var amShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  "Display the effective cratemine configuration from all sources",
	RunE:  runAmShow,
}

var amGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a specific configuration value",
	Long:  "Get a specific configuration value using dot notation (e.g., database.path, mine.lease_ttl_seconds)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAmGet,
}

var amValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate current configuration",
	RunE:  runAmValidate,
}

var amWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "Show where each setting comes from",
	RunE:  runAmWhere,
}

var amInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the default settings",
	Long: `Write the default configuration as TOML, to ./am.toml unless a path is given.
An existing file is kept unless --force is set; the previous version is
then rotated to .back1.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAmInit,
}

var (
	configFormat string
	initForce    bool
)

func init() {
	amShowCmd.Flags().StringVar(&configFormat, "format", "toml", "Output format: toml, json, yaml")
	amInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing file")

	AmCmd.AddCommand(amShowCmd)
	AmCmd.AddCommand(amGetCmd)
	AmCmd.AddCommand(amValidateCmd)
	AmCmd.AddCommand(amWhereCmd)
	AmCmd.AddCommand(amInitCmd)
}

func runAmShow(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	switch configFormat {
	case "json":
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to JSON")
		}
		fmt.Println(string(data))
	case "yaml":
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to YAML")
		}
		fmt.Printf("# cratemine configuration\n%s", string(data))
	case "toml":
		data, err := toml.Marshal(cfg)
		if err != nil {
			return errors.Wrap(err, "failed to marshal config to TOML")
		}
		fmt.Printf("# cratemine configuration\n%s", string(data))
	default:
		return errors.Newf("unsupported format: %s (supported: toml, json, yaml)", configFormat)
	}
	return nil
}

func runAmGet(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	v, err := am.GetViper()
	if err != nil {
		return err
	}
	key := args[0]
	if !v.IsSet(key) {
		return errors.Newf("configuration key %q not found", key)
	}
	fmt.Println(v.Get(key))
	return nil
}

func runAmValidate(cmd *cobra.Command, args []string) error {
	if _, err := am.Load(); err != nil {
		return errors.Wrap(err, "configuration validation failed")
	}
	fmt.Println("✓ Configuration is valid")
	return nil
}

func runAmWhere(cmd *cobra.Command, args []string) error {
	intro, err := am.GetConfigIntrospection()
	if err != nil {
		return errors.Wrap(err, "failed to get config introspection")
	}

	fmt.Println("Configuration cascade (later overrides earlier):")
	fmt.Println("  1. [DEFAULT]  Built-in defaults")
	fmt.Printf("  2. [SYSTEM]   %s\n", am.SystemConfigPath)
	fmt.Printf("  3. [USER]     %s\n", am.UserConfigPath())
	fmt.Println("  4. [PROJECT]  ./am.toml (searches up directories)")
	fmt.Printf("  5. [ENV]      %s_* environment variables\n", am.EnvPrefix)
	fmt.Println()

	bySource := make(map[string][]am.SettingInfo)
	var origins []string
	for _, s := range intro.Settings {
		origin := string(s.Source)
		if s.Source != am.SourceDefault && s.Source != am.SourceEnvironment {
			origin += ": " + s.SourcePath
		}
		if _, ok := bySource[origin]; !ok {
			origins = append(origins, origin)
		}
		bySource[origin] = append(bySource[origin], s)
	}
	sort.Strings(origins)

	fmt.Println("Active configuration:")
	for _, origin := range origins {
		settings := bySource[origin]
		fmt.Printf("\n%s (%d settings)\n", origin, len(settings))
		for _, s := range settings {
			if s.Source == am.SourceEnvironment {
				fmt.Printf("  %s = %v  (%s)\n", s.Key, s.Value, s.SourcePath)
				continue
			}
			fmt.Printf("  %s = %v\n", s.Key, s.Value)
		}
	}

	if path := am.ActiveConfigFile(); path != "" {
		fmt.Printf("\nHot reload watches %s\n", path)
	}
	return nil
}

func runAmInit(cmd *cobra.Command, args []string) error {
	path := "am.toml"
	if len(args) == 1 {
		path = args[0]
	}
	if _, err := os.Stat(path); err == nil && !initForce {
		return errors.WithHint(errors.Newf("%s already exists", path), "use --force to overwrite it")
	}
	if err := am.WriteDefault(path); err != nil {
		return err
	}
	fmt.Printf("%s wrote default configuration to %s\n", sym.AM, path)
	return nil
}
