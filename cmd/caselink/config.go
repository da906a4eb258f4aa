package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.caselink/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Stream  ConfigStream  `toml:"stream"`
}

// ConfigDefault holds endpoint and authentication settings.
type ConfigDefault struct {
	Endpoint string `toml:"endpoint"`
	Token    string `toml:"token"`
	UserID   string `toml:"user_id"`
}

// ConfigStream holds stream connection settings.
type ConfigStream struct {
	ReconnectAttempts int  `toml:"reconnect_attempts"`
	ResetOnDisconnect bool `toml:"reset_on_disconnect"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.caselink, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".caselink")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "endpoint":
			cfg.Default.Endpoint = value
		case "token":
			cfg.Default.Token = value
		case "user_id":
			cfg.Default.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "stream":
		switch field {
		case "reconnect_attempts":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("reconnect_attempts must be an integer")
			}
			cfg.Stream.ReconnectAttempts = n
		case "reset_on_disconnect":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("reset_on_disconnect must be a boolean")
			}
			cfg.Stream.ResetOnDisconnect = b
		default:
			return fmt.Errorf("unknown field %q in section [stream]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, stream)", section)
	}
	return nil
}

// ============================================================================
// config commands
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage Caselink configuration",
	Long:  "View or modify the Caselink CLI configuration stored in ~/.caselink/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'caselink init <endpoint> <token>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: caselink config set default.endpoint https://caselink.example",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
