package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetedge/mqttmanager/pkg/cli"
)

var (
	// Global flags
	verbose      bool
	deviceConfig string
	outputFormat string

	// Global CLI preferences (loaded at init time)
	globalConfig *cli.Config
)

var rootCmd = &cobra.Command{
	Use:   "mqttmanager",
	Short: "Device-side MQTT client manager",
	Long: `mqttmanager - operate and inspect the device-side MQTT client manager.

Commands:
  connect    Open a broker session and idle until interrupted
  publish    Publish one message from flags or a payload file
  subscribe  Subscribe to a topic filter and print inbound messages
  watch      Live status frame: connection state, inbound messages, log tail
  status     Print current device configuration and connection state

Device configuration is a YAML document, by default stored at:
  ~/.mqttmanager/device.yaml

CLI preferences (default device config path, default output format) are
stored separately at:
  ~/.mqttmanager/mqttmanager/cli.yaml

Examples:
  mqttmanager status
  mqttmanager publish -t device/telemetry -m '{"temp":21}' --qos 1
  mqttmanager subscribe -t 'device/+/telemetry'
  mqttmanager watch`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&deviceConfig, "device-config", "c", "", "device configuration YAML path (default: ~/.mqttmanager/device.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "", "output format: yaml, json, raw")
}

// cliConfigLoadErr stores the error from cli.LoadConfig for deferred
// reporting, so commands that don't need it (like version) still work.
var cliConfigLoadErr error

func initConfig() {
	cfg, err := cli.LoadConfig("mqttmanager")
	if err != nil {
		cliConfigLoadErr = err
		return
	}
	globalConfig = cfg
}

// GetCLIConfig returns the global CLI preferences, loading them on demand
// if init didn't manage to (e.g. HOME wasn't set yet).
func GetCLIConfig() (*cli.Config, error) {
	if globalConfig == nil {
		if cliConfigLoadErr != nil {
			return nil, fmt.Errorf("cli config not available: %w", cliConfigLoadErr)
		}
		cfg, err := cli.LoadConfig("mqttmanager")
		if err != nil {
			return nil, fmt.Errorf("cli config not available: %w", err)
		}
		globalConfig = cfg
	}
	return globalConfig, nil
}

// DeviceConfigPath resolves the device config YAML path to use: the
// --device-config flag, then the CLI preference, then deviceconfig's own
// default (empty string means "let deviceconfig.Open pick its default").
func DeviceConfigPath() string {
	if deviceConfig != "" {
		return deviceConfig
	}
	if cfg, err := GetCLIConfig(); err == nil && cfg.DefaultConfigPath != "" {
		return cfg.DefaultConfigPath
	}
	return ""
}

// ResolvedOutputFormat resolves the --output flag against the CLI
// preference default, falling back to YAML.
func ResolvedOutputFormat() cli.OutputFormat {
	if outputFormat != "" {
		return cli.OutputFormat(outputFormat)
	}
	if cfg, err := GetCLIConfig(); err == nil && cfg.DefaultFormat != "" {
		return cfg.DefaultFormat
	}
	return cli.FormatYAML
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}
