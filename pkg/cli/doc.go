// Package cli provides shared terminal plumbing for device-manager
// command-line tools: CLI-own preferences distinct from device identity
// config, result formatting (JSON/YAML/raw), a ring-buffered log writer
// for live status displays, and a lipgloss-based TUI frame renderer.
//
// Preferences are stored in ~/.mqttmanager/<app>/ directory.
//
// Example usage:
//
//	cfg, err := cli.LoadConfig("mqttmanager")
//
//	cli.Output(result, cli.OutputOptions{
//	    Format: cli.FormatJSON,
//	    File:   outputPath,
//	})
package cli
