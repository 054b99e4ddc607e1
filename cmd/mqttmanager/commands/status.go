package commands

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetedge/mqttmanager/pkg/cli"
	"github.com/fleetedge/mqttmanager/pkg/mqttmanager"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print current device configuration and connection state",
	RunE:  runStatus,
}

func init() {
	registerClientFlags(statusCmd)
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := newLogger(os.Stderr)
	client, store, err := newClient(logger)
	if err != nil {
		return err
	}
	defer client.Close()
	defer store.Close()

	cfg := mqttmanager.NewManagerConfig(store)

	return cli.Output(map[string]any{
		"configured":       store.IsDeviceConfiguredToTalkToCloud(),
		"connected":        client.Connected(),
		"thingName":        cfg.ThingName,
		"iotDataEndpoint":  cfg.IoTDataEndpoint,
		"region":           cfg.Region,
		"port":             cfg.Port,
		"proxyConfigured":  cfg.ProxyConfigured,
		"maxInFlight":      cfg.MaxInFlightPublishes,
		"maxPublishRetry":  cfg.MaxPublishRetry,
		"maxMessageSize":   cli.FormatBytesInt(cfg.MaxPublishMessageSize),
		"keepAliveTimeout": cli.FormatDuration(cfg.KeepAliveTimeoutMs),
		"operationTimeout": cli.FormatDuration(cfg.OperationTimeoutMs),
	}, cli.OutputOptions{Format: ResolvedOutputFormat()})
}
