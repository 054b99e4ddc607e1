package commands

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/fleetedge/mqttmanager/pkg/deviceconfig"
	"github.com/fleetedge/mqttmanager/pkg/mqttmanager"
	"github.com/fleetedge/mqttmanager/pkg/mqttmanager/wiretransport"
	"github.com/fleetedge/mqttmanager/pkg/spool"
)

var (
	spoolDir            string
	keepQoS0WhenOffline bool
)

// newLogger builds the slog.Logger every command shares, writing to w at a
// level the --verbose flag controls. w is os.Stderr for foreground commands
// and a cli.LogWriter for watch, which renders the tail inside its frame
// instead of letting it scroll the terminal.
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if IsVerbose() {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openDeviceStore opens the deviceconfig.Store at the resolved path.
func openDeviceStore() (deviceconfig.Store, error) {
	path := DeviceConfigPath()
	if path == "" {
		return deviceconfig.Open()
	}
	return deviceconfig.OpenAt(path)
}

// openSpool builds the spool backing the manager: an on-disk Badger store
// if --spool-dir was given, otherwise an in-memory one for short-lived CLI
// invocations.
func openSpool() (spool.Spool, error) {
	cfg := spool.Config{KeepQoS0WhenOffline: keepQoS0WhenOffline}
	if spoolDir != "" {
		return spool.NewBadger(cfg, spool.BadgerOptions{Dir: spoolDir})
	}
	return spool.NewMemory(cfg)
}

// newClient assembles a manager Client from the resolved device config
// store, the default wire transport, and a spool, sharing logger across
// every internal component. The caller owns closing both the returned
// client and store.
func newClient(logger *slog.Logger) (*mqttmanager.Client, deviceconfig.Store, error) {
	store, err := openDeviceStore()
	if err != nil {
		return nil, nil, fmt.Errorf("open device config: %w", err)
	}

	transport, err := wiretransport.New(mqttmanager.NewManagerConfig(store), logger)
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("build transport: %w", err)
	}

	sp, err := openSpool()
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("open spool: %w", err)
	}

	client, err := mqttmanager.New(mqttmanager.Options{
		Store:     store,
		Transport: transport,
		Spool:     sp,
		Logger:    logger,
	})
	if err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("construct client: %w", err)
	}
	return client, store, nil
}

func registerClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&spoolDir, "spool-dir", "", "directory for an on-disk spool (default: in-memory)")
	cmd.Flags().BoolVar(&keepQoS0WhenOffline, "keep-qos0-offline", false, "keep QoS 0 spool entries across an offline transition instead of dropping them")
}
