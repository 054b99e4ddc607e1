package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetedge/mqttmanager/pkg/cli"
	"github.com/fleetedge/mqttmanager/pkg/mqttmanager"
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open a broker session and idle until interrupted",
	Long: `connect acquires a pooled broker connection (by registering a
probe subscription that is held until the command exits) and then blocks,
keeping the session alive, until it receives SIGINT or SIGTERM.`,
	RunE: runConnect,
}

func init() {
	registerClientFlags(connectCmd)
	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	logger := newLogger(os.Stderr)
	client, store, err := newClient(logger)
	if err != nil {
		return err
	}
	defer client.Close()
	defer store.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	h, err := client.Subscribe(ctx, mqttmanager.SubscribeRequest{
		Topic:    "$mqttmanager/connect-probe",
		Callback: func(mqttmanager.Message) {},
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Unsubscribe(ctx, h)

	cli.PrintSuccess("connected (%v)", client.Connected())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	return nil
}
