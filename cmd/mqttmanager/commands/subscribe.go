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

var (
	subTopic string
	subQoS   int
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe",
	Short: "Subscribe to a topic filter and print inbound messages",
	Long: `subscribe registers a local callback for the given topic filter
and prints each delivered message until interrupted with SIGINT or
SIGTERM.`,
	RunE: runSubscribe,
}

func init() {
	subscribeCmd.Flags().StringVarP(&subTopic, "topic", "t", "", "topic filter (required, may contain + and #)")
	subscribeCmd.Flags().IntVar(&subQoS, "qos", 0, "QoS level: 0 or 1")
	subscribeCmd.MarkFlagRequired("topic")
	registerClientFlags(subscribeCmd)
	rootCmd.AddCommand(subscribeCmd)
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	qos, err := parseQoS(subQoS)
	if err != nil {
		return err
	}

	logger := newLogger(os.Stderr)
	client, store, err := newClient(logger)
	if err != nil {
		return err
	}
	defer client.Close()
	defer store.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	format := ResolvedOutputFormat()
	h, err := client.Subscribe(ctx, mqttmanager.SubscribeRequest{
		Topic: subTopic,
		QoS:   qos,
		Callback: func(msg mqttmanager.Message) {
			cli.Output(map[string]any{
				"topic":   msg.Topic,
				"qos":     msg.QoS.String(),
				"retain":  msg.Retain,
				"payload": string(msg.Payload),
			}, cli.OutputOptions{Format: format})
		},
	})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer client.Unsubscribe(context.Background(), h)

	cli.PrintInfo("subscribed to %q, waiting for messages (Ctrl+C to stop)", subTopic)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}
	return nil
}
