package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetedge/mqttmanager/pkg/cli"
	"github.com/fleetedge/mqttmanager/pkg/mqttmanager"
)

var (
	pubTopic   string
	pubMessage string
	pubFile    string
	pubQoS     int
	pubRetain  bool
	pubWait    time.Duration
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish one message from flags or a payload file",
	Long: `publish enqueues a single message on the spool and waits briefly
for the publisher loop to drain it before exiting. The enqueue result, not
a broker acknowledgment, is what publish reports — a message handed off
successfully may still be awaiting its first send attempt when this
command exits.`,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVarP(&pubTopic, "topic", "t", "", "publish topic (required)")
	publishCmd.Flags().StringVarP(&pubMessage, "message", "m", "", "message payload")
	publishCmd.Flags().StringVar(&pubFile, "file", "", "read the payload from this file instead of --message")
	publishCmd.Flags().IntVar(&pubQoS, "qos", 0, "QoS level: 0 or 1")
	publishCmd.Flags().BoolVar(&pubRetain, "retain", false, "set the MQTT retain flag")
	publishCmd.Flags().DurationVar(&pubWait, "wait", 2*time.Second, "time to let the publisher loop attempt delivery before exiting")
	publishCmd.MarkFlagRequired("topic")
	registerClientFlags(publishCmd)
	rootCmd.AddCommand(publishCmd)
}

func runPublish(cmd *cobra.Command, args []string) error {
	payload, err := resolvePayload()
	if err != nil {
		return err
	}
	qos, err := parseQoS(pubQoS)
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

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	future, err := client.Publish(ctx, mqttmanager.PublishRequest{
		Topic:   pubTopic,
		Payload: payload,
		QoS:     qos,
		Retain:  pubRetain,
	})
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	if err := future.Err(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	time.Sleep(pubWait)

	return cli.Output(map[string]any{
		"topic":   pubTopic,
		"qos":     qos.String(),
		"retain":  pubRetain,
		"spooled": future.Entry().ID,
	}, cli.OutputOptions{Format: ResolvedOutputFormat()})
}

func resolvePayload() ([]byte, error) {
	if pubFile != "" {
		return os.ReadFile(pubFile)
	}
	return []byte(pubMessage), nil
}

func parseQoS(n int) (mqttmanager.QoS, error) {
	switch n {
	case 0:
		return mqttmanager.AtMostOnce, nil
	case 1:
		return mqttmanager.AtLeastOnce, nil
	default:
		return 0, fmt.Errorf("unsupported QoS %d (must be 0 or 1)", n)
	}
}
