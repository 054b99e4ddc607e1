package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetedge/mqttmanager/pkg/cli"
	"github.com/fleetedge/mqttmanager/pkg/mqttmanager"
)

var (
	watchWidth  int
	watchHeight int
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live status frame: connection state, inbound messages, log tail",
	Long: `watch subscribes to a wildcard probe topic, then repaints a
bordered status frame every second showing connection state, recent
inbound messages, and the tail of the component log, until interrupted.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().IntVar(&watchWidth, "width", 100, "frame width in columns")
	watchCmd.Flags().IntVar(&watchHeight, "height", 24, "frame height in rows")
	registerClientFlags(watchCmd)
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	logWriter := cli.NewLogWriter(200)
	logger := newLogger(logWriter)
	client, store, err := newClient(logger)
	if err != nil {
		return err
	}
	defer client.Close()
	defer store.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var (
		receivedMu sync.Mutex
		received   []string
	)
	h, err := client.Subscribe(ctx, mqttmanager.SubscribeRequest{
		Topic: "#",
		Callback: func(msg mqttmanager.Message) {
			line := fmt.Sprintf("%s [%s] %s", time.Now().Format("15:04:05"), msg.QoS, msg.Topic)
			receivedMu.Lock()
			received = append(received, line)
			if len(received) > 100 {
				received = received[len(received)-100:]
			}
			receivedMu.Unlock()
		},
	})
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer client.Unsubscribe(context.Background(), h)

	styles := cli.NewStyles(cli.DefaultTheme)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		status := "offline"
		if client.Connected() {
			status = "online"
		}
		frame := cli.Frame{
			Styles: styles,
			Title:  "MQTTMANAGER // WATCH",
			Status: status,
			Sections: []cli.Section{
				{Label: "Received", Content: func() []string {
					receivedMu.Lock()
					defer receivedMu.Unlock()
					out := make([]string, len(received))
					copy(out, received)
					return out
				}},
				{Label: "Log", Content: logWriter.Lines},
			},
			Help: "Ctrl+C=quit",
		}
		fmt.Print("\x1b[H\x1b[2J")
		fmt.Println(frame.Render(watchWidth, watchHeight))

		select {
		case <-sigCh:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
