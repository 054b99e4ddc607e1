// Package main is the entry point for the mqttmanager operations CLI.
//
// Usage:
//
//	mqttmanager [flags] <command> [args]
//
// Commands:
//
//	connect    - Open a broker session and idle until interrupted
//	publish    - Publish one message from flags or a payload file
//	subscribe  - Subscribe to a topic filter and print inbound messages
//	watch      - Live status frame: connection state, inbound messages, log tail
//	status     - Print current device configuration and connection state
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/fleetedge/mqttmanager/cmd/mqttmanager/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
