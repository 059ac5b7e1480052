// Command meshnode runs one mesh node on a host gateway. The radio is
// bridged over a NATS subject; the node's state is exposed over gRPC and
// Prometheus, persisted in a bolt file and optionally forwarded to MQTT.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "meshnode",
		Short: "WildCAM mesh gateway node",
		Long: `meshnode runs a wildlife-camera mesh node on a host gateway.

Radio frames travel over a NATS subject shared with the LoRa bridge. The
node takes part in discovery, coordinator election and role assignment like
any field camera, and exposes its view of the mesh over gRPC and /metrics.`,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newInitConfigCmd(), newStatusCmd(), newSubmitCmd())
	return root
}
