// Command btxfer sends or receives a single file over a Bluetooth RFCOMM link.
//
// Prerequisites
//   - Linux with BlueZ (bluetoothd) running and system D-Bus access.
//   - Adapter powered on and the peer already paired: `bluetoothctl power on`, `bluetoothctl pair <addr>`.
//   - Most environments require sudo for RegisterProfile.
//
// Usage
//
//	btxfer devices                         list bonded peers
//	btxfer serve [--dir ~/Downloads]       wait for one client and store what it sends
//	btxfer send <file> [--to <address>]    send a file; without --to a bonded peer is picked interactively
//	btxfer loopback <file>                 run both sides in-process, no radio involved
//
// Ctrl-C stops the session; a partially received file is kept.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "btxfer",
	Short: "Single-file transfer over Bluetooth RFCOMM.",
	Long: `btxfer moves one file between two paired devices over a Serial Port
Profile link. One side serves, the other sends. The payload is the raw file
content; the receiver names the file itself.`,
	SilenceUsage: true,
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List bonded devices",
	Args:  cobra.NoArgs,
	RunE:  runDevices,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Register the service and receive one file",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Send a file to a bonded device",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

var loopbackCmd = &cobra.Command{
	Use:   "loopback <file>",
	Short: "Send a file to an in-process receiver",
	Args:  cobra.ExactArgs(1),
	RunE:  runLoopback,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default: btxfer.yaml in ., ./configs or ~/.btxfer)")
	pf.Bool("json", false, "Print events as JSON lines")
	pf.BoolP("verbose", "v", false, "Also print session state changes")
	pf.Duration("timeout", 0, "Give up waiting for a connection after this long (0 = wait forever)")

	serveCmd.Flags().String("dir", "", "Directory for received files (overrides transfer.downloads_dir)")
	sendCmd.Flags().String("to", "", "Address of the receiving device (XX:XX:XX:XX:XX:XX)")
	loopbackCmd.Flags().String("dir", "", "Directory for the received copy (default: a temporary directory)")

	rootCmd.AddCommand(devicesCmd, serveCmd, sendCmd, loopbackCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func deadlineStr(d time.Duration) string {
	if d <= 0 {
		return "none"
	}
	return d.Truncate(time.Second).String()
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
