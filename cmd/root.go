package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ioc-rpc/cmd/client"
	"ioc-rpc/cmd/serve"
	"ioc-rpc/cmd/util"
	"ioc-rpc/config"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "iocrpc",
		Short: "service invocation over pooled TCP connections",
		Long: fmt.Sprintf(`ioc-rpc (v%s)

Calls services on remote nodes as if they were local. Calls are multiplexed
over a bounded pool of TCP connections, correlated by transaction id, bounded
by timeouts, optionally cached on the server and counted per method.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of ioc-rpc",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ioc-rpc v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(client.CallCmd)
	RootCmd.AddCommand(client.StatusCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := config.KeyCodec
	RootCmd.PersistentFlags().String(key, "json", util.WrapString("codec to use on the wire (json, gob, binary)"))
	key = config.KeyLogLevel
	RootCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
