package util

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ioc-rpc/config"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		// Check if we need to wrap
		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		// Add space before word (if not first word on line)
		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupClientFlags adds the node connection flags to a command
func SetupClientFlags(cmd *cobra.Command) {
	key := config.KeyAddress
	cmd.PersistentFlags().String(key, "127.0.0.1:7070", WrapString("The address (host:port) of the ioc-rpc server"))

	key = config.KeyNodeName
	cmd.PersistentFlags().String(key, "", WrapString("A name for the node used in logs and errors, defaults to the address"))

	key = config.KeyMinPool
	cmd.PersistentFlags().Int(key, 1, WrapString("Connections created up front"))

	key = config.KeyMaxPool
	cmd.PersistentFlags().Int(key, config.DefaultMaxPool, WrapString("Upper bound of simultaneous connections to the node. Calls beyond it fail immediately"))

	key = config.KeyTimeout
	cmd.PersistentFlags().Duration(key, config.DefaultClientTimeout, WrapString("How long a call waits for its response"))

	key = config.KeyHeartbeat
	cmd.PersistentFlags().Duration(key, 0, WrapString("Interval of heartbeat frames on idle connections (0 disables them)"))

	key = config.KeyRetries
	cmd.PersistentFlags().Int(key, 0, WrapString("How many times to retry calls that failed on capacity, transport or timeout errors"))

	key = config.KeyMaxWait
	cmd.PersistentFlags().Duration(key, 0, WrapString("Upper bound of a whole call, retries included (0 disables it)"))

	key = config.KeyAppName
	cmd.PersistentFlags().String(key, "iocrpc-cli", WrapString("The application name sent with every call"))
}

// InitConfig loads env files and binds IOCRPC_* environment variables
func InitConfig() {
	config.InitEnv(viper.GetViper())
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}
