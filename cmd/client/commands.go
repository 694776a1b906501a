package client

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ioc-rpc/client"
	cmdUtil "ioc-rpc/cmd/util"
	"ioc-rpc/config"
	"ioc-rpc/counter"
	"ioc-rpc/logging"
	"ioc-rpc/message"
	"ioc-rpc/server"
)

var (
	CallCmd = &cobra.Command{
		Use:   "call <Service.Method> [json-parameters]",
		Short: "Invoke a service method with JSON parameters",
		Example: `  iocrpc call StatusService.Ping
  iocrpc call Arith.Add '{"A":1,"B":2}' --cache-time 30`,
		Args:    cobra.RangeArgs(1, 2),
		PreRunE: bindFlags,
		RunE:    runCall,
	}
	StatusCmd = &cobra.Command{
		Use:     "status",
		Short:   "Show the server info and call counters of a server",
		Args:    cobra.NoArgs,
		PreRunE: bindFlags,
		RunE:    runStatus,
	}
)

func init() {
	cmdUtil.SetupClientFlags(CallCmd)
	cmdUtil.SetupClientFlags(StatusCmd)

	CallCmd.Flags().Int(config.KeyCacheTime, 0, cmdUtil.WrapString("Ask the server to cache the result for this many seconds"))
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	return cmdUtil.BindCommandFlags(cmd)
}

func dial() (*client.Client, error) {
	conf, err := config.LoadClientConfig(viper.GetViper())
	if err != nil {
		return nil, err
	}
	log, err := logging.New(conf.LogLevel)
	if err != nil {
		return nil, err
	}
	return client.Dial(conf, []client.ProxyOption{client.WithLogger(log)})
}

func runCall(cmd *cobra.Command, args []string) error {
	service, method, ok := strings.Cut(args[0], ".")
	if !ok || service == "" || method == "" {
		return errors.Errorf("invalid service method %q (expected Service.Method)", args[0])
	}
	params := "{}"
	if len(args) == 2 {
		params = args[1]
	}
	if !json.Valid([]byte(params)) {
		return errors.Errorf("parameters are not valid JSON: %s", params)
	}

	cli, err := dial()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	resp := cli.Invoke(context.Background(), service, method, message.Payload(params))
	if resp.IsError() {
		return resp.Err()
	}

	var out bytes.Buffer
	if err := json.Indent(&out, resp.Value, "", "  "); err != nil {
		out.Reset()
		out.Write(resp.Value)
	}
	cmd.Println(out.String())
	cmd.Printf("(%d items, %d ms)\n", resp.Count, resp.ElapsedTime)
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cli, err := dial()
	if err != nil {
		return err
	}
	defer func() { _ = cli.Close() }()

	ctx := context.Background()
	var info server.ServerInfo
	if err := cli.Call(ctx, message.StatusServiceName+".GetServerInfo", &server.Empty{}, &info); err != nil {
		return err
	}
	var counters []counter.Snapshot
	if err := cli.Call(ctx, message.StatusServiceName+".GetCounters", &server.Empty{}, &counters); err != nil {
		return err
	}

	cmd.Printf("Server %s (up %s, %d connections)\n", info.Endpoint, info.Uptime, info.Connections)
	for _, svc := range info.Services {
		cmd.Printf("  %-20s %s\n", svc.Name, strings.Join(svc.Methods, ", "))
	}
	cmd.Printf("\nCalls in the current window (warning above %d):\n", info.MaxCalls)
	for _, c := range counters {
		cmd.Printf("  %-20s %-20s %d\n", c.ServiceName, c.MethodName, c.Count)
	}
	return nil
}
