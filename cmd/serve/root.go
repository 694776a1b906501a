package serve

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ioc-rpc/cache"
	cmdUtil "ioc-rpc/cmd/util"
	"ioc-rpc/config"
	"ioc-rpc/logging"
	"ioc-rpc/message"
	"ioc-rpc/metrics"
	"ioc-rpc/server"
)

const shutdownTimeout = 10 * time.Second

var (
	serveCmdConfig *config.ServerConfig
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start an ioc-rpc server",
		Long:    `Start an ioc-rpc server hosting the status service. The configuration can be set via command line flags or environment variables. The format of the environment variables is IOCRPC_<flag> (e.g. IOCRPC_CALL_TIMEOUT=30s)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	def := config.DefaultServerConfig()

	key := config.KeyEndpoint
	ServeCmd.PersistentFlags().String(key, def.Endpoint, cmdUtil.WrapString("The address on which the server will listen (host:port)"))

	key = config.KeyAcceptors
	ServeCmd.PersistentFlags().Int(key, def.Acceptors, cmdUtil.WrapString("Number of goroutines blocked in Accept at any time"))

	key = config.KeyCallTimeout
	ServeCmd.PersistentFlags().Duration(key, def.CallTimeout, cmdUtil.WrapString("How long a service method may run before the caller gets a timeout response"))

	key = config.KeyMaxCalls
	ServeCmd.PersistentFlags().Int(key, def.MaxCallsPerWindow, cmdUtil.WrapString("Calls of one method per window above which a rate warning is logged"))

	key = config.KeyCounterWindow
	ServeCmd.PersistentFlags().Duration(key, def.CounterWindow, cmdUtil.WrapString("Length of the call counting window"))

	key = config.KeyRateLimit
	ServeCmd.PersistentFlags().Float64(key, 0, cmdUtil.WrapString("Requests per second admitted by the server (0 disables the limiter)"))

	key = config.KeyRateBurst
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Burst size of the rate limiter, defaults to the rate"))

	key = config.KeyCacheSize
	ServeCmd.PersistentFlags().Int(key, def.CacheSize, cmdUtil.WrapString("Maximum number of results kept in the in-process cache"))

	key = config.KeyEtcdEndpoints
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated etcd endpoints. When set, cached results are shared through etcd instead of kept in process"))

	key = config.KeyMetricsAddress
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the Prometheus /metrics endpoint (empty disables it)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	conf, err := config.LoadServerConfig(viper.GetViper())
	if err != nil {
		return err
	}
	serveCmdConfig = conf
	return nil
}

// run starts the server and blocks until SIGINT or SIGTERM
func run(cmd *cobra.Command, _ []string) error {
	log, err := logging.New(serveCmdConfig.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cmd.Print(serveCmdConfig.String())

	m := metrics.New()
	opts := []server.Option{server.WithLogger(log), server.WithMetrics(m)}

	if len(serveCmdConfig.EtcdEndpoints) > 0 {
		etcd, err := cache.DialEtcd(serveCmdConfig.EtcdEndpoints, 5*time.Second)
		if err != nil {
			return err
		}
		defer func() { _ = etcd.Close() }()
		opts = append(opts, server.WithCache(cache.NewEtcdCache[*message.ResponseMessage](etcd, cache.DefaultEtcdPrefix, 2*time.Second)))
	}

	svr := server.NewServer(*serveCmdConfig, opts...)
	if err := svr.Start(); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if serveCmdConfig.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsSrv = &http.Server{Addr: serveCmdConfig.MetricsAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
		log.Info("metrics endpoint started", zap.String("addr", serveCmdConfig.MetricsAddress))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	log.Info("shutting down")

	errs := svr.Shutdown(shutdownTimeout)
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errs = multierr.Append(errs, metricsSrv.Shutdown(shutdownCtx))
	}
	return errs
}
