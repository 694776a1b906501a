// Package config holds the client, node and server settings and loads them from flags,
// environment variables and .env files through viper.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable (IOCRPC_TIMEOUT, ...).
const EnvPrefix = "iocrpc"

const (
	DefaultMinPool           = 10
	DefaultMaxPool           = 100
	DefaultClientTimeout     = 120 * time.Second
	DefaultServerTimeout     = 60 * time.Second
	DefaultMaxCallsPerWindow = 100
	DefaultCounterWindow     = time.Minute
	DefaultAcceptors         = 4
	DefaultCacheSize         = 4096
)

// Keys shared by flags, env variables and viper lookups.
const (
	KeyAddress        = "address"
	KeyNodeName       = "node-name"
	KeyMinPool        = "min-pool"
	KeyMaxPool        = "max-pool"
	KeyTimeout        = "timeout"
	KeyCodec          = "codec"
	KeyHeartbeat      = "heartbeat"
	KeyRetries        = "retries"
	KeyAppName        = "app-name"
	KeyLogLevel       = "log-level"
	KeyEndpoint       = "endpoint"
	KeyAcceptors      = "acceptors"
	KeyCallTimeout    = "call-timeout"
	KeyMaxCalls       = "max-calls"
	KeyCounterWindow  = "counter-window"
	KeyRateLimit      = "rate-limit"
	KeyRateBurst      = "rate-burst"
	KeyCacheSize      = "cache-size"
	KeyEtcdEndpoints  = "etcd-endpoints"
	KeyMetricsAddress = "metrics-address"
	KeyCacheTime      = "cache-time"
	KeyMaxWait        = "max-wait"
)

// Options are the host wide defaults. A Node inherits the pool and timeout settings,
// calls inherit CacheTime and the server's call counters use MaxCallsPerWindow.
type Options struct {
	MinPool           int
	MaxPool           int
	Timeout           time.Duration
	CacheTime         int // seconds, <= 0 disables caching
	MaxCallsPerWindow int
}

// DefaultOptions returns the built-in defaults.
func DefaultOptions() Options {
	return Options{
		MinPool:           DefaultMinPool,
		MaxPool:           DefaultMaxPool,
		Timeout:           DefaultClientTimeout,
		MaxCallsPerWindow: DefaultMaxCallsPerWindow,
	}
}

// Node describes one remote server the client talks to.
type Node struct {
	Name      string
	Address   string
	MinPool   int
	MaxPool   int
	Timeout   time.Duration
	Codec     string
	Heartbeat time.Duration
}

// NewNode creates a node with the pool and timeout settings of opts.
func NewNode(name, address string, opts Options) Node {
	return Node{
		Name:    name,
		Address: address,
		MinPool: opts.MinPool,
		MaxPool: opts.MaxPool,
		Timeout: opts.Timeout,
	}
}

// Validate fills zero values with defaults and rejects inconsistent settings.
func (n *Node) Validate() error {
	if n.Address == "" {
		return errors.New("node address is required")
	}
	if n.Name == "" {
		n.Name = n.Address
	}
	if n.MaxPool <= 0 {
		n.MaxPool = DefaultMaxPool
	}
	if n.MinPool < 0 {
		n.MinPool = 0
	}
	if n.MinPool > n.MaxPool {
		return errors.Errorf("node %s: min pool %d exceeds max pool %d", n.Name, n.MinPool, n.MaxPool)
	}
	if n.Timeout <= 0 {
		n.Timeout = DefaultClientTimeout
	}
	return nil
}

func (n Node) String() string {
	return fmt.Sprintf("%s(%s)", n.Name, n.Address)
}

// ClientConfig configures the client side.
type ClientConfig struct {
	Options
	Node     Node
	Retries  int
	AppName  string
	LogLevel string
	// MaxWait bounds a whole call, retries included. Zero disables it.
	MaxWait time.Duration
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder
	addSection, addField := formatters(&sb)

	addSection("Client Configuration")
	addField("Application", c.AppName)
	addField("Retries", strconv.Itoa(c.Retries))
	addField("Cache Time", fmt.Sprintf("%ds", c.CacheTime))
	if c.MaxWait > 0 {
		addField("Max Wait", c.MaxWait.String())
	}
	addField("Log Level", c.LogLevel)

	addSection("Node")
	addField("Name", c.Node.Name)
	addField("Address", c.Node.Address)
	addField("Pool", fmt.Sprintf("%d..%d", c.Node.MinPool, c.Node.MaxPool))
	addField("Timeout", c.Node.Timeout.String())
	addField("Codec", c.Node.Codec)
	addField("Heartbeat", c.Node.Heartbeat.String())
	return sb.String()
}

// ServerConfig configures the server side.
type ServerConfig struct {
	Options
	Endpoint       string
	Acceptors      int
	CallTimeout    time.Duration
	CounterWindow  time.Duration
	RateLimit      float64 // requests per second, <= 0 disables
	RateBurst      int
	CacheSize      int
	EtcdEndpoints  []string
	MetricsAddress string
	Codec          string
	LogLevel       string
}

// DefaultServerConfig returns a server configuration with every default applied.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Options:       DefaultOptions(),
		Endpoint:      "127.0.0.1:7070",
		Acceptors:     DefaultAcceptors,
		CallTimeout:   DefaultServerTimeout,
		CounterWindow: DefaultCounterWindow,
		CacheSize:     DefaultCacheSize,
		Codec:         "json",
		LogLevel:      "info",
	}
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder
	addSection, addField := formatters(&sb)

	addSection("RPC Server")
	addField("Endpoint", c.Endpoint)
	addField("Acceptors", strconv.Itoa(c.Acceptors))
	addField("Call Timeout", c.CallTimeout.String())
	addField("Codec", c.Codec)

	addSection("Throttling")
	addField("Max Calls / Window", strconv.Itoa(c.MaxCallsPerWindow))
	addField("Window", c.CounterWindow.String())
	if c.RateLimit > 0 {
		addField("Rate Limit", fmt.Sprintf("%.1f req/s (burst %d)", c.RateLimit, c.RateBurst))
	} else {
		addField("Rate Limit", "disabled")
	}

	addSection("Cache")
	addField("Local Entries", strconv.Itoa(c.CacheSize))
	if len(c.EtcdEndpoints) > 0 {
		addField("Etcd", strings.Join(c.EtcdEndpoints, ","))
	} else {
		addField("Etcd", "disabled")
	}

	addSection("Observability")
	addField("Metrics", c.MetricsAddress)
	addField("Log Level", c.LogLevel)
	return sb.String()
}

func formatters(sb *strings.Builder) (func(string), func(string, string)) {
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}
	return addSection, addField
}

// InitEnv loads .env files and lets v read IOCRPC_* environment variables.
func InitEnv(v *viper.Viper) {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// LoadClientConfig reads the client configuration from v.
func LoadClientConfig(v *viper.Viper) (*ClientConfig, error) {
	v.SetDefault(KeyAddress, "127.0.0.1:7070")
	v.SetDefault(KeyMinPool, DefaultMinPool)
	v.SetDefault(KeyMaxPool, DefaultMaxPool)
	v.SetDefault(KeyTimeout, DefaultClientTimeout)
	v.SetDefault(KeyCodec, "json")
	v.SetDefault(KeyLogLevel, "info")

	opts := DefaultOptions()
	opts.MinPool = v.GetInt(KeyMinPool)
	opts.MaxPool = v.GetInt(KeyMaxPool)
	opts.Timeout = v.GetDuration(KeyTimeout)
	opts.CacheTime = v.GetInt(KeyCacheTime)

	conf := &ClientConfig{
		Options:  opts,
		Node:     NewNode(v.GetString(KeyNodeName), v.GetString(KeyAddress), opts),
		Retries:  v.GetInt(KeyRetries),
		AppName:  v.GetString(KeyAppName),
		LogLevel: v.GetString(KeyLogLevel),
		MaxWait:  v.GetDuration(KeyMaxWait),
	}
	conf.Node.Codec = v.GetString(KeyCodec)
	conf.Node.Heartbeat = v.GetDuration(KeyHeartbeat)
	if conf.MaxWait < 0 {
		return nil, errors.Errorf("client config: max wait must not be negative, got %s", conf.MaxWait)
	}
	if err := conf.Node.Validate(); err != nil {
		return nil, errors.Wrap(err, "client config")
	}
	return conf, nil
}

// LoadServerConfig reads the server configuration from v.
func LoadServerConfig(v *viper.Viper) (*ServerConfig, error) {
	def := DefaultServerConfig()
	v.SetDefault(KeyEndpoint, def.Endpoint)
	v.SetDefault(KeyAcceptors, def.Acceptors)
	v.SetDefault(KeyCallTimeout, def.CallTimeout)
	v.SetDefault(KeyMaxCalls, def.MaxCallsPerWindow)
	v.SetDefault(KeyCounterWindow, def.CounterWindow)
	v.SetDefault(KeyCacheSize, def.CacheSize)
	v.SetDefault(KeyCodec, def.Codec)
	v.SetDefault(KeyLogLevel, def.LogLevel)

	opts := DefaultOptions()
	opts.MaxCallsPerWindow = v.GetInt(KeyMaxCalls)

	conf := &ServerConfig{
		Options:        opts,
		Endpoint:       v.GetString(KeyEndpoint),
		Acceptors:      v.GetInt(KeyAcceptors),
		CallTimeout:    v.GetDuration(KeyCallTimeout),
		CounterWindow:  v.GetDuration(KeyCounterWindow),
		RateLimit:      v.GetFloat64(KeyRateLimit),
		RateBurst:      v.GetInt(KeyRateBurst),
		CacheSize:      v.GetInt(KeyCacheSize),
		MetricsAddress: v.GetString(KeyMetricsAddress),
		Codec:          v.GetString(KeyCodec),
		LogLevel:       v.GetString(KeyLogLevel),
	}
	if endpoints := v.GetString(KeyEtcdEndpoints); endpoints != "" {
		for _, e := range strings.Split(endpoints, ",") {
			if e = strings.TrimSpace(e); e != "" {
				conf.EtcdEndpoints = append(conf.EtcdEndpoints, e)
			}
		}
	}

	if conf.Endpoint == "" {
		return nil, errors.New("server config: endpoint is required")
	}
	if conf.Acceptors <= 0 {
		conf.Acceptors = DefaultAcceptors
	}
	if conf.CallTimeout <= 0 {
		return nil, errors.Errorf("server config: call timeout must be positive, got %s", conf.CallTimeout)
	}
	if conf.CounterWindow <= 0 {
		return nil, errors.Errorf("server config: counter window must be positive, got %s", conf.CounterWindow)
	}
	if conf.RateLimit > 0 && conf.RateBurst <= 0 {
		conf.RateBurst = int(conf.RateLimit)
		if conf.RateBurst < 1 {
			conf.RateBurst = 1
		}
	}
	return conf, nil
}
