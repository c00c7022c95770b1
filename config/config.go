// Package config loads the kadnode YAML configuration file and maps it onto
// the options of the dht and discovery packages.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/opd-ai/kadnode/dht"
	"github.com/opd-ai/kadnode/discovery"
	"github.com/opd-ai/kadnode/transport"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidAddress is returned for malformed listen, bootstrap or seed
	// addresses.
	ErrInvalidAddress = errors.New("invalid address")
	// ErrInvalidLog is returned for an unknown log level or format.
	ErrInvalidLog = errors.New("invalid log configuration")
)

// Config is the kadnode configuration file.
type Config struct {
	// Listen is the address the DHT engine binds to.
	Listen       string   `yaml:"listen"`
	DataDir      string   `yaml:"data_dir"`
	Mode         dht.Mode `yaml:"mode"`
	ForceConnect bool     `yaml:"force_connect"`

	DHT       DHTConfig       `yaml:"dht"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DHTConfig tunes the DHT controllers.
type DHTConfig struct {
	K              int           `yaml:"k"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// BootstrapHosts are tried when no other bootstrap candidate is left.
	BootstrapHosts []string `yaml:"bootstrap_hosts"`
	HostSetSize    int      `yaml:"host_set_size"`

	FetcherInterval time.Duration `yaml:"fetcher_interval"`
	FetcherMaxWait  time.Duration `yaml:"fetcher_max_wait"`
	FilterClassC    bool          `yaml:"filter_class_c"`

	NodeAdderDelay time.Duration `yaml:"node_adder_delay"`

	PersistActiveRouteTable  bool          `yaml:"persist_active_route_table"`
	PersistPassiveRouteTable bool          `yaml:"persist_passive_route_table"`
	PersistDatabase          bool          `yaml:"persist_database"`
	MaxPersistedNodes        int           `yaml:"max_persisted_nodes"`
	MaxContactAge            time.Duration `yaml:"max_contact_age"`

	EnablePassiveLeaf bool          `yaml:"enable_passive_leaf"`
	PassiveLeafLimit  int           `yaml:"passive_leaf_limit"`
	ForwarderInterval time.Duration `yaml:"forwarder_interval"`
	ForwarderBuffer   int           `yaml:"forwarder_buffer"`
}

// DiscoveryConfig configures the host network.
type DiscoveryConfig struct {
	Listen    string   `yaml:"listen"`
	Seeds     []string `yaml:"seeds"`
	Broadcast string   `yaml:"broadcast"`
	Supernode bool     `yaml:"supernode"`
	Blocked   []string `yaml:"blocked"`

	CacheSize        int           `yaml:"cache_size"`
	HostTTL          time.Duration `yaml:"host_ttl"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	ProbeExpiry      time.Duration `yaml:"probe_expiry"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Listen
// disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

// Default returns the configuration used for keys missing from the file.
func Default() *Config {
	opts := dht.NewOptions()
	return &Config{
		Listen:  opts.ListenAddr.String(),
		DataDir: "data",
		Mode:    dht.ModeActive,
		DHT: DHTConfig{
			K:                        opts.K,
			RequestTimeout:           opts.RequestTimeout,
			BootstrapHosts:           opts.FallbackHosts,
			HostSetSize:              opts.HostSetSize,
			FetcherInterval:          opts.FetcherInterval,
			FetcherMaxWait:           opts.FetcherMaxWait,
			FilterClassC:             opts.FilterClassC,
			NodeAdderDelay:           opts.NodeAdderDelay,
			PersistActiveRouteTable:  opts.PersistActiveRouteTable,
			PersistPassiveRouteTable: opts.PersistPassiveRouteTable,
			PersistDatabase:          opts.PersistDatabase,
			MaxPersistedNodes:        opts.MaxPersistedNodes,
			MaxContactAge:            opts.MaxContactAge,
			EnablePassiveLeaf:        opts.EnablePassiveLeaf,
			PassiveLeafLimit:         opts.PassiveLeafLimit,
			ForwarderInterval:        opts.ForwarderInterval,
			ForwarderBuffer:          opts.ForwarderBuffer,
		},
		Discovery: DiscoveryConfig{
			Listen: "0.0.0.0:6347",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
	}
}

// Load reads and validates the file at path. Keys missing from the file
// keep their Default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Load",
		"path":     path,
		"mode":     c.Mode.String(),
	}).Debug("Loaded configuration")
	return c, nil
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks every address and the log settings.
func (c *Config) Validate() error {
	if _, err := parseAddr("listen", c.Listen); err != nil {
		return err
	}
	for _, h := range c.DHT.BootstrapHosts {
		if _, err := parseAddr("dht.bootstrap_hosts", h); err != nil {
			return err
		}
	}
	if _, err := parseAddr("discovery.listen", c.Discovery.Listen); err != nil {
		return err
	}
	for _, s := range c.Discovery.Seeds {
		if _, err := parseAddr("discovery.seeds", s); err != nil {
			return err
		}
	}
	if c.Discovery.Broadcast != "" {
		if _, err := parseAddr("discovery.broadcast", c.Discovery.Broadcast); err != nil {
			return err
		}
	}
	for _, b := range c.Discovery.Blocked {
		if _, err := netip.ParsePrefix(b); err != nil {
			return fmt.Errorf("%w: discovery.blocked %q: %v", ErrInvalidAddress, b, err)
		}
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("%w: metrics.listen %q: %v", ErrInvalidAddress, c.Metrics.Listen, err)
		}
	}
	return c.Log.Validate()
}

func parseAddr(key, s string) (netip.AddrPort, error) {
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: %s %q: %v", ErrInvalidAddress, key, s, err)
	}
	return addr, nil
}

// DHTOptions returns the dht.Options described by c.
func (c *Config) DHTOptions() (*dht.Options, error) {
	listen, err := parseAddr("listen", c.Listen)
	if err != nil {
		return nil, err
	}

	opts := dht.NewOptions()
	opts.ListenAddr = listen
	opts.DataDir = c.DataDir
	opts.ForceConnect = c.ForceConnect

	d := c.DHT
	opts.K = d.K
	opts.RequestTimeout = d.RequestTimeout
	opts.FallbackHosts = append([]string(nil), d.BootstrapHosts...)
	opts.HostSetSize = d.HostSetSize
	opts.FetcherInterval = d.FetcherInterval
	opts.FetcherMaxWait = d.FetcherMaxWait
	opts.FilterClassC = d.FilterClassC
	opts.NodeAdderDelay = d.NodeAdderDelay
	opts.PersistActiveRouteTable = d.PersistActiveRouteTable
	opts.PersistPassiveRouteTable = d.PersistPassiveRouteTable
	opts.PersistDatabase = d.PersistDatabase
	opts.MaxPersistedNodes = d.MaxPersistedNodes
	opts.MaxContactAge = d.MaxContactAge
	opts.EnablePassiveLeaf = d.EnablePassiveLeaf
	opts.PassiveLeafLimit = d.PassiveLeafLimit
	opts.ForwarderInterval = d.ForwarderInterval
	opts.ForwarderBuffer = d.ForwarderBuffer
	return opts, nil
}

// DiscoveryListenAddr returns the host network listen address.
func (c *Config) DiscoveryListenAddr() (netip.AddrPort, error) {
	return parseAddr("discovery.listen", c.Discovery.Listen)
}

// DiscoveryConfig returns the discovery.Config described by c, serving on
// tr.
func (c *Config) DiscoveryConfig(tr transport.Transport) (discovery.Config, error) {
	d := c.Discovery
	out := discovery.Config{
		Transport:        tr,
		Supernode:        d.Supernode,
		CacheSize:        d.CacheSize,
		HostTTL:          d.HostTTL,
		AnnounceInterval: d.AnnounceInterval,
		ProbeExpiry:      d.ProbeExpiry,
	}
	for _, s := range d.Seeds {
		addr, err := parseAddr("discovery.seeds", s)
		if err != nil {
			return discovery.Config{}, err
		}
		out.Seeds = append(out.Seeds, addr)
	}
	if d.Broadcast != "" {
		addr, err := parseAddr("discovery.broadcast", d.Broadcast)
		if err != nil {
			return discovery.Config{}, err
		}
		out.BroadcastAddr = addr
	}
	for _, b := range d.Blocked {
		p, err := netip.ParsePrefix(b)
		if err != nil {
			return discovery.Config{}, fmt.Errorf("%w: discovery.blocked %q: %v", ErrInvalidAddress, b, err)
		}
		out.Blocked = append(out.Blocked, p)
	}
	return out, nil
}
