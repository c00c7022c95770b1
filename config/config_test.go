package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/kadnode/dht"
	"github.com/opd-ai/kadnode/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())

	opts, err := c.DHTOptions()
	require.NoError(t, err)
	def := dht.NewOptions()
	assert.Equal(t, def.ListenAddr, opts.ListenAddr)
	assert.Equal(t, def.K, opts.K)
	assert.Equal(t, def.FallbackHosts, opts.FallbackHosts)
	assert.Equal(t, dht.ModeActive, c.Mode)
}

func TestParse(t *testing.T) {
	doc := `
listen: 127.0.0.1:7000
data_dir: /var/lib/kadnode
mode: passive
force_connect: true
dht:
  k: 8
  request_timeout: 3s
  bootstrap_hosts: ["10.0.0.1:6346", "10.0.0.2:6346"]
  fetcher_interval: 5m
  filter_class_c: false
  persist_database: true
  passive_leaf_limit: 12
discovery:
  listen: 127.0.0.1:7001
  seeds: ["10.0.0.3:7001"]
  broadcast: 255.255.255.255:7001
  supernode: true
  blocked: ["192.168.0.0/16"]
  host_ttl: 2m
log:
  level: debug
  format: json
metrics:
  listen: ":9100"
`
	c, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, dht.ModePassive, c.Mode)
	assert.True(t, c.ForceConnect)
	assert.Equal(t, "/metrics", c.Metrics.Path, "missing keys keep their default")

	opts, err := c.DHTOptions()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:7000"), opts.ListenAddr)
	assert.Equal(t, "/var/lib/kadnode", opts.DataDir)
	assert.True(t, opts.ForceConnect)
	assert.Equal(t, 8, opts.K)
	assert.Equal(t, 3*time.Second, opts.RequestTimeout)
	assert.Equal(t, []string{"10.0.0.1:6346", "10.0.0.2:6346"}, opts.FallbackHosts)
	assert.Equal(t, 5*time.Minute, opts.FetcherInterval)
	assert.False(t, opts.FilterClassC)
	assert.True(t, opts.PersistDatabase)
	assert.Equal(t, 12, opts.PassiveLeafLimit)
	assert.Equal(t, dht.NewOptions().ForwarderBuffer, opts.ForwarderBuffer)

	network := transport.NewMemoryNetwork()
	tr, err := network.Listen(netip.MustParseAddrPort("127.0.0.1:7001"))
	require.NoError(t, err)
	defer tr.Close()

	dc, err := c.DiscoveryConfig(tr)
	require.NoError(t, err)
	assert.Equal(t, tr, dc.Transport)
	assert.Equal(t, []netip.AddrPort{netip.MustParseAddrPort("10.0.0.3:7001")}, dc.Seeds)
	assert.Equal(t, netip.MustParseAddrPort("255.255.255.255:7001"), dc.BroadcastAddr)
	assert.True(t, dc.Supernode)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("192.168.0.0/16")}, dc.Blocked)
	assert.Equal(t, 2*time.Minute, dc.HostTTL)

	addr, err := c.DiscoveryListenAddr()
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddrPort("127.0.0.1:7001"), addr)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want error
	}{
		{"listen", "listen: nowhere\n", ErrInvalidAddress},
		{"bootstrap host", "dht:\n  bootstrap_hosts: [\"example.org\"]\n", ErrInvalidAddress},
		{"seed", "discovery:\n  seeds: [\"1.2.3.4\"]\n", ErrInvalidAddress},
		{"broadcast", "discovery:\n  broadcast: everyone\n", ErrInvalidAddress},
		{"blocked", "discovery:\n  blocked: [\"10.0.0.0/99\"]\n", ErrInvalidAddress},
		{"metrics", "metrics:\n  listen: nine-one-hundred\n", ErrInvalidAddress},
		{"level", "log:\n  level: chatty\n", ErrInvalidLog},
		{"format", "log:\n  format: xml\n", ErrInvalidLog},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("mode", func(t *testing.T) {
		_, err := Parse([]byte("mode: bogus\n"))
		assert.Error(t, err)
	})
	t.Run("syntax", func(t *testing.T) {
		_, err := Parse([]byte("listen: [\n"))
		assert.Error(t, err)
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kadnode.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mode: inactive\n"), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, dht.ModeInactive, c.Mode)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLogApply(t *testing.T) {
	logger := logrus.New()

	closer, err := LogConfig{Level: "warn", Format: "json"}.Apply(logger)
	require.NoError(t, err)
	require.NoError(t, closer.Close())
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)

	path := filepath.Join(t.TempDir(), "kadnode.log")
	closer, err = LogConfig{Level: "info", File: path, MaxSizeMB: 1}.Apply(logger)
	require.NoError(t, err)
	logger.Info("written to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")

	_, err = LogConfig{Level: "loud"}.Apply(logger)
	assert.ErrorIs(t, err, ErrInvalidLog)
}
