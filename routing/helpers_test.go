package routing

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// kuidWithPrefix returns an ID whose first byte is b and the rest seeded by n.
func kuidWithPrefix(b byte, n int) KUID {
	var id KUID
	id[0] = b
	id[KUIDLength-2] = byte(n >> 8)
	id[KUIDLength-1] = byte(n)
	return id
}

func addrN(n int) netip.AddrPort {
	return netip.MustParseAddrPort(fmt.Sprintf("10.%d.%d.1:6346", n/256, n%256))
}

func newTestTable(t *testing.T, cfg *TableConfig) (*Table, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if cfg == nil {
		cfg = &TableConfig{}
	}
	cfg.Clock = mock
	local := NewContact(KUID{}, netip.MustParseAddrPort("127.0.0.1:6346"), mock.Now())
	return NewTable(local, cfg), mock
}

func netipZero() netip.AddrPort {
	return netip.AddrPort{}
}
