package dht

import (
	"net/netip"
	"sync"

	"github.com/sirupsen/logrus"
)

// nodeAdder periodically pings the last DHT hosts seen on the host network
// so that they enter the route table. This keeps the DHT from splitting
// into clusters.
type nodeAdder struct {
	c *controller

	mu    sync.Mutex
	hosts *HostSet
	stopC chan struct{}
}

func newNodeAdder(c *controller) *nodeAdder {
	return &nodeAdder{
		c:     c,
		hosts: NewHostSet(c.opts.NodeAdderSize),
	}
}

func (a *nodeAdder) add(addr netip.AddrPort) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hosts.Add(addr)
}

func (a *nodeAdder) start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopC != nil {
		return
	}
	stop := make(chan struct{})
	a.stopC = stop
	go a.loop(stop)
}

func (a *nodeAdder) loop(stop <-chan struct{}) {
	delay := a.c.opts.NodeAdderDelay
	ticker := a.c.opts.Clock.Ticker(delay)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			a.run()
		}
	}
}

func (a *nodeAdder) isRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopC != nil
}

func (a *nodeAdder) run() {
	a.mu.Lock()
	if a.stopC == nil {
		a.mu.Unlock()
		return
	}
	hosts := a.hosts.Drain()
	a.mu.Unlock()

	a.c.engineMu.Lock()
	defer a.c.engineMu.Unlock()

	if !a.c.dht.IsRunning() {
		return
	}
	for _, addr := range hosts {
		logrus.WithFields(logrus.Fields{
			"function": "nodeAdder.run",
			"addr":     addr.String(),
		}).Debug("Pinging DHT host")
		a.c.dht.Ping(addr)
	}
}

func (a *nodeAdder) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopC != nil {
		close(a.stopC)
		a.stopC = nil
	}
	a.hosts.Clear()
}

func (a *nodeAdder) pending() []netip.AddrPort {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hosts.Addrs()
}
