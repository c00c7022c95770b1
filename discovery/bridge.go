package discovery

import (
	"github.com/opd-ai/kadnode/dht"
	"github.com/sirupsen/logrus"
)

// Attach feeds the service's connection events and forwarded contacts to m.
// Active DHT peers are offered as bootstrap hosts and passive DHT peers as
// hosts to probe. While m is inactive and enabled, the first peer seen
// starts it in mode. Everything is queued on the manager, so the packet
// handler never waits for the engine.
func (s *Service) Attach(m *dht.Manager, mode dht.Mode) {
	s.SetConnectionHandler(func(e dht.ConnectionEvent) {
		if e.Type == dht.ConnectionCapabilities {
			if mode != dht.ModeInactive && m.IsEnabled() && m.Mode() == dht.ModeInactive {
				logrus.WithFields(logrus.Fields{
					"function": "Attach",
					"peer":     e.Peer.Addr.String(),
					"mode":     mode.String(),
				}).Info("Host network connected, starting DHT")
				m.Start(mode)
			}
			switch e.Peer.Mode {
			case dht.ModeActive:
				if e.Peer.DHTAddr.IsValid() {
					m.AddActiveNode(e.Peer.DHTAddr)
				}
			case dht.ModePassive:
				m.AddPassiveNode(e.Peer.Addr)
			}
		}
		m.HandleConnectionEvent(e)
	})
	s.SetContactsHandler(m.HandleContacts)
}
