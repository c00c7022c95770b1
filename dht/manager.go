package dht

import (
	"context"
	"net/netip"
	"sync"

	"github.com/opd-ai/kadnode/engine"
	"github.com/opd-ai/kadnode/routing"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// slot holds the running controller. ctrl is nil exactly when mode is
// ModeInactive.
type slot struct {
	mode Mode
	ctrl Controller
}

// Manager is the entry point of the package. It owns at most one controller
// and switches between modes on a dedicated executor, so no two transitions
// ever overlap and slow engine I/O never runs on the caller's goroutine.
// Lifecycle events are delivered in order on a second executor.
type Manager struct {
	opts    *Options
	host    Host
	metrics *Metrics

	transitions *serialExecutor
	events      *serialExecutor

	// mu guards slot and enabled. Only transition tasks write slot.
	mu      sync.RWMutex
	slot    slot
	enabled bool

	listenerMu sync.Mutex
	listeners  []EventListener

	closeOnce sync.Once
}

// NewManager creates an enabled manager in ModeInactive.
func NewManager(opts *Options, host Host) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		opts:        opts,
		host:        host,
		metrics:     NewMetrics(opts.Registerer),
		transitions: newSerialExecutor("dht-transitions"),
		events:      newSerialExecutor("dht-events"),
		slot:        slot{mode: ModeInactive},
		enabled:     true,
	}
}

// Metrics returns the collectors the manager records to.
func (m *Manager) Metrics() *Metrics { return m.metrics }

// Start switches to mode. Starting the current mode does nothing; any
// other mode stops the current controller before the new one starts.
// The switch runs asynchronously; Flush waits for it.
func (m *Manager) Start(mode Mode) {
	m.submit("Start", func() {
		if !m.IsEnabled() {
			logrus.WithFields(logrus.Fields{
				"function": "Start",
				"mode":     mode.String(),
			}).Debug("DHT disabled, ignoring start")
			return
		}
		m.switchTo(mode)
	})
}

// Stop switches to ModeInactive.
func (m *Manager) Stop() {
	m.submit("Stop", func() {
		m.switchTo(ModeInactive)
	})
}

// SetEnabled enables or disables the DHT. Disabling stops the running
// controller and makes Start a no-op until re-enabled.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	m.enabled = enabled
	m.mu.Unlock()

	if !enabled {
		m.Stop()
	}
}

// IsEnabled reports whether Start is honoured.
func (m *Manager) IsEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Flush waits until every transition submitted before the call has run.
func (m *Manager) Flush(ctx context.Context) error {
	if err := m.transitions.Flush(ctx); err != nil {
		return err
	}
	return m.events.Flush(ctx)
}

// Close stops the running controller and the executors. Events generated
// by the final stop are delivered before Close returns.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		errc := make(chan error, 1)
		if submitErr := m.transitions.Execute(func() {
			errc <- m.switchTo(ModeInactive)
		}); submitErr != nil {
			err = submitErr
			return
		}
		m.transitions.Close()
		err = multierr.Append(err, <-errc)
		m.events.Close()
	})
	return err
}

func (m *Manager) submit(op string, task func()) {
	if err := m.transitions.Execute(task); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": op,
			"error":    err.Error(),
		}).Warn("DHT manager closed")
	}
}

// switchTo runs on the transition executor.
func (m *Manager) switchTo(mode Mode) error {
	current := m.current()
	if current.mode == mode {
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"function": "switchTo",
		"from":     current.mode.String(),
		"to":       mode.String(),
	}).Info("Switching DHT mode")

	var err error
	if current.ctrl != nil {
		err = multierr.Append(err, current.ctrl.Stop())
	}

	next := slot{mode: mode}
	if mode != ModeInactive {
		next.ctrl = m.newController(mode)
	}
	m.mu.Lock()
	m.slot = next
	m.mu.Unlock()
	m.metrics.modeChanged(mode)

	if next.ctrl != nil {
		if startErr := next.ctrl.Start(); startErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "switchTo",
				"mode":     mode.String(),
				"error":    startErr.Error(),
			}).Error("Failed to start DHT controller")
			err = multierr.Append(err, startErr)
		}
	}
	return err
}

func (m *Manager) newController(mode Mode) Controller {
	switch mode {
	case ModeActive:
		return NewActiveController(m.opts, m.host, m, m.metrics)
	case ModePassive:
		return NewPassiveController(m.opts, m.host, m, m.metrics)
	case ModePassiveLeaf:
		return NewPassiveLeafController(m.opts, m.host, m, m.metrics)
	default:
		return nil
	}
}

func (m *Manager) current() slot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slot
}

// Mode returns the current mode.
func (m *Manager) Mode() Mode { return m.current().mode }

// Controller returns the running controller, or nil in ModeInactive.
func (m *Manager) Controller() Controller { return m.current().ctrl }

// IsRunning reports whether a controller engine is running.
func (m *Manager) IsRunning() bool {
	c := m.current().ctrl
	return c != nil && c.IsRunning()
}

// IsBootstrapped reports whether the running engine is bootstrapped.
func (m *Manager) IsBootstrapped() bool {
	c := m.current().ctrl
	return c != nil && c.IsBootstrapped()
}

// IsMemberOfDHT reports whether the node runs a bootstrapped engine.
func (m *Manager) IsMemberOfDHT() bool {
	c := m.current().ctrl
	return c != nil && c.IsRunning() && c.IsBootstrapped()
}

// IsWaitingForNodes reports whether the running controller is still looking
// for a first contact.
func (m *Manager) IsWaitingForNodes() bool {
	c := m.current().ctrl
	return c != nil && c.IsWaitingForNodes()
}

// AddActiveNode offers a DHT host learned from the host network. It runs
// after any mode switch submitted before it.
func (m *Manager) AddActiveNode(addr netip.AddrPort) {
	m.submit("AddActiveNode", func() {
		if c := m.current().ctrl; c != nil {
			c.AddActiveNode(addr)
		}
	})
}

// AddPassiveNode offers a host network peer that runs a passive DHT node.
func (m *Manager) AddPassiveNode(addr netip.AddrPort) {
	m.submit("AddPassiveNode", func() {
		if c := m.current().ctrl; c != nil {
			c.AddPassiveNode(addr)
		}
	})
}

// HandleContacts stores contacts forwarded by the supernode.
func (m *Manager) HandleContacts(contacts []*routing.Contact) {
	m.submit("HandleContacts", func() {
		c := m.current().ctrl
		if c == nil {
			return
		}
		for _, contact := range contacts {
			c.AddContact(contact)
		}
	})
}

// ActiveNodes returns up to max DHT addresses to advertise.
func (m *Manager) ActiveNodes(max int) []netip.AddrPort {
	if c := m.current().ctrl; c != nil {
		return c.ActiveNodes(max)
	}
	return nil
}

// AddressChanged restarts a running controller so its engine binds and
// advertises its address again.
func (m *Manager) AddressChanged() {
	m.submit("AddressChanged", func() {
		c := m.current().ctrl
		if c == nil || !c.IsRunning() {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function": "AddressChanged",
			"mode":     c.Mode().String(),
		}).Info("Restarting DHT controller after address change")

		if err := c.Stop(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "AddressChanged",
				"error":    err.Error(),
			}).Warn("Failed to stop DHT controller")
		}
		if err := c.Start(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "AddressChanged",
				"error":    err.Error(),
			}).Error("Failed to restart DHT controller")
		}
	})
}

// HandleConnectionEvent reacts to host network connection events. Losing
// the host network stops the DHT unless ForceConnect is set; other events
// go to the running controller. Both run on the transition executor.
func (m *Manager) HandleConnectionEvent(e ConnectionEvent) {
	if e.isDisconnect() {
		if m.opts.ForceConnect {
			return
		}
		m.submit("HandleConnectionEvent", func() {
			if m.current().ctrl == nil {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "HandleConnectionEvent",
				"event":    e.Type.String(),
			}).Info("Host network lost, stopping DHT")
			if err := m.switchTo(ModeInactive); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "HandleConnectionEvent",
					"error":    err.Error(),
				}).Warn("Failed to stop DHT controller")
			}
		})
		return
	}
	m.submit("HandleConnectionEvent", func() {
		if c := m.current().ctrl; c != nil {
			c.HandleConnectionEvent(e)
		}
	})
}

// Put stores v in the local value database.
func (m *Manager) Put(v *engine.Value) error {
	c := m.current().ctrl
	if c == nil || !c.IsRunning() || !c.IsBootstrapped() {
		return ErrNotBootstrapped
	}
	c.DHT().Database().Put(v)
	return nil
}

// Get returns the local value stored under key.
func (m *Manager) Get(key routing.KUID) (*engine.Value, bool, error) {
	c := m.current().ctrl
	if c == nil || !c.IsRunning() || !c.IsBootstrapped() {
		return nil, false, ErrNotBootstrapped
	}
	v, ok := c.DHT().Database().Get(key)
	return v, ok, nil
}

// AddEventListener registers l. Registering the same listener twice returns
// ErrListenerRegistered.
func (m *Manager) AddEventListener(l EventListener) error {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	for _, existing := range m.listeners {
		if existing == l {
			return ErrListenerRegistered
		}
	}
	m.listeners = append(m.listeners, l)
	return nil
}

// RemoveEventListener unregisters l. It reports whether l was registered.
func (m *Manager) RemoveEventListener(l EventListener) bool {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	for i, existing := range m.listeners {
		if existing == l {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// dispatch queues e for the listeners registered now. Delivery happens on
// the event executor without any manager lock held.
func (m *Manager) dispatch(e Event) {
	m.listenerMu.Lock()
	listeners := append([]EventListener(nil), m.listeners...)
	m.listenerMu.Unlock()

	if len(listeners) == 0 {
		return
	}
	err := m.events.Execute(func() {
		for _, l := range listeners {
			l.HandleDHTEvent(e)
		}
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatch",
			"event":    e.Type.String(),
		}).Debug("Dropping DHT event after close")
	}
}
