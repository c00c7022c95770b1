package dht

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opd-ai/kadnode/routing"
	"github.com/sirupsen/logrus"
)

// contactForwarder sends the newest route table contacts of a supernode to
// its passive leaves. Contacts are kept after sending so that leaves
// connecting later receive them too.
type contactForwarder struct {
	c      *controller
	buffer *lru.Cache[routing.KUID, *routing.Contact]

	mu    sync.Mutex
	stopC chan struct{}
}

func newContactForwarder(c *controller) *contactForwarder {
	buffer, err := lru.New[routing.KUID, *routing.Contact](c.opts.ForwarderBuffer)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &contactForwarder{c: c, buffer: buffer}
}

func (f *contactForwarder) add(contact *routing.Contact) {
	f.buffer.Add(contact.ID, contact.Clone())
}

func (f *contactForwarder) start() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopC != nil {
		return
	}
	stop := make(chan struct{})
	f.stopC = stop
	go f.loop(stop)
}

func (f *contactForwarder) loop(stop <-chan struct{}) {
	ticker := f.c.opts.Clock.Ticker(f.c.opts.ForwarderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			f.run()
		}
	}
}

func (f *contactForwarder) run() {
	if !f.c.opts.EnablePassiveLeaf || !f.c.IsRunning() {
		return
	}
	contacts := routing.SortMRS(f.buffer.Values(), 0)
	if len(contacts) == 0 {
		return
	}

	for _, leaf := range f.c.host.PassiveLeaves() {
		if err := f.c.host.SendContacts(leaf, contacts); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "contactForwarder.run",
				"leaf":     leaf.String(),
				"error":    err.Error(),
			}).Debug("Failed to forward contacts")
		}
	}
}

func (f *contactForwarder) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopC != nil {
		close(f.stopC)
		f.stopC = nil
	}
}
