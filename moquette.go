// Package moquette is a message broker engine implementing the MQTT
// CONNECT/DISCONNECT lifecycle, qos 0/1/2 delivery in both directions, and
// persistent session semantics over pluggable listeners and stores.
package moquette

import (
	"errors"
	"log/slog"
	"net"

	"github.com/IceFoxs/moquette/listeners"
	"github.com/IceFoxs/moquette/store"
)

const (
	// Version is the current broker version.
	Version = "0.1.0"
)

var (
	ErrListenerIDExists = errors.New("listener id already exists")
)

// Broker ties the engine together: configuration, authentication, the
// session registry, the post office, network listeners and the optional
// session store.
type Broker struct {
	opts       *Options
	log        *slog.Logger
	listeners  *listeners.Listeners
	topics     *TopicIndex
	registry   *SessionRegistry
	postOffice *postOffice
	store      store.Store
}

// New returns a new instance of the broker engine.
func New(opts *Options) *Broker {
	if opts == nil {
		opts = new(Options)
	}
	opts.ensureDefaults()

	b := &Broker{
		opts:      opts,
		log:       opts.Logger,
		listeners: listeners.New(),
		topics:    NewTopicIndex(),
	}

	b.registry = NewSessionRegistry(b.log)
	b.postOffice = newPostOffice(b.topics, b.registry, b.log)
	b.registry.onSessionDropped = b.postOffice.removeClientSubscriptions

	return b
}

// AddListener adds a network listener to the broker.
func (b *Broker) AddListener(l listeners.Listener) error {
	if _, ok := b.listeners.Get(l.ID()); ok {
		return ErrListenerIDExists
	}

	b.listeners.Add(l)
	return l.Listen()
}

// AddStore attaches a persistent session store, opening it and restoring
// any stored sessions, subscriptions, messages and retained state.
func (b *Broker) AddStore(st store.Store) error {
	if err := st.Open(); err != nil {
		return err
	}

	b.store = st
	b.registry.SetStore(st)
	b.postOffice.SetStore(st)

	return b.readStore()
}

// readStore rebuilds broker state from the persistent store.
func (b *Broker) readStore() error {
	clients, err := b.store.Clients()
	if err != nil {
		return err
	}

	inflight, err := b.store.InflightMessages()
	if err != nil {
		return err
	}

	queued, err := b.store.QueuedMessages()
	if err != nil {
		return err
	}

	b.registry.restore(clients, inflight, queued)

	subs, err := b.store.Subscriptions()
	if err != nil {
		return err
	}

	retained, err := b.store.RetainedMessages()
	if err != nil {
		return err
	}

	b.postOffice.restore(subs, retained)

	b.log.Info("restored broker state from store",
		"clients", len(clients), "subscriptions", len(subs),
		"inflight", len(inflight), "queued", len(queued), "retained", len(retained))

	return nil
}

// Serve starts the event loops establishing client connections on all
// attached listeners.
func (b *Broker) Serve() error {
	b.listeners.ServeAll(b.EstablishConnection)
	b.log.Info("broker serving", "version", Version, "listeners", b.listeners.Len())
	return nil
}

// EstablishConnection runs the protocol engine over an accepted transport,
// blocking until the connection ends.
func (b *Broker) EstablishConnection(lid string, conn net.Conn) error {
	c := newConnection(conn, b.opts, b.registry, b.postOffice, b.log)
	return c.Serve()
}

// Close gracefully shuts down the broker, all listeners, connections, and
// the store.
func (b *Broker) Close() error {
	b.listeners.CloseAll(b.closeListenerClients)

	for _, s := range b.registry.All() {
		if c := s.connection(); c != nil {
			c.dropConnection()
		}
	}

	if b.store != nil {
		if err := b.store.Close(); err != nil {
			return err
		}
	}

	b.log.Info("broker stopped")
	return nil
}

// closeListenerClients is the close callback handed to the listeners. It
// does nothing: connections are not indexed per listener, and Close drops
// every live connection once the listeners have stopped.
func (b *Broker) closeListenerClients(id string) {
}

// Registry exposes the session registry, for inspection and tests.
func (b *Broker) Registry() *SessionRegistry {
	return b.registry
}

// Topics exposes the topic index, for inspection and tests.
func (b *Broker) Topics() *TopicIndex {
	return b.topics
}
