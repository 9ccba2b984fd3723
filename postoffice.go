package moquette

import (
	"log/slog"
	"sync"

	"github.com/IceFoxs/moquette/packets"
	"github.com/IceFoxs/moquette/store"
)

// PostOffice is the publish/subscribe fabric consumed by connections. It
// records subscriptions, routes publishes to matching subscribers, answers
// subscription packets through the originating connection, and fires wills.
type PostOffice interface {
	SubscribeClientToTopics(pk packets.Packet, clientID, username string, c *Connection)
	Unsubscribe(topics []string, c *Connection, packetID uint16)
	ReceivedPublishQos0(topic, username, clientID string, pk packets.Packet)
	ReceivedPublishQos1(c *Connection, topic, username string, packetID uint16, pk packets.Packet) error
	ReceivedPublishQos2(c *Connection, pk packets.Packet, username string) error
	DispatchConnection(pk packets.Packet, clientID string)
	DispatchDisconnection(clientID, username string)
	DispatchConnectionLost(clientID, username string)
	FireWill(w *Will)
}

// postOffice routes publishes over the in-process topic index.
type postOffice struct {
	topics   *TopicIndex
	registry *SessionRegistry
	log      *slog.Logger

	mu    sync.RWMutex
	subs  map[string]map[string]byte // filters per client, for cleanup and persistence.
	store store.Store
}

// newPostOffice returns a post office routing over the given topic index
// and session registry.
func newPostOffice(topics *TopicIndex, registry *SessionRegistry, log *slog.Logger) *postOffice {
	return &postOffice{
		topics:   topics,
		registry: registry,
		log:      log,
		subs:     make(map[string]map[string]byte),
	}
}

// SetStore attaches a persistence backend for subscriptions and retained
// messages.
func (p *postOffice) SetStore(st store.Store) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.store = st
}

func (p *postOffice) getStore() store.Store {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.store
}

// SubscribeClientToTopics grants the requested subscriptions, answers with
// SUBACK through the connection, then delivers matching retained messages.
func (p *postOffice) SubscribeClientToTopics(pk packets.Packet, clientID, username string, c *Connection) {
	codes := make([]byte, len(pk.Topics))
	for i, filter := range pk.Topics {
		if !ValidFilter(filter) {
			codes[i] = packets.CodeSubscribeFailed
			continue
		}

		qos := pk.Qoss[i]
		if qos > 2 {
			qos = 2
		}

		p.topics.Subscribe(filter, clientID, qos)
		p.noteSubscription(clientID, filter, qos)
		codes[i] = qos
	}

	c.sendSubAck(pk.PacketID, codes)
	p.log.Debug("client subscribed", "client", clientID, "topics", pk.Topics)

	session, _ := p.registry.Get(clientID)

	for i, filter := range pk.Topics {
		if codes[i] == packets.CodeSubscribeFailed {
			continue
		}

		for _, rpk := range p.topics.Messages(filter) {
			qos := rpk.FixedHeader.Qos
			if codes[i] < qos {
				qos = codes[i]
			}

			if qos == 0 {
				c.sendPublishRetainedQos0(rpk.TopicName, qos, rpk.Payload)
				continue
			}

			if session != nil {
				out := rpk.PublishCopy()
				out.FixedHeader.Retain = true
				out.FixedHeader.Qos = qos
				session.publish(out)
			}
		}
	}
}

// Unsubscribe removes the filters for a client and answers with UNSUBACK
// through the connection.
func (p *postOffice) Unsubscribe(topics []string, c *Connection, packetID uint16) {
	clientID := c.ClientID()
	for _, filter := range topics {
		p.topics.Unsubscribe(filter, clientID)
		p.forgetSubscription(clientID, filter)
	}

	c.sendUnsubAck(packetID)
	p.log.Debug("client unsubscribed", "client", clientID, "topics", topics)
}

// ReceivedPublishQos0 routes an inbound qos 0 publish. No acknowledgement.
func (p *postOffice) ReceivedPublishQos0(topic, username, clientID string, pk packets.Packet) {
	p.publishToSubscribers(pk)
}

// ReceivedPublishQos1 routes an inbound qos 1 publish. The caller sends
// PUBACK only after this returns without error.
func (p *postOffice) ReceivedPublishQos1(c *Connection, topic, username string, packetID uint16, pk packets.Packet) error {
	p.publishToSubscribers(pk)
	return nil
}

// ReceivedPublishQos2 routes an inbound qos 2 publish. Deduplication has
// already happened against the session's pending set.
func (p *postOffice) ReceivedPublishQos2(c *Connection, pk packets.Packet, username string) error {
	p.publishToSubscribers(pk)
	return nil
}

// publishToSubscribers delivers a publish to every session with a matching
// subscription, at the lower of the publish and granted qos. The retain
// flag stores or clears the retained message for the topic.
func (p *postOffice) publishToSubscribers(pk packets.Packet) {
	if pk.FixedHeader.Retain {
		retained := pk.PublishCopy()
		retained.FixedHeader.Qos = pk.FixedHeader.Qos
		r := p.topics.RetainMessage(retained)
		p.persistRetained(retained, r)
	}

	subs := p.topics.Subscribers(pk.TopicName)
	for clientID, granted := range subs {
		session, ok := p.registry.Get(clientID)
		if !ok {
			continue
		}

		out := pk.PublishCopy()
		out.FixedHeader.Retain = false
		out.FixedHeader.Qos = pk.FixedHeader.Qos
		if granted < out.FixedHeader.Qos {
			out.FixedHeader.Qos = granted
		}

		session.publish(out)
	}
}

// FireWill publishes a will message on behalf of an abruptly lost client.
func (p *postOffice) FireWill(w *Will) {
	p.log.Info("firing will", "topic", w.Topic, "qos", w.Qos)
	p.publishToSubscribers(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    w.Qos,
			Retain: w.Retain,
		},
		TopicName: w.Topic,
		Payload:   w.Payload,
	})
}

// DispatchConnection records a completed connection event, persisting the
// client record of persistent sessions.
func (p *postOffice) DispatchConnection(pk packets.Packet, clientID string) {
	p.log.Debug("dispatch connection", "client", clientID)

	st := p.getStore()
	if st == nil || pk.CleanSession {
		return
	}

	cl := store.Client{
		ID:            clientID,
		T:             store.ClientKey,
		Username:      string(pk.Username),
		Clean:         pk.CleanSession,
		ProtocolLevel: pk.ProtocolLevel,
	}
	if pk.WillFlag {
		cl.WillTopic = pk.WillTopic
		cl.WillPayload = pk.WillMessage
		cl.WillQos = pk.WillQos
		cl.WillRetain = pk.WillRetain
	}

	_ = st.UpsertClient(cl)
}

// DispatchDisconnection records a graceful disconnect event.
func (p *postOffice) DispatchDisconnection(clientID, username string) {
	p.log.Debug("dispatch disconnection", "client", clientID, "username", username)
}

// DispatchConnectionLost records an abrupt connection loss event.
func (p *postOffice) DispatchConnectionLost(clientID, username string) {
	p.log.Debug("dispatch connection lost", "client", clientID, "username", username)
}

// removeClientSubscriptions discards every subscription of a destroyed
// session from the index and the store.
func (p *postOffice) removeClientSubscriptions(clientID string) {
	p.mu.Lock()
	filters := p.subs[clientID]
	delete(p.subs, clientID)
	st := p.store
	p.mu.Unlock()

	for filter := range filters {
		p.topics.Unsubscribe(filter, clientID)
		if st != nil {
			_ = st.DeleteSubscription(clientID, filter)
		}
	}
}

// noteSubscription records a granted subscription for a client.
func (p *postOffice) noteSubscription(clientID, filter string, qos byte) {
	p.mu.Lock()
	if p.subs[clientID] == nil {
		p.subs[clientID] = make(map[string]byte)
	}
	p.subs[clientID][filter] = qos
	st := p.store
	p.mu.Unlock()

	if st != nil {
		_ = st.SetSubscription(store.Subscription{
			T:      store.SubscriptionKey,
			Client: clientID,
			Filter: filter,
			Qos:    qos,
		})
	}
}

// forgetSubscription removes a subscription note for a client.
func (p *postOffice) forgetSubscription(clientID, filter string) {
	p.mu.Lock()
	if p.subs[clientID] != nil {
		delete(p.subs[clientID], filter)
	}
	st := p.store
	p.mu.Unlock()

	if st != nil {
		_ = st.DeleteSubscription(clientID, filter)
	}
}

// persistRetained stores or clears a retained message record.
func (p *postOffice) persistRetained(pk packets.Packet, r int64) {
	st := p.getStore()
	if st == nil {
		return
	}

	if r < 0 || len(pk.Payload) == 0 {
		_ = st.DeleteRetained(pk.TopicName)
		return
	}

	_ = st.SaveRetained(store.Message{
		T:         store.RetainedKey,
		TopicName: pk.TopicName,
		Payload:   pk.Payload,
		Qos:       pk.FixedHeader.Qos,
		Retain:    true,
	})
}

// restore reloads subscriptions and retained messages from stored records.
func (p *postOffice) restore(subs []store.Subscription, retained []store.Message) {
	for _, s := range subs {
		p.topics.Subscribe(s.Filter, s.Client, s.Qos)
		p.mu.Lock()
		if p.subs[s.Client] == nil {
			p.subs[s.Client] = make(map[string]byte)
		}
		p.subs[s.Client][s.Filter] = s.Qos
		p.mu.Unlock()
	}

	for _, m := range retained {
		p.topics.RetainMessage(packets.Packet{
			FixedHeader: packets.FixedHeader{
				Type:   packets.Publish,
				Qos:    m.Qos,
				Retain: true,
			},
			TopicName: m.TopicName,
			Payload:   m.Payload,
		})
	}
}
