package moquette

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IceFoxs/moquette/packets"
	"github.com/IceFoxs/moquette/store"
)

// Session states. A session is CONNECTING between the registry binding it
// to a connection and the CONNACK write completing, CONNECTED while bound
// to a live connection, DISCONNECTED while parked (persistent sessions
// only), and DESTROYED once removed from the registry.
const (
	SessionDisconnected int32 = iota
	SessionConnecting
	SessionConnected
	SessionDisconnecting
	SessionDestroyed
)

// Will contains the last will and testament details of a session.
type Will struct {
	Topic   string // the topic the will message shall be sent to.
	Payload []byte // the message sent when the client disconnects abruptly.
	Qos     byte   // the quality of service desired.
	Retain  bool   // indicates whether the will message should be retained.
}

// queuedMessage is an outbound publish parked while its session is offline.
type queuedMessage struct {
	pk  packets.Packet
	seq uint64
}

// Session holds the per-client state surviving a single network connection:
// in-flight qos exchanges in both directions, publishes queued while
// offline, and the will.
type Session struct {
	sync.RWMutex
	id            string
	username      string
	clean         bool
	protocolLevel byte
	will          *Will
	state         int32       // the session lifecycle state, accessed atomically.
	conn          *Connection // the bound connection while CONNECTING/CONNECTED.

	inflightQos1 *Inflight    // outbound qos 1 publishes awaiting PUBACK.
	inflightQos2 *Inflight    // outbound qos 2 exchanges awaiting PUBREC/PUBCOMP.
	pendingQos2  *packetIDSet // inbound qos 2 packet ids awaiting PUBREL.

	offline    []queuedMessage // outbound publishes queued while offline, in order.
	offlineSeq uint64

	store store.Store // optional persistence, nil when disabled.
	log   *slog.Logger
}

// newSession returns a new Session in the CONNECTING state.
func newSession(id string, clean bool, st store.Store, log *slog.Logger) *Session {
	return &Session{
		id:           id,
		clean:        clean,
		state:        SessionConnecting,
		inflightQos1: NewInflight(),
		inflightQos2: NewInflight(),
		pendingQos2:  newPacketIDSet(),
		store:        st,
		log:          log,
	}
}

// ID returns the client identifier keying the session.
func (s *Session) ID() string {
	return s.id
}

// Clean returns true if the session was requested as a clean session.
func (s *Session) Clean() bool {
	s.RLock()
	defer s.RUnlock()
	return s.clean
}

// State returns the current lifecycle state.
func (s *Session) State() int32 {
	return atomic.LoadInt32(&s.state)
}

// bind attaches the session to a connection and records the identity values
// of the CONNECT packet which opened it.
func (s *Session) bind(c *Connection, pk packets.Packet) {
	s.Lock()
	defer s.Unlock()

	s.conn = c
	s.username = string(pk.Username)
	s.clean = pk.CleanSession
	s.protocolLevel = pk.ProtocolLevel
	if pk.WillFlag {
		s.will = &Will{
			Topic:   pk.WillTopic,
			Payload: pk.WillMessage,
			Qos:     pk.WillQos,
			Retain:  pk.WillRetain,
		}
	} else {
		s.will = nil
	}
}

// connection returns the bound connection, or nil.
func (s *Session) connection() *Connection {
	s.RLock()
	defer s.RUnlock()
	return s.conn
}

// connectedConnection returns the bound connection only while the session
// is in the CONNECTED state.
func (s *Session) connectedConnection() *Connection {
	if atomic.LoadInt32(&s.state) != SessionConnected {
		return nil
	}
	return s.connection()
}

// completeConnection transitions CONNECTING to CONNECTED. Returns false if
// the session was concurrently claimed or torn down by a competing binder.
func (s *Session) completeConnection() bool {
	return atomic.CompareAndSwapInt32(&s.state, SessionConnecting, SessionConnected)
}

// reopen transitions a parked session back to CONNECTING for a new bind.
// Returns false if the session was not parked.
func (s *Session) reopen() bool {
	return atomic.CompareAndSwapInt32(&s.state, SessionDisconnected, SessionConnecting)
}

// disconnect unbinds the connection and parks the session. The will is
// discarded; a will is only fired for abrupt connection loss, and the
// firing happens before disconnect is invoked.
func (s *Session) disconnect() {
	if !atomic.CompareAndSwapInt32(&s.state, SessionConnected, SessionDisconnecting) &&
		!atomic.CompareAndSwapInt32(&s.state, SessionConnecting, SessionDisconnecting) {
		return
	}

	s.Lock()
	s.conn = nil
	s.will = nil
	s.Unlock()

	atomic.StoreInt32(&s.state, SessionDisconnected)
}

// destroy marks the session as removed from the registry.
func (s *Session) destroy() {
	atomic.StoreInt32(&s.state, SessionDestroyed)
	s.Lock()
	s.conn = nil
	s.will = nil
	s.Unlock()
}

// hasWill returns true if a will message is set.
func (s *Session) hasWill() bool {
	s.RLock()
	defer s.RUnlock()
	return s.will != nil
}

// Will returns the will message, or nil.
func (s *Session) Will() *Will {
	s.RLock()
	defer s.RUnlock()
	return s.will
}

// receivedPublishQos2 records an inbound qos 2 packet id. Returns true if
// the id was new; false indicates a duplicate delivery which must not be
// routed again.
func (s *Session) receivedPublishQos2(id uint16) bool {
	return s.pendingQos2.Add(id)
}

// receivedPubRelQos2 releases an inbound qos 2 packet id. Unknown ids are
// tolerated; the PUBCOMP response is idempotent.
func (s *Session) receivedPubRelQos2(id uint16) {
	s.pendingQos2.Delete(id)
}

// pubAckReceived resolves an outbound qos 1 exchange. Returns true if an
// in-flight entry was removed.
func (s *Session) pubAckReceived(id uint16) bool {
	ok := s.inflightQos1.Delete(id)
	if ok && s.store != nil {
		_ = s.store.DeleteInflight(s.id, id)
	}
	return ok
}

// processPubRec advances an outbound qos 2 exchange to the PUBREL phase.
// The payload is discarded; only the packet id remains tracked. A duplicate
// PUBREC re-sends PUBREL without changing state.
func (s *Session) processPubRec(id uint16) {
	in, ok := s.inflightQos2.Get(id)
	if !ok {
		return
	}

	if in.Phase == PhasePublished {
		in.Packet.Payload = nil
		in.Phase = PhasePubrelSent
		in.Sent = time.Now().Unix()
		s.inflightQos2.Set(id, in)
		s.persistInflight(in, store.InflightKey+"2")
	}

	if c := s.connectedConnection(); c != nil {
		c.sendPubRel(id)
	}
}

// processPubComp resolves an outbound qos 2 exchange.
func (s *Session) processPubComp(id uint16) {
	if s.inflightQos2.Delete(id) && s.store != nil {
		_ = s.store.DeleteInflight(s.id, id)
	}
}

// publish delivers an outbound publish to the client, or queues it if the
// session is offline and persistent. Qos 0 publishes to offline sessions
// are dropped.
func (s *Session) publish(out packets.Packet) {
	c := s.connectedConnection()
	if c == nil {
		if s.Clean() || out.FixedHeader.Qos == 0 {
			return
		}
		s.queueOffline(out)
		return
	}

	s.deliver(c, out)
}

// deliver writes a publish to a live connection, tracking qos > 0 packets
// in the appropriate in-flight map.
func (s *Session) deliver(c *Connection, out packets.Packet) {
	switch out.FixedHeader.Qos {
	case 0:
		c.sendPublish(out)
	case 1:
		out.PacketID = c.nextPacketID()
		in := InflightMessage{Packet: out, Sent: time.Now().Unix()}
		s.inflightQos1.Set(out.PacketID, in)
		s.persistInflight(in, store.InflightKey+"1")
		c.sendPublish(out)
	case 2:
		out.PacketID = c.nextPacketID()
		in := InflightMessage{Packet: out, Phase: PhasePublished, Sent: time.Now().Unix()}
		s.inflightQos2.Set(out.PacketID, in)
		s.persistInflight(in, store.InflightKey+"2")
		c.sendPublish(out)
	}
}

// queueOffline appends a publish to the offline queue, preserving order.
func (s *Session) queueOffline(out packets.Packet) {
	s.Lock()
	s.offlineSeq++
	qm := queuedMessage{pk: out, seq: s.offlineSeq}
	s.offline = append(s.offline, qm)
	s.Unlock()

	if s.store != nil {
		_ = s.store.SaveQueued(store.Message{
			T:         store.QueuedKey,
			Client:    s.id,
			TopicName: out.TopicName,
			Payload:   out.Payload,
			Qos:       out.FixedHeader.Qos,
			Retain:    out.FixedHeader.Retain,
			Seq:       qm.seq,
		})
	}
}

// sendQueuedMessagesWhileOffline drains the offline queue onto the bound
// connection in order. A publish which cannot be written live is tracked by
// its in-flight entry like any other.
func (s *Session) sendQueuedMessagesWhileOffline() {
	c := s.connectedConnection()
	if c == nil {
		return
	}

	s.Lock()
	queued := s.offline
	s.offline = nil
	s.Unlock()

	for _, qm := range queued {
		if s.store != nil {
			_ = s.store.DeleteQueued(s.id, qm.seq)
		}
		s.deliver(c, qm.pk)
	}
}

// resendInflightNotAcked retransmits every unresolved outbound exchange:
// qos 1 publishes and qos 2 publishes in the PUBLISH phase with the DUP
// flag set, qos 2 exchanges in the PUBREL phase as PUBREL.
func (s *Session) resendInflightNotAcked() {
	c := s.connectedConnection()
	if c == nil {
		return
	}

	for _, in := range s.inflightQos1.GetAll() {
		pk := in.Packet
		pk.FixedHeader.Dup = true
		c.sendPublish(pk)
	}

	for _, in := range s.inflightQos2.GetAll() {
		if in.Phase == PhasePublished {
			pk := in.Packet
			pk.FixedHeader.Dup = true
			c.sendPublish(pk)
		} else {
			c.sendPubRel(in.Packet.PacketID)
		}
	}
}

// writabilityChanged is invoked when the connection regains write capacity,
// and resumes draining the offline queue and the in-flight queue.
func (s *Session) writabilityChanged() {
	s.sendQueuedMessagesWhileOffline()
	s.resendInflightNotAcked()
}

// flushAllQueuedMessages drains any deferred messages and flushes the
// transport write buffer. Invoked at the end of a read batch.
func (s *Session) flushAllQueuedMessages() {
	s.sendQueuedMessagesWhileOffline()
	if c := s.connection(); c != nil {
		c.flush()
	}
}

// highestInflightID returns the largest packet id currently tracked in
// either outbound in-flight map.
func (s *Session) highestInflightID() uint16 {
	var max uint16
	for _, in := range s.inflightQos1.GetAll() {
		if in.Packet.PacketID > max {
			max = in.Packet.PacketID
		}
	}
	for _, in := range s.inflightQos2.GetAll() {
		if in.Packet.PacketID > max {
			max = in.Packet.PacketID
		}
	}
	return max
}

// persistInflight writes an in-flight entry through to the store.
func (s *Session) persistInflight(in InflightMessage, t string) {
	if s.store == nil {
		return
	}

	_ = s.store.SaveInflight(store.Message{
		T:         t,
		Client:    s.id,
		TopicName: in.Packet.TopicName,
		Payload:   in.Packet.Payload,
		Qos:       in.Packet.FixedHeader.Qos,
		Retain:    in.Packet.FixedHeader.Retain,
		PacketID:  in.Packet.PacketID,
		Phase:     in.Phase,
		Sent:      in.Sent,
	})
}
