package moquette

import (
	"errors"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/IceFoxs/moquette/packets"
)

const (
	// maxPacketID is the maximum value of a 16-bit packet id. Control
	// packets MUST contain a non-zero packet identifier [MQTT-2.3.1-1].
	maxPacketID = 65535

	// defaultKeepalive bounds how long an accepted connection may idle
	// before completing its CONNECT handshake.
	defaultKeepalive uint16 = 60

	// resendInterval is the period of the in-flight resender.
	resendInterval = 5 * time.Second
)

var (
	ErrConnectionClosed     = errors.New("connection not open")
	ErrFirstPacketInvalid   = errors.New("first packet was not CONNECT packet")
	ErrSecondConnect        = errors.New("second CONNECT packet on connected channel")
	ErrConnectNotAuthorized = errors.New("CONNECT packet was not authorized")
	ErrConnectAborted       = errors.New("CONNECT handshake aborted")
	ErrConnackWriteFailed   = errors.New("CONNACK write failed")
	ErrSessionBindRace      = errors.New("session could not transition to connected")
)

// Connection is the per-socket protocol state machine. One reader goroutine
// per connection is the connection's event loop: it frames inbound packets
// and dispatches them serially. Outbound packets flow through the bounded
// writer queue.
type Connection struct {
	mu         sync.RWMutex
	conn       net.Conn
	reader     *packets.Reader
	writer     *writer
	opts       *Options
	registry   *SessionRegistry
	postOffice PostOffice
	log        *slog.Logger

	session      *Session // bound after a successful CONNECT.
	clientID     string
	username     string
	keepalive    uint16
	cleanSession bool
	idle         time.Duration // read deadline window; 0 disables.

	connected    int32  // set once the post-CONNACK setup completes.
	graceful     int32  // a DISCONNECT packet was received.
	takenOver    int32  // the registry closed this connection for a takeover.
	lastPacketID uint32 // monotonic outbound packet id counter.

	lostOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// newConnection returns a Connection wrapping an accepted transport.
func newConnection(conn net.Conn, opts *Options, registry *SessionRegistry, po PostOffice, log *slog.Logger) *Connection {
	c := &Connection{
		conn:       conn,
		reader:     packets.NewReader(conn),
		writer:     newWriter(conn),
		opts:       opts,
		registry:   registry,
		postOffice: po,
		log:        log,
		idle:       idleInterval(defaultKeepalive),
		done:       make(chan struct{}),
	}

	c.writer.onWritable = c.writabilityChanged
	c.writer.onError = func(err error) {
		c.log.Debug("outbound write failed", "error", err)
		c.dropConnection()
	}

	return c
}

// idleInterval returns ceil(keepalive * 1.5) as a duration. Zero disables
// the idle deadline.
func idleInterval(keepalive uint16) time.Duration {
	if keepalive == 0 {
		return 0
	}
	return time.Duration(int(keepalive)+(int(keepalive)+1)/2) * time.Second
}

// generateClientID returns a fresh unique 32 hex character identifier for
// clients connecting with a zero-byte client id.
func generateClientID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Serve runs the connection event loop until the transport closes or a
// protocol violation terminates it. Connection loss handling always runs
// exactly once on the way out.
func (c *Connection) Serve() error {
	c.writer.start()
	defer c.handleConnectionLost()

	var err error
	for {
		c.refreshDeadline()

		var pk packets.Packet
		pk, err = c.reader.ReadPacket()
		if err != nil && !errors.Is(err, packets.ErrNoValidPacketAvailable) {
			break
		}

		err = c.handlePacket(pk)
		if err != nil {
			break
		}

		// End of a read batch: flush any writes deferred for batching.
		if c.reader.Buffered() == 0 {
			c.readCompleted()
		}
	}

	c.closeTransport()

	return err
}

// handlePacket dispatches a single inbound packet by type. Before a
// successful CONNACK only CONNECT is legal. A returned error terminates
// the connection.
func (c *Connection) handlePacket(pk packets.Packet) error {
	t := pk.FixedHeader.Type

	if !c.isConnected() && t != packets.Connect {
		c.log.Warn("packet received before CONNECT", "type", packets.Names[t])
		return ErrFirstPacketInvalid
	}

	switch t {
	case packets.Connect:
		if c.isConnected() {
			// [MQTT-3.1.0-2] a second CONNECT is a protocol violation.
			return ErrSecondConnect
		}
		return c.processConnect(pk)
	case packets.Publish:
		return c.processPublish(pk)
	case packets.Puback:
		c.boundSession().pubAckReceived(pk.PacketID)
		return nil
	case packets.Pubrec:
		c.boundSession().processPubRec(pk.PacketID)
		return nil
	case packets.Pubrel:
		return c.processPubRel(pk)
	case packets.Pubcomp:
		c.boundSession().processPubComp(pk.PacketID)
		return nil
	case packets.Subscribe:
		return c.processSubscribe(pk)
	case packets.Unsubscribe:
		return c.processUnsubscribe(pk)
	case packets.Pingreq:
		c.writer.write(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pingresp},
		}, true, nil)
		return nil
	case packets.Disconnect:
		return c.processDisconnect()
	default:
		c.log.Error("unknown packet type", "type", t)
		return nil
	}
}

// processConnect drives the CONNECT handshake: protocol version, client
// identifier policy, authentication, session binding, CONNACK, and the
// post-CONNACK setup once the write has completed.
func (c *Connection) processConnect(pk packets.Packet) error {
	clientID := pk.ClientID
	username := string(pk.Username)
	c.log.Debug("processing CONNECT", "client", clientID, "username", username)

	if rc, err := pk.ConnectValidate(); err != nil {
		c.log.Warn("rejected CONNECT packet", "client", clientID, "code", rc)
		if rc == packets.CodeConnectProtocolViolation {
			// Not expressible as a CONNACK return code; close the channel
			// without replying.
			c.closeTransport()
		} else {
			c.abortConnection(rc)
		}
		return ErrConnectAborted
	}

	if clientID == "" {
		if !c.opts.AllowZeroByteClientID {
			c.log.Info("zero-byte client id not permitted", "username", username)
			c.abortConnection(packets.CodeConnectBadClientID)
			return ErrConnectAborted
		}

		if !pk.CleanSession {
			// An empty client id cannot key a persistent session.
			c.log.Info("zero-byte client id requires clean session", "username", username)
			c.abortConnection(packets.CodeConnectBadClientID)
			return ErrConnectAborted
		}

		clientID = generateClientID()
		c.log.Debug("generated client id", "client", clientID, "username", username)
	}

	if !c.login(pk, clientID) {
		c.abortConnection(packets.CodeConnectBadAuthValues)
		return ErrConnectNotAuthorized
	}

	creation, err := c.registry.CreateOrReopen(pk, clientID, username)
	if err != nil {
		c.log.Warn("session cannot be created", "client", clientID, "error", err)
		c.abortConnection(packets.CodeConnectServerUnavailable)
		return ErrConnectAborted
	}

	session := creation.Session
	session.bind(c, pk)

	c.mu.Lock()
	c.session = session
	c.clientID = clientID
	c.username = username
	c.keepalive = pk.Keepalive
	c.cleanSession = pk.CleanSession
	c.mu.Unlock()

	// The CONNACK must be the first packet written on the connection, and
	// everything after this point assumes its bytes have reached the
	// transport; await the write completion before continuing.
	sessionPresent := !pk.CleanSession && creation.AlreadyStored
	err = c.writeAndWait(packets.Packet{
		FixedHeader:    packets.FixedHeader{Type: packets.Connack},
		ReturnCode:     packets.Accepted,
		SessionPresent: sessionPresent,
	})
	if err != nil {
		c.log.Error("CONNACK send failed, cleaning up session", "client", clientID, "error", err)
		session.disconnect()
		c.registry.Remove(session)
		return ErrConnackWriteFailed
	}

	if !session.completeConnection() {
		// A competing binder claimed the session between CONNACK and now.
		c.log.Warn("CONNACK sent but session cannot transition to connected", "client", clientID)
		c.writeAndWait(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Disconnect},
		})
		return ErrSessionBindRace
	}

	atomic.StoreInt32(&c.connected, 1)
	c.ensurePacketIDAbove(session.highestInflightID())

	if creation.Mode == ReopenExisting {
		session.sendQueuedMessagesWhileOffline()
		session.resendInflightNotAcked()
	}

	c.initializeKeepAlive(pk.Keepalive)
	c.setupInflightResender()

	c.postOffice.DispatchConnection(pk, clientID)
	c.log.Info("client connected", "client", clientID, "username", username,
		"clean", pk.CleanSession, "keepalive", pk.Keepalive, "session_present", sessionPresent)

	return nil
}

// login validates the credentials of a CONNECT packet against the broker
// authenticator and the anonymous-access policy.
func (c *Connection) login(pk packets.Packet, clientID string) bool {
	if pk.UsernameFlag {
		var pwd []byte
		if pk.PasswordFlag {
			pwd = pk.Password
		} else if !c.opts.AllowAnonymous {
			c.log.Info("missing password with anonymous mode disabled", "client", clientID)
			return false
		}

		if !c.opts.Auth.CheckValid(clientID, string(pk.Username), pwd) {
			c.log.Info("authenticator rejected credentials", "client", clientID, "username", string(pk.Username))
			return false
		}

		return true
	}

	if !c.opts.AllowAnonymous {
		c.log.Info("missing credentials with anonymous mode disabled", "client", clientID)
		return false
	}

	return true
}

// abortConnection answers a failed CONNECT with the given return code and
// closes the channel.
func (c *Connection) abortConnection(code byte) {
	c.writeAndWait(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connack},
		ReturnCode:  code,
	})
	c.closeTransport()
}

// writeAndWait enqueues a packet with a flush and blocks until its bytes
// have been written to the transport.
func (c *Connection) writeAndWait(pk packets.Packet) error {
	result := make(chan error, 1)
	if !c.writer.write(pk, true, func(err error) { result <- err }) {
		return ErrConnectionClosed
	}

	select {
	case err := <-result:
		return err
	case <-c.writer.done:
		return ErrConnectionClosed
	}
}

// initializeKeepAlive installs the idle deadline for the negotiated
// keepalive, replacing any prior value. keepalive=0 disables the deadline.
func (c *Connection) initializeKeepAlive(keepalive uint16) {
	c.mu.Lock()
	c.idle = idleInterval(keepalive)
	c.mu.Unlock()

	c.refreshDeadline()
	c.log.Debug("keepalive configured", "client", c.ClientID(), "keepalive", keepalive, "idle", c.idle)
}

// refreshDeadline arms the transport read deadline with the idle window.
func (c *Connection) refreshDeadline() {
	c.mu.RLock()
	idle := c.idle
	c.mu.RUnlock()

	var expiry time.Time // the zero time disables the deadline.
	if idle > 0 {
		expiry = time.Now().Add(idle)
	}
	c.conn.SetReadDeadline(expiry)
}

// setupInflightResender starts the periodic retransmission of unacked
// in-flight exchanges, replacing nothing: it runs once per connection and
// ends with it.
func (c *Connection) setupInflightResender() {
	go func() {
		t := time.NewTicker(resendInterval)
		defer t.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-t.C:
				c.resendNotAckedPublishes()
			}
		}
	}()
}

// resendNotAckedPublishes nudges the bound session to retransmit every
// unacked in-flight exchange.
func (c *Connection) resendNotAckedPublishes() {
	if s := c.boundSession(); s != nil {
		s.resendInflightNotAcked()
	}
}

// processPublish handles an inbound PUBLISH according to its qos.
func (c *Connection) processPublish(pk packets.Packet) error {
	if rc, err := pk.PublishValidate(); rc != packets.Accepted {
		return err
	}

	if !ValidTopicName(pk.TopicName) {
		c.log.Debug("dropping connection for invalid topic", "client", c.ClientID(), "topic", pk.TopicName)
		c.dropConnection()
		return nil
	}

	username := c.Username()
	clientID := c.ClientID()

	switch pk.FixedHeader.Qos {
	case 0:
		c.postOffice.ReceivedPublishQos0(pk.TopicName, username, clientID, pk)
	case 1:
		// Deliver to subscribers before acknowledging upstream.
		err := c.postOffice.ReceivedPublishQos1(c, pk.TopicName, username, pk.PacketID, pk)
		if err != nil {
			return err
		}
		c.sendPubAck(pk.PacketID)
	case 2:
		if c.boundSession().receivedPublishQos2(pk.PacketID) {
			err := c.postOffice.ReceivedPublishQos2(c, pk, username)
			if err != nil {
				c.boundSession().receivedPubRelQos2(pk.PacketID)
				return err
			}
		}
		// A duplicate delivery re-answers PUBREC without re-routing.
		c.sendPublishReceived(pk.PacketID)
	}

	return nil
}

// processPubRel releases an inbound qos 2 exchange. PUBCOMP is sent even
// for unknown packet ids.
func (c *Connection) processPubRel(pk packets.Packet) error {
	c.boundSession().receivedPubRelQos2(pk.PacketID)
	c.sendPubCompMessage(pk.PacketID)
	return nil
}

// processSubscribe delegates a SUBSCRIBE to the post office, which answers
// with SUBACK through this connection.
func (c *Connection) processSubscribe(pk packets.Packet) error {
	if rc, err := pk.SubscribeValidate(); rc != packets.Accepted {
		return err
	}

	c.postOffice.SubscribeClientToTopics(pk, c.ClientID(), c.Username(), c)
	return nil
}

// processUnsubscribe delegates an UNSUBSCRIBE to the post office, which
// answers with UNSUBACK through this connection.
func (c *Connection) processUnsubscribe(pk packets.Packet) error {
	if rc, err := pk.UnsubscribeValidate(); rc != packets.Accepted {
		return err
	}

	c.log.Debug("processing UNSUBSCRIBE", "client", c.ClientID(), "topics", pk.Topics)
	c.postOffice.Unsubscribe(pk.Topics, c, pk.PacketID)
	return nil
}

// processDisconnect handles a clean client DISCONNECT: the will is
// discarded and the channel closed. Already-disconnected channels ignore it.
func (c *Connection) processDisconnect() error {
	if !c.isConnected() {
		c.log.Info("DISCONNECT received on already closed connection")
		return nil
	}

	atomic.StoreInt32(&c.graceful, 1)
	c.boundSession().disconnect()
	atomic.StoreInt32(&c.connected, 0)
	c.closeTransport()
	c.postOffice.DispatchDisconnection(c.ClientID(), c.Username())

	return nil
}

// handleConnectionLost runs the connection teardown exactly once: the will
// fires unless the close was graceful or a takeover, clean sessions are
// removed, persistent sessions parked.
func (c *Connection) handleConnectionLost() {
	c.lostOnce.Do(func() {
		c.closeTransport()

		c.mu.RLock()
		session := c.session
		clientID := c.clientID
		username := c.username
		c.mu.RUnlock()

		if clientID == "" || session == nil {
			return
		}

		graceful := atomic.LoadInt32(&c.graceful) == 1
		takenOver := atomic.LoadInt32(&c.takenOver) == 1

		c.log.Info("connection lost", "client", clientID, "graceful", graceful, "takeover", takenOver)

		if !graceful && !takenOver && session.hasWill() {
			c.postOffice.FireWill(session.Will())
		}

		if session.Clean() {
			c.registry.Remove(session)
		} else {
			session.disconnect()
		}

		atomic.StoreInt32(&c.connected, 0)

		if !graceful {
			c.postOffice.DispatchConnectionLost(clientID, username)
		}
	})
}

// closeForTakeover is invoked by the registry when a new CONNECT claims
// this connection's client id. The prior connection is torn down to
// completion, with the will suppressed, before the new binding proceeds.
func (c *Connection) closeForTakeover() {
	atomic.StoreInt32(&c.takenOver, 1)
	c.handleConnectionLost()
}

// dropConnection closes the transport without sending anything.
func (c *Connection) dropConnection() {
	c.closeTransport()
}

// closeTransport closes the socket and stops the writer and timers. Safe to
// call multiple times.
func (c *Connection) closeTransport() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		c.writer.stop()
	})
}

// isConnected returns true after the CONNECT handshake has completed.
func (c *Connection) isConnected() bool {
	return atomic.LoadInt32(&c.connected) == 1
}

// boundSession returns the session bound by CONNECT.
func (c *Connection) boundSession() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// ClientID returns the client identifier attached by CONNECT.
func (c *Connection) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// Username returns the username attached by CONNECT.
func (c *Connection) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// RemoteAddr returns the remote address of the transport.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// nextPacketID allocates the next outbound packet id, wrapping 65535 to 1
// and never yielding 0.
func (c *Connection) nextPacketID() uint16 {
	for {
		prev := atomic.LoadUint32(&c.lastPacketID)
		next := prev + 1
		if next > maxPacketID {
			next = 1
		}
		if atomic.CompareAndSwapUint32(&c.lastPacketID, prev, next) {
			return uint16(next)
		}
	}
}

// ensurePacketIDAbove advances the packet id counter past ids still held by
// restored in-flight entries, so fresh allocations cannot collide.
func (c *Connection) ensurePacketIDAbove(id uint16) {
	for {
		prev := atomic.LoadUint32(&c.lastPacketID)
		if prev >= uint32(id) {
			return
		}
		if atomic.CompareAndSwapUint32(&c.lastPacketID, prev, uint32(id)) {
			return
		}
	}
}

// sendIfWritableElseDrop writes a packet if the channel is writable, else
// drops it. Qos > 0 packets dropped here are covered by in-flight tracking
// and the resender.
func (c *Connection) sendIfWritableElseDrop(pk packets.Packet) {
	c.log.Debug("OUT", "type", packets.Names[pk.FixedHeader.Type], "client", c.ClientID())
	if !c.writer.tryWrite(pk, c.opts.ImmediateBufferFlush) {
		c.log.Debug("channel not writable, dropping packet", "type", packets.Names[pk.FixedHeader.Type])
	}
}

// sendPublish writes an outbound PUBLISH under the write policy.
func (c *Connection) sendPublish(pk packets.Packet) {
	c.log.Debug("sending PUBLISH", "qos", pk.FixedHeader.Qos, "id", pk.PacketID, "topic", pk.TopicName)
	c.sendIfWritableElseDrop(pk)
}

// sendPublishRetainedQos0 writes a retained publish at qos 0, which carries
// no packet id.
func (c *Connection) sendPublishRetainedQos0(topic string, qos byte, payload []byte) {
	c.sendPublish(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: qos, Retain: true},
		TopicName:   topic,
		Payload:     payload,
	})
}

// sendPubAck acknowledges an inbound qos 1 publish.
func (c *Connection) sendPubAck(id uint16) {
	c.log.Debug("sending PUBACK", "id", id)
	c.sendIfWritableElseDrop(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Puback},
		PacketID:    id,
	})
}

// sendPublishReceived answers an inbound qos 2 publish with PUBREC.
func (c *Connection) sendPublishReceived(id uint16) {
	c.log.Debug("sending PUBREC", "id", id)
	c.sendIfWritableElseDrop(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
		PacketID:    id,
	})
}

// sendPubRel advances an outbound qos 2 exchange. The PUBREL fixed header
// carries the qos 1 bit pattern required by the protocol.
func (c *Connection) sendPubRel(id uint16) {
	c.log.Debug("sending PUBREL", "id", id)
	c.sendIfWritableElseDrop(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
		PacketID:    id,
	})
}

// sendPubCompMessage completes an inbound qos 2 exchange.
func (c *Connection) sendPubCompMessage(id uint16) {
	c.log.Debug("sending PUBCOMP", "id", id)
	c.sendIfWritableElseDrop(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubcomp},
		PacketID:    id,
	})
}

// sendSubAck answers a SUBSCRIBE with the granted qos codes.
func (c *Connection) sendSubAck(id uint16, codes []byte) {
	c.log.Debug("sending SUBACK", "id", id)
	c.writer.write(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Suback},
		PacketID:    id,
		ReturnCodes: codes,
	}, true, nil)
}

// sendUnsubAck answers an UNSUBSCRIBE.
func (c *Connection) sendUnsubAck(id uint16) {
	c.log.Debug("sending UNSUBACK", "id", id)
	c.writer.write(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsuback},
		PacketID:    id,
	}, true, nil)
}

// writabilityChanged is invoked when the writer queue regains capacity.
func (c *Connection) writabilityChanged() {
	c.log.Debug("channel is again writable", "client", c.ClientID())
	if s := c.boundSession(); s != nil {
		s.writabilityChanged()
	}
}

// readCompleted marks the end of an inbound read batch, flushing writes
// deferred for batching.
func (c *Connection) readCompleted() {
	if s := c.boundSession(); s != nil {
		s.flushAllQueuedMessages()
	}
}

// flush flushes the buffered transport writer.
func (c *Connection) flush() {
	c.writer.flush()
}
