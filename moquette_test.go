package moquette

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IceFoxs/moquette/listeners"
	"github.com/IceFoxs/moquette/packets"
)

// testLogger discards all output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestBroker returns a permissive broker suitable for most tests.
func newTestBroker() *Broker {
	return New(&Options{
		AllowAnonymous:        true,
		AllowZeroByteClientID: true,
		ImmediateBufferFlush:  true,
		Logger:                testLogger(),
	})
}

// testClient is the client half of an in-memory transport speaking MQTT to
// a broker connection.
type testClient struct {
	conn net.Conn
	r    *packets.Reader
}

// dial connects a test client to the broker over an in-memory pipe.
func dial(b *Broker) *testClient {
	server, client := net.Pipe()
	go b.EstablishConnection("test", server)
	return &testClient{
		conn: client,
		r:    packets.NewReader(client),
	}
}

// send encodes and writes a packet to the broker.
func (c *testClient) send(t *testing.T, pk packets.Packet) {
	t.Helper()
	buf := new(bytes.Buffer)
	require.NoError(t, pk.Encode(buf))
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := c.conn.Write(buf.Bytes())
	require.NoError(t, err)
}

// read returns the next packet from the broker.
func (c *testClient) read(t *testing.T) packets.Packet {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pk, err := c.r.ReadPacket()
	require.NoError(t, err)
	return pk
}

// readErr expects the connection to yield no packet.
func (c *testClient) readErr(t *testing.T) error {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
	_, err := c.r.ReadPacket()
	require.Error(t, err)
	return err
}

// close abruptly closes the client half of the transport.
func (c *testClient) close() {
	c.conn.Close()
}

// connectPacket returns a CONNECT packet with common defaults.
func connectPacket(clientID string, clean bool) packets.Packet {
	return packets.Packet{
		FixedHeader:   packets.FixedHeader{Type: packets.Connect},
		ProtocolName:  []byte("MQTT"),
		ProtocolLevel: packets.Protocol311,
		ClientID:      clientID,
		CleanSession:  clean,
		Keepalive:     30,
	}
}

// connect performs a CONNECT handshake, asserting the expected return code
// and session present flag.
func (c *testClient) connect(t *testing.T, pk packets.Packet, code byte, sessionPresent bool) {
	t.Helper()
	c.send(t, pk)
	ack := c.read(t)
	require.Equal(t, packets.Connack, ack.FixedHeader.Type)
	require.Equal(t, code, ack.ReturnCode)
	require.Equal(t, sessionPresent, ack.SessionPresent)
}

// subscribe subscribes to a single filter, asserting the granted qos.
func (c *testClient) subscribe(t *testing.T, id uint16, filter string, qos byte) {
	t.Helper()
	c.send(t, packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe},
		PacketID:    id,
		Topics:      []string{filter},
		Qoss:        []byte{qos},
	})
	ack := c.read(t)
	require.Equal(t, packets.Suback, ack.FixedHeader.Type)
	require.Equal(t, id, ack.PacketID)
	require.Equal(t, []byte{qos}, ack.ReturnCodes)
}

func TestNewBrokerDefaults(t *testing.T) {
	b := New(nil)
	require.NotNil(t, b.opts.Logger)
	require.NotNil(t, b.opts.Auth)
	require.IsType(t, new(AllowAll), b.opts.Auth)
	require.NotNil(t, b.registry)
	require.NotNil(t, b.topics)
}

func TestAddListener(t *testing.T) {
	b := newTestBroker()
	err := b.AddListener(listeners.NewMockListener("m1", ":1883"))
	require.NoError(t, err)

	err = b.AddListener(listeners.NewMockListener("m1", ":1884"))
	require.Equal(t, ErrListenerIDExists, err)
}

func TestServeAndClose(t *testing.T) {
	b := newTestBroker()
	m := listeners.NewMockListener("m1", ":1883")
	require.NoError(t, b.AddListener(m))
	require.NoError(t, b.Serve())
	require.Eventually(t, func() bool {
		m.RLock()
		defer m.RUnlock()
		return m.IsServing
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close())
}

func TestEstablishConnectionEndToEnd(t *testing.T) {
	b := newTestBroker()
	cl := dial(b)
	defer cl.close()

	cl.connect(t, connectPacket("c1", true), packets.Accepted, false)

	s, ok := b.Registry().Get("c1")
	require.True(t, ok)
	// The session turns connected once the CONNACK write has completed.
	require.Eventually(t, func() bool {
		return s.State() == SessionConnected
	}, time.Second, 5*time.Millisecond)
}
