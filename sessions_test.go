package moquette

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IceFoxs/moquette/packets"
	"github.com/IceFoxs/moquette/store"
)

func TestRegistryCreateNew(t *testing.T) {
	r := NewSessionRegistry(testLogger())

	res, err := r.CreateOrReopen(connectPacket("c1", true), "c1", "")
	require.NoError(t, err)
	require.Equal(t, CreateNew, res.Mode)
	require.False(t, res.AlreadyStored)
	require.Equal(t, SessionConnecting, res.Session.State())
	require.Equal(t, 1, r.Len())
}

func TestRegistryReopenExisting(t *testing.T) {
	r := NewSessionRegistry(testLogger())

	res, err := r.CreateOrReopen(connectPacket("c1", false), "c1", "")
	require.NoError(t, err)
	require.True(t, res.Session.completeConnection())
	res.Session.disconnect() // park it.

	res2, err := r.CreateOrReopen(connectPacket("c1", false), "c1", "")
	require.NoError(t, err)
	require.Equal(t, ReopenExisting, res2.Mode)
	require.True(t, res2.AlreadyStored)
	require.Same(t, res.Session, res2.Session)
	require.Equal(t, SessionConnecting, res2.Session.State())
}

func TestRegistryDropExistingReopen(t *testing.T) {
	r := NewSessionRegistry(testLogger())

	res, err := r.CreateOrReopen(connectPacket("c1", false), "c1", "")
	require.NoError(t, err)
	old := res.Session
	require.True(t, old.completeConnection())
	old.disconnect()
	old.inflightQos1.Set(1, InflightMessage{Packet: packets.Packet{PacketID: 1}})

	var dropped string
	r.onSessionDropped = func(id string) { dropped = id }

	res2, err := r.CreateOrReopen(connectPacket("c1", true), "c1", "")
	require.NoError(t, err)
	require.Equal(t, DropExistingReopen, res2.Mode)
	require.True(t, res2.AlreadyStored)
	require.NotSame(t, old, res2.Session)
	require.Equal(t, SessionDestroyed, old.State())
	require.Equal(t, "c1", dropped)
	require.Equal(t, 0, res2.Session.inflightQos1.Len())
}

func TestRegistryCorruptedOnConnectingReopen(t *testing.T) {
	r := NewSessionRegistry(testLogger())

	res, err := r.CreateOrReopen(connectPacket("c1", false), "c1", "")
	require.NoError(t, err)

	// The existing session is mid-handshake with no bound connection yet;
	// the competing bind cannot be reconciled.
	require.Equal(t, SessionConnecting, res.Session.State())
	_, err = r.CreateOrReopen(connectPacket("c1", false), "c1", "")
	require.ErrorIs(t, err, ErrSessionCorrupted)
}

func TestRegistryRemove(t *testing.T) {
	r := NewSessionRegistry(testLogger())

	res, err := r.CreateOrReopen(connectPacket("c1", true), "c1", "")
	require.NoError(t, err)

	r.Remove(res.Session)
	require.Equal(t, 0, r.Len())
	require.Equal(t, SessionDestroyed, res.Session.State())

	_, ok := r.Get("c1")
	require.False(t, ok)

	// Removing twice is harmless.
	r.Remove(res.Session)
}

func TestRegistryRestore(t *testing.T) {
	r := NewSessionRegistry(testLogger())

	r.restore(
		[]store.Client{
			{ID: "c1", Username: "u", WillTopic: "lwt", WillPayload: []byte("bye"), WillQos: 1},
		},
		[]store.Message{
			{T: store.InflightKey + "1", Client: "c1", PacketID: 2, TopicName: "a", Payload: []byte("x"), Qos: 1},
			{T: store.InflightKey + "2", Client: "c1", PacketID: 3, TopicName: "b", Qos: 2, Phase: PhasePubrelSent},
			{T: store.InflightKey + "1", Client: "zz", PacketID: 4}, // unknown client, skipped.
		},
		[]store.Message{
			{T: store.QueuedKey, Client: "c1", Seq: 2, TopicName: "q", Payload: []byte("two"), Qos: 1},
			{T: store.QueuedKey, Client: "c1", Seq: 1, TopicName: "q", Payload: []byte("one"), Qos: 1},
		},
	)

	s, ok := r.Get("c1")
	require.True(t, ok)
	require.Equal(t, SessionDisconnected, s.State())
	require.True(t, s.hasWill())

	require.Equal(t, 1, s.inflightQos1.Len())
	require.Equal(t, 1, s.inflightQos2.Len())

	in, ok := s.inflightQos2.Get(3)
	require.True(t, ok)
	require.Equal(t, PhasePubrelSent, in.Phase)

	// Queued messages are restored in sequence order.
	require.Len(t, s.offline, 2)
	require.Equal(t, []byte("one"), s.offline[0].pk.Payload)
	require.Equal(t, []byte("two"), s.offline[1].pk.Payload)
}
