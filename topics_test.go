package moquette

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IceFoxs/moquette/packets"
)

func TestValidTopicName(t *testing.T) {
	require.True(t, ValidTopicName("a/b/c"))
	require.True(t, ValidTopicName("a"))
	require.False(t, ValidTopicName(""))
	require.False(t, ValidTopicName("a/+/c"))
	require.False(t, ValidTopicName("a/#"))
	require.True(t, ValidTopicName("a b")) // spaces are legal in topic names.
	require.False(t, ValidTopicName("a\x00b"))
}

func TestValidFilter(t *testing.T) {
	require.True(t, ValidFilter("a/b"))
	require.True(t, ValidFilter("a/+/b"))
	require.True(t, ValidFilter("a/#"))
	require.True(t, ValidFilter("#"))
	require.True(t, ValidFilter("+"))
	require.False(t, ValidFilter(""))
	require.False(t, ValidFilter("a/#/b"))
	require.False(t, ValidFilter("a/b#"))
	require.False(t, ValidFilter("a/b+/c"))
}

func retainedPacket(topic string, payload []byte) packets.Packet {
	return packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true},
		TopicName:   topic,
		Payload:     payload,
	}
}

func TestTopicIndexSubscribe(t *testing.T) {
	x := NewTopicIndex()

	require.True(t, x.Subscribe("a/b/c", "c1", 1))
	require.False(t, x.Subscribe("a/b/c", "c1", 2)) // update, not new.
	require.True(t, x.Subscribe("a/+/c", "c2", 0))
	require.True(t, x.Subscribe("a/#", "c3", 2))

	subs := x.Subscribers("a/b/c")
	require.Len(t, subs, 3)
	require.Equal(t, byte(2), subs["c1"])
	require.Equal(t, byte(0), subs["c2"])
	require.Equal(t, byte(2), subs["c3"])

	require.Empty(t, x.Subscribers("d"))
}

func TestTopicIndexHashMatchesParent(t *testing.T) {
	x := NewTopicIndex()
	x.Subscribe("sport/#", "c1", 0)

	require.Len(t, x.Subscribers("sport"), 1)
	require.Len(t, x.Subscribers("sport/tennis/player1"), 1)
}

func TestTopicIndexHighestQosWins(t *testing.T) {
	x := NewTopicIndex()
	x.Subscribe("a/b", "c1", 0)
	x.Subscribe("a/+", "c1", 2)

	subs := x.Subscribers("a/b")
	require.Equal(t, byte(2), subs["c1"])
}

func TestTopicIndexDollarTopicsExcludedFromWildcards(t *testing.T) {
	x := NewTopicIndex()
	x.Subscribe("#", "c1", 0)
	x.Subscribe("+/monitor", "c2", 0)
	x.Subscribe("$SYS/monitor", "c3", 0)

	subs := x.Subscribers("$SYS/monitor")
	require.Len(t, subs, 1)
	require.Contains(t, subs, "c3")
}

func TestTopicIndexUnsubscribe(t *testing.T) {
	x := NewTopicIndex()
	x.Subscribe("a/b/c", "c1", 1)

	require.True(t, x.Unsubscribe("a/b/c", "c1"))
	require.False(t, x.Unsubscribe("a/b/c", "c1"))
	require.False(t, x.Unsubscribe("d/e", "c1"))
	require.Empty(t, x.Subscribers("a/b/c"))

	// The branch is pruned once empty.
	require.Nil(t, x.lookup("a/b/c"))
}

func TestTopicIndexRetainMessage(t *testing.T) {
	x := NewTopicIndex()

	require.Equal(t, int64(1), x.RetainMessage(retainedPacket("a/b", []byte("x"))))

	msgs := x.Messages("a/b")
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("x"), msgs[0].Payload)

	// An empty payload clears the retained message.
	require.Equal(t, int64(-1), x.RetainMessage(retainedPacket("a/b", nil)))
	require.Empty(t, x.Messages("a/b"))

	// Clearing a topic with nothing retained is a no-op.
	require.Equal(t, int64(0), x.RetainMessage(retainedPacket("a/b", nil)))
}

func TestTopicIndexRetainedWildcardMatches(t *testing.T) {
	x := NewTopicIndex()
	x.RetainMessage(retainedPacket("a/b", []byte("1")))
	x.RetainMessage(retainedPacket("a/c/d", []byte("2")))
	x.RetainMessage(retainedPacket("q", []byte("3")))
	x.RetainMessage(retainedPacket("$SYS/x", []byte("4")))

	require.Len(t, x.Messages("a/+"), 1)
	require.Len(t, x.Messages("a/#"), 2)
	require.Len(t, x.Messages("#"), 3) // $SYS topics excluded.
	require.Len(t, x.Messages("a/c/d"), 1)
	require.Empty(t, x.Messages("a/x"))
}

func TestTopicIndexRetainedHashMatchesParent(t *testing.T) {
	x := NewTopicIndex()
	x.RetainMessage(retainedPacket("a", []byte("top")))
	x.RetainMessage(retainedPacket("a/b", []byte("down")))

	require.Len(t, x.Messages("a/#"), 2)
}
