package packets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReaderFramesMultiplePackets(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, (&Packet{
		FixedHeader: FixedHeader{Type: Publish},
		TopicName:   "a",
		Payload:     []byte("one"),
	}).Encode(buf))
	require.NoError(t, (&Packet{
		FixedHeader: FixedHeader{Type: Pingreq},
	}).Encode(buf))
	require.NoError(t, (&Packet{
		FixedHeader: FixedHeader{Type: Puback},
		PacketID:    3,
	}).Encode(buf))

	r := NewReader(buf)

	pk, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, Publish, pk.FixedHeader.Type)
	require.Equal(t, []byte("one"), pk.Payload)

	pk, err = r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, Pingreq, pk.FixedHeader.Type)

	pk, err = r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, Puback, pk.FixedHeader.Type)
	require.Equal(t, uint16(3), pk.PacketID)

	_, err = r.ReadPacket()
	require.Error(t, err) // stream exhausted.
}

func TestReaderMultiByteRemainingLength(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 321)
	buf := new(bytes.Buffer)
	require.NoError(t, (&Packet{
		FixedHeader: FixedHeader{Type: Publish},
		TopicName:   "big",
		Payload:     payload,
	}).Encode(buf))

	// The remaining length must have needed two bytes.
	require.True(t, buf.Bytes()[1] >= 0x80)

	r := NewReader(buf)
	pk, err := r.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, payload, pk.Payload)
}

func TestReaderOversizedLengthIndicator(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{Publish << 4, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}))
	_, err := r.ReadPacket()
	require.ErrorIs(t, err, ErrOversizedLengthIndicator)
}

func TestReaderPayloadOwned(t *testing.T) {
	buf := new(bytes.Buffer)
	require.NoError(t, (&Packet{
		FixedHeader: FixedHeader{Type: Publish},
		TopicName:   "a",
		Payload:     []byte("first"),
	}).Encode(buf))
	require.NoError(t, (&Packet{
		FixedHeader: FixedHeader{Type: Publish},
		TopicName:   "a",
		Payload:     []byte("second"),
	}).Encode(buf))

	r := NewReader(buf)
	one, err := r.ReadPacket()
	require.NoError(t, err)
	two, err := r.ReadPacket()
	require.NoError(t, err)

	// Decoding the second packet must not alias the first packet's bytes.
	require.Equal(t, []byte("first"), one.Payload)
	require.Equal(t, []byte("second"), two.Payload)
}

func TestFixedHeaderDecodeFlags(t *testing.T) {
	fh := new(FixedHeader)
	require.NoError(t, fh.Decode(Publish<<4|1<<3|1<<1|1))
	require.Equal(t, Publish, fh.Type)
	require.True(t, fh.Dup)
	require.Equal(t, byte(1), fh.Qos)
	require.True(t, fh.Retain)

	require.ErrorIs(t, fh.Decode(Publish<<4|3<<1), ErrMalformedQoS)
}

func TestCodecDecodeErrors(t *testing.T) {
	_, _, err := decodeUint16([]byte{1}, 0)
	require.ErrorIs(t, err, ErrOffsetUintOutOfRange)

	_, _, err = decodeByte(nil, 0)
	require.ErrorIs(t, err, ErrOffsetByteOutOfRange)

	_, _, err = decodeBytes([]byte{0, 5, 'a'}, 0)
	require.ErrorIs(t, err, ErrOffsetBytesOutOfRange)

	_, _, err = decodeString([]byte{0, 2, 0xC3, 0x28}, 0)
	require.ErrorIs(t, err, ErrOffsetStrInvalidUTF8)
}
