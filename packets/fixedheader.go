package packets

import (
	"bytes"
)

// FixedHeader contains the values of the fixed header portion of an MQTT packet.
type FixedHeader struct {
	Type      byte // packet type from bits 7-4 of the first byte.
	Dup       bool // the packet is a re-delivery attempt.
	Qos       byte // quality of service flags.
	Retain    bool // the message should be retained by the broker.
	Remaining int  // number of bytes remaining after the fixed header.
}

// Encode writes the fixed header, including the remaining length, to buf.
func (fh *FixedHeader) Encode(buf *bytes.Buffer) {
	buf.WriteByte(fh.Type<<4 | encodeBool(fh.Dup)<<3 | fh.Qos<<1 | encodeBool(fh.Retain))
	encodeLength(buf, fh.Remaining)
}

// Decode extracts the header flags from the first byte of a packet.
func (fh *FixedHeader) Decode(b byte) error {
	fh.Type = b >> 4
	fh.Dup = (b>>3)&0x01 > 0
	fh.Qos = (b >> 1) & 0x03
	fh.Retain = b&0x01 > 0

	if fh.Qos > 2 {
		return ErrMalformedQoS
	}

	return nil
}

// encodeLength writes a remaining-length value as a variable length int of
// up to four bytes.
func encodeLength(buf *bytes.Buffer, length int) {
	for {
		digit := byte(length % 128)
		length /= 128
		if length > 0 {
			digit |= 0x80
		}
		buf.WriteByte(digit)
		if length == 0 {
			break
		}
	}
}
