package packets

import (
	"bytes"
	"errors"
	"fmt"
)

// All of the valid packet types and their packet identifiers.
const (
	Reserved    byte = iota
	Connect          // 1
	Connack          // 2
	Publish          // 3
	Puback           // 4
	Pubrec           // 5
	Pubrel           // 6
	Pubcomp          // 7
	Subscribe        // 8
	Suback           // 9
	Unsubscribe      // 10
	Unsuback         // 11
	Pingreq          // 12
	Pingresp         // 13
	Disconnect       // 14
)

// Names provides human-readable names for the different packet types.
var Names = map[byte]string{
	0:  "RESERVED",
	1:  "CONNECT",
	2:  "CONNACK",
	3:  "PUBLISH",
	4:  "PUBACK",
	5:  "PUBREC",
	6:  "PUBREL",
	7:  "PUBCOMP",
	8:  "SUBSCRIBE",
	9:  "SUBACK",
	10: "UNSUBSCRIBE",
	11: "UNSUBACK",
	12: "PINGREQ",
	13: "PINGRESP",
	14: "DISCONNECT",
}

// Supported protocol levels of the CONNECT variable header.
const (
	Protocol31  byte = 3 // MQTT 3.1 (MQIsdp)
	Protocol311 byte = 4 // MQTT 3.1.1
	Protocol5   byte = 5 // MQTT 5; only the CONNECT variant byte is honoured.
)

var (
	// CONNECT
	ErrMalformedProtocolName  = errors.New("malformed packet: protocol name")
	ErrMalformedProtocolLevel = errors.New("malformed packet: protocol level")
	ErrMalformedFlags         = errors.New("malformed packet: flags")
	ErrMalformedKeepalive     = errors.New("malformed packet: keepalive")
	ErrMalformedClientID      = errors.New("malformed packet: client id")
	ErrMalformedProperties    = errors.New("malformed packet: properties")
	ErrMalformedWillTopic     = errors.New("malformed packet: will topic")
	ErrMalformedWillMessage   = errors.New("malformed packet: will message")
	ErrMalformedUsername      = errors.New("malformed packet: username")
	ErrMalformedPassword      = errors.New("malformed packet: password")

	// CONNACK
	ErrMalformedSessionPresent = errors.New("malformed packet: session present")
	ErrMalformedReturnCode     = errors.New("malformed packet: return code")

	// PUBLISH
	ErrMalformedTopic    = errors.New("malformed packet: topic name")
	ErrMalformedPacketID = errors.New("malformed packet: packet id")

	// SUBSCRIBE
	ErrMalformedQoS = errors.New("malformed packet: qos")

	// General
	ErrProtocolViolation        = errors.New("protocol violation")
	ErrOversizedLengthIndicator = errors.New("protocol violation: oversized length indicator")
	ErrMissingPacketID          = errors.New("missing packet id")
	ErrSurplusPacketID          = errors.New("surplus packet id")
	ErrNoValidPacketAvailable   = errors.New("no valid packet available")
)

// Packet is an MQTT control packet. A single concrete struct covers every
// packet type; which fields are meaningful depends on FixedHeader.Type.
type Packet struct {
	FixedHeader    FixedHeader
	ProtocolName   []byte   // CONNECT protocol name (MQIsdp or MQTT).
	ProtocolLevel  byte     // CONNECT protocol level (3, 4 or 5).
	ClientID       string   // CONNECT client identifier.
	Keepalive      uint16   // CONNECT keepalive interval in seconds.
	Username       []byte   // CONNECT username, if UsernameFlag.
	Password       []byte   // CONNECT password, if PasswordFlag.
	WillTopic      string   // CONNECT will topic, if WillFlag.
	WillMessage    []byte   // CONNECT will payload, if WillFlag.
	WillQos        byte     // CONNECT will qos.
	CleanSession   bool     // CONNECT clean session flag.
	WillFlag       bool     // CONNECT will flag.
	WillRetain     bool     // CONNECT will retain flag.
	UsernameFlag   bool     // CONNECT username flag.
	PasswordFlag   bool     // CONNECT password flag.
	ReservedBit    byte     // CONNECT reserved flag bit, must be 0.
	SessionPresent bool     // CONNACK session present bit.
	ReturnCode     byte     // CONNACK return code.
	TopicName      string   // PUBLISH topic.
	Payload        []byte   // PUBLISH payload.
	PacketID       uint16   // packet identifier for id-bearing packets.
	Topics         []string // SUBSCRIBE/UNSUBSCRIBE topic filters.
	Qoss           []byte   // SUBSCRIBE requested qos per filter.
	ReturnCodes    []byte   // SUBACK granted qos per filter.
}

// Encode encodes the packet onto buf, dispatching on the fixed header type.
func (pk *Packet) Encode(buf *bytes.Buffer) error {
	switch pk.FixedHeader.Type {
	case Connect:
		return pk.encodeConnect(buf)
	case Connack:
		return pk.encodeConnack(buf)
	case Publish:
		return pk.encodePublish(buf)
	case Puback, Pubrec, Pubrel, Pubcomp, Unsuback:
		return pk.encodeID(buf)
	case Subscribe:
		return pk.encodeSubscribe(buf)
	case Suback:
		return pk.encodeSuback(buf)
	case Unsubscribe:
		return pk.encodeUnsubscribe(buf)
	case Pingreq, Pingresp, Disconnect:
		pk.FixedHeader.Remaining = 0
		pk.FixedHeader.Encode(buf)
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrNoValidPacketAvailable, pk.FixedHeader.Type)
	}
}

// Decode decodes the remaining bytes of a packet whose fixed header has
// already been read, dispatching on the fixed header type.
func (pk *Packet) Decode(buf []byte) error {
	switch pk.FixedHeader.Type {
	case Connect:
		return pk.decodeConnect(buf)
	case Connack:
		return pk.decodeConnack(buf)
	case Publish:
		return pk.decodePublish(buf)
	case Puback, Pubrec, Pubrel, Pubcomp, Unsuback:
		return pk.decodeID(buf)
	case Subscribe:
		return pk.decodeSubscribe(buf)
	case Suback:
		return pk.decodeSuback(buf)
	case Unsubscribe:
		return pk.decodeUnsubscribe(buf)
	case Pingreq, Pingresp, Disconnect:
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrNoValidPacketAvailable, pk.FixedHeader.Type)
	}
}

func (pk *Packet) encodeConnect(buf *bytes.Buffer) error {
	protoName := encodeBytes(pk.ProtocolName)
	flags := encodeBool(pk.CleanSession)<<1 |
		encodeBool(pk.WillFlag)<<2 |
		pk.WillQos<<3 |
		encodeBool(pk.WillRetain)<<5 |
		encodeBool(pk.PasswordFlag)<<6 |
		encodeBool(pk.UsernameFlag)<<7
	keepalive := encodeUint16(pk.Keepalive)
	clientID := encodeString(pk.ClientID)

	// A protocol level 5 variable header carries a properties block; the
	// codec emits empty blocks, matching its skip-on-decode behaviour.
	var props, willProps []byte
	if pk.ProtocolLevel == Protocol5 {
		props = []byte{0}
		if pk.WillFlag {
			willProps = []byte{0}
		}
	}

	var will, username, password []byte
	if pk.WillFlag {
		will = append(encodeString(pk.WillTopic), encodeBytes(pk.WillMessage)...)
	}
	if pk.UsernameFlag {
		username = encodeBytes(pk.Username)
	}
	if pk.PasswordFlag {
		password = encodeBytes(pk.Password)
	}

	pk.FixedHeader.Remaining = len(protoName) + 1 + 1 + len(keepalive) +
		len(props) + len(clientID) + len(willProps) + len(will) +
		len(username) + len(password)
	pk.FixedHeader.Encode(buf)
	buf.Write(protoName)
	buf.WriteByte(pk.ProtocolLevel)
	buf.WriteByte(flags)
	buf.Write(keepalive)
	buf.Write(props)
	buf.Write(clientID)
	buf.Write(willProps)
	buf.Write(will)
	buf.Write(username)
	buf.Write(password)

	return nil
}

func (pk *Packet) decodeConnect(buf []byte) error {
	var offset int
	var err error

	pk.ProtocolName, offset, err = decodeBytes(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedProtocolName)
	}

	pk.ProtocolLevel, offset, err = decodeByte(buf, offset)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedProtocolLevel)
	}

	flags, offset, err := decodeByte(buf, offset)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedFlags)
	}
	pk.ReservedBit = 1 & flags
	pk.CleanSession = 1&(flags>>1) > 0
	pk.WillFlag = 1&(flags>>2) > 0
	pk.WillQos = 3 & (flags >> 3)
	pk.WillRetain = 1&(flags>>5) > 0
	pk.PasswordFlag = 1&(flags>>6) > 0
	pk.UsernameFlag = 1&(flags>>7) > 0

	pk.Keepalive, offset, err = decodeUint16(buf, offset)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedKeepalive)
	}

	// An MQTT 5 variable header carries a properties block before the
	// payload. Only the CONNECT variant byte is honoured; the properties
	// themselves are skipped.
	if pk.ProtocolLevel == Protocol5 {
		offset, err = skipProperties(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedProperties)
		}
	}

	pk.ClientID, offset, err = decodeString(buf, offset)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedClientID)
	}

	if pk.WillFlag {
		if pk.ProtocolLevel == Protocol5 {
			offset, err = skipProperties(buf, offset)
			if err != nil {
				return fmt.Errorf("%s: %w", err, ErrMalformedProperties)
			}
		}

		pk.WillTopic, offset, err = decodeString(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedWillTopic)
		}

		pk.WillMessage, offset, err = decodeBytes(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedWillMessage)
		}
	}

	if pk.UsernameFlag {
		pk.Username, offset, err = decodeBytes(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedUsername)
		}
	}

	if pk.PasswordFlag {
		pk.Password, _, err = decodeBytes(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedPassword)
		}
	}

	return nil
}

// ConnectValidate ensures the CONNECT packet is compliant with the parts of
// the protocol the codec is responsible for. Identifier and credential
// policy belong to the connection handshake, not the codec.
func (pk *Packet) ConnectValidate() (byte, error) {
	if !bytes.Equal(pk.ProtocolName, []byte("MQIsdp")) && !bytes.Equal(pk.ProtocolName, []byte("MQTT")) {
		return CodeConnectBadProtocolVersion, ErrProtocolViolation
	}

	if bytes.Equal(pk.ProtocolName, []byte("MQIsdp")) && pk.ProtocolLevel != Protocol31 {
		return CodeConnectBadProtocolVersion, ErrProtocolViolation
	}

	if bytes.Equal(pk.ProtocolName, []byte("MQTT")) && pk.ProtocolLevel != Protocol311 && pk.ProtocolLevel != Protocol5 {
		return CodeConnectBadProtocolVersion, ErrProtocolViolation
	}

	if pk.ReservedBit != 0 {
		return CodeConnectProtocolViolation, ErrProtocolViolation
	}

	if pk.PasswordFlag && !pk.UsernameFlag {
		return CodeConnectProtocolViolation, ErrProtocolViolation
	}

	if len(pk.ClientID) > 65535 || len(pk.Username) > 65535 || len(pk.Password) > 65535 {
		return CodeConnectProtocolViolation, ErrProtocolViolation
	}

	return Accepted, nil
}

func (pk *Packet) encodeConnack(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 2
	pk.FixedHeader.Encode(buf)
	buf.WriteByte(encodeBool(pk.SessionPresent))
	buf.WriteByte(pk.ReturnCode)
	return nil
}

func (pk *Packet) decodeConnack(buf []byte) error {
	var offset int
	var err error

	pk.SessionPresent, offset, err = decodeByteBool(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedSessionPresent)
	}

	pk.ReturnCode, _, err = decodeByte(buf, offset)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedReturnCode)
	}

	return nil
}

func (pk *Packet) encodePublish(buf *bytes.Buffer) error {
	topicName := encodeString(pk.TopicName)

	var packetID []byte
	if pk.FixedHeader.Qos > 0 {
		// [MQTT-2.3.1-1] a qos > 0 PUBLISH must carry a non-zero packet id.
		if pk.PacketID == 0 {
			return ErrMissingPacketID
		}
		packetID = encodeUint16(pk.PacketID)
	}

	pk.FixedHeader.Remaining = len(topicName) + len(packetID) + len(pk.Payload)
	pk.FixedHeader.Encode(buf)
	buf.Write(topicName)
	buf.Write(packetID)
	buf.Write(pk.Payload)

	return nil
}

func (pk *Packet) decodePublish(buf []byte) error {
	var offset int
	var err error

	pk.TopicName, offset, err = decodeString(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedTopic)
	}

	if pk.FixedHeader.Qos > 0 {
		pk.PacketID, offset, err = decodeUint16(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedPacketID)
		}
	}

	pk.Payload = buf[offset:]

	return nil
}

// PublishValidate checks the packet id rules for a PUBLISH packet.
func (pk *Packet) PublishValidate() (byte, error) {
	if pk.FixedHeader.Qos > 0 && pk.PacketID == 0 {
		return Failed, ErrMissingPacketID
	}

	if pk.FixedHeader.Qos == 0 && pk.PacketID > 0 {
		return Failed, ErrSurplusPacketID
	}

	return Accepted, nil
}

// PublishCopy returns a publish packet bearing the same topic and an owned
// copy of the payload, with a cleared header ready to inherit new qos flags.
// The copy holds no reference to the read buffer it was decoded from.
func (pk *Packet) PublishCopy() Packet {
	return Packet{
		FixedHeader: FixedHeader{
			Type:   Publish,
			Retain: pk.FixedHeader.Retain,
		},
		TopicName: pk.TopicName,
		Payload:   append([]byte{}, pk.Payload...),
	}
}

// encodeID covers the acknowledgement packets whose variable header is just
// a packet identifier (PUBACK, PUBREC, PUBREL, PUBCOMP, UNSUBACK).
func (pk *Packet) encodeID(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 2
	pk.FixedHeader.Encode(buf)
	buf.Write(encodeUint16(pk.PacketID))
	return nil
}

func (pk *Packet) decodeID(buf []byte) error {
	var err error
	pk.PacketID, _, err = decodeUint16(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedPacketID)
	}
	return nil
}

func (pk *Packet) encodeSubscribe(buf *bytes.Buffer) error {
	if pk.PacketID == 0 {
		return ErrMissingPacketID
	}

	var topicsLen int
	for _, topic := range pk.Topics {
		topicsLen += len(encodeString(topic)) + 1
	}

	pk.FixedHeader.Remaining = 2 + topicsLen
	pk.FixedHeader.Encode(buf)
	buf.Write(encodeUint16(pk.PacketID))
	for i, topic := range pk.Topics {
		buf.Write(encodeString(topic))
		buf.WriteByte(pk.Qoss[i])
	}

	return nil
}

func (pk *Packet) decodeSubscribe(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedPacketID)
	}

	for offset < len(buf) {
		var topic string
		topic, offset, err = decodeString(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedTopic)
		}
		pk.Topics = append(pk.Topics, topic)

		var qos byte
		qos, offset, err = decodeByte(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedQoS)
		}
		if qos > 2 {
			return ErrMalformedQoS
		}
		pk.Qoss = append(pk.Qoss, qos)
	}

	return nil
}

// SubscribeValidate ensures the SUBSCRIBE packet carries a packet id.
func (pk *Packet) SubscribeValidate() (byte, error) {
	if pk.PacketID == 0 {
		return Failed, ErrMissingPacketID
	}
	return Accepted, nil
}

func (pk *Packet) encodeSuback(buf *bytes.Buffer) error {
	pk.FixedHeader.Remaining = 2 + len(pk.ReturnCodes)
	pk.FixedHeader.Encode(buf)
	buf.Write(encodeUint16(pk.PacketID))
	buf.Write(pk.ReturnCodes)
	return nil
}

func (pk *Packet) decodeSuback(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedPacketID)
	}

	pk.ReturnCodes = buf[offset:]

	return nil
}

func (pk *Packet) encodeUnsubscribe(buf *bytes.Buffer) error {
	if pk.PacketID == 0 {
		return ErrMissingPacketID
	}

	var topicsLen int
	for _, topic := range pk.Topics {
		topicsLen += len(encodeString(topic))
	}

	pk.FixedHeader.Remaining = 2 + topicsLen
	pk.FixedHeader.Encode(buf)
	buf.Write(encodeUint16(pk.PacketID))
	for _, topic := range pk.Topics {
		buf.Write(encodeString(topic))
	}

	return nil
}

func (pk *Packet) decodeUnsubscribe(buf []byte) error {
	var offset int
	var err error

	pk.PacketID, offset, err = decodeUint16(buf, 0)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrMalformedPacketID)
	}

	for offset < len(buf) {
		var topic string
		topic, offset, err = decodeString(buf, offset)
		if err != nil {
			return fmt.Errorf("%s: %w", err, ErrMalformedTopic)
		}
		if len(topic) > 0 {
			pk.Topics = append(pk.Topics, topic)
		}
	}

	return nil
}

// UnsubscribeValidate ensures the UNSUBSCRIBE packet carries a packet id.
func (pk *Packet) UnsubscribeValidate() (byte, error) {
	if pk.PacketID == 0 {
		return Failed, ErrMissingPacketID
	}
	return Accepted, nil
}
