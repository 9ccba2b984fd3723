// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

// Package store defines the session persistence contract of the broker and
// the storable record types shared by its backends.
package store

import (
	"encoding/json"
	"errors"
	"strconv"
)

// Record key prefixes, shared by all key-value backends.
const (
	ClientKey       = "CL"  // unique key prefix for client records
	SubscriptionKey = "SUB" // unique key prefix for subscription records
	InflightKey     = "IFM" // unique key prefix for in-flight messages
	QueuedKey       = "QUE" // unique key prefix for queued offline messages
	RetainedKey     = "RET" // unique key prefix for retained messages
)

var (
	// ErrDBNotOpen indicates the backing database wasn't open for access.
	ErrDBNotOpen = errors.New("db not open")
)

// Store persists session state for non-clean sessions across broker
// restarts: client records, subscriptions, in-flight exchanges, queued
// offline messages and retained messages.
type Store interface {
	Open() error
	Close() error

	UpsertClient(c Client) error
	DeleteClient(id string) error
	Clients() ([]Client, error)

	SetSubscription(s Subscription) error
	DeleteSubscription(clientID, filter string) error
	Subscriptions() ([]Subscription, error)

	SaveInflight(m Message) error
	DeleteInflight(clientID string, packetID uint16) error
	InflightMessages() ([]Message, error)

	SaveQueued(m Message) error
	DeleteQueued(clientID string, seq uint64) error
	QueuedMessages() ([]Message, error)

	SaveRetained(m Message) error
	DeleteRetained(topic string) error
	RetainedMessages() ([]Message, error)
}

// ClientStoreKey returns a primary key for a client record.
func ClientStoreKey(id string) string {
	return ClientKey + "_" + id
}

// SubscriptionStoreKey returns a primary key for a subscription record.
func SubscriptionStoreKey(clientID, filter string) string {
	return SubscriptionKey + "_" + clientID + ":" + filter
}

// InflightStoreKey returns a primary key for an in-flight message.
func InflightStoreKey(clientID string, packetID uint16) string {
	return InflightKey + "_" + clientID + ":" + strconv.FormatUint(uint64(packetID), 10)
}

// QueuedStoreKey returns a primary key for a queued offline message.
func QueuedStoreKey(clientID string, seq uint64) string {
	return QueuedKey + "_" + clientID + ":" + strconv.FormatUint(seq, 10)
}

// RetainedStoreKey returns a primary key for a retained message.
func RetainedStoreKey(topic string) string {
	return RetainedKey + "_" + topic
}

// Serializable is an interface for objects that can be serialized and
// deserialized for storage.
type Serializable interface {
	MarshalBinary() (data []byte, err error)
	UnmarshalBinary([]byte) error
}

// Client is a storable representation of a persistent session's identity.
type Client struct {
	ID            string `json:"id"`                      // the client id / storage key
	T             string `json:"t"`                       // the data type (client)
	Username      string `json:"username,omitempty"`      // the username the client authenticated with
	Clean         bool   `json:"clean"`                   // whether the client requested a clean session
	ProtocolLevel byte   `json:"protocolLevel,omitempty"` // mqtt protocol level of the client
	WillTopic     string `json:"willTopic,omitempty"`     // will topic, if a will is set
	WillPayload   []byte `json:"willPayload,omitempty"`   // will payload, if a will is set
	WillQos       byte   `json:"willQos,omitempty"`       // will qos
	WillRetain    bool   `json:"willRetain,omitempty"`    // will retain flag
}

// MarshalBinary encodes the values into a json string.
func (d Client) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Client) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Subscription is a storable representation of a client subscription.
type Subscription struct {
	T      string `json:"t,omitempty"`      // the data type (subscription)
	Client string `json:"client,omitempty"` // the subscribing client id
	Filter string `json:"filter"`           // the subscription filter
	Qos    byte   `json:"qos"`              // the granted qos
}

// MarshalBinary encodes the values into a json string.
func (d Subscription) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Subscription) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Message is a storable representation of a publish message, used for
// in-flight exchanges, queued offline messages and retained messages.
type Message struct {
	T         string `json:"t,omitempty"`         // the data type
	Client    string `json:"client,omitempty"`    // the client id the message is for
	TopicName string `json:"topicName,omitempty"` // the topic of the message
	Payload   []byte `json:"payload"`             // the message payload
	Qos       byte   `json:"qos"`                 // the delivery qos
	Retain    bool   `json:"retain,omitempty"`    // the retain flag
	Dup       bool   `json:"dup,omitempty"`       // the duplicate delivery flag
	PacketID  uint16 `json:"packetId,omitempty"`  // the packet id (if in-flight)
	Phase     byte   `json:"phase,omitempty"`     // the qos 2 delivery phase (if in-flight)
	Seq       uint64 `json:"seq,omitempty"`       // the queue position (if queued)
	Sent      int64  `json:"sent,omitempty"`      // the send time recorded with the in-flight entry, in unixtime (if in-flight)
}

// MarshalBinary encodes the values into a json string.
func (d Message) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Message) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}
