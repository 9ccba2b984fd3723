// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

package store

// KV is the key-value surface a storage backend must provide. Keys are
// prefixed strings; values are serialized records.
type KV interface {
	SetKV(k string, v Serializable) error
	DelKV(k string) error
	IterKV(prefix string, visit func(value []byte) error) error
}

// Records implements the record-level Store operations over a KV backend.
// Backends embed it and provide only the kv primitives plus Open/Close.
type Records struct {
	KV KV
}

// UpsertClient writes a client record.
func (r Records) UpsertClient(c Client) error {
	return r.KV.SetKV(ClientStoreKey(c.ID), &c)
}

// DeleteClient removes a client record.
func (r Records) DeleteClient(id string) error {
	return r.KV.DelKV(ClientStoreKey(id))
}

// Clients returns all stored client records.
func (r Records) Clients() (v []Client, err error) {
	err = r.KV.IterKV(ClientKey+"_", func(value []byte) error {
		obj := Client{}
		if err := obj.UnmarshalBinary(value); err != nil {
			return err
		}
		v = append(v, obj)
		return nil
	})
	return
}

// SetSubscription writes a subscription record.
func (r Records) SetSubscription(s Subscription) error {
	return r.KV.SetKV(SubscriptionStoreKey(s.Client, s.Filter), &s)
}

// DeleteSubscription removes a subscription record.
func (r Records) DeleteSubscription(clientID, filter string) error {
	return r.KV.DelKV(SubscriptionStoreKey(clientID, filter))
}

// Subscriptions returns all stored subscription records.
func (r Records) Subscriptions() (v []Subscription, err error) {
	err = r.KV.IterKV(SubscriptionKey+"_", func(value []byte) error {
		obj := Subscription{}
		if err := obj.UnmarshalBinary(value); err != nil {
			return err
		}
		v = append(v, obj)
		return nil
	})
	return
}

// SaveInflight writes an in-flight message record.
func (r Records) SaveInflight(m Message) error {
	return r.KV.SetKV(InflightStoreKey(m.Client, m.PacketID), &m)
}

// DeleteInflight removes an in-flight message record.
func (r Records) DeleteInflight(clientID string, packetID uint16) error {
	return r.KV.DelKV(InflightStoreKey(clientID, packetID))
}

// InflightMessages returns all stored in-flight message records.
func (r Records) InflightMessages() ([]Message, error) {
	return r.iterMessages(InflightKey + "_")
}

// SaveQueued writes a queued offline message record.
func (r Records) SaveQueued(m Message) error {
	return r.KV.SetKV(QueuedStoreKey(m.Client, m.Seq), &m)
}

// DeleteQueued removes a queued offline message record.
func (r Records) DeleteQueued(clientID string, seq uint64) error {
	return r.KV.DelKV(QueuedStoreKey(clientID, seq))
}

// QueuedMessages returns all stored queued message records.
func (r Records) QueuedMessages() ([]Message, error) {
	return r.iterMessages(QueuedKey + "_")
}

// SaveRetained writes a retained message record.
func (r Records) SaveRetained(m Message) error {
	return r.KV.SetKV(RetainedStoreKey(m.TopicName), &m)
}

// DeleteRetained removes a retained message record.
func (r Records) DeleteRetained(topic string) error {
	return r.KV.DelKV(RetainedStoreKey(topic))
}

// RetainedMessages returns all stored retained message records.
func (r Records) RetainedMessages() ([]Message, error) {
	return r.iterMessages(RetainedKey + "_")
}

// iterMessages collects every message record under a key prefix.
func (r Records) iterMessages(prefix string) (v []Message, err error) {
	err = r.KV.IterKV(prefix, func(value []byte) error {
		obj := Message{}
		if err := obj.UnmarshalBinary(value); err != nil {
			return err
		}
		v = append(v, obj)
		return nil
	})
	return
}
