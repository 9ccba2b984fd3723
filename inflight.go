// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

package moquette

import (
	"sort"
	"sync"

	"github.com/IceFoxs/moquette/packets"
)

// Delivery phases of an outbound qos 2 exchange.
const (
	PhasePublished  byte = iota // PUBLISH written, awaiting PUBREC.
	PhasePubrelSent             // PUBREL written, awaiting PUBCOMP.
)

// InflightMessage contains data about a packet which is currently in-flight.
type InflightMessage struct {
	Packet packets.Packet // the packet currently in-flight.
	Phase  byte           // the qos 2 delivery phase, if applicable.
	Sent   int64          // when the entry was recorded (first send, or PUBREL phase), in unixtime; resends leave it unchanged.
	seq    uint64         // allocation order, for resend ordering.
}

// Inflight is a map of InflightMessage keyed on packet id.
type Inflight struct {
	sync.RWMutex
	internal map[uint16]InflightMessage
	seq      uint64
}

// NewInflight returns a new instance of an Inflight messages map.
func NewInflight() *Inflight {
	return &Inflight{
		internal: make(map[uint16]InflightMessage),
	}
}

// Set adds or updates an in-flight message keyed on packet id. Returns true
// if the message was new.
func (i *Inflight) Set(id uint16, in InflightMessage) bool {
	i.Lock()
	defer i.Unlock()

	prev, ok := i.internal[id]
	if ok {
		in.seq = prev.seq
	} else {
		i.seq++
		in.seq = i.seq
	}
	i.internal[id] = in

	return !ok
}

// Get returns an in-flight message by packet id.
func (i *Inflight) Get(id uint16) (InflightMessage, bool) {
	i.RLock()
	defer i.RUnlock()

	val, ok := i.internal[id]
	return val, ok
}

// Len returns the size of the in-flight messages map.
func (i *Inflight) Len() int {
	i.RLock()
	defer i.RUnlock()
	return len(i.internal)
}

// GetAll returns all in-flight messages in allocation order.
func (i *Inflight) GetAll() []InflightMessage {
	i.RLock()
	defer i.RUnlock()

	m := make([]InflightMessage, 0, len(i.internal))
	for _, v := range i.internal {
		m = append(m, v)
	}

	sort.Slice(m, func(a, b int) bool {
		return m[a].seq < m[b].seq
	})

	return m
}

// Delete removes an in-flight message from the map. Returns true if the
// message existed.
func (i *Inflight) Delete(id uint16) bool {
	i.Lock()
	defer i.Unlock()

	_, ok := i.internal[id]
	delete(i.internal, id)

	return ok
}

// packetIDSet tracks the inbound qos 2 packet ids which have been received
// but not yet released, for exactly-once dedup.
type packetIDSet struct {
	sync.RWMutex
	internal map[uint16]struct{}
}

func newPacketIDSet() *packetIDSet {
	return &packetIDSet{
		internal: make(map[uint16]struct{}),
	}
}

// Add inserts a packet id. Returns true if the id was not already present.
func (s *packetIDSet) Add(id uint16) bool {
	s.Lock()
	defer s.Unlock()

	_, ok := s.internal[id]
	s.internal[id] = struct{}{}
	return !ok
}

// Contains returns true if the id is present.
func (s *packetIDSet) Contains(id uint16) bool {
	s.RLock()
	defer s.RUnlock()

	_, ok := s.internal[id]
	return ok
}

// Delete removes a packet id. Returns true if the id existed.
func (s *packetIDSet) Delete(id uint16) bool {
	s.Lock()
	defer s.Unlock()

	_, ok := s.internal[id]
	delete(s.internal, id)
	return ok
}

// Len returns the number of tracked ids.
func (s *packetIDSet) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}
