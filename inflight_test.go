// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

package moquette

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IceFoxs/moquette/packets"
)

func TestInflightSetGet(t *testing.T) {
	i := NewInflight()

	r := i.Set(1, InflightMessage{Packet: packets.Packet{PacketID: 1}})
	require.True(t, r)

	r = i.Set(1, InflightMessage{Packet: packets.Packet{PacketID: 1}, Phase: PhasePubrelSent})
	require.False(t, r)

	in, ok := i.Get(1)
	require.True(t, ok)
	require.Equal(t, PhasePubrelSent, in.Phase)

	_, ok = i.Get(2)
	require.False(t, ok)
}

func TestInflightLenDelete(t *testing.T) {
	i := NewInflight()
	i.Set(1, InflightMessage{})
	i.Set(2, InflightMessage{})
	require.Equal(t, 2, i.Len())

	require.True(t, i.Delete(1))
	require.False(t, i.Delete(1))
	require.Equal(t, 1, i.Len())
}

func TestInflightGetAllOrdered(t *testing.T) {
	i := NewInflight()
	i.Set(5, InflightMessage{Packet: packets.Packet{PacketID: 5}})
	i.Set(2, InflightMessage{Packet: packets.Packet{PacketID: 2}})
	i.Set(9, InflightMessage{Packet: packets.Packet{PacketID: 9}})

	// Updating an entry keeps its original position.
	i.Set(5, InflightMessage{Packet: packets.Packet{PacketID: 5}, Phase: PhasePubrelSent})

	all := i.GetAll()
	require.Len(t, all, 3)
	require.Equal(t, uint16(5), all[0].Packet.PacketID)
	require.Equal(t, uint16(2), all[1].Packet.PacketID)
	require.Equal(t, uint16(9), all[2].Packet.PacketID)
}

func TestPacketIDSet(t *testing.T) {
	s := newPacketIDSet()

	require.True(t, s.Add(7))
	require.False(t, s.Add(7))
	require.True(t, s.Contains(7))
	require.Equal(t, 1, s.Len())

	require.True(t, s.Delete(7))
	require.False(t, s.Delete(7))
	require.False(t, s.Contains(7))
	require.Equal(t, 0, s.Len())
}
