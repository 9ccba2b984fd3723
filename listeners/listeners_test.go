// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

package listeners

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestListenersAddGetDelete(t *testing.T) {
	l := New()
	require.Equal(t, 0, l.Len())

	l.Add(NewMockListener("m1", ":1883"))
	require.Equal(t, 1, l.Len())

	val, ok := l.Get("m1")
	require.True(t, ok)
	require.Equal(t, "m1", val.ID())

	l.Delete("m1")
	require.Equal(t, 0, l.Len())
	_, ok = l.Get("m1")
	require.False(t, ok)
}

func TestListenersServeAllCloseAll(t *testing.T) {
	l := New()
	m1 := NewMockListener("m1", ":1883")
	m2 := NewMockListener("m2", ":1884")
	l.Add(m1)
	l.Add(m2)

	l.ServeAll(MockEstablisher)
	require.Eventually(t, func() bool {
		m1.RLock()
		defer m1.RUnlock()
		return m1.IsServing
	}, time.Second, 5*time.Millisecond)

	closed := make(map[string]bool)
	l.CloseAll(func(id string) { closed[id] = true })
	require.True(t, closed["m1"])
	require.True(t, closed["m2"])
}

func TestMockListener(t *testing.T) {
	m := NewMockListener("m1", ":1883")
	require.Equal(t, "m1", m.ID())
	require.NoError(t, m.Listen())
	require.True(t, m.IsListening)

	m.ErrListen = true
	require.Error(t, m.Listen())
}

func TestTCPListener(t *testing.T) {
	l := NewTCP("t1", "127.0.0.1:0")
	require.Equal(t, "t1", l.ID())
	require.NoError(t, l.Listen())

	established := make(chan string, 1)
	go l.Serve(func(id string, c net.Conn) error {
		established <- id
		<-make(chan struct{}) // hold the connection open.
		return nil
	})

	conn, err := net.Dial("tcp", l.Address())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case id := <-established:
		require.Equal(t, "t1", id)
	case <-time.After(time.Second):
		t.Fatal("connection was not established")
	}

	l.Close(MockCloser)
}

func TestTCPListenerBadAddress(t *testing.T) {
	l := NewTCP("t1", "nope:nope")
	require.Error(t, l.Listen())
}
