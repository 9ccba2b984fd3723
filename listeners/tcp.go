// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

package listeners

import (
	"net"
	"sync"
)

// TCP is a listener accepting client connections on basic TCP.
type TCP struct {
	id       string
	protocol string
	address  string
	listen   net.Listener
	done     chan struct{}
	end      *sync.Once
}

// NewTCP returns a new TCP listener which will listen on an address.
func NewTCP(id, address string) *TCP {
	return &TCP{
		id:       id,
		protocol: "tcp",
		address:  address,
		done:     make(chan struct{}),
		end:      new(sync.Once),
	}
}

// ID returns the id of the listener.
func (l *TCP) ID() string {
	return l.id
}

// Address returns the address the listener is bound to.
func (l *TCP) Address() string {
	if l.listen != nil {
		return l.listen.Addr().String()
	}
	return l.address
}

// Listen starts listening on the network address.
func (l *TCP) Listen() (err error) {
	l.listen, err = net.Listen(l.protocol, l.address)
	return
}

// Serve accepts new TCP connections and hands each to the establish
// callback in its own goroutine.
func (l *TCP) Serve(establish EstablishFunc) {
	for {
		select {
		case <-l.done:
			return
		default:
			conn, err := l.listen.Accept()
			if err != nil {
				select {
				case <-l.done:
					return
				default:
					continue // not interested in broken connections.
				}
			}

			go func() {
				defer conn.Close()
				establish(l.id, conn)
			}()
		}
	}
}

// Close closes the listener and any client connections.
func (l *TCP) Close(closeClients CloseFunc) {
	l.end.Do(func() {
		closeClients(l.id)
		close(l.done)
	})

	if l.listen != nil {
		l.listen.Close()
	}
}
