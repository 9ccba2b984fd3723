// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

package listeners

import (
	"errors"
	"sync"
)

// MockListener is a mock listener for testing the broker without a network.
type MockListener struct {
	sync.RWMutex
	id          string
	address     string
	IsListening bool // the listener is listening.
	IsServing   bool // the listener is serving.
	ErrListen   bool // force a listen error for testing.
	done        chan struct{}
	end         *sync.Once
}

// NewMockListener returns a new instance of MockListener.
func NewMockListener(id, address string) *MockListener {
	return &MockListener{
		id:      id,
		address: address,
		done:    make(chan struct{}),
		end:     new(sync.Once),
	}
}

// ID returns the id of the mock listener.
func (l *MockListener) ID() string {
	return l.id
}

// Listen begins listening, or fails if ErrListen is set.
func (l *MockListener) Listen() error {
	if l.ErrListen {
		return errors.New("listen failure")
	}

	l.Lock()
	l.IsListening = true
	l.Unlock()
	return nil
}

// Serve blocks until the mock listener is closed.
func (l *MockListener) Serve(establish EstablishFunc) {
	l.Lock()
	l.IsServing = true
	l.Unlock()

	<-l.done
}

// Close closes the mock listener.
func (l *MockListener) Close(closer CloseFunc) {
	l.end.Do(func() {
		l.Lock()
		l.IsServing = false
		l.Unlock()
		closer(l.id)
		close(l.done)
	})
}
