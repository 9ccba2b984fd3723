// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

package listeners

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrInvalidMessage indicates a websocket frame was not binary.
	ErrInvalidMessage = errors.New("message type not binary")
)

// Websocket is a listener accepting client connections over websocket
// binary frames. [MQTT-4.2.0-1]
type Websocket struct {
	id        string
	address   string
	listen    *http.Server
	establish EstablishFunc
	upgrader  *websocket.Upgrader
	end       *sync.Once
}

// NewWebsocket returns a new Websocket listener which will listen on an
// address.
func NewWebsocket(id, address string) *Websocket {
	return &Websocket{
		id:      id,
		address: address,
		end:     new(sync.Once),
		upgrader: &websocket.Upgrader{
			Subprotocols: []string{"mqtt"},
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// ID returns the id of the listener.
func (l *Websocket) ID() string {
	return l.id
}

// Listen prepares the http server which upgrades incoming connections.
func (l *Websocket) Listen() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handler)
	l.listen = &http.Server{
		Addr:         l.address,
		Handler:      mux,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return nil
}

// handler upgrades and serves an incoming websocket connection.
func (l *Websocket) handler(w http.ResponseWriter, r *http.Request) {
	c, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer c.Close()

	l.establish(l.id, &wsConn{c.UnderlyingConn(), c})
}

// Serve blocks serving websocket connections until closed.
func (l *Websocket) Serve(establish EstablishFunc) {
	l.establish = establish
	l.listen.ListenAndServe()
}

// Close closes the listener and any client connections.
func (l *Websocket) Close(closeClients CloseFunc) {
	l.end.Do(func() {
		closeClients(l.id)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.listen.Shutdown(ctx)
	})
}

// wsConn is a websocket connection which satisfies the net.Conn interface.
type wsConn struct {
	net.Conn
	c *websocket.Conn
}

// Read reads the next binary frame from the websocket connection.
func (ws *wsConn) Read(p []byte) (int, error) {
	op, r, err := ws.c.NextReader()
	if err != nil {
		return 0, err
	}

	if op != websocket.BinaryMessage {
		return 0, ErrInvalidMessage
	}

	var n, br int
	for {
		br, err = r.Read(p[n:])
		n += br
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return n, err
		}
	}
}

// Write writes bytes to the websocket connection as a binary frame.
func (ws *wsConn) Write(p []byte) (int, error) {
	err := ws.c.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}

	return len(p), nil
}
