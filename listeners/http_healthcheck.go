// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

package listeners

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// HTTPHealthCheck is a listener providing an HTTP healthcheck endpoint.
type HTTPHealthCheck struct {
	id      string
	address string
	listen  *http.Server
	end     *sync.Once
}

// NewHTTPHealthCheck returns a new HTTP healthcheck listener which will
// listen on an address.
func NewHTTPHealthCheck(id, address string) *HTTPHealthCheck {
	return &HTTPHealthCheck{
		id:      id,
		address: address,
		end:     new(sync.Once),
	}
}

// ID returns the id of the listener.
func (l *HTTPHealthCheck) ID() string {
	return l.id
}

// Listen prepares the http server.
func (l *HTTPHealthCheck) Listen() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})

	l.listen = &http.Server{
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		Addr:         l.address,
		Handler:      mux,
	}

	return nil
}

// Serve blocks serving healthcheck responses until closed.
func (l *HTTPHealthCheck) Serve(establish EstablishFunc) {
	l.listen.ListenAndServe()
}

// Close closes the listener.
func (l *HTTPHealthCheck) Close(closeClients CloseFunc) {
	l.end.Do(func() {
		closeClients(l.id)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.listen.Shutdown(ctx)
	})
}
