// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

// Package storetest exercises a session store implementation against the
// behaviour every backend must share.
package storetest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/IceFoxs/moquette/store"
)

// Exercise runs the shared store conformance checks against an open store.
func Exercise(t *testing.T, s store.Store) {
	t.Helper()

	// Clients.
	require.NoError(t, s.UpsertClient(store.Client{
		ID:          "c1",
		T:           store.ClientKey,
		Username:    "u",
		WillTopic:   "lwt",
		WillPayload: []byte("bye"),
		WillQos:     1,
	}))
	require.NoError(t, s.UpsertClient(store.Client{ID: "c2", T: store.ClientKey}))

	clients, err := s.Clients()
	require.NoError(t, err)
	require.Len(t, clients, 2)

	require.NoError(t, s.DeleteClient("c2"))
	clients, err = s.Clients()
	require.NoError(t, err)
	require.Len(t, clients, 1)
	require.Equal(t, "c1", clients[0].ID)
	require.Equal(t, "lwt", clients[0].WillTopic)

	// Subscriptions.
	require.NoError(t, s.SetSubscription(store.Subscription{
		T:      store.SubscriptionKey,
		Client: "c1",
		Filter: "a/+",
		Qos:    1,
	}))
	subs, err := s.Subscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "a/+", subs[0].Filter)

	require.NoError(t, s.DeleteSubscription("c1", "a/+"))
	subs, err = s.Subscriptions()
	require.NoError(t, err)
	require.Empty(t, subs)

	// In-flight messages.
	require.NoError(t, s.SaveInflight(store.Message{
		T:        store.InflightKey + "1",
		Client:   "c1",
		PacketID: 4,
		Qos:      1,
		Payload:  []byte("x"),
	}))
	inflight, err := s.InflightMessages()
	require.NoError(t, err)
	require.Len(t, inflight, 1)
	require.Equal(t, uint16(4), inflight[0].PacketID)

	require.NoError(t, s.DeleteInflight("c1", 4))
	inflight, err = s.InflightMessages()
	require.NoError(t, err)
	require.Empty(t, inflight)

	// Queued messages.
	require.NoError(t, s.SaveQueued(store.Message{
		T:       store.QueuedKey,
		Client:  "c1",
		Seq:     1,
		Qos:     1,
		Payload: []byte("q"),
	}))
	queued, err := s.QueuedMessages()
	require.NoError(t, err)
	require.Len(t, queued, 1)

	require.NoError(t, s.DeleteQueued("c1", 1))
	queued, err = s.QueuedMessages()
	require.NoError(t, err)
	require.Empty(t, queued)

	// Retained messages.
	require.NoError(t, s.SaveRetained(store.Message{
		T:         store.RetainedKey,
		TopicName: "r/t",
		Payload:   []byte("kept"),
		Retain:    true,
	}))
	retained, err := s.RetainedMessages()
	require.NoError(t, err)
	require.Len(t, retained, 1)
	require.Equal(t, "r/t", retained[0].TopicName)

	require.NoError(t, s.DeleteRetained("r/t"))
	retained, err = s.RetainedMessages()
	require.NoError(t, err)
	require.Empty(t, retained)
}
