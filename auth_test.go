// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

package moquette

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowAll(t *testing.T) {
	a := new(AllowAll)
	require.True(t, a.CheckValid("c1", "anyone", nil))
}

func TestRStringMatches(t *testing.T) {
	require.True(t, RString("").Matches("anything"))
	require.True(t, RString("*").Matches("anything"))
	require.True(t, RString("exact").Matches("exact"))
	require.True(t, RString("pre*").Matches("prefix"))
	require.False(t, RString("exact").Matches("other"))
	require.False(t, RString("pre*").Matches("pr"))
}

func TestLedgerUsers(t *testing.T) {
	l := &Ledger{
		Users: Users{
			"alice": {Password: "secret"},
			"bob":   {Password: "hunter2", Disallow: true},
		},
	}

	require.True(t, l.CheckValid("c1", "alice", []byte("secret")))
	require.False(t, l.CheckValid("c1", "alice", []byte("wrong")))
	require.False(t, l.CheckValid("c1", "bob", []byte("hunter2")))
	require.False(t, l.CheckValid("c1", "carol", []byte("secret")))
}

func TestLedgerAuthRules(t *testing.T) {
	l := &Ledger{
		Auth: AuthRules{
			{Client: "banned", Allow: false},
			{Username: "svc-*", Password: "token", Allow: true},
			{Client: "local-*", Allow: true},
		},
	}

	require.False(t, l.CheckValid("banned", "svc-a", []byte("token")))
	require.True(t, l.CheckValid("c1", "svc-metrics", []byte("token")))
	require.True(t, l.CheckValid("local-7", "", nil))
	require.False(t, l.CheckValid("c1", "other", []byte("nope")))
}

func TestLedgerUnmarshalYAML(t *testing.T) {
	data := []byte(`
users:
  alice:
    password: secret
auth:
  - username: svc-*
    allow: true
`)

	l := new(Ledger)
	require.NoError(t, l.Unmarshal(data))
	require.True(t, l.CheckValid("c1", "alice", []byte("secret")))
	require.True(t, l.CheckValid("c1", "svc-a", []byte("x")))
}

func TestLedgerUnmarshalJSON(t *testing.T) {
	data := []byte(`{"auth": [{"client": "c1", "allow": true}]}`)

	l := new(Ledger)
	require.NoError(t, l.Unmarshal(data))
	require.True(t, l.CheckValid("c1", "", nil))
	require.False(t, l.CheckValid("c2", "", nil))
}

func TestLedgerRoundTrip(t *testing.T) {
	l := &Ledger{
		Users: Users{"u": {Password: "p"}},
	}

	j, err := l.ToJSON()
	require.NoError(t, err)
	lj := new(Ledger)
	require.NoError(t, lj.Unmarshal(j))
	require.True(t, lj.CheckValid("c", "u", []byte("p")))

	y, err := l.ToYAML()
	require.NoError(t, err)
	ly := new(Ledger)
	require.NoError(t, ly.Unmarshal(y))
	require.True(t, ly.CheckValid("c", "u", []byte("p")))
}
