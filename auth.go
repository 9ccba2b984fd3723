// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

package moquette

import (
	"encoding/json"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Authenticator validates the credentials presented by a CONNECT packet.
type Authenticator interface {
	// CheckValid returns true if the client may connect with the given
	// identifier, username and password. A nil password indicates the
	// client supplied a username without a password.
	CheckValid(clientID, username string, password []byte) bool
}

// AllowAll is an authenticator which accepts any credentials.
type AllowAll struct{}

// CheckValid returns true for all credentials.
func (a *AllowAll) CheckValid(clientID, username string, password []byte) bool {
	return true
}

// Users contains a map of access rules for specific users, keyed on username.
type Users map[string]UserRule

// UserRule defines the credentials of a specific user.
type UserRule struct {
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Password RString `json:"password,omitempty" yaml:"password,omitempty"` // the password of a user
	Disallow bool    `json:"disallow,omitempty" yaml:"disallow,omitempty"` // allow or disallow the user
}

// AuthRules defines generic access rules applicable to all users.
type AuthRules []AuthRule

// AuthRule matches a connecting client against credential patterns.
type AuthRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`     // the id of a connecting client
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Password RString `json:"password,omitempty" yaml:"password,omitempty"` // the password of a user
	Allow    bool    `json:"allow,omitempty" yaml:"allow,omitempty"`       // allow or disallow the users
}

// RString is a rule value string.
type RString string

// Matches returns true if the rule matches a given string.
func (r RString) Matches(a string) bool {
	rr := string(r)
	if r == "" || r == "*" || a == rr {
		return true
	}

	i := strings.Index(rr, "*")
	if i > 0 && len(a) > i && strings.Compare(rr[:i], a[:i]) == 0 {
		return true
	}

	return false
}

// Ledger is an authenticator containing access rules for users.
type Ledger struct {
	sync.Mutex `json:"-" yaml:"-"`
	Users      Users     `json:"users" yaml:"users"`
	Auth       AuthRules `json:"auth" yaml:"auth"`
}

// CheckValid returns true if the ledger rules permit the credentials.
func (l *Ledger) CheckValid(clientID, username string, password []byte) bool {
	// If the users map is set, always check for a predefined user first
	// instead of iterating through the generic rules.
	if l.Users != nil {
		if u, ok := l.Users[username]; ok &&
			u.Password != "" &&
			u.Password == RString(password) {
			return !u.Disallow
		}
	}

	for _, rule := range l.Auth {
		if rule.Client.Matches(clientID) &&
			rule.Username.Matches(username) &&
			rule.Password.Matches(string(password)) {
			return rule.Allow
		}
	}

	return false
}

// Update updates the internal values of the ledger.
func (l *Ledger) Update(ln *Ledger) {
	l.Lock()
	defer l.Unlock()
	l.Users = ln.Users
	l.Auth = ln.Auth
}

// ToJSON encodes the values into a JSON string.
func (l *Ledger) ToJSON() (data []byte, err error) {
	return json.Marshal(l)
}

// ToYAML encodes the values into a YAML string.
func (l *Ledger) ToYAML() (data []byte, err error) {
	return yaml.Marshal(l)
}

// Unmarshal decodes a JSON or YAML rule config into the ledger.
func (l *Ledger) Unmarshal(data []byte) error {
	l.Lock()
	defer l.Unlock()
	if len(data) == 0 {
		return nil
	}

	if data[0] == '{' {
		return json.Unmarshal(data, l)
	}

	return yaml.Unmarshal(data, l)
}
