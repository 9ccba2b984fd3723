package moquette

import (
	"strings"
	"sync"

	"github.com/IceFoxs/moquette/packets"
)

// Subscriptions is a map of granted qos values keyed on client id.
type Subscriptions map[string]byte

// ValidTopicName returns true if topic is a legal name for a PUBLISH packet:
// not empty, free of wildcard characters and NUL bytes.
func ValidTopicName(topic string) bool {
	if len(topic) == 0 || len(topic) > 65535 {
		return false
	}

	return !strings.ContainsAny(topic, "+#\x00")
}

// ValidFilter returns true if filter is a legal subscription filter: not
// empty, with + alone in its level and # alone in the final level only.
func ValidFilter(filter string) bool {
	if len(filter) == 0 || len(filter) > 65535 || strings.ContainsRune(filter, '\x00') {
		return false
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if level == "+" {
			continue
		}
		if level == "#" {
			return i == len(levels)-1
		}
		if strings.ContainsAny(level, "+#") {
			return false
		}
	}

	return true
}

// TopicIndex is a prefix tree of topic subscribers and retained messages.
type TopicIndex struct {
	mu   sync.RWMutex
	root *topicNode
}

// topicNode is a child node on the tree.
type topicNode struct {
	key      string                // the topic level that keys this node.
	parent   *topicNode            // the parent node.
	children map[string]*topicNode // child nodes, keyed on topic level.
	clients  map[string]byte       // client ids subscribed here, with granted qos.
	retained packets.Packet        // the retained message for the topic, if any.
}

func newTopicNode(key string, parent *topicNode) *topicNode {
	return &topicNode{
		key:      key,
		parent:   parent,
		children: make(map[string]*topicNode),
		clients:  make(map[string]byte),
	}
}

// NewTopicIndex returns a pointer to a new instance of TopicIndex.
func NewTopicIndex() *TopicIndex {
	return &TopicIndex{
		root: newTopicNode("", nil),
	}
}

// Subscribe records a subscription filter for a client. Returns true if the
// subscription was new.
func (x *TopicIndex) Subscribe(filter, client string, qos byte) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	n := x.walk(filter)
	_, ok := n.clients[client]
	n.clients[client] = qos

	return !ok
}

// Unsubscribe removes a subscription filter for a client. Returns true if
// the subscription existed.
func (x *TopicIndex) Unsubscribe(filter, client string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	n := x.lookup(filter)
	if n == nil {
		return false
	}

	_, ok := n.clients[client]
	delete(n.clients, client)
	x.prune(n)

	return ok
}

// RetainMessage stores a message payload at the end of a topic branch. An
// empty payload clears the retained message. Returns 1 if a message was
// added, -1 if an existing message was removed, else 0.
func (x *TopicIndex) RetainMessage(pk packets.Packet) int64 {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(pk.Payload) > 0 {
		n := x.walk(pk.TopicName)
		n.retained = pk
		return 1
	}

	n := x.lookup(pk.TopicName)
	if n == nil {
		return 0
	}

	var r int64
	if n.retained.FixedHeader.Retain {
		r = -1
	}
	n.retained = packets.Packet{}
	x.prune(n)

	return r
}

// Subscribers returns the clients with filters matching a topic, each with
// the highest granted qos of their matching filters.
func (x *TopicIndex) Subscribers(topic string) Subscriptions {
	x.mu.RLock()
	defer x.mu.RUnlock()

	subs := make(Subscriptions)
	x.root.scanSubscribers(strings.Split(topic, "/"), 0, subs)
	return subs
}

// Messages returns the retained messages matching a subscription filter.
func (x *TopicIndex) Messages(filter string) []packets.Packet {
	x.mu.RLock()
	defer x.mu.RUnlock()

	return x.root.scanRetained(strings.Split(filter, "/"), 0, make([]packets.Packet, 0, 8))
}

// walk descends a topic path, instantiating nodes as it goes, and returns
// the final node in the branch.
func (x *TopicIndex) walk(topic string) *topicNode {
	n := x.root
	for _, level := range strings.Split(topic, "/") {
		child, ok := n.children[level]
		if !ok {
			child = newTopicNode(level, n)
			n.children[level] = child
		}
		n = child
	}

	return n
}

// lookup descends a topic path without modifying the tree. Returns nil if
// the branch does not exist.
func (x *TopicIndex) lookup(topic string) *topicNode {
	n := x.root
	for _, level := range strings.Split(topic, "/") {
		n = n.children[level]
		if n == nil {
			return nil
		}
	}

	return n
}

// prune steps backward from a node removing orphaned branches.
func (x *TopicIndex) prune(n *topicNode) {
	for n.parent != nil {
		parent := n.parent
		if len(n.clients) == 0 && len(n.children) == 0 && !n.retained.FixedHeader.Retain {
			delete(parent.children, n.key)
		}
		n = parent
	}
}

// scanSubscribers recursively matches a topic against the branch, collecting
// clients with the highest granted qos of any matching filter.
func (n *topicNode) scanSubscribers(levels []string, d int, subs Subscriptions) {
	if d == len(levels) {
		n.gatherClients(subs)
		// path/# also matches the parent path itself.
		if child, ok := n.children["#"]; ok {
			child.gatherClients(subs)
		}
		return
	}

	for _, key := range []string{levels[d], "+", "#"} {
		// Filters beginning with a wildcard do not match topics that
		// begin with the reserved $ character.
		if d == 0 && len(levels[0]) > 0 && levels[0][0] == '$' && (key == "+" || key == "#") {
			continue
		}

		if child, ok := n.children[key]; ok {
			if key == "#" {
				child.gatherClients(subs)
			} else {
				child.scanSubscribers(levels, d+1, subs)
			}
		}
	}
}

// gatherClients merges a node's clients into subs, keeping the highest qos.
func (n *topicNode) gatherClients(subs Subscriptions) {
	for client, qos := range n.clients {
		if ex, ok := subs[client]; !ok || ex < qos {
			subs[client] = qos
		}
	}
}

// scanRetained recursively matches a filter against the branch collecting
// retained messages. d == -1 collects every message below the node.
func (n *topicNode) scanRetained(levels []string, d int, msgs []packets.Packet) []packets.Packet {
	if d == -1 {
		for _, child := range n.children {
			if child.retained.FixedHeader.Retain {
				msgs = append(msgs, child.retained)
			}
			msgs = child.scanRetained(levels, -1, msgs)
		}
		return msgs
	}

	if d == len(levels) {
		if n.retained.FixedHeader.Retain {
			msgs = append(msgs, n.retained)
		}
		return msgs
	}

	switch levels[d] {
	case "#":
		// path/# also matches the parent path itself.
		if n.retained.FixedHeader.Retain {
			msgs = append(msgs, n.retained)
		}
		for _, child := range n.children {
			if d == 0 && len(child.key) > 0 && child.key[0] == '$' {
				continue
			}
			if child.retained.FixedHeader.Retain {
				msgs = append(msgs, child.retained)
			}
			msgs = child.scanRetained(levels, -1, msgs)
		}
	case "+":
		for _, child := range n.children {
			if d == 0 && len(child.key) > 0 && child.key[0] == '$' {
				continue
			}
			msgs = child.scanRetained(levels, d+1, msgs)
		}
	default:
		if child, ok := n.children[levels[d]]; ok {
			msgs = child.scanRetained(levels, d+1, msgs)
		}
	}

	return msgs
}
