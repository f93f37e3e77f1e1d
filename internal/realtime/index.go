package realtime

import (
	"sort"
	"sync"
)

// TopicIndex maps a topic to the set of connection ids subscribed to it.
// Subscribe and Unsubscribe are idempotent.
type TopicIndex struct {
	mu     sync.RWMutex
	topics map[string]map[string]struct{}
}

func NewTopicIndex() *TopicIndex {
	return &TopicIndex{topics: make(map[string]map[string]struct{})}
}

// Subscribe adds connID to topic and reports whether it was newly added.
func (x *TopicIndex) Subscribe(topic, connID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	set := x.topics[topic]
	if set == nil {
		set = make(map[string]struct{})
		x.topics[topic] = set
	}
	if _, ok := set[connID]; ok {
		return false
	}
	set[connID] = struct{}{}
	return true
}

// Unsubscribe removes connID from topic and reports whether it was present.
func (x *TopicIndex) Unsubscribe(topic, connID string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.removeLocked(topic, connID)
}

// removeLocked drops connID from topic and forgets empty topics; the caller
// holds the write lock.
func (x *TopicIndex) removeLocked(topic, connID string) bool {
	set, ok := x.topics[topic]
	if !ok {
		return false
	}
	if _, ok := set[connID]; !ok {
		return false
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(x.topics, topic)
	}
	return true
}

// RemoveConnection drops connID from every topic and returns how many
// subscriptions were removed. It walks all topics; topic count stays small
// next to connection count.
func (x *TopicIndex) RemoveConnection(connID string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for topic := range x.topics {
		if x.removeLocked(topic, connID) {
			n++
		}
	}
	return n
}

// Subscribers returns the connection ids of topic in sorted order.
func (x *TopicIndex) Subscribers(topic string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	set := x.topics[topic]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsSubscribed reports whether connID is subscribed to topic.
func (x *TopicIndex) IsSubscribed(topic, connID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.topics[topic][connID]
	return ok
}

// TopicsOf lists the topics connID is subscribed to.
func (x *TopicIndex) TopicsOf(connID string) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []string
	for topic, set := range x.topics {
		if _, ok := set[connID]; ok {
			out = append(out, topic)
		}
	}
	sort.Strings(out)
	return out
}

// Counts returns the number of subscribers per topic.
func (x *TopicIndex) Counts() map[string]int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string]int, len(x.topics))
	for topic, set := range x.topics {
		out[topic] = len(set)
	}
	return out
}

// Total returns the number of (connection, topic) pairs.
func (x *TopicIndex) Total() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	n := 0
	for _, set := range x.topics {
		n += len(set)
	}
	return n
}
