// Package message defines the bus message exchanged between gateway modules
// and the broker: opaque byte content plus an immutable property snapshot.
package message

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"slices"
)

// ErrEmptyKey is returned when a property key is empty.
var ErrEmptyKey = errors.New("message: empty property key")

// Properties is an immutable string-keyed property snapshot. The zero value
// is an empty snapshot.
type Properties struct {
	m map[string]string
}

// NewProperties snapshots m. Later changes to m are not observed.
func NewProperties(m map[string]string) (Properties, error) {
	for k := range m {
		if k == "" {
			return Properties{}, ErrEmptyKey
		}
	}
	return Properties{m: maps.Clone(m)}, nil
}

// Get returns the value for key.
func (p Properties) Get(key string) (string, bool) {
	v, ok := p.m[key]
	return v, ok
}

// Has reports whether key is present.
func (p Properties) Has(key string) bool {
	_, ok := p.m[key]
	return ok
}

// Len returns the number of properties.
func (p Properties) Len() int {
	return len(p.m)
}

// Keys returns the property keys in sorted order.
func (p Properties) Keys() []string {
	return slices.Sorted(maps.Keys(p.m))
}

// All iterates over the properties in unspecified order.
func (p Properties) All() iter.Seq2[string, string] {
	return maps.All(p.m)
}

// Mutable returns a copy of the properties that the caller may modify.
func (p Properties) Mutable() map[string]string {
	out := make(map[string]string, len(p.m))
	maps.Copy(out, p.m)
	return out
}

// Message is an immutable bus message.
type Message struct {
	content    []byte
	properties Properties
}

// New builds a message. content is copied.
func New(content []byte, properties Properties) *Message {
	return &Message{
		content:    slices.Clone(content),
		properties: properties,
	}
}

// NewWithProperties builds a message from a mutable property map.
func NewWithProperties(content []byte, props map[string]string) (*Message, error) {
	p, err := NewProperties(props)
	if err != nil {
		return nil, fmt.Errorf("building message: %w", err)
	}
	return New(content, p), nil
}

// Content returns the message bytes. Callers must not modify them.
func (m *Message) Content() []byte {
	return m.content
}

// Properties returns the property snapshot.
func (m *Message) Properties() Properties {
	return m.properties
}

// Property is a shorthand for Properties().Get(key).
func (m *Message) Property(key string) (string, bool) {
	return m.properties.Get(key)
}

// Clone returns an independent copy of the message.
func (m *Message) Clone() *Message {
	return New(m.content, m.properties)
}

// Receiver consumes messages delivered by a broker.
type Receiver interface {
	Receive(msg *Message)
}
