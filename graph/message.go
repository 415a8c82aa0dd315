package graph

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Message is the unit of communication between executors. Kind names the
// payload's type and is what handlers and edges dispatch on.
type Message struct {
	Kind    string
	Payload any
}

// Kind binds a message kind name to a Go payload type.
//
//	var Guess = graph.NewKind[int]("guess")
//	msg := Guess.New(50)
//	n, ok := Guess.From(msg)
type Kind[T any] struct {
	name string
}

// NewKind declares a message kind. Two kinds with the same name must carry the
// same payload type within one workflow; Builder.Build rejects conflicts.
func NewKind[T any](name string) Kind[T] {
	return Kind[T]{name: name}
}

// Name returns the kind name.
func (k Kind[T]) Name() string {
	return k.name
}

// New wraps a payload in a message of this kind.
func (k Kind[T]) New(v T) Message {
	return Message{Kind: k.name, Payload: v}
}

// From extracts the payload if m is of this kind and carries the right type.
func (k Kind[T]) From(m Message) (T, bool) {
	var zero T
	if m.Kind != k.name {
		return zero, false
	}
	v, ok := m.Payload.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

func (k Kind[T]) codec() kindCodec {
	return kindCodec{
		name: k.name,
		typ:  reflect.TypeOf((*T)(nil)).Elem(),
		decode: func(raw json.RawMessage) (any, error) {
			var v T
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	}
}

// MessageKind is implemented by every Kind[T]. It lets non-generic code such
// as RouteBuilder.Emits accept kinds of different payload types.
type MessageKind interface {
	Name() string
	codec() kindCodec
}

// kindCodec carries what the engine needs to know about a kind at runtime:
// its payload type for response checks and a decoder for restored messages.
type kindCodec struct {
	name   string
	typ    reflect.Type
	decode func(json.RawMessage) (any, error)
}

func (c kindCodec) accepts(v any) bool {
	if v == nil {
		switch c.typ.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
			return true
		}
		return false
	}
	return reflect.TypeOf(v).AssignableTo(c.typ)
}

func (c kindCodec) typeName() string {
	return c.typ.String()
}

// encodePayload serializes a message payload for a checkpoint.
func encodePayload(m Message) (json.RawMessage, error) {
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %q payload: %w", m.Kind, err)
	}
	return raw, nil
}
