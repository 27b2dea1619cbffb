// Package codec turns opaque message payloads into typed values and back.
package codec

import (
	"errors"
	"fmt"
	"strings"
)

// Content types carried by the built-in codecs.
const (
	ContentTypeJSON  = "application/json"
	ContentTypeCBOR  = "application/cbor"
	ContentTypeProto = "application/x-protobuf"
)

var (
	// ErrUnknownCodec is returned by Lookup for names nothing is registered under.
	ErrUnknownCodec = errors.New("unknown codec")
	// ErrTypedOnly is returned when a codec can only decode generated message
	// types and the caller needs to decode into plain Go values.
	ErrTypedOnly = errors.New("codec needs a generated message type")
)

// Codec decodes topic payloads into the values a subscription hands out.
// Marshal is the inverse used by publishers.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Registry resolves codec names from configuration and HTTP requests.
type Registry struct {
	byType  map[string]Codec
	aliases map[string]string
}

// NewRegistry returns a registry holding the JSON, CBOR and Protobuf codecs
// under their content types and short names.
func NewRegistry() (*Registry, error) {
	r := &Registry{byType: make(map[string]Codec), aliases: make(map[string]string)}
	r.Register(JSON(), "json")
	r.Register(Proto(), "proto", "protobuf")
	c, err := CBOR()
	if err != nil {
		return nil, fmt.Errorf("init cbor codec: %w", err)
	}
	r.Register(c, "cbor")
	return r, nil
}

// Register adds c under its content type plus aliases. A later registration
// for the same content type replaces the earlier one.
func (r *Registry) Register(c Codec, aliases ...string) {
	r.byType[c.ContentType()] = c
	for _, a := range aliases {
		r.aliases[strings.ToLower(a)] = c.ContentType()
	}
}

// Get returns the codec registered for contentType, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// Lookup resolves a content type or alias, ignoring case and surrounding space.
func (r *Registry) Lookup(name string) (Codec, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if c, ok := r.byType[key]; ok {
		return c, nil
	}
	if ct, ok := r.aliases[key]; ok {
		return r.byType[ct], nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownCodec, name)
}

// Untyped resolves name like Lookup but rejects codecs that cannot decode into
// map[string]any, which is what the node's logging handlers use.
func (r *Registry) Untyped(name string) (Codec, error) {
	c, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}
	if c.ContentType() == ContentTypeProto {
		return nil, fmt.Errorf("%q: %w", name, ErrTypedOnly)
	}
	return c, nil
}
