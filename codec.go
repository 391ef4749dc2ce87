package xdispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Codec encodes message payload and metadata for a gateway's wire format.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default codec.
type JSONCodec struct{}

func (JSONCodec) Name() string                    { return "json" }
func (JSONCodec) ContentType() string             { return "application/json" }
func (JSONCodec) Marshal(v any) ([]byte, error)   { return json.Marshal(v) }
func (JSONCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// ErrUnknownCodec is returned by LookupCodec for unregistered names.
var ErrUnknownCodec = errors.New("xdispatch: unknown codec")

var codecs = struct {
	sync.RWMutex
	byName map[string]Codec
}{byName: map[string]Codec{"json": JSONCodec{}}}

// RegisterCodec makes c available to gateways and builders under c.Name().
// Registering a second codec under a taken name is an error.
func RegisterCodec(c Codec) error {
	if c == nil || c.Name() == "" {
		return errors.New("xdispatch: codec must be non-nil and named")
	}
	codecs.Lock()
	defer codecs.Unlock()
	if _, taken := codecs.byName[c.Name()]; taken {
		return fmt.Errorf("xdispatch: codec %q already registered", c.Name())
	}
	codecs.byName[c.Name()] = c
	return nil
}

// LookupCodec returns the codec registered under name. An empty name selects
// JSON.
func LookupCodec(name string) (Codec, error) {
	if name == "" {
		name = "json"
	}
	codecs.RLock()
	c, ok := codecs.byName[name]
	codecs.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
	return c, nil
}

// Codecs lists the registered codec names, sorted.
func Codecs() []string {
	codecs.RLock()
	defer codecs.RUnlock()
	names := make([]string, 0, len(codecs.byName))
	for n := range codecs.byName {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// DecodePayload converts msg.Payload into T through c. A nil codec means JSON.
func DecodePayload[T any](c Codec, msg *Message) (T, error) {
	var v T
	if c == nil {
		c = JSONCodec{}
	}
	b, err := c.Marshal(msg.Payload)
	if err != nil {
		return v, fmt.Errorf("xdispatch: encode payload of %s: %w", msg.ID, err)
	}
	if err := c.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("xdispatch: decode payload of %s into %T: %w", msg.ID, v, err)
	}
	return v, nil
}
