// Package serialization converts headers, events and snapshot payloads to and
// from the opaque blobs stored by the persistence engine.
package serialization

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Serializer turns values into storage blobs and back.
// Implementations must be safe for concurrent use.
type Serializer interface {
	// Serialize encodes v.
	Serialize(v any) ([]byte, error)

	// Deserialize decodes data into the value pointed to by v.
	Deserialize(data []byte, v any) error
}

// JSON is a Serializer backed by encoding/json.
// Untyped values decode to map[string]any, []any, float64, string and bool.
type JSON struct{}

// Serialize implements Serializer.
func (JSON) Serialize(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json serialize: %w", err)
	}
	return data, nil
}

// Deserialize implements Serializer.
func (JSON) Deserialize(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json deserialize: %w", err)
	}
	return nil
}

// CBOR is a compact binary Serializer.
// Untyped maps decode to map[string]any so results look like JSON's.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR builds a CBOR serializer with canonical encoding.
func NewCBOR() (*CBOR, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor dec mode: %w", err)
	}
	return &CBOR{enc: enc, dec: dec}, nil
}

// Serialize implements Serializer.
func (c *CBOR) Serialize(v any) ([]byte, error) {
	data, err := c.enc.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("cbor serialize: %w", err)
	}
	return data, nil
}

// Deserialize implements Serializer.
func (c *CBOR) Deserialize(data []byte, v any) error {
	if err := c.dec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cbor deserialize: %w", err)
	}
	return nil
}

// ForName returns the serializer registered under name ("json" or "cbor").
func ForName(name string) (Serializer, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "cbor":
		c, err := NewCBOR()
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported serializer %q", name)
	}
}
