package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/frame.schema.json
var frameSchema string

// Codec converts frames to and from one wire representation. A connection
// picks its codec from the first frame it sends: text frames use JSON,
// binary frames use CBOR.
type Codec interface {
	Name() string
	Binary() bool
	Encode(Frame) ([]byte, error)
	Decode([]byte) (Frame, error)
}

// JSONCodec validates every decoded frame against the embedded schema.
type JSONCodec struct {
	schema *jsonschema.Schema
}

func NewJSONCodec() (*JSONCodec, error) {
	s, err := jsonschema.CompileString("frame.schema.json", frameSchema)
	if err != nil {
		return nil, fmt.Errorf("compile frame schema: %w", err)
	}
	return &JSONCodec{schema: s}, nil
}

func (c *JSONCodec) Name() string { return "json" }
func (c *JSONCodec) Binary() bool { return false }

func (c *JSONCodec) Encode(f Frame) ([]byte, error) {
	return json.Marshal(f)
}

func (c *JSONCodec) Decode(b []byte) (Frame, error) {
	var raw any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Frame{}, fmt.Errorf("decode json frame: %w", err)
	}
	if err := c.schema.Validate(raw); err != nil {
		return Frame{}, fmt.Errorf("invalid frame: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode json frame: %w", err)
	}
	return f, nil
}

// CBORCodec uses Core Deterministic Encoding, so equal frames encode to equal
// bytes.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		DupMapKey:      cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor dec mode: %w", err)
	}
	return &CBORCodec{enc: enc, dec: dec}, nil
}

func (c *CBORCodec) Name() string { return "cbor" }
func (c *CBORCodec) Binary() bool { return true }

func (c *CBORCodec) Encode(f Frame) ([]byte, error) {
	return c.enc.Marshal(f)
}

func (c *CBORCodec) Decode(b []byte) (Frame, error) {
	var f Frame
	if err := c.dec.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("decode cbor frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("decode cbor frame: missing type")
	}
	return f, nil
}

// Codecs holds one instance of each codec; both are safe for concurrent use.
type Codecs struct {
	JSON *JSONCodec
	CBOR *CBORCodec
}

func NewCodecs() (*Codecs, error) {
	j, err := NewJSONCodec()
	if err != nil {
		return nil, err
	}
	c, err := NewCBORCodec()
	if err != nil {
		return nil, err
	}
	return &Codecs{JSON: j, CBOR: c}, nil
}

// For returns the codec matching a frame's binary-ness.
func (cs *Codecs) For(binary bool) Codec {
	if binary {
		return cs.CBOR
	}
	return cs.JSON
}
