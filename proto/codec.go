package proto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Codec turns application messages into the opaque strings carried by publications.
type Codec interface {
	// Name is announced as the data type of channels published with this codec.
	Name() string
	Encode(v any) (string, error)
	Decode(data string, v any) error
}

// JSONCodec encodes messages as UTF-8 JSON text.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("json encode: %w", err)
	}
	return string(b), nil
}

func (JSONCodec) Decode(data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}
	return nil
}

// Base64Codec wraps a binary serializer, such as a protobuf marshaller, in standard base64.
type Base64Codec struct {
	DataType  string
	Marshal   func(v any) ([]byte, error)
	Unmarshal func(data []byte, v any) error
}

func (c Base64Codec) Name() string { return c.DataType }

func (c Base64Codec) Encode(v any) (string, error) {
	if c.Marshal == nil {
		return "", errors.New("base64 codec has no marshal function")
	}
	b, err := c.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("%s encode: %w", c.DataType, err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func (c Base64Codec) Decode(data string, v any) error {
	if c.Unmarshal == nil {
		return errors.New("base64 codec has no unmarshal function")
	}
	b, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("%s decode: %w", c.DataType, err)
	}
	if err := c.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s decode: %w", c.DataType, err)
	}
	return nil
}
