package flow

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Converter turns a raw notification value into the stream's element type.
// A non-nil error ends the subscription with a TypeMismatchError.
type Converter[T any] func(raw any) (T, error)

// Assert converts by plain type assertion
func Assert[T any]() Converter[T] {
	return func(raw any) (T, error) {
		v, ok := raw.(T)
		if !ok {
			var zero T
			return zero, fmt.Errorf("got %T", raw)
		}
		return v, nil
	}
}

// JSON decodes raw bytes or strings as JSON into T
func JSON[T any]() Converter[T] {
	return func(raw any) (T, error) {
		var v T
		data, err := rawBytes(raw)
		if err != nil {
			return v, err
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return v, fmt.Errorf("decode json: %w", err)
		}
		return v, nil
	}
}

// cborDecMode decodes maps with string keys so results re-encode as JSON
var cborDecMode cbor.DecMode

func init() {
	decOpts := cbor.DecOptions{
		DupMapKey:      cbor.DupMapKeyQuiet,
		IndefLength:    cbor.IndefLengthAllowed,
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}
	var err error
	cborDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("flow: invalid cbor decode options: %v", err))
	}
}

// CBOR decodes raw bytes as CBOR into T
func CBOR[T any]() Converter[T] {
	return func(raw any) (T, error) {
		var v T
		data, err := rawBytes(raw)
		if err != nil {
			return v, err
		}
		if err := cborDecMode.Unmarshal(data, &v); err != nil {
			return v, fmt.Errorf("decode cbor: %w", err)
		}
		return v, nil
	}
}

func rawBytes(raw any) ([]byte, error) {
	switch v := raw.(type) {
	case []byte:
		return v, nil
	case json.RawMessage:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, fmt.Errorf("expected bytes, got %T", raw)
	}
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
