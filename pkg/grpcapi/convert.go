package grpcapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"
)

// maxExact is the largest integer a Struct number (a double) holds exactly.
// Integers beyond it travel as decimal strings.
const maxExact = 1 << 53

// toStruct converts a JSON-tagged Go value to a Struct.
func toStruct(v any) (*structpb.Struct, error) {
	g, err := toGeneric(v)
	if err != nil {
		return nil, err
	}
	m, ok := g.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("encode %T: not an object", v)
	}
	return structpb.NewStruct(m)
}

func toList(v any) (*structpb.ListValue, error) {
	g, err := toGeneric(v)
	if err != nil {
		return nil, err
	}
	l, ok := g.([]any)
	if !ok {
		return nil, fmt.Errorf("encode %T: not a list", v)
	}
	return structpb.NewList(l)
}

func toGeneric(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var g any
	if err := dec.Decode(&g); err != nil {
		return nil, err
	}
	return walk(g, encodeNumber), nil
}

// encodeNumber turns a JSON number into a double, or into a decimal string
// when it is an integer a double cannot hold.
func encodeNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if u, err := strconv.ParseUint(n.String(), 10, 64); err == nil && u > maxExact {
		return n.String()
	}
	if i, err := strconv.ParseInt(n.String(), 10, 64); err == nil && i < -maxExact {
		return n.String()
	}
	f, _ := n.Float64()
	return f
}

// decodeNumber reverses encodeNumber. Only an all-digit string beyond
// maxExact is taken for a number; no string field carried here (interface
// names are at most 15 bytes) can look like one.
func decodeNumber(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil && u > maxExact {
		return json.Number(s)
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil && i < -maxExact {
		return json.Number(s)
	}
	return v
}

func walk(v any, fn func(any) any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, e := range x {
			x[k] = walk(e, fn)
		}
		return x
	case []any:
		for i, e := range x {
			x[i] = walk(e, fn)
		}
		return x
	default:
		return fn(v)
	}
}

// fromValue decodes a Struct or ListValue into a JSON-tagged Go value.
func fromValue(src interface{ MarshalJSON() ([]byte, error) }, v any) error {
	raw, err := src.MarshalJSON()
	if err != nil {
		return err
	}
	var g any
	if err := json.Unmarshal(raw, &g); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	raw, err = json.Marshal(walk(g, decodeNumber))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
