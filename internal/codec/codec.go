// Package codec encodes composite entry fields (tag lists, attribute maps)
// to and from the single TEXT column they are stored in.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EncodingError reports a composite field that could not be decoded.
// Decoders still return a usable empty value alongside it.
type EncodingError struct {
	Field string
	Err   error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Field, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// EncodeTags encodes a tag list. A nil list encodes like an empty one.
func EncodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(tags)
	if err != nil {
		// []string always marshals
		return "[]"
	}
	return string(b)
}

// DecodeTags decodes a tag list. Empty input yields an empty list; malformed
// input yields an empty list and an *EncodingError.
func DecodeTags(s string) ([]string, error) {
	tags := []string{}
	if strings.TrimSpace(s) == "" {
		return tags, nil
	}
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return []string{}, &EncodingError{Field: "tags", Err: err}
	}
	if tags == nil {
		tags = []string{}
	}
	return tags, nil
}

// EncodeMap encodes an open attribute map. Values must be JSON encodable.
func EncodeMap(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode map: %w", err)
	}
	return string(b), nil
}

// DecodeMap decodes an attribute map. Nested objects come back as
// map[string]any, arrays as []any and numbers as float64. Malformed input
// yields an empty map and an *EncodingError.
func DecodeMap(s string) (map[string]any, error) {
	return decodeMapField("map", s)
}

// DecodeField is DecodeMap with the field name recorded in the error.
func DecodeField(field, s string) (map[string]any, error) {
	return decodeMapField(field, s)
}

func decodeMapField(field, s string) (map[string]any, error) {
	m := map[string]any{}
	if strings.TrimSpace(s) == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return map[string]any{}, &EncodingError{Field: field, Err: err}
	}
	if m == nil {
		// literal "null"
		m = map[string]any{}
	}
	return m, nil
}
