package search

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidCursor marks a pagination cursor the client tampered with or truncated.
var ErrInvalidCursor = errors.New("invalid cursor")

// EncodeCursor turns the sort values of the last hit into an opaque token.
func EncodeCursor(sortValues []any) (string, error) {
	if len(sortValues) == 0 {
		return "", nil
	}
	raw, err := json.Marshal(sortValues)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeCursor reverses EncodeCursor. Numbers come back as json.Number so that
// long sort keys keep their precision.
func DecodeCursor(cursor string) ([]any, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var values []any
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidCursor)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: empty sort tuple", ErrInvalidCursor)
	}
	for _, v := range values {
		switch v.(type) {
		case json.Number, string, bool, nil:
		default:
			return nil, fmt.Errorf("%w: sort values must be scalars", ErrInvalidCursor)
		}
	}
	return values, nil
}
