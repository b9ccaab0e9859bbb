package search

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursor_RoundTrip(t *testing.T) {
	tuples := [][]any{
		{json.Number("1"), json.Number("3.2145"), json.Number("9007199254740993")},
		{json.Number("0"), json.Number("1"), json.Number("42")},
		{"2026-01-01T00:00:00Z", true, nil},
	}
	for _, tuple := range tuples {
		cursor, err := EncodeCursor(tuple)
		require.NoError(t, err)
		assert.NotContains(t, cursor, "=")

		decoded, err := DecodeCursor(cursor)
		require.NoError(t, err)
		assert.Equal(t, tuple, decoded)
	}
}

func TestEncodeCursor_EmptyTuple(t *testing.T) {
	cursor, err := EncodeCursor(nil)
	require.NoError(t, err)
	assert.Empty(t, cursor)
}

func TestDecodeCursor_Invalid(t *testing.T) {
	cases := map[string]string{
		"not base64":   "%%%",
		"not json":     base64.RawURLEncoding.EncodeToString([]byte("hello")),
		"not an array": base64.RawURLEncoding.EncodeToString([]byte(`{"a":1}`)),
		"empty array":  base64.RawURLEncoding.EncodeToString([]byte(`[]`)),
		"nested":       base64.RawURLEncoding.EncodeToString([]byte(`[[1]]`)),
		"trailing":     base64.RawURLEncoding.EncodeToString([]byte(`[1] [2]`)),
	}
	for name, cursor := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCursor(cursor)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}
