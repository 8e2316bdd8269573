package sqlutil

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"users", "`users`"},
		{"select", "`select`"},
		{"first name", "`first name`"},
		{"user`data", "`user``data`"},
		{"", "``"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, QuoteIdentifier(tt.input))
		})
	}
}

func TestQuoteIdentifierWithDoubleQuote(t *testing.T) {
	assert.Equal(t, `"users"`, QuoteIdentifierWith("users", '"'))
	assert.Equal(t, `"a""b"`, QuoteIdentifierWith(`a"b`, '"'))
}

func TestQuoteString(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"hello", "'hello'"},
		{"it's", "'it''s'"},
		{"a'b'c", "'a''b''c'"},
		{"", "''"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, QuoteString(tt.input))
		})
	}
}

func TestFormatLiteral(t *testing.T) {
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	tests := []struct {
		name     string
		input    interface{}
		expected string
	}{
		{"nil", nil, "NULL"},
		{"string", "o'neil", "'o''neil'"},
		{"true", true, "1"},
		{"false", false, "0"},
		{"int", 42, "42"},
		{"int64", int64(-7), "-7"},
		{"uint8", uint8(9), "9"},
		{"float", 2.5, "2.5"},
		{"time", time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), "'2024-03-01 10:30:00.000'"},
		{"stringer", id, "'6ba7b810-9dad-11d1-80b4-00c04fd430c8'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatLiteral(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}

	_, err := FormatLiteral(struct{}{})
	require.Error(t, err)
}
