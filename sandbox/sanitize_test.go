package sandbox

import (
	"math/rand"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected string
	}{
		{"empty", nil, ""},
		{"plain", []byte("Hello, World!"), "Hello, World!"},
		{"trims whitespace", []byte("  Hello\n\n"), "Hello"},
		{"keeps inner newlines and tabs", []byte("a\tb\nc\r\nd"), "a\tb\nc\r\nd"},
		{"removes NUL", []byte("a\x00b"), "ab"},
		{"removes escape", []byte("\x1b[31mred\x1b[0m"), "[31mred[0m"},
		{"removes DEL", []byte("a\x7fb"), "ab"},
		{"removes C1 controls", []byte("a\u0085b\u009fc"), "abc"},
		{"replaces invalid UTF-8", []byte("a\xffb"), "a�b"},
		{"keeps multibyte text", []byte("héllo 世界"), "héllo 世界"},
		{"only controls", []byte("\x00\x01\x02"), ""},
		{"control hiding whitespace", []byte("\x00 hi \x00"), "hi"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Sanitize(tt.input))
		})
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 500; i++ {
		raw := make([]byte, rng.Intn(64))
		rng.Read(raw)

		once := Sanitize(raw)
		assert.True(t, utf8.ValidString(once))
		assert.Equal(t, once, Sanitize([]byte(once)), "input %q", raw)
	}
}
