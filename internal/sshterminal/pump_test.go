package sshterminal

import (
	"testing"
	"unicode/utf8"
)

func isValidText(s string) bool { return utf8.ValidString(s) }

func TestSplitUTF8(t *testing.T) {
	euro := []byte("€") // e2 82 ac
	tests := []struct {
		name     string
		in       []byte
		wantText string
		wantRest []byte
	}{
		{"ascii", []byte("hello"), "hello", nil},
		{"complete multibyte", []byte("a€"), "a€", nil},
		{"one byte of three", append([]byte("a"), euro[0]), "a", euro[:1]},
		{"two bytes of three", append([]byte("a"), euro[:2]...), "a", euro[:2]},
		{"invalid byte dropped", []byte("a\xffb"), "ab", nil},
		{"only partial", euro[:2], "", euro[:2]},
		{"empty", nil, "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, rest := splitUTF8(tt.in)
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
			if string(rest) != string(tt.wantRest) {
				t.Errorf("rest = %x, want %x", rest, tt.wantRest)
			}
		})
	}
}
