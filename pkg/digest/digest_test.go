package digest

import (
	"strings"
	"testing"
)

func TestParseRoundTrip(t *testing.T) {
	d := FromString("hello")
	parsed, err := Parse(d.String())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed != d {
		t.Errorf("expected %s, got %s", d, parsed)
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "empty", input: ""},
		{name: "short", input: "abcd"},
		{name: "not hex", input: strings.Repeat("zz", Size)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.input); err == nil {
				t.Errorf("expected error for %q", tt.input)
			}
		})
	}
}

func TestFromReaderMatchesFromBytes(t *testing.T) {
	d, n, err := FromReader(strings.NewReader("content"))
	if err != nil {
		t.Fatalf("FromReader failed: %v", err)
	}
	if n != int64(len("content")) {
		t.Errorf("expected 7 bytes, got %d", n)
	}
	if d != FromString("content") {
		t.Errorf("expected digests to match")
	}
}

func TestHasherLengthPrefix(t *testing.T) {
	a := NewHasher("test").String("ab").String("c").Sum()
	b := NewHasher("test").String("a").String("bc").Sum()
	if a == b {
		t.Error("expected different field splits to hash differently")
	}

	c := NewHasher("one").String("x").Sum()
	d := NewHasher("two").String("x").Sum()
	if c == d {
		t.Error("expected domains to separate digests")
	}
}

func TestTextMarshaling(t *testing.T) {
	d := FromString("x")
	text, err := d.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText failed: %v", err)
	}
	var back Digest
	if err := back.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText failed: %v", err)
	}
	if back != d {
		t.Errorf("expected %s, got %s", d, back)
	}
	if !Zero.IsZero() || d.IsZero() {
		t.Error("IsZero mismatch")
	}
}
