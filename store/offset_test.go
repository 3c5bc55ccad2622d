package store

import "testing"

func TestOffsetString(t *testing.T) {
	tests := []struct {
		offset   Offset
		expected string
	}{
		{Offset(0), "0"},
		{Offset(11), "11"},
		{Offset(1234567890), "1234567890"},
	}

	for _, tt := range tests {
		if got := tt.offset.String(); got != tt.expected {
			t.Errorf("Offset(%d).String() = %q, want %q", tt.offset, got, tt.expected)
		}
	}
}

func TestParseOffset(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    Offset
		expectError bool
	}{
		{name: "empty string is head sentinel", input: "", expected: OffsetHead},
		{name: "minus one is head sentinel", input: "-1", expected: OffsetHead},
		{name: "zero", input: "0", expected: Offset(0)},
		{name: "simple offset", input: "11", expected: Offset(11)},
		{name: "large offset", input: "1234567890", expected: Offset(1234567890)},
		{name: "invalid - leading zero", input: "011", expectError: true},
		{name: "invalid - comma", input: "0,11", expectError: true},
		{name: "invalid - negative other than -1", input: "-2", expectError: true},
		{name: "invalid - not a number", input: "abc", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseOffset(tt.input)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestParseOffsetHeadSentinelIsNotARealOffset(t *testing.T) {
	o, err := ParseOffset("-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !o.IsHeadSentinel() {
		t.Errorf("expected IsHeadSentinel() to be true for -1, got offset %v", o)
	}
	if o.IsZero() {
		t.Errorf("head sentinel must not alias to the zero offset")
	}
}

func TestOffsetRoundTrip(t *testing.T) {
	original := Offset(12345)
	parsed, err := ParseOffset(original.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed != original {
		t.Errorf("round trip failed: expected %v, got %v", original, parsed)
	}
}

func TestOffsetCompare(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Offset
		expected int
	}{
		{"equal", Offset(0), Offset(0), 0},
		{"a < b", Offset(10), Offset(20), -1},
		{"a > b", Offset(20), Offset(10), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Compare(tt.a, tt.b); got != tt.expected {
				t.Errorf("Compare(%v, %v) = %d, want %d", tt.a, tt.b, got, tt.expected)
			}
		})
	}
}

func TestOffsetCompareIsNumericNotLexicographic(t *testing.T) {
	// Decimal (non-zero-padded) encoding means string order does NOT
	// generally match numeric order across digit counts; conformance
	// relies on numeric comparison via Compare, not string sort. This
	// test documents that expectation rather than asserting the
	// (false) lexicographic property.
	offsets := []Offset{0, 1, 10, 100, 1000}
	for i := 0; i < len(offsets)-1; i++ {
		if Compare(offsets[i], offsets[i+1]) >= 0 {
			t.Errorf("expected %v < %v", offsets[i], offsets[i+1])
		}
	}
}

func TestOffsetAdd(t *testing.T) {
	o := Offset(100)
	result := o.Add(50)
	if result != Offset(150) {
		t.Errorf("expected 150, got %v", result)
	}
}

func TestOffsetSub(t *testing.T) {
	if got := Offset(150).Sub(Offset(100)); got != 50 {
		t.Errorf("expected 50, got %d", got)
	}
}
