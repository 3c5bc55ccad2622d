package codec

import (
	"reflect"
	"testing"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()

	tests := []struct {
		contentType string
		wantRecord  bool
	}{
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"application/x-ndjson", true},
		{"text/plain", false},
		{"application/octet-stream", false},
		{"", false},
	}

	for _, tt := range tests {
		c := r.Lookup(tt.contentType)
		if c.RecordMode() != tt.wantRecord {
			t.Errorf("Lookup(%q).RecordMode() = %v, want %v", tt.contentType, c.RecordMode(), tt.wantRecord)
		}
	}
}

func TestJSONLinesFrameAppend(t *testing.T) {
	c := jsonLinesCodec{}

	tests := []struct {
		name    string
		body    string
		want    [][]byte
		wantErr bool
	}{
		{"single object", `{"a":1}`, [][]byte{[]byte(`{"a":1}`)}, false},
		{"array flattens", `[1,2,3]`, [][]byte{[]byte("1"), []byte("2"), []byte("3")}, false},
		{"empty array", `[]`, [][]byte{}, false},
		{"invalid json", `{not json`, nil, true},
	}

	for _, tt := range tests {
		got, err := c.FrameAppend([]byte(tt.body))
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.name, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestJSONLinesJoin(t *testing.T) {
	c := jsonLinesCodec{}

	got := c.Join([][]byte{[]byte("1"), []byte("2")})
	want := "[1,2]"
	if string(got) != want {
		t.Errorf("Join() = %s, want %s", got, want)
	}

	if got := string(c.Join(nil)); got != "[]" {
		t.Errorf("Join(nil) = %s, want []", got)
	}
}

func TestPassthroughCodec(t *testing.T) {
	c := passthroughCodec{}

	records, err := c.FrameAppend([]byte("hello"))
	if err != nil {
		t.Fatalf("FrameAppend: %v", err)
	}
	if len(records) != 1 || string(records[0]) != "hello" {
		t.Fatalf("FrameAppend = %v", records)
	}

	joined := c.Join([][]byte{[]byte("ab"), []byte("cd")})
	if string(joined) != "abcd" {
		t.Errorf("Join = %s, want abcd", joined)
	}
}
