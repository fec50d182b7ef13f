package document

import (
	"errors"
	"testing"
)

func TestMarshalParseRoundTrip(t *testing.T) {
	d := New(3, "abc123")

	raw, err := d.MarshalEntry()
	if err != nil {
		t.Fatalf("MarshalEntry: %v", err)
	}

	got, err := ParseEntry(raw)
	if err != nil {
		t.Fatalf("ParseEntry: %v", err)
	}

	if got != d {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, d)
	}
}

func TestParseEntryAcceptsLegacyTSField(t *testing.T) {
	raw := `{"type":"write","payload":"xyz","ts":"2024-01-01T00:00:00Z"}`

	got, err := ParseEntry(raw)
	if err != nil {
		t.Fatalf("ParseEntry: %v", err)
	}
	if got.Timestamp != "2024-01-01T00:00:00Z" {
		t.Fatalf("timestamp = %q, want legacy ts value", got.Timestamp)
	}
}

func TestParseEntryRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{not json`,
		"missing payload":  `{"type":"write","timestamp":"2024-01-01T00:00:00Z"}`,
		"missing timestamp": `{"type":"write","payload":"xyz"}`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseEntry(raw)
			if !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("ParseEntry(%q) err = %v, want ErrMalformedPayload", raw, err)
			}
		})
	}
}
