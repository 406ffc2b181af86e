package consensus

import (
	"bytes"
	"testing"
)

func TestEntryRoundTrip(t *testing.T) {
	cases := []LogEntry{
		{Term: 1, Offset: 1, Kind: EntryData, Payload: []byte("hello")},
		{Term: 5, Offset: 42, Kind: EntryConfiguration, Payload: nil},
		{Term: 0, Offset: 0, Kind: EntryCheckpoint, Payload: []byte{}},
	}

	for _, e := range cases {
		decoded, err := DecodeEntry(EncodeEntry(e))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.Term != e.Term || decoded.Offset != e.Offset || decoded.Kind != e.Kind {
			t.Fatalf("metadata mismatch: got %+v want %+v", decoded, e)
		}
		if !bytes.Equal(decoded.Payload, e.Payload) && len(decoded.Payload)+len(e.Payload) != 0 {
			t.Fatalf("payload mismatch: got %v want %v", decoded.Payload, e.Payload)
		}
	}
}

func TestDecodeEntryRejectsTruncatedInput(t *testing.T) {
	full := EncodeEntry(LogEntry{Term: 1, Offset: 1, Kind: EntryData, Payload: []byte("payload")})
	if _, err := DecodeEntry(full[:len(full)-3]); err == nil {
		t.Fatal("expected error decoding truncated entry")
	}
}

func TestConfigurationChangeRoundTrip(t *testing.T) {
	change := ConfigurationChange{Members: []NodeId{"a", "b", "c"}}
	data, err := EncodeConfigurationChange(change)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeConfigurationChange(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Members) != len(change.Members) {
		t.Fatalf("members mismatch: got %v want %v", decoded.Members, change.Members)
	}
	for i := range change.Members {
		if decoded.Members[i] != change.Members[i] {
			t.Fatalf("member %d mismatch: got %v want %v", i, decoded.Members[i], change.Members[i])
		}
	}
}
