package transport

import "testing"

func TestJSONCodecRoundTrip(t *testing.T) {
	type payload struct {
		Name string
		N    int
	}
	want := payload{Name: "node-1", N: 7}

	codec := jsonCodec{}
	data, err := codec.Marshal(want)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got payload
	if err := codec.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestJSONCodecName(t *testing.T) {
	if (jsonCodec{}).Name() != "json" {
		t.Fatalf("unexpected codec name: %s", (jsonCodec{}).Name())
	}
}
