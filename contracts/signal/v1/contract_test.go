package v1

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	ok := Envelope{V: Version, Type: TypeSignal, ID: "01J", TS: time.Now(), Payload: json.RawMessage(`{}`)}
	if err := ok.Validate(); err != nil {
		t.Fatalf("valid envelope: %v", err)
	}

	cases := map[string]func(e *Envelope){
		"version": func(e *Envelope) { e.V = 2 },
		"type":    func(e *Envelope) { e.Type = "" },
		"unknown": func(e *Envelope) { e.Type = "message.send" },
		"id":      func(e *Envelope) { e.ID = " " },
		"ts":      func(e *Envelope) { e.TS = time.Time{} },
		"payload": func(e *Envelope) { e.Payload = nil },
	}
	for name, mutate := range cases {
		e := ok
		mutate(&e)
		if err := e.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSignalPayloadWireShape(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(SignalPayload{Kind: KindOffer, Seq: 1, Data: json.RawMessage(`{"sdp":"v=0"}`)})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	const want = `{"kind":"offer","seq":1,"data":{"sdp":"v=0"}}`
	if string(b) != want {
		t.Fatalf("got %s want %s", b, want)
	}
}
