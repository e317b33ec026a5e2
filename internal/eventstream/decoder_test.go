package eventstream

import (
	"bytes"
	"testing"

	awseventstream "github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

func encodeFrame(t *testing.T, eventType string, payload []byte) []byte {
	t.Helper()
	msg := awseventstream.Message{
		Headers: awseventstream.Headers{
			{Name: headerEventType, Value: awseventstream.StringValue(eventType)},
		},
		Payload: payload,
	}
	var buf bytes.Buffer
	enc := awseventstream.NewEncoder()
	if err := enc.Encode(&buf, msg); err != nil {
		t.Fatalf("encode fixture frame: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeSingleChunk(t *testing.T) {
	frame := encodeFrame(t, "assistantResponseEvent", []byte(`{"content":"hi"}`))

	d := NewDecoder()
	d.Feed(frame)

	msg, ok, err := d.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a fully decoded frame")
	}
	ev, err := FromMessage(msg)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != EventAssistantResponse || ev.Content != "hi" {
		t.Errorf("got %+v", ev)
	}
}

func TestDecodeByteAtATimeMatchesSingleChunk(t *testing.T) {
	frame := encodeFrame(t, "assistantResponseEvent", []byte(`{"content":"hello world"}`))

	// Decode as a single chunk.
	whole := NewDecoder()
	whole.Feed(frame)
	var wholeEvents []Event
	err := whole.Drain(func(msg awseventstream.Message) error {
		ev, err := FromMessage(msg)
		if err != nil {
			return err
		}
		wholeEvents = append(wholeEvents, ev)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	// Decode fed one byte at a time.
	byByte := NewDecoder()
	var chunkedEvents []Event
	for i := 0; i < len(frame); i++ {
		byByte.Feed(frame[i : i+1])
		err := byByte.Drain(func(msg awseventstream.Message) error {
			ev, err := FromMessage(msg)
			if err != nil {
				return err
			}
			chunkedEvents = append(chunkedEvents, ev)
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	if len(wholeEvents) != len(chunkedEvents) {
		t.Fatalf("whole=%d chunked=%d events, want equal", len(wholeEvents), len(chunkedEvents))
	}
	for i := range wholeEvents {
		if wholeEvents[i] != chunkedEvents[i] {
			t.Errorf("event %d differs: whole=%+v chunked=%+v", i, wholeEvents[i], chunkedEvents[i])
		}
	}
}

func TestContextUsagePercentageBoundaries(t *testing.T) {
	if got := InputTokensFromPercentage(0); got != 0 {
		t.Errorf("0%% -> %d, want 0", got)
	}
	if got := InputTokensFromPercentage(100); got != 200000 {
		t.Errorf("100%% -> %d, want 200000", got)
	}
	if got := InputTokensFromPercentage(5); got != 10000 {
		t.Errorf("5%% -> %d, want 10000", got)
	}
}

func TestOverflowResyncs(t *testing.T) {
	d := NewDecoder()
	// A bogus, implausibly large total_length.
	bogus := make([]byte, 4)
	bogus[0] = 0x7f
	bogus[1] = 0xff
	bogus[2] = 0xff
	bogus[3] = 0xff
	d.Feed(bogus)

	_, ok, err := d.Next()
	if ok {
		t.Fatal("expected no frame decoded from overflow input")
	}
	if err != ErrOverflow {
		t.Fatalf("got %v, want ErrOverflow", err)
	}

	// After overflow the decoder resyncs: a fresh valid frame decodes fine.
	frame := encodeFrame(t, "assistantResponseEvent", []byte(`{"content":"ok"}`))
	d.Feed(frame)
	msg, ok, err := d.Next()
	if err != nil || !ok {
		t.Fatalf("decoder did not resync: ok=%v err=%v", ok, err)
	}
	ev, err := FromMessage(msg)
	if err != nil || ev.Content != "ok" {
		t.Errorf("got ev=%+v err=%v", ev, err)
	}
}
