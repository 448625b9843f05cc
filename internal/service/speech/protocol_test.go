package speech

import (
	"bytes"
	"errors"
	"testing"
)

func TestAudioRequestLastPacketUsesNegativeSequence(t *testing.T) {
	frame, err := NewAudioRequest([]byte{1, 2, 3, 4}, 5, true)
	if err != nil {
		t.Fatalf("NewAudioRequest err: %v", err)
	}

	decoded, err := DecodeFrame(frame.Encode())
	if err != nil {
		t.Fatalf("DecodeFrame err: %v", err)
	}
	if decoded.Type != AudioOnlyRequest || decoded.Flags != NegativeSequence {
		t.Fatalf("unexpected header: type=%d flags=%d", decoded.Type, decoded.Flags)
	}
	if decoded.Sequence != -5 || !decoded.IsLast() {
		t.Fatalf("sequence = %d last=%v, want -5 true", decoded.Sequence, decoded.IsLast())
	}
	body, err := decoded.Body()
	if err != nil {
		t.Fatalf("Body err: %v", err)
	}
	if !bytes.Equal(body, []byte{1, 2, 3, 4}) {
		t.Fatalf("body = %v", body)
	}
}

func TestAudioRequestFlags(t *testing.T) {
	cases := []struct {
		name     string
		sequence int32
		last     bool
		flags    MessageFlags
	}{
		{"first chunk", 2, false, PositiveSequence},
		{"no sequence", 0, false, NoSequence},
		{"last without sequence", 0, true, LastNoSequence},
	}

	for _, tc := range cases {
		frame, err := NewAudioRequest(nil, tc.sequence, tc.last)
		if err != nil {
			t.Fatalf("%s: err %v", tc.name, err)
		}
		if frame.Flags != tc.flags {
			t.Errorf("%s: flags = %d, want %d", tc.name, frame.Flags, tc.flags)
		}
		if frame.IsLast() != tc.last {
			t.Errorf("%s: IsLast = %v", tc.name, frame.IsLast())
		}
	}
}

func TestDecodeEventFrame(t *testing.T) {
	frame := &Frame{
		Type:          FullServerResponse,
		Flags:         WithEvent,
		Serialization: JSONSerialization,
		Event:         EventSessionFinished,
		SessionID:     "sess-1",
		Payload:       []byte(`{}`),
	}

	decoded, err := DecodeFrame(frame.Encode())
	if err != nil {
		t.Fatalf("DecodeFrame err: %v", err)
	}
	if decoded.Event != EventSessionFinished || decoded.SessionID != "sess-1" {
		t.Fatalf("unexpected event frame: %+v", decoded)
	}
	if string(decoded.Payload) != "{}" {
		t.Fatalf("payload = %q", decoded.Payload)
	}
}

func TestDecodeConnectionEventCarriesConnectID(t *testing.T) {
	frame := &Frame{Type: FullServerResponse, Flags: WithEvent, Event: EventConnectionStarted, ConnectID: "c-9"}

	decoded, err := DecodeFrame(frame.Encode())
	if err != nil {
		t.Fatalf("DecodeFrame err: %v", err)
	}
	if decoded.ConnectID != "c-9" || decoded.SessionID != "" {
		t.Fatalf("unexpected ids: session=%q connect=%q", decoded.SessionID, decoded.ConnectID)
	}
}

func TestDecodeErrorFrame(t *testing.T) {
	frame := &Frame{Type: ErrorMessage, ErrorCode: 45000001, Payload: []byte("bad request")}

	decoded, err := DecodeFrame(frame.Encode())
	if err != nil {
		t.Fatalf("DecodeFrame err: %v", err)
	}
	if decoded.ErrorCode != 45000001 || string(decoded.Payload) != "bad request" {
		t.Fatalf("unexpected error frame: %+v", decoded)
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	valid := (&Frame{Type: FullServerResponse, Payload: []byte("hello")}).Encode()

	if _, err := DecodeFrame(valid[:len(valid)-2]); !errors.Is(err, errShortFrame) {
		t.Fatalf("truncated frame err = %v, want errShortFrame", err)
	}

	wrongVersion := append([]byte(nil), valid...)
	wrongVersion[0] = 0x21
	if _, err := DecodeFrame(wrongVersion); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestFullClientRequestIsGzipped(t *testing.T) {
	params := []byte(`{"audio":{"format":"pcm"}}`)
	frame, err := NewFullClientRequest(params)
	if err != nil {
		t.Fatalf("NewFullClientRequest err: %v", err)
	}
	if frame.Compression != GzipCompression || bytes.Equal(frame.Payload, params) {
		t.Fatalf("payload was not compressed")
	}
	body, err := frame.Body()
	if err != nil {
		t.Fatalf("Body err: %v", err)
	}
	if !bytes.Equal(body, params) {
		t.Fatalf("body = %s", body)
	}
}
