package store

import (
	"strings"
	"testing"
)

func TestEncodeDetail_RejectsMismatchedTag(t *testing.T) {
	_, err := EncodeDetail(EventReply, MessageDetail{Text: "x"})
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if !strings.Contains(err.Error(), "does not match") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEncodeDecode_RoundTripPerType(t *testing.T) {
	cases := []struct {
		typ    EventType
		detail Detail
	}{
		{EventMessage, MessageDetail{Text: "hello"}},
		{EventReply, ReplyDetail{Text: "back at you"}},
		{EventReaction, ReactionDetail{Emoji: "👍"}},
		{EventActionCall, ActionCallDetail{Name: "search", Arguments: `{"q":"go"}`}},
		{EventActionError, ActionErrorDetail{Message: "boom"}},
		{EventResponse, ResponseDetail{Body: `{"ok":true}`}},
	}
	for _, tc := range cases {
		raw, err := EncodeDetail(tc.typ, tc.detail)
		if err != nil {
			t.Fatalf("%s: encode: %v", tc.typ, err)
		}
		got, err := DecodeDetail(tc.typ, raw)
		if err != nil {
			t.Fatalf("%s: decode: %v", tc.typ, err)
		}
		if got != tc.detail {
			t.Fatalf("%s: round trip %#v != %#v", tc.typ, got, tc.detail)
		}
	}
}

func TestDecodeDetail_UnknownType(t *testing.T) {
	if _, err := DecodeDetail("telemetry", "{}"); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestDecodeDetail_EmptyPayload(t *testing.T) {
	got, err := DecodeDetail(EventActionAbort, "")
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if _, ok := got.(ActionAbortDetail); !ok {
		t.Fatalf("got %T, want ActionAbortDetail", got)
	}
}

func TestValidEventType(t *testing.T) {
	if !ValidEventType(EventActionComplete) {
		t.Fatal("action_complete should be valid")
	}
	if ValidEventType("banana") {
		t.Fatal("banana should not be valid")
	}
}
