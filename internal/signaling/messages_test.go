package signaling

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestParse_Offer(t *testing.T) {
	raw := []byte(`{"type":"offer","sdp":{"type":"offer","sdp":"v=0"},"participantId":"a_1_x","transportPeerId":"p1"}`)

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Type != TypeOffer || got.SDP == nil || got.SDP.SDP != "v=0" || got.TransportPeerID != "p1" {
		t.Fatalf("unexpected decoded offer: %#v", got)
	}
	desc, err := got.SDP.ToPion()
	if err != nil {
		t.Fatalf("ToPion: %v", err)
	}
	if desc.Type != webrtc.SDPTypeOffer {
		t.Fatalf("desc.Type=%v, want offer", desc.Type)
	}
}

func TestParse_Candidate(t *testing.T) {
	raw := []byte(`{
		"type":"candidate",
		"candidate":{
			"candidate":"candidate:1 1 udp 1 127.0.0.1 9 typ host",
			"sdpMid":"0",
			"sdpMLineIndex":0
		},
		"transportPeerId":"p2"
	}`)

	got, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	init := got.Candidate.ToPion()
	if init.SDPMid == nil || *init.SDPMid != "0" || init.SDPMLineIndex == nil || *init.SDPMLineIndex != 0 {
		t.Fatalf("unexpected candidate: %#v", init)
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":          `{"type":"welcome","transportPeerId":"p","unexpected":true}`,
		"trailing data":          `{"type":"welcome","transportPeerId":"p"} {}`,
		"unknown type":           `{"type":"hello"}`,
		"offer with answer sdp":  `{"type":"offer","sdp":{"type":"answer","sdp":"v=0"}}`,
		"offer empty sdp":        `{"type":"offer","sdp":{"type":"offer","sdp":""}}`,
		"answer missing sdp":     `{"type":"answer"}`,
		"candidate with sdp":     `{"type":"candidate","candidate":{"candidate":""},"sdp":{"type":"offer","sdp":"v=0"}}`,
		"join missing room":      `{"type":"join","participantId":"a"}`,
		"joined missing peer":    `{"type":"participant-joined","participantId":"a"}`,
		"chat missing text":      `{"type":"chat-message","chat":{"id":"1","sender":"x","text":"","timestamp":1}}`,
		"error missing code":     `{"type":"error","message":"boom"}`,
		"welcome with candidate": `{"type":"welcome","transportPeerId":"p","candidate":{"candidate":""}}`,
		"not json":               `{`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			if !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("err=%v, want ErrInvalidMessage", err)
			}
		})
	}
}

func TestConstructorsProduceValidMessages(t *testing.T) {
	mid := "0"
	msgs := []Message{
		Join("R1", "a_1_x"),
		Offer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, "a_1_x"),
		Answer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, "a_1_x"),
		CandidateMessage(webrtc.ICECandidateInit{Candidate: "candidate:1", SDPMid: &mid}, "a_1_x"),
		Chat(ChatMessage{ID: "m1", Sender: "You", Text: "hi", Timestamp: 1}, "a_1_x"),
	}
	for _, m := range msgs {
		data, err := Marshal(m)
		if err != nil {
			t.Fatalf("%s: marshal: %v", m.Type, err)
		}
		if _, err := Parse(data); err != nil {
			t.Fatalf("%s: parse: %v", m.Type, err)
		}
	}
}

func TestMarshalRejectsInvalid(t *testing.T) {
	if _, err := Marshal(Message{Type: TypeOffer}); !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("err=%v, want ErrInvalidMessage", err)
	}
}

func TestTypeIsPeerMessage(t *testing.T) {
	for _, typ := range []Type{TypeOffer, TypeAnswer, TypeCandidate, TypeChatMessage} {
		if !typ.IsPeerMessage() {
			t.Fatalf("%s should be a peer message", typ)
		}
	}
	for _, typ := range []Type{TypeJoin, TypeWelcome, TypeParticipantJoined, TypeParticipantLeft, TypeError} {
		if typ.IsPeerMessage() {
			t.Fatalf("%s should not be a peer message", typ)
		}
	}
}
