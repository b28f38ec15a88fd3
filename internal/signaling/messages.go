package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// ErrInvalidMessage wraps every decode or validation failure.
var ErrInvalidMessage = errors.New("signaling: invalid message")

// Type tags a wire message. Every Message carries exactly one Type and only
// the fields that type allows.
type Type string

const (
	TypeJoin              Type = "join"
	TypeWelcome           Type = "welcome"
	TypeParticipantJoined Type = "participant-joined"
	TypeOffer             Type = "offer"
	TypeAnswer            Type = "answer"
	TypeCandidate         Type = "candidate"
	TypeChatMessage       Type = "chat-message"
	TypeParticipantLeft   Type = "participant-left"
	TypeError             Type = "error"
)

// IsPeerMessage reports whether t is relayed between peers verbatim (as
// opposed to being produced by the relay itself).
func (t Type) IsPeerMessage() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeCandidate, TypeChatMessage:
		return true
	default:
		return false
	}
}

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SessionDescriptionFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// ChatMessage is one side-channel text message. Timestamp is unix
// milliseconds.
type ChatMessage struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Message is the single wire envelope for every signaling event.
//
// TransportPeerID is the relay-assigned connection id. The relay overwrites
// it on every peer message it forwards, so receivers can trust it as the
// sender identity.
type Message struct {
	Type            Type                `json:"type"`
	RoomID          string              `json:"roomId,omitempty"`
	ParticipantID   string              `json:"participantId,omitempty"`
	TransportPeerID string              `json:"transportPeerId,omitempty"`
	SDP             *SessionDescription `json:"sdp,omitempty"`
	Candidate       *Candidate          `json:"candidate,omitempty"`
	Chat            *ChatMessage        `json:"chat,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

func Join(roomID, participantID string) Message {
	return Message{Type: TypeJoin, RoomID: roomID, ParticipantID: participantID}
}

func Offer(desc webrtc.SessionDescription, participantID string) Message {
	s := SessionDescriptionFromPion(desc)
	return Message{Type: TypeOffer, SDP: &s, ParticipantID: participantID}
}

func Answer(desc webrtc.SessionDescription, participantID string) Message {
	s := SessionDescriptionFromPion(desc)
	return Message{Type: TypeAnswer, SDP: &s, ParticipantID: participantID}
}

func CandidateMessage(init webrtc.ICECandidateInit, participantID string) Message {
	c := CandidateFromPion(init)
	return Message{Type: TypeCandidate, Candidate: &c, ParticipantID: participantID}
}

func Chat(msg ChatMessage, participantID string) Message {
	return Message{Type: TypeChatMessage, Chat: &msg, ParticipantID: participantID}
}

// Parse strictly decodes one message: unknown fields, trailing data and
// fields that do not belong to the message type are all rejected.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("%w: unexpected trailing data", ErrInvalidMessage)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Marshal validates m before encoding it.
func Marshal(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func (m Message) Validate() error {
	if err := m.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

func (m Message) validate() error {
	hasSDP := m.SDP != nil
	hasCandidate := m.Candidate != nil
	hasChat := m.Chat != nil
	hasError := m.Code != "" || m.Message != ""

	switch m.Type {
	case TypeJoin:
		if m.RoomID == "" || m.ParticipantID == "" {
			return errors.New("join message missing roomId/participantId")
		}
		if hasSDP || hasCandidate || hasChat || hasError || m.TransportPeerID != "" {
			return errors.New("join message has unexpected fields")
		}
	case TypeWelcome:
		if m.TransportPeerID == "" {
			return errors.New("welcome message missing transportPeerId")
		}
		if hasSDP || hasCandidate || hasChat || hasError {
			return errors.New("welcome message has unexpected fields")
		}
	case TypeParticipantJoined, TypeParticipantLeft:
		if m.ParticipantID == "" || m.TransportPeerID == "" {
			return fmt.Errorf("%s message missing participantId/transportPeerId", m.Type)
		}
		if hasSDP || hasCandidate || hasChat || hasError {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case TypeOffer, TypeAnswer:
		if !hasSDP {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
		if m.SDP.Type != string(m.Type) {
			return fmt.Errorf("%s message has sdp.type=%q", m.Type, m.SDP.Type)
		}
		if m.SDP.SDP == "" {
			return fmt.Errorf("%s message has empty sdp", m.Type)
		}
		if hasCandidate || hasChat || hasError {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	case TypeCandidate:
		if !hasCandidate {
			return errors.New("candidate message missing candidate")
		}
		if hasSDP || hasChat || hasError {
			return errors.New("candidate message has unexpected fields")
		}
	case TypeChatMessage:
		if !hasChat {
			return errors.New("chat-message missing message")
		}
		if m.Chat.ID == "" || m.Chat.Text == "" {
			return errors.New("chat-message missing id/text")
		}
		if hasSDP || hasCandidate || hasError {
			return errors.New("chat-message has unexpected fields")
		}
	case TypeError:
		if m.Code == "" || m.Message == "" {
			return errors.New("error message missing code/message")
		}
		if hasSDP || hasCandidate || hasChat {
			return errors.New("error message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
