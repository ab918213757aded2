package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/peerwire/signaling-relay/internal/router"
)

type messageType string

const (
	messageTypeJoinRoom     messageType = "join-room"
	messageTypeLeaveRoom    messageType = "leave-room"
	messageTypeOffer        messageType = "offer"
	messageTypeAnswer       messageType = "answer"
	messageTypeICECandidate messageType = "ice-candidate"
	messageTypeSendMessage  messageType = "send-message"
)

// inboundMessage is the client-to-server wire frame. Exactly the fields of
// one message type may be set; anything else is rejected before dispatch.
type inboundMessage struct {
	Type messageType `json:"type"`

	RoomID string `json:"roomId,omitempty"`

	To        string          `json:"to,omitempty"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`

	Message string `json:"message,omitempty"`
}

func parseInboundMessage(data []byte) (inboundMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg inboundMessage
	if err := dec.Decode(&msg); err != nil {
		return inboundMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return inboundMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return inboundMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m inboundMessage) validate() error {
	switch m.Type {
	case messageTypeJoinRoom:
		// An empty roomId is deliberately allowed through: the router answers
		// it with an error event instead of the transport dropping the frame.
		if m.To != "" || m.Offer != nil || m.Answer != nil || m.Candidate != nil || m.Message != "" {
			return fmt.Errorf("join-room message has unexpected fields")
		}
	case messageTypeLeaveRoom:
		if m.RoomID != "" || m.To != "" || m.Offer != nil || m.Answer != nil || m.Candidate != nil || m.Message != "" {
			return fmt.Errorf("leave-room message has unexpected fields")
		}
	case messageTypeOffer:
		if m.To == "" {
			return fmt.Errorf("offer message missing to")
		}
		if m.Offer == nil {
			return fmt.Errorf("offer message missing offer")
		}
		if m.RoomID != "" || m.Answer != nil || m.Candidate != nil || m.Message != "" {
			return fmt.Errorf("offer message has unexpected fields")
		}
	case messageTypeAnswer:
		if m.To == "" {
			return fmt.Errorf("answer message missing to")
		}
		if m.Answer == nil {
			return fmt.Errorf("answer message missing answer")
		}
		if m.RoomID != "" || m.Offer != nil || m.Candidate != nil || m.Message != "" {
			return fmt.Errorf("answer message has unexpected fields")
		}
	case messageTypeICECandidate:
		if m.To == "" {
			return fmt.Errorf("ice-candidate message missing to")
		}
		if m.Candidate == nil {
			return fmt.Errorf("ice-candidate message missing candidate")
		}
		if m.RoomID != "" || m.Offer != nil || m.Answer != nil || m.Message != "" {
			return fmt.Errorf("ice-candidate message has unexpected fields")
		}
	case messageTypeSendMessage:
		if m.RoomID != "" || m.To != "" || m.Offer != nil || m.Answer != nil || m.Candidate != nil {
			return fmt.Errorf("send-message message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// toEvent maps a validated wire frame to a router event.
func (m inboundMessage) toEvent() router.Event {
	switch m.Type {
	case messageTypeJoinRoom:
		return router.Join{Room: m.RoomID}
	case messageTypeLeaveRoom:
		return router.Leave{}
	case messageTypeOffer:
		return router.Relay{Kind: router.RelayOffer, To: m.To, Payload: m.Offer}
	case messageTypeAnswer:
		return router.Relay{Kind: router.RelayAnswer, To: m.To, Payload: m.Answer}
	case messageTypeICECandidate:
		return router.Relay{Kind: router.RelayICECandidate, To: m.To, Payload: m.Candidate}
	case messageTypeSendMessage:
		return router.Chat{Message: m.Message}
	default:
		// validate() rejects unknown types before this point.
		return nil
	}
}
