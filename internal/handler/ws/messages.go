package ws

import (
	"encoding/json"

	"github.com/google/uuid"

	"huddle-backend/internal/domain"
)

// Request is a client-to-server frame. ID is echoed in the response.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Response answers exactly one Request
type Response struct {
	ID    string     `json:"id"`
	OK    bool       `json:"ok"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

// ErrorBody carries an error code from pkg/errors
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Signaling methods
const (
	MethodCallInitiate = "call.initiate"
	MethodCallJoin     = "call.join"
	MethodCallDecline  = "call.decline"
	MethodCallLeave    = "call.leave"
	MethodCallEnd      = "call.end"
	MethodCallCancel   = "call.cancel"
	MethodCallRing     = "call.ring"
	MethodCallSettings = "call.settings"
	MethodCallActive   = "call.active"

	MethodMediaCapabilities     = "media.capabilities"
	MethodMediaOpenTransport    = "media.openTransport"
	MethodMediaConnectTransport = "media.connectTransport"
	MethodMediaProduce          = "media.produce"
	MethodMediaConsume          = "media.consume"
	MethodMediaResumeConsumer   = "media.resumeConsumer"
	MethodMediaCloseProducer    = "media.closeProducer"
	MethodMediaCloseConsumer    = "media.closeConsumer"
	MethodMediaListProducers    = "media.listProducers"
	MethodMediaLeave            = "media.leave"
)

type initiateParams struct {
	ConversationID uuid.UUID       `json:"conversation_id"`
	CallType       domain.CallType `json:"call_type"`
}

type callParams struct {
	CallID uuid.UUID `json:"call_id"`
}

type settingsParams struct {
	CallID uuid.UUID `json:"call_id"`
	domain.SettingsPatch
}

// Media payloads keep the camelCase of the RTP dictionaries they wrap.

type roomParams struct {
	RoomID domain.RoomID `json:"roomId"`
}

type openTransportParams struct {
	RoomID    domain.RoomID             `json:"roomId"`
	Direction domain.TransportDirection `json:"direction"`
}

type connectTransportParams struct {
	RoomID      domain.RoomID `json:"roomId"`
	TransportID string        `json:"transportId"`
	domain.HandshakeParams
}

type produceParams struct {
	RoomID        domain.RoomID        `json:"roomId"`
	TransportID   string               `json:"transportId"`
	Source        domain.MediaSource   `json:"source"`
	RtpParameters domain.RtpParameters `json:"rtpParameters"`
}

type consumeParams struct {
	RoomID          domain.RoomID          `json:"roomId"`
	TransportID     string                 `json:"transportId"`
	ProducerID      string                 `json:"producerId"`
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
}

type producerParams struct {
	RoomID     domain.RoomID `json:"roomId"`
	ProducerID string        `json:"producerId"`
}

type consumerParams struct {
	RoomID     domain.RoomID `json:"roomId"`
	ConsumerID string        `json:"consumerId"`
}

type capabilitiesResult struct {
	RoomID          domain.RoomID          `json:"roomId"`
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
}
