package domain

import (
	"strings"

	"github.com/google/uuid"
)

// MediaKind is the track kind a producer or consumer carries
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// MediaSource identifies what a producer captures. A peer owns at most one
// live producer per source.
type MediaSource string

const (
	SourceMicrophone MediaSource = "microphone"
	SourceCamera     MediaSource = "camera"
	SourceScreen     MediaSource = "screen"
)

// Kind returns the media kind the source produces
func (s MediaSource) Kind() MediaKind {
	if s == SourceMicrophone {
		return MediaKindAudio
	}
	return MediaKindVideo
}

// Valid reports whether s is a known source
func (s MediaSource) Valid() bool {
	return s == SourceMicrophone || s == SourceCamera || s == SourceScreen
}

// TransportDirection is send (client to server) or recv (server to client)
type TransportDirection string

const (
	DirectionSend TransportDirection = "send"
	DirectionRecv TransportDirection = "recv"
)

// Valid reports whether d is a known direction
func (d TransportDirection) Valid() bool {
	return d == DirectionSend || d == DirectionRecv
}

// TransportState mirrors the ICE/DTLS connection state of a transport
type TransportState string

const (
	TransportNew        TransportState = "new"
	TransportConnecting TransportState = "connecting"
	TransportConnected  TransportState = "connected"
	TransportFailed     TransportState = "failed"
	TransportClosed     TransportState = "closed"
)

// RoomID keys a media room. It is derived from the conversation so every
// call in a conversation maps to the same room key.
type RoomID string

// RoomIDFor derives the room key for a conversation
func RoomIDFor(conversationID uuid.UUID) RoomID {
	return RoomID(roomPrefix + conversationID.String())
}

// ConversationID recovers the conversation a room key was derived from
func (r RoomID) ConversationID() (uuid.UUID, bool) {
	raw, ok := strings.CutPrefix(string(r), roomPrefix)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

const roomPrefix = "conv-"

// RTP negotiation payloads follow the W3C/ORTC dictionaries, so they use camelCase on the wire.

type RtcpFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RtpCodecCapability struct {
	Kind                 MediaKind         `json:"kind"`
	MimeType             string            `json:"mimeType"`
	ClockRate            uint32            `json:"clockRate"`
	Channels             uint16            `json:"channels,omitempty"`
	PreferredPayloadType uint8             `json:"preferredPayloadType"`
	Parameters           map[string]string `json:"parameters,omitempty"`
	RtcpFeedback         []RtcpFeedback    `json:"rtcpFeedback,omitempty"`
}

type RtpCapabilities struct {
	Codecs []RtpCodecCapability `json:"codecs"`
}

type RtpCodecParameters struct {
	MimeType     string            `json:"mimeType"`
	PayloadType  uint8             `json:"payloadType"`
	ClockRate    uint32            `json:"clockRate"`
	Channels     uint16            `json:"channels,omitempty"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	RtcpFeedback []RtcpFeedback    `json:"rtcpFeedback,omitempty"`
}

type RtpEncodingParameters struct {
	SSRC uint32 `json:"ssrc"`
}

type RtpParameters struct {
	Codecs    []RtpCodecParameters    `json:"codecs"`
	Encodings []RtpEncodingParameters `json:"encodings"`
}

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	Address    string `json:"address"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

// TransportParams is everything a client needs to complete a transport handshake
type TransportParams struct {
	ID             string             `json:"id"`
	Direction      TransportDirection `json:"direction"`
	IceParameters  IceParameters      `json:"iceParameters"`
	IceCandidates  []IceCandidate     `json:"iceCandidates"`
	DtlsParameters DtlsParameters     `json:"dtlsParameters"`
}

// HandshakeParams is the client's side of the transport handshake
type HandshakeParams struct {
	IceParameters  IceParameters  `json:"iceParameters"`
	IceCandidates  []IceCandidate `json:"iceCandidates"`
	DtlsParameters DtlsParameters `json:"dtlsParameters"`
}

// ProducerInfo describes an outgoing track of a peer
type ProducerInfo struct {
	ID            string        `json:"id"`
	PeerID        uuid.UUID     `json:"peerId"`
	Kind          MediaKind     `json:"kind"`
	Source        MediaSource   `json:"source"`
	RtpParameters RtpParameters `json:"rtpParameters"`
}

// ConsumerInfo describes a track forwarded to a receiving peer
type ConsumerInfo struct {
	ID             string        `json:"id"`
	ProducerID     string        `json:"producerId"`
	ProducerPeerID uuid.UUID     `json:"producerPeerId"`
	Kind           MediaKind     `json:"kind"`
	RtpParameters  RtpParameters `json:"rtpParameters"`
	Paused         bool          `json:"paused"`
}

// RoomInfo is a snapshot of a media room
type RoomInfo struct {
	ID              RoomID          `json:"roomId"`
	ConversationID  uuid.UUID       `json:"conversationId"`
	WorkerID        string          `json:"workerId"`
	RtpCapabilities RtpCapabilities `json:"rtpCapabilities"`
	PeerIDs         []uuid.UUID     `json:"peerIds"`
}
