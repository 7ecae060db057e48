package media

import (
	"fmt"
	"strings"

	"huddle-backend/internal/domain"
	apperrors "huddle-backend/pkg/errors"
)

var standardFeedback = []domain.RtcpFeedback{
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "goog-remb"},
	{Type: "transport-cc"},
}

// DefaultCodecs is the capability set every room router is created with:
// one audio codec and two video codecs.
var DefaultCodecs = []domain.RtpCodecCapability{
	{
		Kind:                 domain.MediaKindAudio,
		MimeType:             "audio/opus",
		ClockRate:            48000,
		Channels:             2,
		PreferredPayloadType: 111,
		Parameters:           map[string]string{"minptime": "10", "useinbandfec": "1"},
		RtcpFeedback:         []domain.RtcpFeedback{{Type: "transport-cc"}},
	},
	{
		Kind:                 domain.MediaKindVideo,
		MimeType:             "video/VP8",
		ClockRate:            90000,
		PreferredPayloadType: 96,
		RtcpFeedback:         standardFeedback,
	},
	{
		Kind:                 domain.MediaKindVideo,
		MimeType:             "video/H264",
		ClockRate:            90000,
		PreferredPayloadType: 102,
		Parameters: map[string]string{
			"level-asymmetry-allowed": "1",
			"packetization-mode":      "1",
			"profile-level-id":        "42e01f",
		},
		RtcpFeedback: standardFeedback,
	},
}

// codecMatches compares the fields that decide whether two codec descriptions
// are the same stream format
func codecMatches(mimeType string, clockRate uint32, channels uint16, params map[string]string, capability domain.RtpCodecCapability) bool {
	if !strings.EqualFold(mimeType, capability.MimeType) || clockRate != capability.ClockRate {
		return false
	}
	if channels != 0 && capability.Channels != 0 && channels != capability.Channels {
		return false
	}
	if strings.EqualFold(mimeType, "video/H264") {
		return packetizationMode(params) == packetizationMode(capability.Parameters)
	}
	return true
}

func packetizationMode(params map[string]string) string {
	if mode, ok := params["packetization-mode"]; ok {
		return mode
	}
	return "0"
}

// findCapability returns the capability in caps that decodes codec
func findCapability(caps domain.RtpCapabilities, codec domain.RtpCodecParameters) (domain.RtpCodecCapability, bool) {
	for _, c := range caps.Codecs {
		if codecMatches(codec.MimeType, codec.ClockRate, codec.Channels, codec.Parameters, c) {
			return c, true
		}
	}
	return domain.RtpCodecCapability{}, false
}

// validateProduce checks an incoming track against the router's codecs
func validateProduce(router domain.RtpCapabilities, kind domain.MediaKind, rtp domain.RtpParameters) error {
	if len(rtp.Codecs) == 0 {
		return apperrors.ValidationError("rtpParameters must list at least one codec")
	}
	if len(rtp.Encodings) == 0 {
		return apperrors.ValidationError("rtpParameters must list at least one encoding")
	}

	codec := rtp.Codecs[0]
	capability, ok := findCapability(router, codec)
	if !ok {
		return apperrors.UnsupportedError(fmt.Sprintf("codec %s is not supported by this room", codec.MimeType))
	}
	if capability.Kind != kind {
		return apperrors.ValidationError(fmt.Sprintf("codec %s cannot carry %s", codec.MimeType, kind))
	}
	return nil
}

// consumerParameters negotiates what a receiver gets for a producer. The
// receiver must be able to decode the producer's codec; the payload type is
// the receiver's preferred one.
func consumerParameters(producer domain.RtpParameters, receiver domain.RtpCapabilities) (domain.RtpParameters, error) {
	if len(producer.Codecs) == 0 {
		return domain.RtpParameters{}, apperrors.InternalError("producer has no codec")
	}
	if len(receiver.Codecs) == 0 {
		return domain.RtpParameters{}, apperrors.ValidationError("rtpCapabilities must list at least one codec")
	}

	codec := producer.Codecs[0]
	capability, ok := findCapability(receiver, codec)
	if !ok {
		return domain.RtpParameters{}, apperrors.UnsupportedError(
			fmt.Sprintf("receiver cannot decode %s", codec.MimeType))
	}

	return domain.RtpParameters{
		Codecs: []domain.RtpCodecParameters{{
			MimeType:     codec.MimeType,
			PayloadType:  capability.PreferredPayloadType,
			ClockRate:    codec.ClockRate,
			Channels:     codec.Channels,
			Parameters:   codec.Parameters,
			RtcpFeedback: capability.RtcpFeedback,
		}},
	}, nil
}
