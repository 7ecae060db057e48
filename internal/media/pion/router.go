package pion

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"huddle-backend/internal/domain"
	"huddle-backend/internal/service/media"
)

// router implements media.Router
type router struct {
	id     string
	worker *worker
	api    *webrtc.API
	codecs []domain.RtpCodecCapability

	mu         sync.Mutex
	transports map[string]*transport
	closed     bool
}

func (r *router) ID() string { return r.id }

func (r *router) Capabilities() domain.RtpCapabilities {
	return domain.RtpCapabilities{Codecs: r.codecs}
}

func (r *router) CreateTransport(ctx context.Context, direction domain.TransportDirection) (media.Transport, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("router %s is closed", r.id)
	}

	t, err := newTransport(ctx, r, "transport-"+uuid.NewString(), direction)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		t.Close()
		return nil, fmt.Errorf("router %s is closed", r.id)
	}
	r.transports[t.id] = t
	return t, nil
}

func (r *router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	transports := make([]*transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[string]*transport)
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
	r.worker.forget(r.id)
}

func (r *router) forget(transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, transportID)
}

// newAPI builds the pion API a router negotiates with: its codecs plus the
// default NACK, RTCP report and TWCC interceptors
func newAPI(codecs []domain.RtpCodecCapability, settings webrtc.SettingEngine) (*webrtc.API, error) {
	m, err := newMediaEngine(codecs)
	if err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	), nil
}

func newMediaEngine(codecs []domain.RtpCodecCapability) (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	for _, c := range codecs {
		kind, err := codecType(c.Kind)
		if err != nil {
			return nil, err
		}
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: codecCapability(c.MimeType, c.ClockRate, c.Channels, c.Parameters, c.RtcpFeedback),
			PayloadType:        webrtc.PayloadType(c.PreferredPayloadType),
		}
		if err := m.RegisterCodec(params, kind); err != nil {
			return nil, fmt.Errorf("failed to register codec %s: %w", c.MimeType, err)
		}
	}
	return m, nil
}

func codecType(kind domain.MediaKind) (webrtc.RTPCodecType, error) {
	switch kind {
	case domain.MediaKindAudio:
		return webrtc.RTPCodecTypeAudio, nil
	case domain.MediaKindVideo:
		return webrtc.RTPCodecTypeVideo, nil
	}
	return 0, fmt.Errorf("unknown media kind %q", kind)
}

func codecCapability(mimeType string, clockRate uint32, channels uint16, params map[string]string, feedback []domain.RtcpFeedback) webrtc.RTPCodecCapability {
	fb := make([]webrtc.RTCPFeedback, 0, len(feedback))
	for _, f := range feedback {
		fb = append(fb, webrtc.RTCPFeedback{Type: f.Type, Parameter: f.Parameter})
	}
	return webrtc.RTPCodecCapability{
		MimeType:     mimeType,
		ClockRate:    clockRate,
		Channels:     channels,
		SDPFmtpLine:  fmtpLine(params),
		RTCPFeedback: fb,
	}
}

// fmtpLine renders codec parameters as an SDP fmtp value with sorted keys
func fmtpLine(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, ";")
}
