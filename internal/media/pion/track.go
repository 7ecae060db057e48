package pion

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"huddle-backend/internal/domain"
	"huddle-backend/pkg/logger"
)

// producer receives one client track and relays it into a local track that
// every consumer's sender binds to
type producer struct {
	id        string
	kind      domain.MediaKind
	ssrc      uint32
	transport *transport
	receiver  *webrtc.RTPReceiver
	local     *webrtc.TrackLocalStaticRTP

	closeOnce sync.Once
}

func newProducer(t *transport, kind domain.MediaKind, rtp domain.RtpParameters) (*producer, error) {
	codecKind, err := codecType(kind)
	if err != nil {
		return nil, err
	}
	codec := rtp.Codecs[0]
	encoding := rtp.Encodings[0]

	receiver, err := t.router.api.NewRTPReceiver(codecKind, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create RTP receiver: %w", err)
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{{
			RTPCodingParameters: webrtc.RTPCodingParameters{
				SSRC:        webrtc.SSRC(encoding.SSRC),
				PayloadType: webrtc.PayloadType(codec.PayloadType),
			},
		}},
	})
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("failed to start RTP receiver: %w", err)
	}

	id := "producer-" + uuid.NewString()
	local, err := webrtc.NewTrackLocalStaticRTP(
		codecCapability(codec.MimeType, codec.ClockRate, codec.Channels, codec.Parameters, codec.RtcpFeedback),
		id,
		t.id,
	)
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("failed to create relay track: %w", err)
	}

	return &producer{
		id:        id,
		kind:      kind,
		ssrc:      encoding.SSRC,
		transport: t,
		receiver:  receiver,
		local:     local,
	}, nil
}

func (p *producer) ID() string             { return p.id }
func (p *producer) Kind() domain.MediaKind { return p.kind }

// relay copies RTP from the client into the relay track until the receiver stops
func (p *producer) relay() {
	defer p.transport.router.worker.guard()

	track := p.receiver.Track()
	if track == nil {
		return
	}
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		// a failing consumer must not stall the others
		_, _ = p.local.Write(buf[:n])
	}
}

// RequestKeyFrame sends a PLI upstream. Audio has no key frames.
func (p *producer) RequestKeyFrame() error {
	if p.kind != domain.MediaKindVideo {
		return nil
	}
	_, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: p.ssrc},
	})
	return err
}

func (p *producer) Close() {
	p.closeOnce.Do(func() {
		if err := p.receiver.Stop(); err != nil {
			logger.Debug("RTP receiver stop failed", zap.String("producer_id", p.id), zap.Error(err))
		}
		p.transport.forgetProducer(p.id)
	})
}

// consumer binds a producer's relay track to a sender on a receiving
// transport. Nothing flows until Resume calls Send.
type consumer struct {
	id        string
	transport *transport
	producer  *producer
	sender    *webrtc.RTPSender
	rtp       domain.RtpParameters

	mu        sync.Mutex
	resumed   bool
	closeOnce sync.Once
}

func newConsumer(t *transport, src *producer, rtp domain.RtpParameters) (*consumer, error) {
	sender, err := t.router.api.NewRTPSender(src.local, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create RTP sender: %w", err)
	}

	params := sender.GetParameters()
	encodings := make([]domain.RtpEncodingParameters, 0, len(params.Encodings))
	for _, e := range params.Encodings {
		encodings = append(encodings, domain.RtpEncodingParameters{SSRC: uint32(e.SSRC)})
	}
	rtp.Encodings = encodings

	return &consumer{
		id:        "consumer-" + uuid.NewString(),
		transport: t,
		producer:  src,
		sender:    sender,
		rtp:       rtp,
	}, nil
}

func (c *consumer) ID() string                          { return c.id }
func (c *consumer) RtpParameters() domain.RtpParameters { return c.rtp }

func (c *consumer) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resumed {
		return nil
	}
	if err := c.sender.Send(c.sender.GetParameters()); err != nil {
		return fmt.Errorf("failed to start RTP sender: %w", err)
	}
	c.resumed = true
	return nil
}

// readRTCP drains receiver feedback so the interceptors see it, and turns
// key frame requests into a PLI on the producer
func (c *consumer) readRTCP() {
	defer c.transport.router.worker.guard()

	for {
		packets, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if err := c.producer.RequestKeyFrame(); err != nil {
					logger.Debug("Key frame forward failed", zap.String("consumer_id", c.id), zap.Error(err))
				}
			}
		}
	}
}

func (c *consumer) Close() {
	c.closeOnce.Do(func() {
		if err := c.sender.Stop(); err != nil {
			logger.Debug("RTP sender stop failed", zap.String("consumer_id", c.id), zap.Error(err))
		}
		c.transport.forgetConsumer(c.id)
	})
}
