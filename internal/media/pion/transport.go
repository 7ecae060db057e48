package pion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"huddle-backend/internal/domain"
	"huddle-backend/internal/service/media"
	apperrors "huddle-backend/pkg/errors"
	"huddle-backend/pkg/logger"
)

// transport implements media.Transport as an ICE gatherer, ICE transport and
// DTLS transport triple
type transport struct {
	id        string
	router    *router
	direction domain.TransportDirection

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   domain.TransportParams

	mu        sync.Mutex
	starting  bool
	connected bool
	closed    bool
	producers map[string]*producer
	consumers map[string]*consumer
}

func newTransport(ctx context.Context, r *router, id string, direction domain.TransportDirection) (*transport, error) {
	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.worker.engine.iceServers()})
	if err != nil {
		return nil, fmt.Errorf("failed to create ICE gatherer: %w", err)
	}

	gathered := make(chan struct{})
	var once sync.Once
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(gathered) })
		}
	})
	if err := gatherer.Gather(); err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to gather ICE candidates: %w", err)
	}

	timer := time.NewTimer(r.worker.engine.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gathered:
	case <-timer.C:
		logger.Warn("ICE gathering timed out, using partial candidates", zap.String("transport_id", id))
	case <-ctx.Done():
		_ = gatherer.Close()
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to read ICE parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to read ICE candidates: %w", err)
	}

	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to create DTLS transport: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		_ = dtls.Stop()
		_ = gatherer.Close()
		return nil, fmt.Errorf("failed to read DTLS parameters: %w", err)
	}

	t := &transport{
		id:        id,
		router:    r,
		direction: direction,
		gatherer:  gatherer,
		ice:       ice,
		dtls:      dtls,
		producers: make(map[string]*producer),
		consumers: make(map[string]*consumer),
	}
	t.params = domain.TransportParams{
		ID:        id,
		Direction: direction,
		IceParameters: domain.IceParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			IceLite:          iceParams.ICELite,
		},
		IceCandidates:  toDomainCandidates(candidates),
		DtlsParameters: toDomainDTLS(dtlsParams),
	}

	ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		if state, ok := transportState(s); ok {
			t.report(state)
		}
	})
	dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		if s == webrtc.DTLSTransportStateFailed {
			t.report(domain.TransportFailed)
		}
	})

	return t, nil
}

func (t *transport) ID() string                     { return t.id }
func (t *transport) Params() domain.TransportParams { return t.params }

// Connect starts ICE as the controlled agent and runs the DTLS handshake.
// Both block until the client completes them or ctx ends.
func (t *transport) Connect(ctx context.Context, remote domain.HandshakeParams) error {
	t.mu.Lock()
	switch {
	case t.closed:
		t.mu.Unlock()
		return apperrors.NotFoundError("Transport")
	case t.connected:
		t.mu.Unlock()
		return nil
	case t.starting:
		t.mu.Unlock()
		return apperrors.InvalidStateError("transport handshake already in progress")
	}
	t.starting = true
	t.mu.Unlock()

	candidates, err := fromDomainCandidates(remote.IceCandidates)
	if err != nil {
		t.abortStart()
		return apperrors.ValidationError(err.Error())
	}
	dtlsParams, err := fromDomainDTLS(remote.DtlsParameters)
	if err != nil {
		t.abortStart()
		return apperrors.ValidationError(err.Error())
	}
	iceParams := webrtc.ICEParameters{
		UsernameFragment: remote.IceParameters.UsernameFragment,
		Password:         remote.IceParameters.Password,
		ICELite:          remote.IceParameters.IceLite,
	}

	done := make(chan error, 1)
	go func() {
		defer t.router.worker.guard()
		err := t.start(candidates, iceParams, dtlsParams)
		t.mu.Lock()
		t.starting = false
		t.connected = err == nil
		t.mu.Unlock()
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *transport) start(candidates []webrtc.ICECandidate, iceParams webrtc.ICEParameters, dtlsParams webrtc.DTLSParameters) error {
	if err := t.ice.SetRemoteCandidates(candidates); err != nil {
		return fmt.Errorf("failed to set remote candidates: %w", err)
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, iceParams, &role); err != nil {
		return fmt.Errorf("failed to start ICE: %w", err)
	}
	if err := t.dtls.Start(dtlsParams); err != nil {
		return fmt.Errorf("failed to start DTLS: %w", err)
	}
	return nil
}

func (t *transport) abortStart() {
	t.mu.Lock()
	t.starting = false
	t.mu.Unlock()
}

func (t *transport) ready() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return apperrors.NotFoundError("Transport")
	}
	if !t.connected {
		return apperrors.InvalidStateError("transport is not connected")
	}
	return nil
}

func (t *transport) Produce(ctx context.Context, kind domain.MediaKind, rtp domain.RtpParameters) (media.Producer, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	p, err := newProducer(t, kind, rtp)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		p.Close()
		return nil, apperrors.NotFoundError("Transport")
	}
	t.producers[p.id] = p
	t.mu.Unlock()

	go p.relay()
	return p, nil
}

func (t *transport) Consume(ctx context.Context, source media.Producer, rtp domain.RtpParameters) (media.Consumer, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	src, ok := source.(*producer)
	if !ok {
		return nil, fmt.Errorf("producer %s does not belong to this engine", source.ID())
	}
	c, err := newConsumer(t, src, rtp)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.Close()
		return nil, apperrors.NotFoundError("Transport")
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	go c.readRTCP()
	return c, nil
}

func (t *transport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	consumers := t.consumers
	producers := t.producers
	t.consumers = make(map[string]*consumer)
	t.producers = make(map[string]*producer)
	t.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}
	if err := t.dtls.Stop(); err != nil {
		logger.Debug("DTLS stop failed", zap.String("transport_id", t.id), zap.Error(err))
	}
	if err := t.ice.Stop(); err != nil {
		logger.Debug("ICE stop failed", zap.String("transport_id", t.id), zap.Error(err))
	}
	_ = t.gatherer.Close()

	t.router.forget(t.id)
	t.report(domain.TransportClosed)
}

func (t *transport) forgetProducer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, id)
}

func (t *transport) forgetConsumer(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, id)
}

func (t *transport) report(state domain.TransportState) {
	t.router.worker.engine.emit(media.EngineEvent{
		Kind:        media.EventTransportState,
		WorkerID:    t.router.worker.id,
		TransportID: t.id,
		State:       state,
	})
}

// transportState maps ICE states onto transport states. Disconnected is
// transient and not reported.
func transportState(s webrtc.ICETransportState) (domain.TransportState, bool) {
	switch s {
	case webrtc.ICETransportStateNew:
		return domain.TransportNew, true
	case webrtc.ICETransportStateChecking:
		return domain.TransportConnecting, true
	case webrtc.ICETransportStateConnected, webrtc.ICETransportStateCompleted:
		return domain.TransportConnected, true
	case webrtc.ICETransportStateFailed:
		return domain.TransportFailed, true
	case webrtc.ICETransportStateClosed:
		return domain.TransportClosed, true
	}
	return "", false
}

func toDomainCandidates(candidates []webrtc.ICECandidate) []domain.IceCandidate {
	out := make([]domain.IceCandidate, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, domain.IceCandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   c.Protocol.String(),
			Port:       c.Port,
			Type:       c.Typ.String(),
		})
	}
	return out
}

func fromDomainCandidates(candidates []domain.IceCandidate) ([]webrtc.ICECandidate, error) {
	out := make([]webrtc.ICECandidate, 0, len(candidates))
	for _, c := range candidates {
		protocol, err := webrtc.NewICEProtocol(c.Protocol)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		typ, err := webrtc.NewICECandidateType(c.Type)
		if err != nil {
			return nil, fmt.Errorf("candidate %s: %w", c.Foundation, err)
		}
		out = append(out, webrtc.ICECandidate{
			Foundation: c.Foundation,
			Priority:   c.Priority,
			Address:    c.Address,
			Protocol:   protocol,
			Port:       c.Port,
			Typ:        typ,
			Component:  1,
		})
	}
	return out, nil
}

func toDomainDTLS(p webrtc.DTLSParameters) domain.DtlsParameters {
	fps := make([]domain.DtlsFingerprint, 0, len(p.Fingerprints))
	for _, f := range p.Fingerprints {
		fps = append(fps, domain.DtlsFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return domain.DtlsParameters{Role: p.Role.String(), Fingerprints: fps}
}

func fromDomainDTLS(p domain.DtlsParameters) (webrtc.DTLSParameters, error) {
	if len(p.Fingerprints) == 0 {
		return webrtc.DTLSParameters{}, fmt.Errorf("dtlsParameters must list at least one fingerprint")
	}

	var role webrtc.DTLSRole
	switch p.Role {
	case "", "auto":
		role = webrtc.DTLSRoleAuto
	case "client":
		role = webrtc.DTLSRoleClient
	case "server":
		role = webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSParameters{}, fmt.Errorf("unknown DTLS role %q", p.Role)
	}

	fps := make([]webrtc.DTLSFingerprint, 0, len(p.Fingerprints))
	for _, f := range p.Fingerprints {
		fps = append(fps, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return webrtc.DTLSParameters{Role: role, Fingerprints: fps}, nil
}
