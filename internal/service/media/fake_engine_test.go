package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"huddle-backend/internal/domain"
)

// fakeEngine is an in-process Engine that records what was opened and closed
type fakeEngine struct {
	seq    atomic.Int64
	events chan EngineEvent

	mu        sync.Mutex
	workers   []*fakeWorker
	closed    map[string]bool
	failNext  error
	transport func(t *fakeTransport)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		events: make(chan EngineEvent, 16),
		closed: make(map[string]bool),
	}
}

func (e *fakeEngine) id(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, e.seq.Add(1))
}

func (e *fakeEngine) NewWorker(ctx context.Context) (Worker, error) {
	w := &fakeWorker{engine: e, id: e.id("worker")}
	e.mu.Lock()
	e.workers = append(e.workers, w)
	e.mu.Unlock()
	return w, nil
}

func (e *fakeEngine) Events() <-chan EngineEvent { return e.events }

func (e *fakeEngine) markClosed(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed[id] = true
}

func (e *fakeEngine) isClosed(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed[id]
}

func (e *fakeEngine) takeFailure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	err := e.failNext
	e.failNext = nil
	return err
}

type fakeWorker struct {
	engine *fakeEngine
	id     string
}

func (w *fakeWorker) ID() string { return w.id }

func (w *fakeWorker) NewRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (Router, error) {
	if err := w.engine.takeFailure(); err != nil {
		return nil, err
	}
	return &fakeRouter{engine: w.engine, id: w.engine.id("router"), caps: domain.RtpCapabilities{Codecs: codecs}}, nil
}

func (w *fakeWorker) Close() { w.engine.markClosed(w.id) }

type fakeRouter struct {
	engine *fakeEngine
	id     string
	caps   domain.RtpCapabilities
}

func (r *fakeRouter) ID() string { return r.id }
func (r *fakeRouter) Capabilities() domain.RtpCapabilities { return r.caps }
func (r *fakeRouter) Close() { r.engine.markClosed(r.id) }

func (r *fakeRouter) CreateTransport(ctx context.Context, direction domain.TransportDirection) (Transport, error) {
	if err := r.engine.takeFailure(); err != nil {
		return nil, err
	}
	t := &fakeTransport{engine: r.engine, id: r.engine.id("transport"), direction: direction}
	r.engine.mu.Lock()
	hook := r.engine.transport
	r.engine.mu.Unlock()
	if hook != nil {
		hook(t)
	}
	return t, nil
}

type fakeTransport struct {
	engine    *fakeEngine
	id        string
	direction domain.TransportDirection

	mu        sync.Mutex
	connected bool
	onClose   func()
}

func (t *fakeTransport) ID() string { return t.id }

func (t *fakeTransport) Params() domain.TransportParams {
	return domain.TransportParams{
		ID:            t.id,
		Direction:     t.direction,
		IceParameters: domain.IceParameters{UsernameFragment: "frag-" + t.id, Password: "pwd"},
		IceCandidates: []domain.IceCandidate{{Foundation: "1", Address: "10.0.0.1", Protocol: "udp", Port: 40000, Type: "host"}},
		DtlsParameters: domain.DtlsParameters{
			Role:         "auto",
			Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
		},
	}
}

func (t *fakeTransport) Connect(ctx context.Context, remote domain.HandshakeParams) error {
	if len(remote.DtlsParameters.Fingerprints) == 0 {
		return errors.New("missing fingerprint")
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Produce(ctx context.Context, kind domain.MediaKind, rtp domain.RtpParameters) (Producer, error) {
	if err := t.engine.takeFailure(); err != nil {
		return nil, err
	}
	return &fakeProducer{engine: t.engine, id: t.engine.id("producer"), kind: kind}, nil
}

func (t *fakeTransport) Consume(ctx context.Context, producer Producer, rtp domain.RtpParameters) (Consumer, error) {
	if err := t.engine.takeFailure(); err != nil {
		return nil, err
	}
	rtp.Encodings = []domain.RtpEncodingParameters{{SSRC: 1234}}
	return &fakeConsumer{engine: t.engine, id: t.engine.id("consumer"), rtp: rtp}, nil
}

func (t *fakeTransport) Close() {
	t.mu.Lock()
	hook := t.onClose
	t.onClose = nil
	t.mu.Unlock()
	if hook != nil {
		hook()
	}
	t.engine.markClosed(t.id)
}

type fakeProducer struct {
	engine    *fakeEngine
	id        string
	kind      domain.MediaKind
	keyFrames atomic.Int32
}

func (p *fakeProducer) ID() string { return p.id }
func (p *fakeProducer) Kind() domain.MediaKind { return p.kind }
func (p *fakeProducer) Close() { p.engine.markClosed(p.id) }

func (p *fakeProducer) RequestKeyFrame() error {
	p.keyFrames.Add(1)
	return nil
}

type fakeConsumer struct {
	engine  *fakeEngine
	id      string
	rtp     domain.RtpParameters
	resumed atomic.Bool
}

func (c *fakeConsumer) ID() string { return c.id }
func (c *fakeConsumer) RtpParameters() domain.RtpParameters { return c.rtp }
func (c *fakeConsumer) Close() { c.engine.markClosed(c.id) }

func (c *fakeConsumer) Resume(ctx context.Context) error {
	c.resumed.Store(true)
	return nil
}
