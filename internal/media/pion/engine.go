// Package pion runs media rooms in-process on pion's ORTC API. A worker is a
// partition of routers sharing one network setting; each router owns the
// media engine for its room's codecs.
package pion

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"huddle-backend/internal/domain"
	"huddle-backend/internal/service/media"
	"huddle-backend/pkg/logger"
)

// Config is the network setup shared by every worker
type Config struct {
	UDPPortMin    uint16
	UDPPortMax    uint16
	AnnouncedIPs  []string
	ICEServers    []string
	GatherTimeout time.Duration
}

// Engine implements media.Engine
type Engine struct {
	cfg Config

	events    chan media.EngineEvent
	done      chan struct{}
	closeOnce sync.Once
	// sending is held shared by every emit so Close never closes events
	// under a sender
	sending sync.RWMutex
}

// NewEngine creates an engine. Events are buffered; when the buffer is full
// transport state events are dropped rather than blocking media goroutines.
// Worker death is never dropped.
func NewEngine(cfg Config) *Engine {
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = 5 * time.Second
	}
	return &Engine{
		cfg:    cfg,
		events: make(chan media.EngineEvent, 256),
		done:   make(chan struct{}),
	}
}

// Events implements media.Engine
func (e *Engine) Events() <-chan media.EngineEvent { return e.events }

// NewWorker implements media.Engine
func (e *Engine) NewWorker(ctx context.Context) (media.Worker, error) {
	if e.isClosed() {
		return nil, fmt.Errorf("media engine is closed")
	}

	settings, err := e.settingEngine()
	if err != nil {
		return nil, err
	}

	w := &worker{
		id:       "worker-" + uuid.NewString(),
		engine:   e,
		settings: settings,
		routers:  make(map[string]*router),
	}
	logger.Info("Media worker started", zap.String("worker_id", w.id))
	return w, nil
}

// Close stops event delivery. A worker death still waiting for the
// consumer is abandoned.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
		e.sending.Lock()
		close(e.events)
		e.sending.Unlock()
	})
}

func (e *Engine) isClosed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// emit queues ev. Worker death blocks until the consumer takes it; anything
// else is dropped when the buffer is full.
func (e *Engine) emit(ev media.EngineEvent) {
	e.sending.RLock()
	defer e.sending.RUnlock()
	if e.isClosed() {
		return
	}

	if ev.Kind == media.EventWorkerDied {
		select {
		case e.events <- ev:
		case <-e.done:
		}
		return
	}

	select {
	case e.events <- ev:
	default:
		logger.Warn("Media engine event dropped",
			zap.String("kind", string(ev.Kind)),
			zap.String("transport_id", ev.TransportID))
	}
}

func (e *Engine) settingEngine() (webrtc.SettingEngine, error) {
	se := webrtc.SettingEngine{}
	if e.cfg.UDPPortMin > 0 && e.cfg.UDPPortMax >= e.cfg.UDPPortMin {
		if err := se.SetEphemeralUDPPortRange(e.cfg.UDPPortMin, e.cfg.UDPPortMax); err != nil {
			return se, fmt.Errorf("failed to set UDP port range %d-%d: %w", e.cfg.UDPPortMin, e.cfg.UDPPortMax, err)
		}
	}
	if len(e.cfg.AnnouncedIPs) > 0 {
		se.SetNAT1To1IPs(e.cfg.AnnouncedIPs, webrtc.ICECandidateTypeHost)
	}
	return se, nil
}

func (e *Engine) iceServers() []webrtc.ICEServer {
	if len(e.cfg.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: e.cfg.ICEServers}}
}

// worker implements media.Worker
type worker struct {
	id       string
	engine   *Engine
	settings webrtc.SettingEngine

	mu      sync.Mutex
	routers map[string]*router
	dead    bool
}

func (w *worker) ID() string { return w.id }

func (w *worker) NewRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (media.Router, error) {
	api, err := newAPI(codecs, w.settings)
	if err != nil {
		return nil, err
	}

	r := &router{
		id:         "router-" + uuid.NewString(),
		worker:     w,
		api:        api,
		codecs:     codecs,
		transports: make(map[string]*transport),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return nil, fmt.Errorf("media worker %s is dead", w.id)
	}
	w.routers[r.id] = r
	return r, nil
}

func (w *worker) Close() {
	w.mu.Lock()
	routers := w.detachLocked()
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
}

func (w *worker) detachLocked() []*router {
	w.dead = true
	routers := make([]*router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.routers = make(map[string]*router)
	return routers
}

func (w *worker) forget(routerID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routers, routerID)
}

// guard runs as a deferred call in every media goroutine. A panic there takes
// the whole worker down and is reported as worker death.
func (w *worker) guard() {
	rec := recover()
	if rec == nil {
		return
	}

	w.mu.Lock()
	if w.dead {
		w.mu.Unlock()
		return
	}
	routers := w.detachLocked()
	w.mu.Unlock()

	logger.Error("Media worker crashed",
		zap.String("worker_id", w.id),
		zap.Any("panic", rec))

	for _, r := range routers {
		r.Close()
	}
	w.engine.emit(media.EngineEvent{Kind: media.EventWorkerDied, WorkerID: w.id})
}
