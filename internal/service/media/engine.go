package media

import (
	"context"

	"huddle-backend/internal/domain"
)

// Engine is the media routing engine the rooms run on. Workers, routers and
// transports are handles into it; the manager never touches RTP itself.
type Engine interface {
	NewWorker(ctx context.Context) (Worker, error)
	// Events reports asynchronous engine conditions. The channel is closed
	// when the engine shuts down.
	Events() <-chan EngineEvent
}

// Worker is one routing process. A dead worker takes all its routers with it.
type Worker interface {
	ID() string
	NewRouter(ctx context.Context, codecs []domain.RtpCodecCapability) (Router, error)
	Close()
}

// Router is the routing context of one room
type Router interface {
	ID() string
	Capabilities() domain.RtpCapabilities
	CreateTransport(ctx context.Context, direction domain.TransportDirection) (Transport, error)
	Close()
}

// Transport is one ICE/DTLS connection to a client
type Transport interface {
	ID() string
	Params() domain.TransportParams
	Connect(ctx context.Context, remote domain.HandshakeParams) error
	Produce(ctx context.Context, kind domain.MediaKind, rtp domain.RtpParameters) (Producer, error)
	Consume(ctx context.Context, producer Producer, rtp domain.RtpParameters) (Consumer, error)
	Close()
}

// Producer is an incoming track
type Producer interface {
	ID() string
	Kind() domain.MediaKind
	RequestKeyFrame() error
	Close()
}

// Consumer forwards a producer to a receiving transport. Consumers start paused.
type Consumer interface {
	ID() string
	RtpParameters() domain.RtpParameters
	Resume(ctx context.Context) error
	Close()
}

// EngineEventKind classifies engine events
type EngineEventKind string

const (
	EventWorkerDied     EngineEventKind = "worker-died"
	EventTransportState EngineEventKind = "transport-state"
)

// EngineEvent is an asynchronous notice from the engine
type EngineEvent struct {
	Kind        EngineEventKind
	WorkerID    string
	TransportID string
	State       domain.TransportState
}
