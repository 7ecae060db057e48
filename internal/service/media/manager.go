package media

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"huddle-backend/internal/domain"
	apperrors "huddle-backend/pkg/errors"
	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/metrics"
)

// Notifier delivers events to every live channel of the given users
type Notifier interface {
	NotifyUsers(ctx context.Context, userIDs []uuid.UUID, event domain.Event)
}

// RoomLostFunc is called after a room disappeared without being closed, e.g.
// because its worker died. It runs outside every manager lock.
type RoomLostFunc func(ctx context.Context, conversationID uuid.UUID, reason string)

// ProducerEvent is the data of producer-available and producer-closed
type ProducerEvent struct {
	RoomID     domain.RoomID      `json:"roomId"`
	ProducerID string             `json:"producerId"`
	PeerID     uuid.UUID          `json:"peerId"`
	Kind       domain.MediaKind   `json:"kind"`
	Source     domain.MediaSource `json:"source"`
}

// TransportStateEvent is the data of transport-state-changed
type TransportStateEvent struct {
	RoomID      domain.RoomID         `json:"roomId"`
	TransportID string                `json:"transportId"`
	State       domain.TransportState `json:"state"`
}

type transportRef struct {
	roomID domain.RoomID
	peerID uuid.UUID
}

type roomFuture struct {
	done chan struct{}
	room *room
	err  error
}

// Manager maps conversations to media rooms and peers to engine transports,
// producers and consumers
type Manager struct {
	engine   Engine
	pool     *WorkerPool
	codecs   []domain.RtpCodecCapability
	notifier Notifier
	metrics  *metrics.Metrics

	mu       sync.Mutex
	rooms    map[domain.RoomID]*room
	creating map[domain.RoomID]*roomFuture
	onLost   RoomLostFunc

	transports sync.Map // transport id -> transportRef
}

// NewManager creates a room manager over pool
func NewManager(engine Engine, pool *WorkerPool, notifier Notifier, m *metrics.Metrics) *Manager {
	return &Manager{
		engine:   engine,
		pool:     pool,
		codecs:   DefaultCodecs,
		notifier: notifier,
		metrics:  m,
		rooms:    make(map[domain.RoomID]*room),
		creating: make(map[domain.RoomID]*roomFuture),
	}
}

// SetRoomLostHook registers fn to run when a room is lost
func (m *Manager) SetRoomLostHook(fn RoomLostFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLost = fn
}

// EnsureRoom returns the conversation's room, creating it on a pooled worker if needed
func (m *Manager) EnsureRoom(ctx context.Context, conversationID uuid.UUID) (*domain.RoomInfo, error) {
	r, err := m.ensure(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.infoLocked(), nil
}

func (m *Manager) ensure(ctx context.Context, conversationID uuid.UUID) (*room, error) {
	id := domain.RoomIDFor(conversationID)

	m.mu.Lock()
	if r, ok := m.rooms[id]; ok {
		m.mu.Unlock()
		return r, nil
	}
	if f, ok := m.creating[id]; ok {
		m.mu.Unlock()
		select {
		case <-f.done:
			return f.room, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &roomFuture{done: make(chan struct{})}
	m.creating[id] = f
	m.mu.Unlock()

	r, err := m.createRoom(ctx, id, conversationID)

	m.mu.Lock()
	delete(m.creating, id)
	if err == nil {
		m.rooms[id] = r
		m.metrics.SetRooms(len(m.rooms))
	}
	m.mu.Unlock()

	f.room, f.err = r, err
	close(f.done)

	if err == nil {
		logger.Info("Media room created",
			logger.RoomID(string(id)),
			logger.ConversationID(conversationID),
			zap.String("worker_id", r.worker.ID()))
	}
	return r, err
}

func (m *Manager) createRoom(ctx context.Context, id domain.RoomID, conversationID uuid.UUID) (*room, error) {
	worker, err := m.pool.Acquire()
	if err != nil {
		return nil, err
	}

	router, err := worker.NewRouter(ctx, m.codecs)
	if err != nil {
		m.pool.Release(worker.ID())
		return nil, m.engineError("create_router", err)
	}

	return newRoom(id, conversationID, worker, router), nil
}

// Room returns a snapshot of an existing room
func (m *Manager) Room(roomID domain.RoomID) (*domain.RoomInfo, error) {
	r, err := m.room(roomID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, apperrors.NotFoundError("Room")
	}
	return r.infoLocked(), nil
}

// GetRouterCapabilities returns what a client must be able to send and receive in the room
func (m *Manager) GetRouterCapabilities(roomID domain.RoomID) (domain.RtpCapabilities, error) {
	r, err := m.room(roomID)
	if err != nil {
		return domain.RtpCapabilities{}, err
	}
	return r.router.Capabilities(), nil
}

// OpenTransport returns the peer's transport for direction, creating the peer
// and the transport on first use. A second request for the same direction
// returns the existing transport.
func (m *Manager) OpenTransport(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, direction domain.TransportDirection) (*domain.TransportParams, error) {
	if !direction.Valid() {
		return nil, apperrors.ValidationError(fmt.Sprintf("unknown transport direction %q", direction))
	}

	r, err := m.room(roomID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, apperrors.NotFoundError("Room")
	}
	p, ok := r.peers[peerID]
	if !ok {
		p = newPeer(peerID)
		r.peers[peerID] = p
		m.metrics.AddPeers(1)
	}
	r.mu.Unlock()

	p.ops.Lock()
	defer p.ops.Unlock()

	r.mu.Lock()
	if !r.aliveLocked(p) {
		r.mu.Unlock()
		return nil, apperrors.NotFoundError("Peer")
	}
	if existing := p.transportFor(direction); existing != nil {
		r.mu.Unlock()
		params := existing.Params()
		return &params, nil
	}
	r.mu.Unlock()

	t, err := r.router.CreateTransport(ctx, direction)
	if err != nil {
		return nil, m.engineError("create_transport", err)
	}

	r.mu.Lock()
	if !r.aliveLocked(p) {
		r.mu.Unlock()
		t.Close()
		return nil, apperrors.NotFoundError("Peer")
	}
	if direction == domain.DirectionSend {
		p.send = t
	} else {
		p.recv = t
	}
	r.mu.Unlock()

	m.transports.Store(t.ID(), transportRef{roomID: roomID, peerID: peerID})

	logger.Debug("Transport opened",
		logger.RoomID(string(roomID)),
		logger.PeerID(peerID),
		zap.String("transport_id", t.ID()),
		zap.String("direction", string(direction)))

	params := t.Params()
	return &params, nil
}

func (p *peer) transportFor(direction domain.TransportDirection) Transport {
	if direction == domain.DirectionSend {
		return p.send
	}
	return p.recv
}

// ConnectTransport completes the handshake of one of the peer's transports
func (m *Manager) ConnectTransport(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, transportID string, remote domain.HandshakeParams) error {
	r, p, err := m.peer(roomID, peerID)
	if err != nil {
		return err
	}

	p.ops.Lock()
	defer p.ops.Unlock()

	r.mu.Lock()
	if !r.aliveLocked(p) {
		r.mu.Unlock()
		return apperrors.NotFoundError("Peer")
	}
	t, _, err := p.transportLocked(transportID)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if err := t.Connect(ctx, remote); err != nil {
		return m.engineError("connect_transport", err)
	}
	return nil
}

// CreateProducer starts receiving a track on the peer's send transport and
// announces it to every other peer in the room
func (m *Manager) CreateProducer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, transportID string, source domain.MediaSource, rtp domain.RtpParameters) (*domain.ProducerInfo, error) {
	if !source.Valid() {
		return nil, apperrors.ValidationError(fmt.Sprintf("unknown media source %q", source))
	}
	kind := source.Kind()

	r, p, err := m.peer(roomID, peerID)
	if err != nil {
		return nil, err
	}

	p.ops.Lock()
	defer p.ops.Unlock()

	r.mu.Lock()
	if !r.aliveLocked(p) {
		r.mu.Unlock()
		return nil, apperrors.NotFoundError("Peer")
	}
	t, direction, err := p.transportLocked(transportID)
	if err == nil && direction != domain.DirectionSend {
		err = apperrors.InvalidStateError("producers require the send transport")
	}
	if err == nil {
		if _, taken := p.sources[source]; taken {
			err = apperrors.ConflictError(fmt.Sprintf("peer already produces %s", source))
		}
	}
	if err == nil {
		err = validateProduce(r.router.Capabilities(), kind, rtp)
	}
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	producer, err := t.Produce(ctx, kind, rtp)
	if err != nil {
		return nil, m.engineError("produce", err)
	}

	info := domain.ProducerInfo{
		ID:            producer.ID(),
		PeerID:        peerID,
		Kind:          kind,
		Source:        source,
		RtpParameters: rtp,
	}

	r.mu.Lock()
	if !r.aliveLocked(p) {
		r.mu.Unlock()
		producer.Close()
		return nil, apperrors.NotFoundError("Peer")
	}
	p.producers[info.ID] = &producerEntry{producer: producer, info: info}
	p.sources[source] = info.ID
	others := r.otherPeersLocked(peerID)
	r.mu.Unlock()

	m.metrics.AddProducers(string(kind), 1)
	logger.Info("Producer created",
		logger.RoomID(string(roomID)),
		logger.PeerID(peerID),
		zap.String("producer_id", info.ID),
		zap.String("source", string(source)))

	m.notify(ctx, others, domain.EventProducerAvailable, &ProducerEvent{
		RoomID:     roomID,
		ProducerID: info.ID,
		PeerID:     peerID,
		Kind:       kind,
		Source:     source,
	})

	return &info, nil
}

// CreateConsumer forwards a producer of the room to the peer's receive
// transport. The consumer starts paused until ResumeConsumer.
func (m *Manager) CreateConsumer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, transportID, producerID string, receiver domain.RtpCapabilities) (*domain.ConsumerInfo, error) {
	r, p, err := m.peer(roomID, peerID)
	if err != nil {
		return nil, err
	}

	p.ops.Lock()
	defer p.ops.Unlock()

	r.mu.Lock()
	if !r.aliveLocked(p) {
		r.mu.Unlock()
		return nil, apperrors.NotFoundError("Peer")
	}
	t, direction, err := p.transportLocked(transportID)
	if err == nil && direction != domain.DirectionRecv {
		err = apperrors.InvalidStateError("consumers require the receive transport")
	}
	var source *producerEntry
	if err == nil {
		var ok bool
		if source, ok = r.findProducerLocked(producerID); !ok {
			err = apperrors.NotFoundError("Producer")
		}
	}
	var rtp domain.RtpParameters
	if err == nil {
		rtp, err = consumerParameters(source.info.RtpParameters, receiver)
	}
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	consumer, err := t.Consume(ctx, source.producer, rtp)
	if err != nil {
		return nil, m.engineError("consume", err)
	}

	info := domain.ConsumerInfo{
		ID:             consumer.ID(),
		ProducerID:     producerID,
		ProducerPeerID: source.info.PeerID,
		Kind:           source.info.Kind,
		RtpParameters:  consumer.RtpParameters(),
		Paused:         true,
	}

	r.mu.Lock()
	_, producerAlive := r.findProducerLocked(producerID)
	if !r.aliveLocked(p) || !producerAlive {
		r.mu.Unlock()
		consumer.Close()
		if !producerAlive {
			return nil, apperrors.NotFoundError("Producer")
		}
		return nil, apperrors.NotFoundError("Peer")
	}
	p.consumers[info.ID] = &consumerEntry{consumer: consumer, producer: source.producer, info: info}
	r.mu.Unlock()

	m.metrics.AddConsumers(1)
	logger.Debug("Consumer created",
		logger.RoomID(string(roomID)),
		logger.PeerID(peerID),
		zap.String("consumer_id", info.ID),
		zap.String("producer_id", producerID))

	return &info, nil
}

// ResumeConsumer starts forwarding media and asks the producer for a key frame
func (m *Manager) ResumeConsumer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, consumerID string) error {
	r, p, err := m.peer(roomID, peerID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	entry, ok := p.consumers[consumerID]
	if !r.aliveLocked(p) || !ok {
		r.mu.Unlock()
		return apperrors.NotFoundError("Consumer")
	}
	r.mu.Unlock()

	if err := entry.consumer.Resume(ctx); err != nil {
		return m.engineError("resume_consumer", err)
	}
	if err := entry.producer.RequestKeyFrame(); err != nil {
		logger.Debug("Key frame request failed", zap.String("consumer_id", consumerID), zap.Error(err))
	}

	r.mu.Lock()
	entry.info.Paused = false
	r.mu.Unlock()
	return nil
}

// CloseProducer stops one of the peer's producers along with every consumer of it
func (m *Manager) CloseProducer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, producerID string) error {
	r, p, err := m.peer(roomID, peerID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	entry, consumers := r.detachProducerLocked(p, producerID)
	if entry == nil {
		r.mu.Unlock()
		return apperrors.NotFoundError("Producer")
	}
	others := r.otherPeersLocked(peerID)
	r.mu.Unlock()

	td := &teardown{consumers: consumers, producers: []*producerEntry{entry}}
	td.run()
	m.metrics.AddConsumers(-len(consumers))
	m.metrics.AddProducers(string(entry.info.Kind), -1)

	m.notify(ctx, others, domain.EventProducerClosed, producerEvent(roomID, entry.info))
	return nil
}

// CloseConsumer stops one of the peer's consumers
func (m *Manager) CloseConsumer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID, consumerID string) error {
	r, p, err := m.peer(roomID, peerID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	entry, ok := p.consumers[consumerID]
	if ok {
		delete(p.consumers, consumerID)
	}
	r.mu.Unlock()
	if !ok {
		return apperrors.NotFoundError("Consumer")
	}

	entry.consumer.Close()
	m.metrics.AddConsumers(-1)
	return nil
}

// ListExistingProducers lists every producer in the room not owned by excludingPeerID
func (m *Manager) ListExistingProducers(roomID domain.RoomID, excludingPeerID uuid.UUID) ([]domain.ProducerInfo, error) {
	r, err := m.room(roomID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, apperrors.NotFoundError("Room")
	}

	out := make([]domain.ProducerInfo, 0)
	for id, p := range r.peers {
		if id == excludingPeerID {
			continue
		}
		for _, entry := range p.producers {
			out = append(out, entry.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RemovePeer closes the peer's consumers, producers and transports and drops
// it. An emptied room is detached in the same critical section and torn down
// right away, so a peer arriving afterwards lands in a fresh room.
func (m *Manager) RemovePeer(ctx context.Context, roomID domain.RoomID, peerID uuid.UUID) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if !ok {
		m.mu.Unlock()
		return apperrors.NotFoundError("Room")
	}

	r.mu.Lock()
	p, err := r.peerLocked(peerID)
	if err != nil {
		r.mu.Unlock()
		m.mu.Unlock()
		return err
	}
	td := r.removePeerLocked(p)
	empty := len(r.peers) == 0
	if empty {
		r.closed = true
		delete(m.rooms, roomID)
		m.metrics.SetRooms(len(m.rooms))
	}
	r.mu.Unlock()
	m.mu.Unlock()

	m.release(td)
	m.metrics.AddPeers(-1)
	for _, n := range td.closedProducers {
		m.notify(ctx, n.to, domain.EventProducerClosed, producerEvent(roomID, n.info))
	}

	logger.Info("Peer removed from media room",
		logger.RoomID(string(roomID)),
		logger.PeerID(peerID),
		zap.Bool("room_empty", empty))

	if empty {
		m.destroy(r)
	}
	return nil
}

// CloseRoom tears a room down and returns its worker slot
func (m *Manager) CloseRoom(ctx context.Context, roomID domain.RoomID) error {
	m.mu.Lock()
	r, ok := m.rooms[roomID]
	if ok {
		delete(m.rooms, roomID)
		m.metrics.SetRooms(len(m.rooms))
	}
	m.mu.Unlock()
	if !ok {
		return apperrors.NotFoundError("Room")
	}

	r.mu.Lock()
	peers := len(r.peers)
	td := r.closeLocked()
	r.mu.Unlock()

	m.release(td)
	m.metrics.AddPeers(-peers)
	m.destroy(r)
	return nil
}

// destroy frees the engine side of a room already detached from m.rooms
func (m *Manager) destroy(r *room) {
	r.router.Close()
	m.pool.Release(r.worker.ID())
	logger.Info("Media room closed", logger.RoomID(string(r.id)))
}

// Run consumes engine events until ctx is done or the engine closes its channel
func (m *Manager) Run(ctx context.Context) {
	events := m.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handle(ctx, ev)
		}
	}
}

func (m *Manager) handle(ctx context.Context, ev EngineEvent) {
	switch ev.Kind {
	case EventWorkerDied:
		m.workerDied(ctx, ev.WorkerID)
	case EventTransportState:
		v, ok := m.transports.Load(ev.TransportID)
		if !ok {
			return
		}
		ref := v.(transportRef)
		m.notify(ctx, []uuid.UUID{ref.peerID}, domain.EventTransportState, &TransportStateEvent{
			RoomID:      ref.roomID,
			TransportID: ev.TransportID,
			State:       ev.State,
		})
	}
}

// workerDied drops every room bound to the dead worker, replaces the worker
// and reports each lost room through the hook
func (m *Manager) workerDied(ctx context.Context, workerID string) {
	m.mu.Lock()
	var lost []*room
	for id, r := range m.rooms {
		if r.worker.ID() == workerID {
			lost = append(lost, r)
			delete(m.rooms, id)
		}
	}
	m.metrics.SetRooms(len(m.rooms))
	hook := m.onLost
	m.mu.Unlock()

	for _, r := range lost {
		r.mu.Lock()
		peers := len(r.peers)
		td := r.closeLocked()
		r.mu.Unlock()
		m.release(td)
		m.metrics.AddPeers(-peers)
	}

	logger.Error("Media worker died",
		zap.String("worker_id", workerID),
		zap.Int("rooms_lost", len(lost)))

	if _, err := m.pool.Replace(ctx, workerID); err != nil {
		logger.Error("Failed to replace media worker", zap.String("worker_id", workerID), zap.Error(err))
	}

	if hook == nil {
		return
	}
	for _, r := range lost {
		hook(ctx, r.conversationID, "media_failure")
	}
}

// Close tears down every room and stops the workers
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	ids := make([]domain.RoomID, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.CloseRoom(ctx, id)
	}
	m.pool.Close()
}

func (m *Manager) room(roomID domain.RoomID) (*room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, apperrors.NotFoundError("Room")
	}
	return r, nil
}

func (m *Manager) peer(roomID domain.RoomID, peerID uuid.UUID) (*room, *peer, error) {
	r, err := m.room(roomID)
	if err != nil {
		return nil, nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.peerLocked(peerID)
	if err != nil {
		return nil, nil, err
	}
	return r, p, nil
}

// release closes a teardown's engine objects and settles the gauges
func (m *Manager) release(td *teardown) {
	td.run()
	for _, t := range td.transports {
		m.transports.Delete(t.ID())
	}
	m.metrics.AddConsumers(-len(td.consumers))
	for _, p := range td.producers {
		m.metrics.AddProducers(string(p.info.Kind), -1)
	}
}

func (m *Manager) notify(ctx context.Context, to []uuid.UUID, eventType domain.EventType, data any) {
	if m.notifier == nil || len(to) == 0 {
		return
	}
	m.notifier.NotifyUsers(ctx, to, domain.NewEvent(eventType, data))
}

// engineError keeps AppErrors from the engine and reports anything else as
// the media service being unavailable
func (m *Manager) engineError(op string, err error) error {
	m.metrics.RecordEngineError(op)
	if apperrors.IsAppError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrCodeServiceUnavail, "media engine timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrCodeServiceUnavail, fmt.Sprintf("media engine failed to %s", op), err)
}

func producerEvent(roomID domain.RoomID, info domain.ProducerInfo) *ProducerEvent {
	return &ProducerEvent{
		RoomID:     roomID,
		ProducerID: info.ID,
		PeerID:     info.PeerID,
		Kind:       info.Kind,
		Source:     info.Source,
	}
}
