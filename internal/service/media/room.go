package media

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"huddle-backend/internal/domain"
	apperrors "huddle-backend/pkg/errors"
)

// room is the bookkeeping of one media room. mu guards only in-memory state;
// engine calls happen outside it.
type room struct {
	id             domain.RoomID
	conversationID uuid.UUID
	worker         Worker
	router         Router

	mu     sync.Mutex
	peers  map[uuid.UUID]*peer
	closed bool
}

// peer is one user's media presence in a room. ops serializes the peer's own
// engine calls so it never ends up with two transports in one direction.
type peer struct {
	id  uuid.UUID
	ops sync.Mutex

	send      Transport
	recv      Transport
	producers map[string]*producerEntry
	sources   map[domain.MediaSource]string
	consumers map[string]*consumerEntry
	removed   bool
}

type producerEntry struct {
	producer Producer
	info     domain.ProducerInfo
}

type consumerEntry struct {
	consumer Consumer
	producer Producer
	info     domain.ConsumerInfo
}

func newRoom(id domain.RoomID, conversationID uuid.UUID, worker Worker, router Router) *room {
	return &room{
		id:             id,
		conversationID: conversationID,
		worker:         worker,
		router:         router,
		peers:          make(map[uuid.UUID]*peer),
	}
}

func newPeer(id uuid.UUID) *peer {
	return &peer{
		id:        id,
		producers: make(map[string]*producerEntry),
		sources:   make(map[domain.MediaSource]string),
		consumers: make(map[string]*consumerEntry),
	}
}

// peerLocked returns an existing peer. r.mu must be held.
func (r *room) peerLocked(peerID uuid.UUID) (*peer, error) {
	if r.closed {
		return nil, apperrors.NotFoundError("Room")
	}
	p, ok := r.peers[peerID]
	if !ok {
		return nil, apperrors.NotFoundError("Peer")
	}
	return p, nil
}

// aliveLocked reports whether p is still a member of an open room
func (r *room) aliveLocked(p *peer) bool {
	return !r.closed && !p.removed
}

// otherPeersLocked lists every peer except peerID
func (r *room) otherPeersLocked(peerID uuid.UUID) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(r.peers))
	for id := range r.peers {
		if id != peerID {
			ids = append(ids, id)
		}
	}
	return ids
}

// transportLocked resolves transportID against the peer's transports
func (p *peer) transportLocked(transportID string) (Transport, domain.TransportDirection, error) {
	switch {
	case p.send != nil && p.send.ID() == transportID:
		return p.send, domain.DirectionSend, nil
	case p.recv != nil && p.recv.ID() == transportID:
		return p.recv, domain.DirectionRecv, nil
	}
	return nil, "", apperrors.NotFoundError("Transport")
}

// findProducerLocked searches every peer of the room
func (r *room) findProducerLocked(producerID string) (*producerEntry, bool) {
	for _, p := range r.peers {
		if entry, ok := p.producers[producerID]; ok {
			return entry, true
		}
	}
	return nil, false
}

// detachProducerLocked removes a producer and every consumer fed by it
func (r *room) detachProducerLocked(owner *peer, producerID string) (*producerEntry, []*consumerEntry) {
	entry, ok := owner.producers[producerID]
	if !ok {
		return nil, nil
	}
	delete(owner.producers, producerID)
	if owner.sources[entry.info.Source] == producerID {
		delete(owner.sources, entry.info.Source)
	}

	var consumers []*consumerEntry
	for _, p := range r.peers {
		for id, c := range p.consumers {
			if c.info.ProducerID == producerID {
				delete(p.consumers, id)
				consumers = append(consumers, c)
			}
		}
	}
	return entry, consumers
}

// infoLocked snapshots the room
func (r *room) infoLocked() *domain.RoomInfo {
	ids := make([]uuid.UUID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	return &domain.RoomInfo{
		ID:              r.id,
		ConversationID:  r.conversationID,
		WorkerID:        r.worker.ID(),
		RtpCapabilities: r.router.Capabilities(),
		PeerIDs:         ids,
	}
}

// teardown is everything that has to be closed when a peer or room goes away
type teardown struct {
	consumers  []*consumerEntry
	producers  []*producerEntry
	transports []Transport
	// closedProducers maps closed producer ids to the peers that must hear about it
	closedProducers map[string]producerClosedNotice
}

type producerClosedNotice struct {
	info domain.ProducerInfo
	to   []uuid.UUID
}

// removePeerLocked detaches p and collects its engine objects
func (r *room) removePeerLocked(p *peer) *teardown {
	td := &teardown{closedProducers: make(map[string]producerClosedNotice)}

	p.removed = true
	delete(r.peers, p.id)

	for id := range p.producers {
		entry, consumers := r.detachProducerLocked(p, id)
		td.producers = append(td.producers, entry)
		td.consumers = append(td.consumers, consumers...)
		td.closedProducers[id] = producerClosedNotice{info: entry.info, to: r.otherPeersLocked(p.id)}
	}
	for id, c := range p.consumers {
		delete(p.consumers, id)
		td.consumers = append(td.consumers, c)
	}
	if p.send != nil {
		td.transports = append(td.transports, p.send)
	}
	if p.recv != nil {
		td.transports = append(td.transports, p.recv)
	}
	return td
}

// closeLocked marks the room closed and collects every engine object in it
func (r *room) closeLocked() *teardown {
	td := &teardown{closedProducers: make(map[string]producerClosedNotice)}
	r.closed = true
	for _, p := range r.peers {
		p.removed = true
		for _, entry := range p.producers {
			td.producers = append(td.producers, entry)
		}
		for _, c := range p.consumers {
			td.consumers = append(td.consumers, c)
		}
		if p.send != nil {
			td.transports = append(td.transports, p.send)
		}
		if p.recv != nil {
			td.transports = append(td.transports, p.recv)
		}
	}
	r.peers = make(map[uuid.UUID]*peer)
	return td
}

// run closes consumers before producers before transports
func (td *teardown) run() {
	for _, c := range td.consumers {
		c.consumer.Close()
	}
	for _, p := range td.producers {
		p.producer.Close()
	}
	for _, t := range td.transports {
		t.Close()
	}
}
