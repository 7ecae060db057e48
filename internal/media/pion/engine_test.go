package pion

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle-backend/internal/domain"
	"huddle-backend/internal/service/media"
)

func TestFmtpLine(t *testing.T) {
	assert.Equal(t, "", fmtpLine(nil))
	assert.Equal(t,
		"level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		fmtpLine(map[string]string{
			"profile-level-id":        "42e01f",
			"packetization-mode":      "1",
			"level-asymmetry-allowed": "1",
		}))
}

func TestNewMediaEngine_RejectsUnknownKind(t *testing.T) {
	_, err := newMediaEngine([]domain.RtpCodecCapability{{Kind: "data", MimeType: "application/x"}})
	assert.Error(t, err)

	_, err = newMediaEngine(media.DefaultCodecs)
	assert.NoError(t, err)
}

func TestCandidateConversion(t *testing.T) {
	in := []domain.IceCandidate{{
		Foundation: "842163049",
		Priority:   1677729535,
		Address:    "203.0.113.7",
		Protocol:   "udp",
		Port:       40123,
		Type:       "srflx",
	}}

	converted, err := fromDomainCandidates(in)
	require.NoError(t, err)
	require.Len(t, converted, 1)
	assert.Equal(t, webrtc.ICEProtocolUDP, converted[0].Protocol)
	assert.Equal(t, webrtc.ICECandidateTypeSrflx, converted[0].Typ)
	assert.Equal(t, uint16(1), converted[0].Component)

	assert.Equal(t, in, toDomainCandidates(converted))

	_, err = fromDomainCandidates([]domain.IceCandidate{{Protocol: "sctp", Type: "host"}})
	assert.Error(t, err)
	_, err = fromDomainCandidates([]domain.IceCandidate{{Protocol: "udp", Type: "peer"}})
	assert.Error(t, err)
}

func TestDTLSConversion(t *testing.T) {
	params, err := fromDomainDTLS(domain.DtlsParameters{
		Role:         "client",
		Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "AB:CD"}},
	})
	require.NoError(t, err)
	assert.Equal(t, webrtc.DTLSRoleClient, params.Role)
	assert.Equal(t, "sha-256", params.Fingerprints[0].Algorithm)

	back := toDomainDTLS(params)
	assert.Equal(t, "client", back.Role)

	params, err = fromDomainDTLS(domain.DtlsParameters{Fingerprints: back.Fingerprints})
	require.NoError(t, err)
	assert.Equal(t, webrtc.DTLSRoleAuto, params.Role)

	_, err = fromDomainDTLS(domain.DtlsParameters{Role: "client"})
	assert.Error(t, err)
	_, err = fromDomainDTLS(domain.DtlsParameters{Role: "peer", Fingerprints: back.Fingerprints})
	assert.Error(t, err)
}

func TestTransportState(t *testing.T) {
	tests := []struct {
		in       webrtc.ICETransportState
		want     domain.TransportState
		reported bool
	}{
		{webrtc.ICETransportStateChecking, domain.TransportConnecting, true},
		{webrtc.ICETransportStateConnected, domain.TransportConnected, true},
		{webrtc.ICETransportStateCompleted, domain.TransportConnected, true},
		{webrtc.ICETransportStateFailed, domain.TransportFailed, true},
		{webrtc.ICETransportStateClosed, domain.TransportClosed, true},
		{webrtc.ICETransportStateDisconnected, "", false},
	}
	for _, tt := range tests {
		got, ok := transportState(tt.in)
		assert.Equal(t, tt.reported, ok, tt.in.String())
		assert.Equal(t, tt.want, got, tt.in.String())
	}
}

func TestWorker_RoutersAndCrash(t *testing.T) {
	engine := NewEngine(Config{})
	defer engine.Close()

	w, err := engine.NewWorker(context.Background())
	require.NoError(t, err)

	r, err := w.NewRouter(context.Background(), media.DefaultCodecs)
	require.NoError(t, err)
	assert.Equal(t, media.DefaultCodecs, r.Capabilities().Codecs)

	// a panic in a media goroutine kills the worker
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer w.(*worker).guard()
		panic("relay exploded")
	}()
	<-done

	ev := <-engine.Events()
	assert.Equal(t, media.EventWorkerDied, ev.Kind)
	assert.Equal(t, w.ID(), ev.WorkerID)

	_, err = w.NewRouter(context.Background(), media.DefaultCodecs)
	assert.Error(t, err)

	_, err = r.CreateTransport(context.Background(), domain.DirectionSend)
	assert.Error(t, err, "routers of a dead worker are closed")
}

func TestWorkerDeath_SurvivesFullEventBuffer(t *testing.T) {
	engine := NewEngine(Config{})
	defer engine.Close()

	w, err := engine.NewWorker(context.Background())
	require.NoError(t, err)

	for i := 0; i < cap(engine.events); i++ {
		engine.emit(media.EngineEvent{Kind: media.EventTransportState, TransportID: "busy", State: domain.TransportConnected})
	}
	engine.emit(media.EngineEvent{Kind: media.EventTransportState, TransportID: "overflow", State: domain.TransportFailed})

	go func() {
		defer w.(*worker).guard()
		panic("relay exploded")
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-engine.Events():
			assert.NotEqual(t, "overflow", ev.TransportID, "state events are dropped when the buffer is full")
			if ev.Kind == media.EventWorkerDied {
				assert.Equal(t, w.ID(), ev.WorkerID)
				return
			}
		case <-deadline:
			t.Fatal("worker death was not delivered")
		}
	}
}

func TestEngine_CloseReleasesBlockedDeath(t *testing.T) {
	engine := NewEngine(Config{})
	for i := 0; i < cap(engine.events); i++ {
		engine.emit(media.EngineEvent{Kind: media.EventTransportState, TransportID: "busy"})
	}

	sent := make(chan struct{})
	go func() {
		defer close(sent)
		engine.emit(media.EngineEvent{Kind: media.EventWorkerDied, WorkerID: "worker-1"})
	}()

	select {
	case <-sent:
		t.Fatal("worker death must wait for room in the buffer")
	case <-time.After(50 * time.Millisecond):
	}

	engine.Close()
	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not release the blocked sender")
	}
}

func TestEngine_ClosedRejectsWorkers(t *testing.T) {
	engine := NewEngine(Config{})
	engine.Close()
	engine.Close()

	_, err := engine.NewWorker(context.Background())
	assert.Error(t, err)

	_, open := <-engine.Events()
	assert.False(t, open)
}
