package pion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"campushub-realtime/internal/media"
	"campushub-realtime/internal/store"
	apperrors "campushub-realtime/pkg/errors"
	"campushub-realtime/pkg/logger"
)

// Transport joins peer sessions over webrtc. SDP offers, answers and ICE
// candidates are exchanged through the realtime store under the call's
// channel reference, so both peers only need store access to negotiate.
type Transport struct {
	api      *webrtc.API
	st       store.Store
	clientID string
	iceURLs  []string
}

// New builds the capture Devices and the Transport on a shared codec
// selector so the negotiated codecs match the encoders feeding the tracks.
func New(st store.Store, clientID string, iceURLs []string) (*Devices, *Transport, error) {
	selector, err := newCodecSelector()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build codec selector: %w", err)
	}

	mediaEngine := webrtc.MediaEngine{}
	selector.Populate(&mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(&mediaEngine, registry); err != nil {
		return nil, nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(10*time.Second, 30*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(&mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)

	if len(iceURLs) == 0 {
		iceURLs = []string{"stun:stun.l.google.com:19302"}
	}

	devices := &Devices{selector: selector}
	transport := &Transport{api: api, st: st, clientID: clientID, iceURLs: iceURLs}
	return devices, transport, nil
}

const (
	signalJoin   = "join"
	signalOffer  = "offer"
	signalAnswer = "answer"
	signalICE    = "ice"
	signalLeave  = "leave"
)

type signalMessage struct {
	From      string                   `json:"from"`
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Join implements media.Transport.
func (t *Transport) Join(ctx context.Context, channelRef string) (media.Session, error) {
	pc, err := t.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: t.iceURLs}},
	})
	if err != nil {
		return nil, apperrors.TransportJoinError(err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		pc:         pc,
		st:         t.st,
		clientID:   t.clientID,
		signalPath: store.Join(channelRef, "signals"),
		log:        logger.With(zap.String("channel_ref", channelRef)),
		events:     make(chan media.SessionEvent, 8),
		seen:       make(map[string]struct{}),
		cancel:     cancel,
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		init := cand.ToJSON()
		s.send(sessionCtx, signalMessage{Type: signalICE, Candidate: &init})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.emit(media.SessionEvent{Type: media.PeerPublished, PeerID: track.StreamID()})
		go s.drainRemote(track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			s.emit(media.SessionEvent{Type: media.PeerLeft, PeerID: s.peer()})
		}
	})

	signals, err := t.st.Watch(sessionCtx, s.signalPath)
	if err != nil {
		cancel()
		_ = pc.Close()
		return nil, apperrors.TransportJoinError(err)
	}
	go s.consumeSignals(sessionCtx, signals)

	if err := s.send(ctx, signalMessage{Type: signalJoin}); err != nil {
		cancel()
		_ = pc.Close()
		return nil, apperrors.TransportJoinError(err)
	}
	return s, nil
}

type session struct {
	pc         *webrtc.PeerConnection
	st         store.Store
	clientID   string
	signalPath string
	log        *zap.Logger

	mu         sync.Mutex
	peerID     string
	seen       map[string]struct{}
	closed     bool
	pendingICE []webrtc.ICECandidateInit

	events chan media.SessionEvent
	cancel context.CancelFunc
}

func (s *session) send(ctx context.Context, msg signalMessage) error {
	msg.From = s.clientID
	if _, err := s.st.Push(ctx, s.signalPath, msg); err != nil {
		return fmt.Errorf("failed to publish %s signal: %w", msg.Type, err)
	}
	return nil
}

func (s *session) emit(ev media.SessionEvent) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.log.Warn("session event dropped", zap.String("type", string(ev.Type)))
	}
}

// consumeSignals re-reads the signal collection on every announcement and
// handles each entry exactly once, in key order of first observation.
func (s *session) consumeSignals(ctx context.Context, events <-chan store.Event) {
	for ev := range events {
		if ev.Type != store.EventPut || len(ev.Data) == 0 {
			continue
		}
		var msgs map[string]signalMessage
		if err := json.Unmarshal(ev.Data, &msgs); err != nil {
			s.log.Warn("failed to decode signal collection", zap.Error(err))
			continue
		}
		for key, msg := range msgs {
			s.mu.Lock()
			_, handled := s.seen[key]
			if !handled {
				s.seen[key] = struct{}{}
			}
			s.mu.Unlock()
			if handled || msg.From == s.clientID {
				continue
			}
			s.handleSignal(ctx, msg)
		}
	}
}

func (s *session) handleSignal(ctx context.Context, msg signalMessage) {
	s.mu.Lock()
	if s.peerID == "" && msg.From != "" {
		s.peerID = msg.From
	}
	s.mu.Unlock()

	var err error
	switch msg.Type {
	case signalJoin:
		// The lexically smaller client offers, so exactly one side does.
		if s.clientID < msg.From {
			err = s.makeOffer(ctx)
		}
	case signalOffer:
		err = s.acceptOffer(ctx, msg.SDP)
	case signalAnswer:
		err = s.acceptAnswer(msg.SDP)
	case signalICE:
		if msg.Candidate != nil {
			err = s.addCandidate(*msg.Candidate)
		}
	case signalLeave:
		s.emit(media.SessionEvent{Type: media.PeerLeft, PeerID: msg.From})
	}
	if err != nil {
		s.log.Error("failed to handle signal",
			zap.String("type", msg.Type), zap.Error(err))
	}
}

func (s *session) makeOffer(ctx context.Context) error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return s.send(ctx, signalMessage{Type: signalOffer, SDP: offer.SDP})
}

func (s *session) acceptOffer(ctx context.Context, sdp string) error {
	err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: sdp,
	})
	if err != nil {
		return fmt.Errorf("failed to set remote offer: %w", err)
	}
	s.flushCandidates()
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	return s.send(ctx, signalMessage{Type: signalAnswer, SDP: answer.SDP})
}

func (s *session) acceptAnswer(sdp string) error {
	err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer, SDP: sdp,
	})
	if err != nil {
		return fmt.Errorf("failed to set remote answer: %w", err)
	}
	s.flushCandidates()
	return nil
}

// addCandidate buffers candidates that arrive before the remote description;
// AddICECandidate rejects them otherwise.
func (s *session) addCandidate(cand webrtc.ICECandidateInit) error {
	s.mu.Lock()
	if s.pc.RemoteDescription() == nil {
		s.pendingICE = append(s.pendingICE, cand)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.pc.AddICECandidate(cand)
}

func (s *session) flushCandidates() {
	s.mu.Lock()
	pending := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()
	for _, cand := range pending {
		if err := s.pc.AddICECandidate(cand); err != nil {
			s.log.Warn("failed to add buffered candidate", zap.Error(err))
		}
	}
}

func (s *session) drainRemote(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			s.emit(media.SessionEvent{Type: media.PeerUnpublished, PeerID: track.StreamID()})
			return
		}
	}
}

func (s *session) peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// Publish implements media.Session.
func (s *session) Publish(ctx context.Context, tracks ...media.Track) error {
	for _, tr := range tracks {
		lt, ok := tr.(*localTrack)
		if !ok {
			return fmt.Errorf("track %s was not opened by this transport", tr.Kind())
		}
		transceiver, err := s.pc.AddTransceiverFromTrack(lt.track, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		})
		if err != nil {
			return fmt.Errorf("failed to publish %s track: %w", lt.kind, err)
		}
		lt.bind(transceiver.Sender())
	}
	return s.renegotiate(ctx)
}

// Unpublish implements media.Session.
func (s *session) Unpublish(ctx context.Context, tracks ...media.Track) error {
	for _, tr := range tracks {
		lt, ok := tr.(*localTrack)
		if !ok {
			continue
		}
		lt.mu.Lock()
		sender := lt.sender
		lt.sender = nil
		lt.mu.Unlock()
		if sender == nil {
			continue
		}
		if err := s.pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("failed to unpublish %s track: %w", lt.kind, err)
		}
	}
	return s.renegotiate(ctx)
}

// renegotiate sends a fresh offer when the set of published tracks changes
// after negotiation already completed. Before that, the pending join/offer
// exchange carries the tracks.
func (s *session) renegotiate(ctx context.Context) error {
	if s.pc.RemoteDescription() == nil {
		return nil
	}
	if s.pc.SignalingState() != webrtc.SignalingStateStable {
		return nil
	}
	return s.makeOffer(ctx)
}

// Events implements media.Session.
func (s *session) Events() <-chan media.SessionEvent {
	return s.events
}

// Leave implements media.Session.
func (s *session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if err := s.send(ctx, signalMessage{Type: signalLeave}); err != nil {
		s.log.Warn("failed to announce leave", zap.Error(err))
	}
	s.cancel()
	err := s.pc.Close()
	close(s.events)
	if err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}
	return nil
}
