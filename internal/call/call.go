// Package call drives one 1:1 video call from the client side: it owns the
// signaling exchange, the peer connection, and the local media handles, and
// exposes the call's lifecycle as a small set of phases.
//
// All state lives on a single event loop goroutine. Signaling messages, peer
// connection callbacks, and user commands are funneled into that loop through
// channels, so no call state is ever touched concurrently.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/eduease/call-relay/internal/protocol"
)

// Phase is the call's lifecycle position.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseAcquiringMedia Phase = "acquiringMedia"
	PhaseAwaitingPeer   Phase = "awaitingPeer"
	PhaseNegotiating    Phase = "negotiating"
	PhaseConnected      Phase = "connected"
	PhaseEnded          Phase = "ended"
	PhaseErrored        Phase = "errored"
)

// Terminal reports whether the phase is final.
func (p Phase) Terminal() bool {
	return p == PhaseEnded || p == PhaseErrored
}

var (
	// ErrMediaDenied wraps a media acquisition failure (device missing or
	// permission refused).
	ErrMediaDenied = errors.New("media denied")
	// ErrRoomFull means the room already held two participants.
	ErrRoomFull = errors.New("room full")
	// ErrRoomNotFound means the relay rejected a message for a room this
	// client holds no slot in.
	ErrRoomNotFound = errors.New("room not found")
	// ErrSignalingLost means the relay connection dropped mid-call.
	ErrSignalingLost = errors.New("signaling connection lost")
	// ErrTransportFailed means the peer connection's ICE transport failed.
	ErrTransportFailed = errors.New("peer transport failed")
)

// Signaler is the client's connection to the relay. Incoming is closed when
// the underlying transport drops.
type Signaler interface {
	Send(msg protocol.Message) error
	Incoming() <-chan protocol.Message
	Close() error
}

// MediaSource acquires camera and microphone handles.
type MediaSource interface {
	Acquire(ctx context.Context) (LocalMedia, error)
}

// LocalMedia is an acquired device pair. Close releases the devices and must
// be idempotent.
type LocalMedia interface {
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)
	Close() error
}

// Options configures a Call.
type Options struct {
	Logger        *slog.Logger
	Signaler      Signaler
	Media         MediaSource
	NewPeer       PeerFactory
	RoomID        string
	ParticipantID string

	// OnPhaseChange, when set, is invoked from the event loop after every
	// phase transition.
	OnPhaseChange func(Phase)
}

// Call is a single call attempt. A Call is not reusable; a redial builds a
// new one.
type Call struct {
	log     *slog.Logger
	sig     Signaler
	media   MediaSource
	newPeer PeerFactory
	roomID  string
	selfID  string
	onPhase func(Phase)

	cmds       chan func()
	peerEvents chan peerEvent
	done       chan struct{}

	mu    sync.Mutex
	phase Phase
	err   error

	// Event-loop state. Touched only from Run's goroutine.
	peer          Peer
	local         LocalMedia
	remoteDescSet bool
	pendingLocal  []json.RawMessage
	pendingRemote []json.RawMessage
	muted         bool
	cameraOff     bool
	joinSent      bool
	leaveSent     bool
}

func New(opts Options) (*Call, error) {
	if opts.Signaler == nil || opts.Media == nil || opts.NewPeer == nil {
		return nil, errors.New("signaler, media source, and peer factory are required")
	}
	if opts.RoomID == "" || opts.ParticipantID == "" {
		return nil, errors.New("room id and participant id are required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Call{
		log:        log,
		sig:        opts.Signaler,
		media:      opts.Media,
		newPeer:    opts.NewPeer,
		roomID:     opts.RoomID,
		selfID:     opts.ParticipantID,
		onPhase:    opts.OnPhaseChange,
		cmds:       make(chan func(), 8),
		peerEvents: make(chan peerEvent, 64),
		done:       make(chan struct{}),
		phase:      PhaseIdle,
	}, nil
}

// Phase reports the current phase.
func (c *Call) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Err reports the error that terminated the call, nil for a clean end. Some
// outcomes (room full, room not found, transport loss after connecting) end
// the call rather than erroring it but still surface here.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the call reaches a terminal phase.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Hangup requests an orderly teardown. Safe to call from any goroutine and
// after the call has already ended.
func (c *Call) Hangup() {
	c.enqueue(func() { c.end(nil) })
}

// SetMuted toggles the microphone without renegotiation.
func (c *Call) SetMuted(muted bool) {
	c.enqueue(func() {
		c.muted = muted
		if c.local != nil {
			c.local.SetAudioEnabled(!muted)
		}
	})
}

// SetCameraEnabled toggles the camera without renegotiation.
func (c *Call) SetCameraEnabled(enabled bool) {
	c.enqueue(func() {
		c.cameraOff = !enabled
		if c.local != nil {
			c.local.SetVideoEnabled(enabled)
		}
	})
}

func (c *Call) enqueue(f func()) {
	select {
	case c.cmds <- f:
	case <-c.done:
	}
}

// Run executes the call until it reaches a terminal phase or ctx is
// cancelled (which hangs up). It returns the terminal error, nil for a
// normal end.
func (c *Call) Run(ctx context.Context) error {
	c.setPhase(PhaseAcquiringMedia)

	local, err := c.media.Acquire(ctx)
	if err != nil {
		c.end(fmt.Errorf("%w: %v", ErrMediaDenied, err))
		return c.Err()
	}
	c.local = local

	peer, err := c.newPeer(c.local.Tracks(), PeerHooks{
		OnLocalCandidate: func(raw json.RawMessage) {
			c.postPeerEvent(peerEvent{kind: evLocalCandidate, candidate: raw})
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			c.postPeerEvent(peerEvent{kind: evConnState, state: state})
		},
	})
	if err != nil {
		c.end(fmt.Errorf("create peer connection: %w", err))
		return c.Err()
	}
	c.peer = peer

	// Apply toggles that were requested before media existed.
	c.local.SetAudioEnabled(!c.muted)
	c.local.SetVideoEnabled(!c.cameraOff)

	if err := c.sig.Send(protocol.Message{
		Kind:          protocol.KindJoin,
		RoomID:        c.roomID,
		ParticipantID: c.selfID,
	}); err != nil {
		c.end(fmt.Errorf("%w: %v", ErrSignalingLost, err))
		return c.Err()
	}
	c.joinSent = true
	c.setPhase(PhaseAwaitingPeer)

	for {
		select {
		case msg, ok := <-c.sig.Incoming():
			if !ok {
				c.end(ErrSignalingLost)
				return c.Err()
			}
			c.handleSignal(msg)
		case ev := <-c.peerEvents:
			c.handlePeerEvent(ev)
		case f := <-c.cmds:
			f()
		case <-ctx.Done():
			c.end(nil)
		}

		if c.Phase().Terminal() {
			return c.Err()
		}
	}
}

func (c *Call) handleSignal(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindPeerJoined:
		// We were first into the room, so we drive the offer.
		if c.Phase() != PhaseAwaitingPeer {
			c.log.Warn("unexpected peerJoined", "phase", c.Phase())
			return
		}
		c.setPhase(PhaseNegotiating)
		sdp, err := c.peer.CreateOffer()
		if err != nil {
			c.end(fmt.Errorf("create offer: %w", err))
			return
		}
		c.sendOrFail(protocol.Message{Kind: protocol.KindOffer, RoomID: c.roomID, SDP: sdp})

	case protocol.KindOffer:
		// The other side was waiting; we answer.
		if c.Phase() != PhaseAwaitingPeer {
			c.log.Warn("unexpected offer", "phase", c.Phase())
			return
		}
		c.setPhase(PhaseNegotiating)
		answer, err := c.peer.AcceptOffer(msg.SDP)
		if err != nil {
			c.end(fmt.Errorf("accept offer: %w", err))
			return
		}
		c.remoteDescApplied()
		c.sendOrFail(protocol.Message{Kind: protocol.KindAnswer, RoomID: c.roomID, SDP: answer})

	case protocol.KindAnswer:
		if c.Phase() != PhaseNegotiating {
			c.log.Warn("unexpected answer", "phase", c.Phase())
			return
		}
		if err := c.peer.AcceptAnswer(msg.SDP); err != nil {
			c.end(fmt.Errorf("accept answer: %w", err))
			return
		}
		c.remoteDescApplied()

	case protocol.KindICECandidate:
		if !c.remoteDescSet {
			c.pendingRemote = append(c.pendingRemote, msg.Candidate)
			return
		}
		if err := c.peer.AddRemoteCandidate(msg.Candidate); err != nil {
			c.log.Warn("failed to add remote candidate", "err", err)
		}

	case protocol.KindPeerLeft:
		switch c.Phase() {
		case PhaseNegotiating, PhaseConnected:
			c.end(nil)
		default:
			// A peer that joined and left before negotiation started leaves us
			// waiting for the next one.
		}

	case protocol.KindRoomFull:
		c.end(ErrRoomFull)

	case protocol.KindRoomNotFound:
		c.end(ErrRoomNotFound)

	case protocol.KindError:
		c.log.Warn("relay error", "code", msg.Code, "message", msg.Message)

	default:
		c.log.Warn("unexpected signaling kind", "kind", msg.Kind)
	}
}

func (c *Call) handlePeerEvent(ev peerEvent) {
	switch ev.kind {
	case evLocalCandidate:
		if ev.candidate == nil {
			// End of gathering.
			return
		}
		// Candidates discovered before the remote description is in place are
		// buffered and flushed once it lands.
		if !c.remoteDescSet {
			c.pendingLocal = append(c.pendingLocal, ev.candidate)
			return
		}
		c.sendOrFail(protocol.Message{Kind: protocol.KindICECandidate, RoomID: c.roomID, Candidate: ev.candidate})

	case evConnState:
		switch ev.state {
		case webrtc.PeerConnectionStateConnected:
			if c.Phase() == PhaseNegotiating {
				c.setPhase(PhaseConnected)
			}
		case webrtc.PeerConnectionStateFailed:
			// Before the media path was ever up this is a negotiation
			// failure; after it, the call simply ends.
			c.end(ErrTransportFailed)
		case webrtc.PeerConnectionStateClosed:
			if !c.Phase().Terminal() {
				c.end(nil)
			}
		}
	}
}

// remoteDescApplied flushes both candidate buffers once the remote
// description is set.
func (c *Call) remoteDescApplied() {
	c.remoteDescSet = true

	for _, cand := range c.pendingLocal {
		c.sendOrFail(protocol.Message{Kind: protocol.KindICECandidate, RoomID: c.roomID, Candidate: cand})
		if c.Phase().Terminal() {
			return
		}
	}
	c.pendingLocal = nil

	for _, cand := range c.pendingRemote {
		if err := c.peer.AddRemoteCandidate(cand); err != nil {
			c.log.Warn("failed to add buffered remote candidate", "err", err)
		}
	}
	c.pendingRemote = nil
}

func (c *Call) sendOrFail(msg protocol.Message) {
	if err := c.sig.Send(msg); err != nil {
		c.end(fmt.Errorf("%w: %v", ErrSignalingLost, err))
	}
}

// end performs the one and only teardown: leave is sent best-effort if a
// join went out, the peer connection closes, and media devices are released.
// Calling end again is a no-op, so every terminal path releases resources
// exactly once.
//
// Admission rejections (room full, room not found) and a transport failure
// after the call was connected end the call; Errored is reserved for media
// denial, signaling loss, and negotiation failure before the media path was
// ever established. Either way cause is kept for Err.
func (c *Call) end(cause error) {
	c.mu.Lock()
	if c.phase.Terminal() {
		c.mu.Unlock()
		return
	}
	switch {
	case cause == nil:
		c.phase = PhaseEnded
	case errors.Is(cause, ErrRoomFull), errors.Is(cause, ErrRoomNotFound):
		c.phase = PhaseEnded
		c.err = cause
	case errors.Is(cause, ErrTransportFailed) && c.phase == PhaseConnected:
		c.phase = PhaseEnded
		c.err = cause
	default:
		c.phase = PhaseErrored
		c.err = cause
	}
	phase := c.phase
	c.mu.Unlock()

	if c.joinSent && !c.leaveSent && !errors.Is(cause, ErrSignalingLost) {
		_ = c.sig.Send(protocol.Message{Kind: protocol.KindLeave, RoomID: c.roomID})
		c.leaveSent = true
	}
	if c.peer != nil {
		_ = c.peer.Close()
	}
	if c.local != nil {
		_ = c.local.Close()
	}
	_ = c.sig.Close()

	switch {
	case phase == PhaseErrored:
		c.log.Info("call errored", "room_id", c.roomID, "err", cause)
	case cause != nil:
		c.log.Info("call ended", "room_id", c.roomID, "reason", cause)
	default:
		c.log.Info("call ended", "room_id", c.roomID)
	}
	if c.onPhase != nil {
		c.onPhase(phase)
	}
	close(c.done)
}

func (c *Call) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	c.log.Debug("call phase", "phase", p, "room_id", c.roomID)
	if c.onPhase != nil {
		c.onPhase(p)
	}
}

type peerEventKind int

const (
	evLocalCandidate peerEventKind = iota
	evConnState
)

type peerEvent struct {
	kind      peerEventKind
	candidate json.RawMessage
	state     webrtc.PeerConnectionState
}

func (c *Call) postPeerEvent(ev peerEvent) {
	select {
	case c.peerEvents <- ev:
	case <-c.done:
	}
}
