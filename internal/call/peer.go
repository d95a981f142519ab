package call

import (
	"encoding/json"
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

// Peer abstracts the WebRTC peer connection so the state machine can be
// exercised without real network transport.
type Peer interface {
	// CreateOffer builds and applies a local offer, returning its SDP.
	CreateOffer() (string, error)
	// AcceptOffer applies a remote offer and returns the local answer SDP.
	AcceptOffer(sdp string) (string, error)
	// AcceptAnswer applies the remote answer to a previously created offer.
	AcceptAnswer(sdp string) error
	// AddRemoteCandidate feeds a trickled remote candidate, in the JSON shape
	// it crossed the wire in.
	AddRemoteCandidate(raw json.RawMessage) error
	Close() error
}

// PeerHooks are delivered from pion's internal goroutines; implementations
// must not block.
type PeerHooks struct {
	// OnLocalCandidate fires for each gathered candidate; raw is nil when
	// gathering completes.
	OnLocalCandidate func(raw json.RawMessage)

	OnConnectionStateChange func(state webrtc.PeerConnectionState)
}

// PeerFactory builds a Peer carrying the given local tracks.
type PeerFactory func(tracks []webrtc.TrackLocal, hooks PeerHooks) (Peer, error)

// PionPeerFactory builds real pion peer connections against the given ICE
// servers. A nil api uses pion defaults.
func PionPeerFactory(api *webrtc.API, iceServers []webrtc.ICEServer) PeerFactory {
	if api == nil {
		se := webrtc.SettingEngine{LoggerFactory: logging.NewDefaultLoggerFactory()}
		mediaEngine := &webrtc.MediaEngine{}
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return func([]webrtc.TrackLocal, PeerHooks) (Peer, error) {
				return nil, fmt.Errorf("register codecs: %w", err)
			}
		}
		api = webrtc.NewAPI(
			webrtc.WithSettingEngine(se),
			webrtc.WithMediaEngine(mediaEngine),
		)
	}
	return func(tracks []webrtc.TrackLocal, hooks PeerHooks) (Peer, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
		if err != nil {
			return nil, err
		}

		for _, track := range tracks {
			if _, err := pc.AddTrack(track); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add track: %w", err)
			}
		}

		pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
			if hooks.OnLocalCandidate == nil {
				return
			}
			if cand == nil {
				hooks.OnLocalCandidate(nil)
				return
			}
			payload, err := json.Marshal(cand.ToJSON())
			if err != nil {
				return
			}
			hooks.OnLocalCandidate(payload)
		})
		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			if hooks.OnConnectionStateChange != nil {
				hooks.OnConnectionStateChange(state)
			}
		})

		return &pionPeer{pc: pc}, nil
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeer) CreateOffer() (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (p *pionPeer) AcceptOffer(sdp string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (p *pionPeer) AcceptAnswer(sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (p *pionPeer) AddRemoteCandidate(raw json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(raw, &init); err != nil {
		return err
	}
	return p.pc.AddICECandidate(init)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
