package negotiator

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-call/internal/logger"
)

// PeerConnection is the subset of a WebRTC peer connection the negotiator
// drives. The pion implementation is returned by PionFactory.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) error
	Close() error
}

// RemoteTrack is the view of an incoming track handed to observers.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Callbacks are invoked from the peer connection's own goroutines. Receivers
// must hand the values over to their event loop rather than act on them.
type Callbacks struct {
	OnICECandidate    func(webrtc.ICECandidateInit)
	OnConnectionState func(webrtc.PeerConnectionState)
	OnTrack           func(RemoteTrack)
}

// Factory creates a fresh peer connection wired to cb.
type Factory func(cb Callbacks) (PeerConnection, error)

// NewAPI builds a pion API with default codecs and pion logs routed to log.
func NewAPI(log *logrus.Logger, opts ...func(*webrtc.SettingEngine)) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = logger.PionFactory{Logger: log}
	for _, opt := range opts {
		opt(&se)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

// ICEConfiguration turns a list of server URLs into a pion configuration.
func ICEConfiguration(urls []string) webrtc.Configuration {
	if len(urls) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	}
}

// PionFactory returns a Factory backed by api.
func PionFactory(api *webrtc.API, cfg webrtc.Configuration) Factory {
	return func(cb Callbacks) (PeerConnection, error) {
		pc, err := api.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}

		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil || cb.OnICECandidate == nil {
				return
			}
			cb.OnICECandidate(c.ToJSON())
		})
		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			if cb.OnConnectionState != nil {
				cb.OnConnectionState(s)
			}
		})
		pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			if cb.OnTrack != nil {
				cb.OnTrack(tr)
			}
		})
		return &pionPeer{pc: pc}, nil
	}
}

type pionPeer struct {
	pc *webrtc.PeerConnection
}

// CreateOffer makes sure the offer carries an audio and a video section even
// without local tracks, so the remote side can still send media.
func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if p.hasTransceiver(kind) {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) hasTransceiver(kind webrtc.RTPCodecType) bool {
	for _, t := range p.pc.GetTransceivers() {
		if t.Kind() == kind {
			return true
		}
	}
	return false
}

func (p *pionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *pionPeer) SetLocalDescription(d webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(d)
}

func (p *pionPeer) SetRemoteDescription(d webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(d)
}

func (p *pionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *pionPeer) AddTrack(t webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(t)
	if err != nil {
		return err
	}
	// Drain RTCP so interceptors keep running.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
