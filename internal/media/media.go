// Package media acquires local capture streams and collects the remote
// stream of a call.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var (
	// ErrMediaAccessDenied means the user or policy refused capture.
	ErrMediaAccessDenied = errors.New("media access denied")
	// ErrMediaUnavailable means no capture device could be opened.
	ErrMediaUnavailable = errors.New("media unavailable")
)

// Constraints select which kinds of track to capture.
type Constraints struct {
	Audio bool
	Video bool
}

// Device opens capture sources. Implementations return ErrMediaAccessDenied
// or ErrMediaUnavailable (possibly wrapped) when they cannot.
type Device interface {
	Open(ctx context.Context, c Constraints) (*LocalStream, error)
}

// LocalStream is a set of local tracks plus the means to release the
// hardware behind them.
type LocalStream struct {
	ID     string
	tracks []webrtc.TrackLocal

	stopOnce sync.Once
	stop     func()
}

// NewLocalStream wraps tracks; stop is called once by Stop.
func NewLocalStream(tracks []webrtc.TrackLocal, stop func()) *LocalStream {
	return &LocalStream{
		ID:     uuid.New().String(),
		tracks: tracks,
		stop:   stop,
	}
}

func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	return append([]webrtc.TrackLocal(nil), s.tracks...)
}

// Stop releases the capture sources. Safe to call more than once.
func (s *LocalStream) Stop() {
	s.stopOnce.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// RemoteTrack is an incoming track as seen by observers.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// RemoteStream groups the tracks received from the peer in one negotiation.
type RemoteStream struct {
	ID string

	mu     sync.Mutex
	tracks []RemoteTrack
}

func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RemoteTrack(nil), s.tracks...)
}

func (s *RemoteStream) add(t RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

// Pipeline is the media side of one room session: at most one local stream
// and one remote stream. A new room session gets a new Pipeline.
type Pipeline struct {
	device Device
	log    *logrus.Entry

	mu       sync.Mutex
	local    *LocalStream
	remote   *RemoteStream
	onRemote []func(*RemoteStream)
	released bool
}

func NewPipeline(device Device, log *logrus.Entry) *Pipeline {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pipeline{
		device: device,
		log:    log.WithField("component", "media"),
	}
}

// AcquireLocal opens the device. A stream acquired after Release is stopped
// immediately and reported as unavailable.
func (p *Pipeline) AcquireLocal(ctx context.Context, c Constraints) (*LocalStream, error) {
	if p.device == nil {
		return nil, ErrMediaUnavailable
	}
	stream, err := p.device.Open(ctx, c)
	if err != nil {
		p.log.WithField("err", err).Warn("Local media not acquired")
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		stream.Stop()
		return nil, ErrMediaUnavailable
	}
	if p.local != nil {
		p.local.Stop()
	}
	p.local = stream
	p.log.WithFields(logrus.Fields{"stream": stream.ID, "tracks": len(stream.tracks)}).Info("Local media acquired")
	return stream, nil
}

// Local returns the current local stream, if any.
func (p *Pipeline) Local() *LocalStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

// OnRemoteStream registers h. It is invoked once per negotiation, when the
// first remote track arrives; later tracks join the same stream.
func (p *Pipeline) OnRemoteStream(h func(*RemoteStream)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRemote = append(p.onRemote, h)
}

// HandleRemoteTrack records an incoming track.
func (p *Pipeline) HandleRemoteTrack(t RemoteTrack) {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	fresh := p.remote == nil
	if fresh {
		p.remote = &RemoteStream{ID: t.StreamID()}
	}
	stream := p.remote
	handlers := append(([]func(*RemoteStream))(nil), p.onRemote...)
	p.mu.Unlock()

	stream.add(t)
	p.log.WithFields(logrus.Fields{"stream": stream.ID, "track": t.ID(), "kind": t.Kind()}).Info("Remote track received")
	if fresh {
		for _, h := range handlers {
			h(stream)
		}
	}
}

// Remote returns the current remote stream, if any.
func (p *Pipeline) Remote() *RemoteStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

// ResetRemote forgets the remote stream so the next negotiation reports a
// new one.
func (p *Pipeline) ResetRemote() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = nil
}

// Release stops the local tracks and drops the remote stream.
func (p *Pipeline) Release() {
	p.mu.Lock()
	local := p.local
	p.local = nil
	p.remote = nil
	p.released = true
	p.mu.Unlock()

	if local != nil {
		local.Stop()
		p.log.WithField("stream", local.ID).Debug("Local media released")
	}
}
