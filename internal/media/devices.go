package media

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// NoDevice has no capture hardware.
type NoDevice struct{}

func (NoDevice) Open(context.Context, Constraints) (*LocalStream, error) {
	return nil, ErrMediaUnavailable
}

// PermissionDevice gates another device behind an allow/deny decision.
type PermissionDevice struct {
	Device  Device
	Allowed bool
}

func (d PermissionDevice) Open(ctx context.Context, c Constraints) (*LocalStream, error) {
	if !d.Allowed {
		return nil, ErrMediaAccessDenied
	}
	return d.Device.Open(ctx, c)
}

// SilentDevice produces tracks that never carry samples. Enough to negotiate
// send directions without any capture hardware.
type SilentDevice struct{}

func (SilentDevice) Open(_ context.Context, c Constraints) (*LocalStream, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no track kinds requested", ErrMediaUnavailable)
	}
	var tracks []webrtc.TrackLocal
	if c.Audio {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "silent")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		tracks = append(tracks, t)
	}
	if c.Video {
		t, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "silent")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMediaUnavailable, err)
		}
		tracks = append(tracks, t)
	}
	return NewLocalStream(tracks, nil), nil
}

// RTPDevice reads RTP packets from local UDP sockets, typically fed by
// gst-launch pipelines it starts itself, and forwards them to static tracks.
type RTPDevice struct {
	AudioAddr     string
	VideoAddr     string
	AudioPipeline string
	VideoPipeline string
	Logger        *logrus.Entry
}

func (d RTPDevice) Open(ctx context.Context, c Constraints) (*LocalStream, error) {
	if !c.Audio && !c.Video {
		return nil, fmt.Errorf("%w: no track kinds requested", ErrMediaUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := d.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	pctx, cancel := context.WithCancel(context.Background())
	var (
		tracks []webrtc.TrackLocal
		conns  []*net.UDPConn
		cmds   []*exec.Cmd
	)
	cleanup := func() {
		for _, cmd := range cmds {
			killProc(cmd)
		}
		cancel()
		for _, conn := range conns {
			_ = conn.Close()
		}
	}

	open := func(kind, addr, pipeline string, codec webrtc.RTPCodecCapability, mtu int) error {
		track, err := webrtc.NewTrackLocalStaticRTP(codec, kind, "rtp-"+kind)
		if err != nil {
			return err
		}
		conn, err := listenUDP(addr)
		if err != nil {
			return err
		}
		conns = append(conns, conn)
		if pipeline != "" {
			cmd, err := startGst(pctx, pipeline)
			if err != nil {
				return err
			}
			cmds = append(cmds, cmd)
		}
		tracks = append(tracks, track)
		go pumpRTP(pctx, conn, track, mtu, log.WithField("kind", kind))
		return nil
	}

	if c.Video {
		if err := open("video", d.VideoAddr, d.VideoPipeline,
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, 1400); err != nil {
			cleanup()
			return nil, fmt.Errorf("%w: video: %v", ErrMediaUnavailable, err)
		}
	}
	if c.Audio {
		if err := open("audio", d.AudioAddr, d.AudioPipeline,
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, 1200); err != nil {
			cleanup()
			return nil, fmt.Errorf("%w: audio: %v", ErrMediaUnavailable, err)
		}
	}

	return NewLocalStream(tracks, cleanup), nil
}

func listenUDP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", udpAddr)
}

// pumpRTP forwards RTP packets from conn to track until ctx is done or the
// socket is closed.
func pumpRTP(ctx context.Context, conn *net.UDPConn, track *webrtc.TrackLocalStaticRTP, mtu int, log *logrus.Entry) {
	buf := make([]byte, mtu)
	for {
		// keep the read unblocked with a short timeout
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				select {
				case <-ctx.Done():
					return
				default:
					continue
				}
			}
			if !errors.Is(err, net.ErrClosed) {
				log.WithField("err", err).Error("UDP read error")
			}
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			// ignore non-RTP
			continue
		}
		if err := track.WriteRTP(&pkt); err != nil {
			log.WithField("err", err).Debug("Failed to write to track")
		}
	}
}

func startGst(ctx context.Context, pipeline string) (*exec.Cmd, error) {
	args := append([]string{"-e"}, strings.Fields(pipeline)...)
	cmd := exec.CommandContext(ctx, "gst-launch-1.0", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start gst-launch: %w", err)
	}
	return cmd, nil
}

func killProc(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGINT)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-time.After(2 * time.Second):
		_ = cmd.Process.Kill()
	case <-done:
	}
}
