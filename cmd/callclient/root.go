package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mossy-p/webrtc-call/config"
	"github.com/mossy-p/webrtc-call/internal/chat"
	"github.com/mossy-p/webrtc-call/internal/logger"
	"github.com/mossy-p/webrtc-call/internal/matchmaking"
	"github.com/mossy-p/webrtc-call/internal/media"
	"github.com/mossy-p/webrtc-call/internal/negotiator"
	"github.com/mossy-p/webrtc-call/internal/session"
	"github.com/mossy-p/webrtc-call/internal/signaling"
)

var (
	cfg *config.ClientConfig
	log *logrus.Logger
)

func init() {
	config.ClientFlags(RootCmd.Flags())
}

// RootCmd joins a room, or asks match-making for one, and relays stdin lines
// as chat messages.
var RootCmd = &cobra.Command{
	Use:     "callclient",
	Short:   "Headless WebRTC call participant",
	PreRunE: loadConfig,
	RunE:    runClient,
}

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.LoadClient(cmd.Flags())
	if err != nil {
		return err
	}

	log = logger.New(cfg.LogLevel, cfg.LogFormat)
	log.WithFields(logrus.Fields{
		"relay-url": cfg.RelayURL,
		"user-id":   cfg.UserID,
		"room-id":   cfg.RoomID,
		"media":     cfg.Media,
		"reconnect": cfg.Reconnect,
	}).Debug("RUN")
	return nil
}

func runClient(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	entry := log.WithField("user", cfg.UserID)

	api, err := negotiator.NewAPI(log)
	if err != nil {
		return err
	}

	wsURL, err := relayURL(cfg.RelayURL, cfg.UserID)
	if err != nil {
		return err
	}
	channel, err := signaling.Connect(ctx, wsURL, channelOptions(cfg, entry))
	if err != nil {
		entry.WithField("err", err).Error("Could not reach the signaling relay")
		return err
	}
	defer channel.Close()

	client := session.NewClient(session.Config{
		Transport:    channel,
		LocalID:      cfg.UserID,
		NewPeer:      negotiator.PionFactory(api, negotiator.ICEConfiguration(cfg.ICEServers)),
		Device:       buildDevice(cfg, entry),
		Constraints:  media.Constraints{Audio: cfg.MediaAudio, Video: cfg.MediaVideo},
		MediaTimeout: cfg.MediaTimeout,
		Notifier: chat.NotifierFunc(func(e chat.Entry) {
			fmt.Fprintf(os.Stdout, "[%s] %s: %s\n", e.Timestamp.Format("15:04:05"), e.SenderID, e.Text)
		}),
		Logger: entry,
	})

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	if err := enterRoom(ctx, client, entry); err != nil {
		stop()
		<-runErr
		return err
	}

	go readInput(ctx, os.Stdin, client, stop, entry)

	for ev := range client.Events() {
		logEvent(entry, ev)
	}
	return <-runErr
}

// enterRoom joins the configured room or asks match-making for one. A queued
// caller is moved into its room by the matched push.
func enterRoom(ctx context.Context, client *session.Client, log *logrus.Entry) error {
	if cfg.RoomID != "" {
		return client.Join(ctx, cfg.RoomID, cfg.UserID)
	}

	res, err := matchmaking.NewClient(cfg.MatchURL, cfg.AuthToken, log).FindMatch(ctx)
	if err != nil {
		return err
	}
	if res.Waiting {
		log.Info("Queued for a match")
		return nil
	}
	return client.Join(ctx, res.RoomID, cfg.UserID)
}

// readInput sends each line as chat. "/leave" ends the room session and
// "/quit" stops the client.
func readInput(ctx context.Context, r io.Reader, client *session.Client, stop func(), log *logrus.Entry) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch strings.TrimSpace(line) {
		case "":
			continue
		case "/quit":
			stop()
			return
		case "/leave":
			if err := client.Leave(ctx); err != nil {
				log.WithField("err", err).Warn("Leave failed")
			}
			continue
		}
		if _, err := client.SendText(ctx, line); err != nil {
			log.WithField("err", err).Warn("Chat message not sent")
		}
	}
}

func logEvent(log *logrus.Entry, ev session.Event) {
	fields := logrus.Fields{"event": ev.Kind.String(), "room": ev.RoomID}
	if ev.PeerID != "" {
		fields["peer"] = ev.PeerID
	}
	if ev.Err != nil {
		fields["err"] = ev.Err
	}

	switch ev.Kind {
	case session.EventChatReceived:
		return
	case session.EventPeerPresent:
		fields["role"] = ev.Role.String()
	case session.EventLocalMedia:
		fields["tracks"] = len(ev.Local.Tracks())
	case session.EventRemoteStream:
		var kinds []string
		for _, t := range ev.Remote.Tracks() {
			kinds = append(kinds, t.Kind().String())
		}
		fields["tracks"] = strings.Join(kinds, ",")
	case session.EventMediaWarning, session.EventRelayError:
		log.WithFields(fields).Warn("Session event")
		return
	case session.EventCallFailed, session.EventChannelUnavailable:
		log.WithFields(fields).Error("Session event")
		return
	}
	log.WithFields(fields).Info("Session event")
}

func relayURL(base, userID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("relay-url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("relay-url: unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	q.Set("userId", userID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func channelOptions(c *config.ClientConfig, log *logrus.Entry) signaling.Options {
	opts := signaling.DefaultOptions()
	opts.Reconnect = c.Reconnect
	opts.MaxAttempts = c.ReconnectAttempts
	opts.Backoff = signaling.BackoffPolicy(c.ReconnectBackoff)
	opts.Delay = c.ReconnectDelay
	opts.MaxDelay = c.ReconnectMaxDelay
	opts.Logger = log
	if c.AuthToken != "" {
		opts.Header = http.Header{"Authorization": []string{"Bearer " + c.AuthToken}}
	}
	return opts
}

func buildDevice(c *config.ClientConfig, log *logrus.Entry) media.Device {
	var dev media.Device
	switch c.Media {
	case "rtp":
		dev = media.RTPDevice{
			AudioAddr:     c.RTPAudioAddr,
			VideoAddr:     c.RTPVideoAddr,
			AudioPipeline: c.GstAudio,
			VideoPipeline: c.GstVideo,
			Logger:        log,
		}
	case "silent":
		dev = media.SilentDevice{}
	default:
		dev = media.NoDevice{}
	}
	return media.PermissionDevice{Device: dev, Allowed: c.MediaPermission != "deny"}
}
