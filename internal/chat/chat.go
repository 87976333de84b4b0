// Package chat carries text messages over the signaling channel alongside a
// call.
package chat

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mossy-p/webrtc-call/internal/models"
)

var ErrEmptyMessage = errors.New("chat message is empty")

// Entry is one line of the chat log.
type Entry struct {
	SenderID  string
	Text      string
	Timestamp time.Time
}

// Log is the append-only chat history of one room session, in relay
// arrival order.
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

func (l *Log) Append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// Entries returns a copy of the log.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// Notifier is the side effect for a message from the other participant,
// such as a sound cue.
type Notifier interface {
	Notify(Entry)
}

type NotifierFunc func(Entry)

func (f NotifierFunc) Notify(e Entry) { f(e) }

// Sender delivers a message to the relay.
type Sender func(models.SignalMessage) error

// Stream sends and receives chat for one room session.
type Stream struct {
	roomID   string
	localID  string
	send     Sender
	notifier Notifier
	log      *Log
	logger   *logrus.Entry
	now      func() time.Time

	mu       sync.Mutex
	handlers []func(Entry)
}

func NewStream(roomID, localID string, send Sender, notifier Notifier, logger *logrus.Entry) *Stream {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Stream{
		roomID:   roomID,
		localID:  localID,
		send:     send,
		notifier: notifier,
		log:      &Log{},
		logger:   logger.WithFields(logrus.Fields{"component": "chat", "room": roomID}),
		now:      time.Now,
	}
}

func (s *Stream) Log() *Log { return s.log }

// SendText appends the message to the log and then sends it. The local copy
// stays even if the send fails; the error is returned for reporting.
func (s *Stream) SendText(text string) (Entry, error) {
	if strings.TrimSpace(text) == "" {
		return Entry{}, ErrEmptyMessage
	}
	e := Entry{
		SenderID:  s.localID,
		Text:      text,
		Timestamp: s.now().Truncate(time.Millisecond),
	}
	s.log.Append(e)

	if err := s.send(models.NewChat(s.roomID, s.localID, text, e.Timestamp.UnixMilli())); err != nil {
		s.logger.WithField("err", err).Warn("Chat message not delivered")
		return e, err
	}
	return e, nil
}

// OnReceive registers h for messages from the other participant.
func (s *Stream) OnReceive(h func(Entry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// HandleIncoming appends a relayed chat message. Our own messages coming back
// are dropped, they were logged when sent.
func (s *Stream) HandleIncoming(msg models.SignalMessage) (Entry, bool) {
	if msg.SenderID == s.localID {
		return Entry{}, false
	}
	e := Entry{
		SenderID:  msg.SenderID,
		Text:      msg.Text,
		Timestamp: time.UnixMilli(msg.Timestamp),
	}
	if msg.Timestamp == 0 {
		e.Timestamp = s.now()
	}
	s.log.Append(e)

	if s.notifier != nil {
		s.notifier.Notify(e)
	}
	s.mu.Lock()
	handlers := append(([]func(Entry))(nil), s.handlers...)
	s.mu.Unlock()
	for _, h := range handlers {
		h(e)
	}
	return e, true
}

// Close clears the log at the end of the session.
func (s *Stream) Close() {
	s.log.Clear()
}
