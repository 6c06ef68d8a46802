package detect

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/kizuki/internal/status"
	"github.com/MrWong99/kizuki/pkg/label"
)

// ConnectionState is the lifecycle of the collaborator connection as seen
// by the client.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateError        ConnectionState = "error"
	StateDisconnected ConnectionState = "disconnected"
)

// LabelDetected is reported for every detection that passes Gate C.
type LabelDetected struct {
	LabelID     string         `json:"label_id"`
	DisplayName string         `json:"display_name"`
	Category    label.Category `json:"category"`
	Confidence  float64        `json:"confidence"`
	Evidence    label.Evidence `json:"evidence"`
	Expression  string         `json:"expression,omitempty"`
	Path        string         `json:"path"`
	Provisional bool           `json:"provisional"`
}

// HintConfirmed is reported once per confirmed hint.
type HintConfirmed struct {
	LabelID      string    `json:"label_id"`
	DisplayLabel string    `json:"display_label"`
	Text         string    `json:"text"`
	DetectedAt   time.Time `json:"detected_at"`
}

// Transcript is reported for every transcript that passed the hallucination
// filter, whether or not it is forwarded to the classifier.
type Transcript struct {
	Text      string  `json:"text"`
	Final     bool    `json:"is_final"`
	Score     float64 `json:"score"`
	Forwarded bool    `json:"forwarded"`
}

// Listener receives session output. Methods may be called with the session
// lock held, so implementations must return quickly and must not call back
// into the Session.
type Listener interface {
	OnConnection(state ConnectionState)
	OnSpeechStarted(levelDB float64)
	OnSpeechEnded(levelDB float64)
	OnTranscript(t Transcript)
	OnLabelDetected(d LabelDetected)
	OnHintConfirmed(h HintConfirmed)
	OnStatus(s status.Snapshot)
	OnLog(msg string)
	OnError(msg string)
}

// NopListener discards everything. Embed it to implement a subset.
type NopListener struct{}

func (NopListener) OnConnection(ConnectionState)  {}
func (NopListener) OnSpeechStarted(float64)       {}
func (NopListener) OnSpeechEnded(float64)         {}
func (NopListener) OnTranscript(Transcript)       {}
func (NopListener) OnLabelDetected(LabelDetected) {}
func (NopListener) OnHintConfirmed(HintConfirmed) {}
func (NopListener) OnStatus(status.Snapshot)      {}
func (NopListener) OnLog(string)                  {}
func (NopListener) OnError(string)                {}

var _ Listener = NopListener{}

// EventType tags an [Event].
type EventType string

const (
	EventConnection    EventType = "connection"
	EventSpeechStarted EventType = "speech_started"
	EventSpeechEnded   EventType = "speech_ended"
	EventTranscript    EventType = "transcript"
	EventLabelDetected EventType = "label_detected"
	EventHintConfirmed EventType = "hint_confirmed"
	EventStatus        EventType = "status_changed"
	EventLog           EventType = "log"
	EventError         EventType = "error"
)

// Event is a tagged session output, shaped for JSON transports.
type Event struct {
	Type EventType `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

type levelData struct {
	LevelDB float64 `json:"level_db"`
}

type messageData struct {
	Message string `json:"message"`
}

type connectionData struct {
	State ConnectionState `json:"state"`
}

// ChannelListener turns listener calls into [Event] values on a buffered
// channel. When the buffer is full new events are dropped and counted; the
// pipeline never blocks on a slow consumer.
type ChannelListener struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	now     func() time.Time
	dropped atomic.Int64
}

// NewChannelListener returns a listener with a buffer of size events.
func NewChannelListener(size int) *ChannelListener {
	if size < 1 {
		size = 1
	}
	return &ChannelListener{ch: make(chan Event, size), now: time.Now}
}

// Events returns the receive side. It is closed by Close.
func (l *ChannelListener) Events() <-chan Event { return l.ch }

// Dropped returns the number of events lost to a full buffer.
func (l *ChannelListener) Dropped() int64 { return l.dropped.Load() }

// Close closes the event channel. Later events are discarded.
func (l *ChannelListener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.ch)
	}
}

func (l *ChannelListener) emit(t EventType, data any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- Event{Type: t, At: l.now(), Data: data}:
	default:
		l.dropped.Add(1)
	}
}

func (l *ChannelListener) OnConnection(state ConnectionState) {
	l.emit(EventConnection, connectionData{State: state})
}

func (l *ChannelListener) OnSpeechStarted(levelDB float64) {
	l.emit(EventSpeechStarted, levelData{LevelDB: levelDB})
}

func (l *ChannelListener) OnSpeechEnded(levelDB float64) {
	l.emit(EventSpeechEnded, levelData{LevelDB: levelDB})
}

func (l *ChannelListener) OnTranscript(t Transcript)       { l.emit(EventTranscript, t) }
func (l *ChannelListener) OnLabelDetected(d LabelDetected) { l.emit(EventLabelDetected, d) }
func (l *ChannelListener) OnHintConfirmed(h HintConfirmed) { l.emit(EventHintConfirmed, h) }
func (l *ChannelListener) OnStatus(s status.Snapshot)      { l.emit(EventStatus, s) }
func (l *ChannelListener) OnLog(msg string)                { l.emit(EventLog, messageData{Message: msg}) }
func (l *ChannelListener) OnError(msg string)              { l.emit(EventError, messageData{Message: msg}) }

var _ Listener = (*ChannelListener)(nil)
