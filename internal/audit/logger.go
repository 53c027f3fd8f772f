// Package audit writes an append-only NDJSON record of everything that
// crosses the human/engine boundary: messages, action requests,
// approval decisions and filter outcomes.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event kinds recorded in the audit stream.
const (
	KindOperatorMessage  = "operator_message"
	KindEngineMessage    = "engine_message"
	KindActionRequested  = "action_requested"
	KindActionResult     = "action_result"
	KindApprovalDecision = "approval_decision"
	KindFilterDegraded   = "filter_degraded"
	KindSessionOpened    = "session_opened"
	KindSessionClosed    = "session_closed"
)

// Event is one audit record.
type Event struct {
	Timestamp  time.Time `json:"ts"`
	SessionID  string    `json:"session_id"`
	UserID     string    `json:"user_id,omitempty"`
	Kind       string    `json:"kind"`
	Content    string    `json:"content,omitempty"`
	ActionID   string    `json:"action_id,omitempty"`
	ActionName string    `json:"action_name,omitempty"`
	ApprovalID string    `json:"approval_id,omitempty"`
	Decision   string    `json:"decision,omitempty"`
	Filtered   bool      `json:"filtered,omitempty"`
	Degraded   bool      `json:"degraded,omitempty"`
	Detail     string    `json:"detail,omitempty"`
}

// Config controls where audit records land.
type Config struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Logger appends events asynchronously. Log never blocks the caller:
// if the queue is full the event is dropped and counted.
type Logger struct {
	cfg     Config
	log     *slog.Logger
	queue   chan Event
	done    chan struct{}
	once    sync.Once
	dropped int64
	mu      sync.Mutex // guards dropped and open file handles
	files   map[string]*os.File
	global  *os.File
}

// NewLogger starts the background writer. A disabled config returns a
// logger whose Log is a no-op.
func NewLogger(cfg Config, log *slog.Logger) (*Logger, error) {
	if log == nil {
		log = slog.Default()
	}
	l := &Logger{
		cfg:   cfg,
		log:   log,
		done:  make(chan struct{}),
		files: make(map[string]*os.File),
	}
	if !cfg.Enabled {
		close(l.done)
		return l, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	if cfg.GlobalEnabled {
		if err := os.MkdirAll(filepath.Dir(cfg.GlobalPath), 0750); err != nil {
			return nil, fmt.Errorf("create global audit log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.GlobalPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
		if err != nil {
			return nil, fmt.Errorf("open global audit log: %w", err)
		}
		l.global = f
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 1000
	}
	l.queue = make(chan Event, queueSize)
	go l.writeLoop()
	return l, nil
}

// Log enqueues one event. Timestamps are filled in if unset.
func (l *Logger) Log(event Event) {
	if !l.cfg.Enabled {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case l.queue <- event:
	default:
		l.mu.Lock()
		l.dropped++
		dropped := l.dropped
		l.mu.Unlock()
		l.log.Warn("audit log queue full, dropping event",
			"kind", event.Kind,
			"session_id", event.SessionID,
			"dropped_total", dropped)
	}
}

// Dropped returns how many events were lost to queue pressure.
func (l *Logger) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// Close drains the queue and closes all files.
func (l *Logger) Close() error {
	if !l.cfg.Enabled {
		return nil
	}
	l.once.Do(func() {
		close(l.queue)
		<-l.done
	})

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, f := range l.files {
		_ = f.Close()
	}
	l.files = map[string]*os.File{}
	if l.global != nil {
		_ = l.global.Close()
		l.global = nil
	}
	return nil
}

func (l *Logger) writeLoop() {
	defer close(l.done)
	for event := range l.queue {
		l.write(event)
	}
}

func (l *Logger) write(event Event) {
	line, err := json.Marshal(event)
	if err != nil {
		l.log.Warn("failed to encode audit event", "kind", event.Kind, "error", err)
		return
	}
	line = append(line, '\n')

	if f := l.sessionFile(event.SessionID); f != nil {
		if _, err := f.Write(line); err != nil {
			l.log.Warn("failed to write session audit log",
				"session_id", event.SessionID, "error", err)
		}
	}

	l.mu.Lock()
	global := l.global
	l.mu.Unlock()
	if global != nil {
		if _, err := global.Write(line); err != nil {
			l.log.Warn("failed to write global audit log", "error", err)
		}
	}
}

func (l *Logger) sessionFile(sessionID string) *os.File {
	if sessionID == "" {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.files[sessionID]; ok {
		return f
	}

	path := filepath.Join(l.cfg.Dir, sessionID+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		l.log.Warn("failed to open session audit log",
			"session_id", sessionID, "error", err)
		return nil
	}
	l.files[sessionID] = f
	return f
}

// ReleaseSession closes the per-session file once a session ends, so
// long-lived brokers do not accumulate handles.
func (l *Logger) ReleaseSession(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.files[sessionID]; ok {
		_ = f.Close()
		delete(l.files, sessionID)
	}
}
