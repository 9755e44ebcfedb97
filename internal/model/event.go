package model

import (
	"encoding/json"
	"time"
)

type State string

const (
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// Stream tags the origin of a log line.
type Stream string

const (
	StreamStdout   Stream = "stdout"
	StreamStderr   Stream = "stderr"
	StreamFileTail Stream = "file-tail"
)

// LogEvent is a single captured line. It is immutable once created.
type LogEvent struct {
	Stream Stream    `json:"type"`
	Line   string    `json:"data"`
	Time   time.Time `json:"timestamp"`
}

// EventKind values are the wire names observers already understand.
type EventKind string

const (
	EventStatus       EventKind = "status"
	EventLog          EventKind = "log"
	EventJobCompleted EventKind = "processComplete"
	EventJobErrored   EventKind = "processError"
	EventJobPaused    EventKind = "processPaused"
	EventJobResumed   EventKind = "processResumed"
	EventJobStopped   EventKind = "processStopped"

	// EventRejected answers a single observer whose command failed. It is
	// never broadcast.
	EventRejected EventKind = "error"
)

// Event is the unit of fan-out. Snapshot is set for EventStatus, Log for
// EventLog, ExitCode for EventJobCompleted and Error for EventJobErrored.
type Event struct {
	Kind     EventKind
	Key      JobKey
	Snapshot *Snapshot
	Log      *LogEvent
	ExitCode *int
	Error    string
	Message  string
	Time     time.Time
}

type wireEvent struct {
	Type       EventKind `json:"type"`
	ProcessKey string    `json:"processKey,omitempty"`
	Data       any       `json:"data,omitempty"`
	ExitCode   *int      `json:"exitCode,omitempty"`
	Error      string    `json:"error,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{
		Type:      e.Kind,
		ExitCode:  e.ExitCode,
		Error:     e.Error,
		Message:   e.Message,
		Timestamp: e.Time.UTC(),
	}
	if !e.Key.IsZero() {
		w.ProcessKey = e.Key.String()
	}
	switch {
	case e.Snapshot != nil:
		w.Data = e.Snapshot
	case e.Log != nil:
		w.Data = e.Log
	}
	return json.Marshal(w)
}

func StatusEvent(s Snapshot) Event {
	return Event{Kind: EventStatus, Snapshot: &s, Time: s.Time}
}

func LogLineEvent(key JobKey, l LogEvent) Event {
	return Event{Kind: EventLog, Key: key, Log: &l, Time: l.Time}
}
