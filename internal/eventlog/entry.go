// Package eventlog holds the per-session operator log: levels, entries and
// the bounded buffer that keeps the most recent entries of a session.
package eventlog

import (
	"encoding/json"
	"time"
)

type Level int

const (
	Info Level = iota
	OK
	Warn
	Error
	Trace
	Chat
	You
	Auth
)

var levelNames = map[Level]string{
	Info:  "info",
	OK:    "ok",
	Warn:  "warn",
	Error: "error",
	Trace: "trace",
	Chat:  "chat",
	You:   "you",
	Auth:  "auth",
}

var levelFromName = map[string]Level{
	"info":    Info,
	"ok":      OK,
	"success": OK,
	"warn":    Warn,
	"warning": Warn,
	"error":   Error,
	"trace":   Trace,
	"chat":    Chat,
	"you":     You,
	"auth":    Auth,
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return "unknown"
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := levelFromName[s]; ok {
		*l = v
	}
	return nil
}

// Entry is one line of a session log. Time is encoded as milliseconds since
// the Unix epoch so browser clients can feed it straight into Date.
type Entry struct {
	Time    time.Time `json:"-"`
	Level   Level     `json:"level"`
	Message string    `json:"msg"`
}

type entryJSON struct {
	TS      int64  `json:"ts"`
	Level   Level  `json:"level"`
	Message string `json:"msg"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{TS: e.Time.UnixMilli(), Level: e.Level, Message: e.Message})
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.Time = time.UnixMilli(raw.TS)
	e.Level = raw.Level
	e.Message = raw.Message
	return nil
}

func NewEntry(level Level, msg string) Entry {
	return Entry{Time: time.Now(), Level: level, Message: msg}
}
