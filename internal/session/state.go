package session

import (
	"encoding/json"
	"time"

	"github.com/afk-console/backend/internal/eventlog"
	"github.com/afk-console/backend/internal/idle"
	"github.com/afk-console/backend/internal/protocol"
	"github.com/afk-console/backend/internal/reconnect"
)

type Status int

const (
	Starting Status = iota
	Online
	Kicked
	Ended
	Reconnecting
	Removed
)

var statusNames = map[Status]string{
	Starting:     "starting",
	Online:       "online",
	Kicked:       "kicked",
	Ended:        "ended",
	Reconnecting: "reconnecting",
	Removed:      "removed",
}

var statusFromName = map[string]Status{
	"starting":     Starting,
	"online":       Online,
	"kicked":       Kicked,
	"ended":        Ended,
	"reconnecting": Reconnecting,
	"removed":      Removed,
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var n string
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if v, ok := statusFromName[n]; ok {
		*s = v
	}
	return nil
}

// Summary is the read-only view of a session handed to observers.
type Summary struct {
	ID        string            `json:"id"`
	Status    Status            `json:"status"`
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	Username  string            `json:"username"`
	Auth      protocol.AuthMode `json:"auth"`
	CreatedAt int64             `json:"createdAt"` // ms since epoch
	IdleMode  idle.Mode         `json:"idleMode"`
	Manual    bool              `json:"manual"`

	// ReconnectAt is when a pending reconnect fires, in ms since epoch.
	ReconnectAt int64 `json:"reconnectAt,omitempty"`
}

// Session binds one bot identity to at most one live adapter. All fields are
// guarded by the owning Manager's lock.
type Session struct {
	id        string
	owner     string
	cfg       Config
	status    Status
	createdAt time.Time
	manual    bool
	username  string // display name reported at login
	attempt   int    // reconnects since the last successful login

	adapter   *protocol.Adapter
	idle      *idle.Scheduler
	reconnect reconnect.Timer
	logs      *eventlog.Buffer
}

func newSession(id, owner string, cfg Config, logCapacity int) *Session {
	return &Session{
		id:        id,
		owner:     owner,
		cfg:       cfg,
		status:    Starting,
		createdAt: time.Now(),
		logs:      eventlog.NewBuffer(logCapacity),
	}
}

func (s *Session) summary() Summary {
	name := s.username
	if name == "" {
		name = s.cfg.Username
	}
	sum := Summary{
		ID:        s.id,
		Status:    s.status,
		Host:      s.cfg.Host,
		Port:      s.cfg.Port,
		Username:  name,
		Auth:      s.cfg.Auth,
		CreatedAt: s.createdAt.UnixMilli(),
		IdleMode:  s.cfg.IdleMode,
		Manual:    s.manual,
	}
	if s.reconnect.Pending() {
		sum.ReconnectAt = s.reconnect.Due().UnixMilli()
	}
	return sum
}
