package idle

import (
	"encoding/json"
	"fmt"
)

// Mode selects the extra movement performed on every tick.
type Mode int

const (
	Jitter Mode = iota
	Circle
	Strafe
	Walkabout
)

var modeNames = map[Mode]string{
	Jitter:    "jitter",
	Circle:    "circle",
	Strafe:    "strafe",
	Walkabout: "walkabout",
}

var modeFromName = map[string]Mode{
	"jitter":    Jitter,
	"circle":    Circle,
	"strafe":    Strafe,
	"walkabout": Walkabout,
}

// ParseMode maps a mode name to a Mode. The empty string means Jitter.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return Jitter, nil
	}
	if m, ok := modeFromName[s]; ok {
		return m, nil
	}
	return Jitter, fmt.Errorf("unknown idle mode %q", s)
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "unknown"
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = v
	return nil
}
