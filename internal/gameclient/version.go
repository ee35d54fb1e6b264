// Package gameclient is the production protocol.Dialer. It joins real game
// servers through github.com/Tnze/go-mc, signing accounts in with the
// device-code flow and the Xbox Live token exchange.
package gameclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/Tnze/go-mc/bot"

	"github.com/afk-console/backend/internal/protocol"
)

// GameVersion is the release the bundled protocol library speaks.
const GameVersion = "1.20.2"

// CheckVersion accepts an empty or "auto" version, GameVersion, or its
// protocol number.
func CheckVersion(v string) error {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "auto", GameVersion, strconv.Itoa(bot.ProtocolVersion):
		return nil
	}
	return fmt.Errorf("%w %q: this build speaks %s (protocol %d)",
		protocol.ErrUnsupportedVersion, v, GameVersion, bot.ProtocolVersion)
}

type serverStatus struct {
	Version struct {
		Name     string `json:"name"`
		Protocol int    `json:"protocol"`
	} `json:"version"`
}

// pingVersion asks the server which version it reports.
func pingVersion(ctx context.Context, addr string) (serverStatus, error) {
	var st serverStatus
	resp, _, err := bot.PingAndListContext(ctx, addr)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(resp, &st); err != nil {
		return st, fmt.Errorf("decoding status: %w", err)
	}
	return st, nil
}
