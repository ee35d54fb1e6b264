// Package protocol describes the game-protocol client capability the session
// manager drives, and the Adapter that turns a client's callbacks into
// session events.
//
// The protocol library itself (packet codec, encryption, account login) lives
// behind Dialer. Anything that can open a connection and report lifecycle
// callbacks through a Listener can back a session.
package protocol

import (
	"context"
	"time"
)

type AuthMode string

const (
	AuthOffline     AuthMode = "offline"
	AuthAccountFlow AuthMode = "account-flow"
)

// Control is a movement key the client can hold down.
type Control string

const (
	Forward Control = "forward"
	Back    Control = "back"
	Left    Control = "left"
	Right   Control = "right"
	Jump    Control = "jump"
	Sneak   Control = "sneak"
)

// DeviceCode is an out-of-band login prompt: the operator visits
// VerificationURI and enters UserCode before ExpiresIn seconds pass.
type DeviceCode struct {
	VerificationURI string `json:"verificationUri"`
	UserCode        string `json:"userCode"`
	ExpiresIn       int    `json:"expiresIn"`
	Message         string `json:"message,omitempty"`
}

// Options is what a Dialer needs to open one connection.
type Options struct {
	Host     string
	Port     int
	Version  string // empty or "auto" negotiates
	Auth     AuthMode
	Username string // offline mode only
	Profile  string // token cache key for account-flow auth

	// ConnectTimeout bounds the network handshake. Account sign-in is not
	// covered; a device code carries its own expiry.
	ConnectTimeout time.Duration
}

// Listener receives a connection's lifecycle callbacks. Callbacks may start
// before Dial returns and may arrive on any goroutine.
type Listener interface {
	OnLogin()
	OnSpawn()
	OnMessage(text string)
	OnKicked(reason string)
	OnEnd(reason string)
	OnError(err error)
	OnDeviceCode(code DeviceCode)
}

// Client is one live connection.
type Client interface {
	Username() string
	Chat(text string) error
	// Orientation reports the controlled entity's view. ok is false until
	// the entity exists in the world.
	Orientation() (yaw, pitch float64, ok bool)
	Look(yaw, pitch float64) error
	SetControl(c Control, on bool) error
	Quit(reason string) error
}

type Dialer interface {
	Dial(ctx context.Context, opts Options, l Listener) (Client, error)
}

// Resolver is satisfied by *net.Resolver.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}
