package gameclient

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/Tnze/go-mc/bot"
	"github.com/Tnze/go-mc/bot/basic"
	"github.com/Tnze/go-mc/bot/msg"
	"github.com/Tnze/go-mc/bot/playerlist"
	"github.com/Tnze/go-mc/chat"
	"github.com/Tnze/go-mc/data/packetid"
	pk "github.com/Tnze/go-mc/net/packet"

	"github.com/afk-console/backend/internal/protocol"
)

const (
	moveTick = 50 * time.Millisecond
	walkStep = 0.2 // blocks per tick

	// position flags: which fields are relative
	relX     = 0x01
	relY     = 0x02
	relZ     = 0x04
	relYaw   = 0x08
	relPitch = 0x10
)

// client wraps one go-mc connection. yaw and pitch are kept in radians with
// yaw 0 facing north; the wire uses degrees.
type client struct {
	mc     *bot.Client
	player *basic.Player
	chat   *msg.Manager
	l      protocol.Listener
	name   string

	wmu sync.Mutex

	mu         sync.Mutex
	eid        int32
	x, y, z    float64
	yaw, pitch float64
	havePos    bool
	spawned    bool
	closed     bool
	quitReason string
	kickReason string
	controls   map[protocol.Control]bool

	done chan struct{}
}

func newClient(auth bot.Auth, l protocol.Listener) *client {
	c := &client{
		mc:       bot.NewClient(),
		l:        l,
		name:     auth.Name,
		controls: make(map[protocol.Control]bool),
		done:     make(chan struct{}),
	}
	c.mc.Auth = auth
	c.player = basic.NewPlayer(c.mc, basic.DefaultSettings, basic.EventsListener{
		GameStart:  c.onGameStart,
		Disconnect: c.onDisconnect,
		Death:      c.onDeath,
	})
	c.chat = msg.New(c.mc, c.player, playerlist.New(c.mc), msg.EventsHandler{
		SystemChat: func(m chat.Message, overlay bool) error {
			if !overlay {
				l.OnMessage(m.ClearString())
			}
			return nil
		},
		PlayerChatMessage: func(m chat.Message, _ bool) error {
			l.OnMessage(m.ClearString())
			return nil
		},
		DisguisedChat: func(m chat.Message) error {
			l.OnMessage(m.ClearString())
			return nil
		},
	})
	c.mc.Events.AddListener(
		bot.PacketHandler{ID: packetid.ClientboundLogin, Priority: 64, F: c.onJoinGame},
		bot.PacketHandler{ID: packetid.ClientboundPlayerPosition, Priority: 64, F: c.onPosition},
	)
	return c
}

func toNotchYaw(yaw float64) float32 { return float32((math.Pi - yaw) * 180 / math.Pi) }

func toNotchPitch(pitch float64) float32 { return float32(-pitch * 180 / math.Pi) }

func fromNotchYaw(deg float32) float64 { return math.Pi - float64(deg)*math.Pi/180 }

func fromNotchPitch(deg float32) float64 { return -float64(deg) * math.Pi / 180 }

func (c *client) Username() string { return c.name }

func (c *client) Chat(text string) error {
	if cmd, ok := strings.CutPrefix(text, "/"); ok {
		return c.write(pk.Marshal(packetid.ServerboundChatCommand,
			pk.String(cmd),
			pk.Long(time.Now().UnixMilli()),
			pk.Long(0),                         // salt
			pk.VarInt(0),                       // argument signatures
			pk.VarInt(0),                       // message count
			pk.Byte(0), pk.Byte(0), pk.Byte(0), // acknowledged, 20 bits
		))
	}
	if c.isClosed() {
		return protocol.ErrNotConnected
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.chat.SendMessage(text)
}

func (c *client) Orientation() (float64, float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.yaw, c.pitch, c.spawned && c.havePos && !c.closed
}

func (c *client) Look(yaw, pitch float64) error {
	c.mu.Lock()
	if !c.spawned || c.closed {
		c.mu.Unlock()
		return protocol.ErrNotConnected
	}
	c.yaw, c.pitch = yaw, pitch
	c.mu.Unlock()
	return c.write(pk.Marshal(packetid.ServerboundMovePlayerRot,
		pk.Float(toNotchYaw(yaw)), pk.Float(toNotchPitch(pitch)), pk.Boolean(true)))
}

// SetControl holds or releases a key. Walking keys move the player on the
// next ticks. There is no physics: a jump is sent as an arm swing.
func (c *client) SetControl(ctl protocol.Control, on bool) error {
	c.mu.Lock()
	if !c.spawned || c.closed {
		c.mu.Unlock()
		return protocol.ErrNotConnected
	}
	was := c.controls[ctl]
	c.controls[ctl] = on
	eid := c.eid
	c.mu.Unlock()

	if was == on {
		return nil
	}
	switch ctl {
	case protocol.Sneak:
		action := int32(1) // release shift
		if on {
			action = 0
		}
		return c.write(pk.Marshal(packetid.ServerboundPlayerCommand, pk.VarInt(eid), pk.VarInt(action), pk.VarInt(0)))
	case protocol.Jump:
		if on {
			return c.write(pk.Marshal(packetid.ServerboundSwing, pk.VarInt(0)))
		}
	}
	return nil
}

func (c *client) Quit(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.quitReason = reason
	c.mu.Unlock()
	return c.mc.Conn.Close()
}

func (c *client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *client) write(p pk.Packet) error {
	if c.isClosed() {
		return protocol.ErrNotConnected
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.mc.Conn.WritePacket(p)
}

// run owns the read loop. Every callback after login comes from here, and
// OnEnd is the last.
func (c *client) run() {
	err := c.mc.HandleGame()

	c.mu.Lock()
	c.closed = true
	c.spawned = false
	reason := c.quitReason
	if reason == "" {
		reason = c.kickReason
	}
	if reason == "" {
		reason = "connection closed"
		if err != nil {
			reason = err.Error()
		}
	}
	c.mu.Unlock()

	close(c.done)
	_ = c.mc.Conn.Close()
	c.l.OnEnd(reason)
}

func (c *client) onJoinGame(p pk.Packet) error {
	var eid pk.Int
	if err := p.Scan(&eid); err != nil {
		return err
	}
	c.mu.Lock()
	c.eid = int32(eid)
	c.mu.Unlock()
	return nil
}

func (c *client) onPosition(p pk.Packet) error {
	var (
		x, y, z    pk.Double
		yaw, pitch pk.Float
		flags      pk.Byte
	)
	if err := p.Scan(&x, &y, &z, &yaw, &pitch, &flags); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.x = relative(flags&relX != 0, c.x, float64(x))
	c.y = relative(flags&relY != 0, c.y, float64(y))
	c.z = relative(flags&relZ != 0, c.z, float64(z))
	if flags&relYaw != 0 {
		c.yaw -= float64(yaw) * math.Pi / 180
	} else {
		c.yaw = fromNotchYaw(float32(yaw))
	}
	if flags&relPitch != 0 {
		c.pitch -= float64(pitch) * math.Pi / 180
	} else {
		c.pitch = fromNotchPitch(float32(pitch))
	}
	c.havePos = true
	return nil
}

func relative(rel bool, cur, v float64) float64 {
	if rel {
		return cur + v
	}
	return v
}

func (c *client) onGameStart() error {
	c.mu.Lock()
	first := !c.spawned
	c.spawned = true
	c.mu.Unlock()
	if first {
		c.l.OnSpawn()
		go c.walk()
	}
	return nil
}

func (c *client) onDisconnect(reason chat.Message) error {
	text := reason.ClearString()
	c.mu.Lock()
	c.kickReason = text
	quitting := c.quitReason != ""
	c.mu.Unlock()
	if !quitting {
		c.l.OnKicked(text)
	}
	return nil
}

// onDeath respawns straight away so idle keeps working.
func (c *client) onDeath() error {
	const performRespawn = 0
	if err := c.write(pk.Marshal(packetid.ServerboundClientCommand, pk.VarInt(performRespawn))); err != nil {
		c.l.OnError(err)
	}
	return nil
}

func (c *client) walk() {
	t := time.NewTicker(moveTick)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if p, ok := c.step(); ok {
				_ = c.write(p)
			}
		}
	}
}

// step advances the position by the held walking keys.
func (c *client) step() (pk.Packet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.havePos || c.closed {
		return pk.Packet{}, false
	}
	var fwd, side float64
	if c.controls[protocol.Forward] {
		fwd++
	}
	if c.controls[protocol.Back] {
		fwd--
	}
	if c.controls[protocol.Right] {
		side++
	}
	if c.controls[protocol.Left] {
		side--
	}
	if fwd == 0 && side == 0 {
		return pk.Packet{}, false
	}
	dx, dz := walkDelta(c.yaw, fwd, side)
	c.x += dx
	c.z += dz
	return pk.Marshal(packetid.ServerboundMovePlayerPosRot,
		pk.Double(c.x), pk.Double(c.y), pk.Double(c.z),
		pk.Float(toNotchYaw(c.yaw)), pk.Float(toNotchPitch(c.pitch)),
		pk.Boolean(true),
	), true
}

// walkDelta is one tick's horizontal movement. Forward at yaw 0 is -z.
func walkDelta(yaw, fwd, side float64) (dx, dz float64) {
	dx = (-math.Sin(yaw)*fwd + math.Cos(yaw)*side) * walkStep
	dz = (-math.Cos(yaw)*fwd - math.Sin(yaw)*side) * walkStep
	return dx, dz
}
