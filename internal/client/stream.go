package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/afk-console/backend/internal/ws"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

// Message is one server message with its payload still encoded.
type Message struct {
	Type    ws.MessageType  `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Stream is one /ws connection.
type Stream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex // serialises pings and commands
	cancel  context.CancelFunc
}

// Dial opens the observer stream with this client's token and owner.
func (c *HTTPClient) Dial(ctx context.Context) (*Stream, error) {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws"

	dialer := *websocket.DefaultDialer
	dialer.Jar = c.client.Jar
	header := http.Header{}
	c.setAuth(header)

	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("ws dial: %w", err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

	pingCtx, cancel := context.WithCancel(ctx)
	s := &Stream{conn: conn, cancel: cancel}
	go s.pingLoop(pingCtx)
	return s, nil
}

// Send writes one command.
func (s *Stream) Send(typ ws.MessageType, payload interface{}) error {
	if payload == nil {
		payload = struct{}{}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(ws.WSMessage{Type: typ, Payload: payload})
}

func (s *Stream) Subscribe(p ws.SubscribePayload) error {
	return s.Send(ws.MsgSubscribe, p)
}

// Next blocks for the next server message. Undecodable frames are skipped.
func (s *Stream) Next() (Message, error) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return Message{}, err
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		return msg, nil
	}
}

func (s *Stream) Close() error {
	s.cancel()
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()
	return s.conn.Close()
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// ErrStop ends Watch without an error when returned by its callback.
var ErrStop = errors.New("stop watching")

// Watch streams messages matching sub to fn until ctx is done or fn returns
// an error. Dropped connections are redialled with a doubling delay and the
// subscription is sent again.
func (c *HTTPClient) Watch(ctx context.Context, sub ws.SubscribePayload, fn func(Message) error) error {
	delay := reconnectBaseDelay
	for {
		s, err := c.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("%v (retry in %v)", err, delay)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}
		delay = reconnectBaseDelay

		err = c.pump(ctx, s, sub, fn)
		var stop *stopError
		if errors.As(err, &stop) {
			if errors.Is(stop.err, ErrStop) {
				return nil
			}
			return stop.err
		}
		if ctx.Err() != nil {
			return nil
		}
		log.Printf("ws connection lost: %v", err)
	}
}

// stopError carries an error from fn out of the reconnect loop.
type stopError struct{ err error }

func (e *stopError) Error() string { return e.err.Error() }

func (c *HTTPClient) pump(ctx context.Context, s *Stream, sub ws.SubscribePayload, fn func(Message) error) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.Close()
		case <-done:
			_ = s.Close()
		}
	}()

	if err := s.Subscribe(sub); err != nil {
		return err
	}
	for {
		msg, err := s.Next()
		if err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return &stopError{err}
		}
	}
}
