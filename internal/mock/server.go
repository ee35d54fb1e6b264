package mock

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"time"
)

var ambientLines = []string{
	"Server restarting in 10 minutes",
	"Welcome to the lobby!",
	"[Guide] Use /spawn to return to spawn",
	"A wild creeper approaches",
	"Daily rewards have been reset",
}

// Server is a scripted peer for Dialer. It emits ambient chatter and
// records the chat it receives.
type Server struct {
	// Chatter is the interval between ambient lines. Zero disables them.
	Chatter time.Duration

	ln net.Listener

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	chats []string
	wg    sync.WaitGroup
}

// Listen binds addr ("127.0.0.1:0" picks a free port).
func Listen(addr string) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{ln: ln, conns: make(map[net.Conn]struct{})}, nil
}

func (s *Server) Addr() *net.TCPAddr { return s.ln.Addr().(*net.TCPAddr) }

// Serve accepts connections until ctx is done or Close is called.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	if s.Chatter > 0 {
		go s.chatter(ctx)
	}
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		verb, arg, _ := strings.Cut(sc.Text(), " ")
		if verb != "chat" {
			continue
		}
		s.mu.Lock()
		s.chats = append(s.chats, arg)
		s.mu.Unlock()
		if arg == "/quit" {
			return
		}
	}
}

func (s *Server) chatter(ctx context.Context) {
	ticker := time.NewTicker(s.Chatter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Say(ambientLines[rand.IntN(len(ambientLines))])
		}
	}
}

// Say broadcasts a chat line to every connection.
func (s *Server) Say(text string) { s.send("say " + text) }

// Kick disconnects every connection with reason.
func (s *Server) Kick(reason string) { s.send("kick " + reason) }

// Fail reports a protocol error to every connection.
func (s *Server) Fail(text string) { s.send("error " + text) }

// Drop closes every connection without a kick.
func (s *Server) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

func (s *Server) send(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		if _, err := fmt.Fprintln(c, line); err != nil {
			log.Printf("mock server: write to %s: %v", c.RemoteAddr(), err)
		}
	}
}

// Conns reports the number of open connections.
func (s *Server) Conns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Chats returns the chat lines received so far.
func (s *Server) Chats() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.chats...)
}

func (s *Server) Close() error {
	err := s.ln.Close()
	s.Drop()
	s.wg.Wait()
	return err
}
