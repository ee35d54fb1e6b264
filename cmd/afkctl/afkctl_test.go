package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/afk-console/backend/internal/client"
	"github.com/afk-console/backend/internal/eventlog"
	"github.com/afk-console/backend/internal/idle"
	"github.com/afk-console/backend/internal/protocol"
	"github.com/afk-console/backend/internal/protocol/protocoltest"
	"github.com/afk-console/backend/internal/session"
	"github.com/afk-console/backend/internal/ws"
)

func TestSpawnOptionsConfig(t *testing.T) {
	o := spawnOptions{
		host:           "mc.example.com:25570",
		auth:           "OFFLINE",
		username:       "bot",
		idleMode:       "Circle",
		idleInterval:   20 * time.Second,
		reconnectDelay: 1500 * time.Millisecond,
		sneak:          true,
	}
	cfg, err := o.config()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Auth != protocol.AuthOffline || cfg.IdleMode != idle.Circle {
		t.Errorf("auth/mode = %q/%v", cfg.Auth, cfg.IdleMode)
	}
	if cfg.IdleIntervalMs != 20000 || cfg.ReconnectDelayMs != 1500 {
		t.Errorf("intervals = %d/%d", cfg.IdleIntervalMs, cfg.ReconnectDelayMs)
	}
	if !cfg.AutoReconnect || !cfg.Sneak {
		t.Errorf("flags = %+v", cfg)
	}

	o.noReconnect = true
	if cfg, _ := o.config(); cfg.AutoReconnect {
		t.Error("--no-reconnect should clear autoReconnect")
	}

	tests := []struct {
		name   string
		mutate func(*spawnOptions)
	}{
		{"bad idle mode", func(o *spawnOptions) { o.idleMode = "moonwalk" }},
		{"negative interval", func(o *spawnOptions) { o.idleInterval = -time.Second }},
		{"negative delay", func(o *spawnOptions) { o.reconnectDelay = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := o
			tt.mutate(&bad)
			if _, err := bad.config(); err == nil {
				t.Error("config() = nil error")
			}
		})
	}
}

func TestShortID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"3f2a9c1e-0000-4000-8000-000000000000", "3f2a9c1e"},
		{"abcdefghijkl", "abcdefgh"},
		{"short", "short"},
	}
	for _, tt := range tests {
		if got := shortID(tt.in); got != tt.want {
			t.Errorf("shortID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAge(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		ago  time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{3 * time.Minute, "3m"},
		{5 * time.Hour, "5h"},
		{72 * time.Hour, "3d"},
	}
	for _, tt := range tests {
		if got := age(now, now.Add(-tt.ago).UnixMilli()); got != tt.want {
			t.Errorf("age(%v) = %q, want %q", tt.ago, got, tt.want)
		}
	}
}

func TestRender(t *testing.T) {
	disableColor()

	if got := renderTable(nil, time.Now()); got != "No sessions." {
		t.Errorf("empty table = %q", got)
	}

	now := time.Now()
	list := []session.Summary{{
		ID: "3f2a9c1e-0000", Status: session.Reconnecting, Host: "mc.example.com", Port: 25565,
		Username: "bot", Auth: protocol.AuthOffline, Manual: true, CreatedAt: now.UnixMilli(),
		ReconnectAt: now.Add(7 * time.Second).UnixMilli(),
	}}
	table := renderTable(list, now)
	for _, want := range []string{"STATUS", "3f2a9c1e", "reconnecting 7s", "bot*", "mc.example.com:25565"} {
		if !strings.Contains(table, want) {
			t.Errorf("table missing %q:\n%s", want, table)
		}
	}

	line := renderEntry("3f2a9c1e-0000", eventlog.NewEntry(eventlog.Warn, "Kicked: afk"))
	if !strings.Contains(line, "[3f2a9c1e]") || !strings.Contains(line, "warn") || !strings.Contains(line, "Kicked: afk") {
		t.Errorf("entry = %q", line)
	}

	var buf bytes.Buffer
	msg := client.Message{Type: ws.MsgDeviceCode, Payload: []byte(`{"accountId":"abc","verificationUri":"https://example.test/link","userCode":"XY-12","expiresIn":900}`)}
	if err := printMessage(&buf, msg); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "https://example.test/link") || !strings.Contains(buf.String(), "XY-12") {
		t.Errorf("device code line = %q", buf.String())
	}
}

func TestCommandsAgainstServer(t *testing.T) {
	d := protocoltest.NewDialer()
	b := ws.NewBroadcaster(64, time.Hour, 0)
	m := session.NewManager(d, session.Options{MaxSessions: 2, Resolver: protocoltest.NewResolver(), Sink: b})
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(ws.NewServer(ctx, m, b, nil, nil, nil, "tok").Handler())
	defer func() {
		_ = m.Shutdown()
		b.Stop()
		srv.Close()
		cancel()
	}()

	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		rootCmd.SetOut(&out)
		rootCmd.SetErr(&out)
		rootCmd.SetArgs(append([]string{"--server", srv.URL, "--token", "tok", "--no-color"}, args...))
		err := rootCmd.ExecuteContext(context.Background())
		return out.String(), err
	}

	out, err := run("spawn", "--host", "play.example.com", "--auth", "offline", "-u", "cli")
	if err != nil {
		t.Fatalf("spawn: %v\n%s", err, out)
	}
	id := strings.TrimSpace(out)
	if _, ok := m.Get(id); !ok {
		t.Fatalf("spawn printed %q, not a session id", id)
	}
	d.WaitClient(t, 3*time.Second).Login()

	out, err = run("list")
	if err != nil || !strings.Contains(out, shortID(id)) || !strings.Contains(out, "online") {
		t.Errorf("list = %v\n%s", err, out)
	}

	out, err = run("logs", id)
	if err != nil || !strings.Contains(out, "Logged in as cli") {
		t.Errorf("logs = %v\n%s", err, out)
	}

	if _, err := run("stop", "missing-id"); err == nil {
		t.Error("stop of an unknown id succeeded")
	}
	if _, err := run("stop", id); err != nil {
		t.Errorf("stop: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("%d sessions after stop", m.Count())
	}
}
