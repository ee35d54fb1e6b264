package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/afk-console/backend/internal/config"
	"github.com/afk-console/backend/internal/deviceauth"
	"github.com/afk-console/backend/internal/frontend"
	"github.com/afk-console/backend/internal/gameclient"
	"github.com/afk-console/backend/internal/mock"
	"github.com/afk-console/backend/internal/protocol"
	"github.com/afk-console/backend/internal/session"
	"github.com/afk-console/backend/internal/tokencache"
	"github.com/afk-console/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	mockMode := flag.Bool("mock", false, "Use the simulated game protocol instead of real servers")
	simAddr := flag.String("sim-addr", "127.0.0.1:25565", "Simulated game server address in mock mode (empty to skip)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := tokencache.Open(cfg.TokenCache)
	if err != nil {
		log.Fatalf("Failed to open token cache: %v", err)
	}
	defer store.Close()

	auth := deviceauth.New(cfg.Auth, store)
	if !auth.Enabled() {
		log.Println("auth.client_id not set; account sign-in disabled, offline sessions only")
	}

	var dialer protocol.Dialer
	if *mockMode {
		log.Println("Starting in mock mode")
		dialer = mock.NewDialer(auth)
		if *simAddr != "" {
			sim, err := mock.Listen(*simAddr)
			if err != nil {
				log.Fatalf("Failed to start simulated server: %v", err)
			}
			sim.Chatter = 20 * time.Second
			log.Printf("Simulated game server on %s", sim.Addr())
			go func() {
				if err := sim.Serve(ctx); err != nil {
					log.Printf("simulated server: %v", err)
				}
			}()
		}
	} else {
		log.Printf("Joining real servers as game version %s", gameclient.GameVersion)
		dialer = gameclient.NewDialer(auth, store)
	}

	broadcaster := ws.NewBroadcaster(cfg.Broadcast.ClientBuffer, cfg.Broadcast.SnapshotInterval, cfg.Server.MaxConnections)
	defer broadcaster.Stop()

	s := cfg.Sessions
	manager := session.NewManager(dialer, session.Options{
		MaxSessions:           s.MaxSessions,
		LogCapacity:           s.LogCapacity,
		MinIdleInterval:       s.MinIdleInterval,
		DefaultIdleInterval:   s.DefaultIdleInterval,
		DefaultReconnectDelay: s.DefaultReconnectDelay,
		ReconnectBackoff:      s.ReconnectBackoff,
		MaxReconnectDelay:     s.MaxReconnectDelay,
		LoginOnlyQuitDelay:    s.LoginOnlyQuitDelay,
		WorldChangeDelay:      s.WorldChangeDelay,
		ResolveTimeout:        s.ResolveTimeout,
		ConnectTimeout:        s.ConnectTimeout,
		Sink:                  broadcaster,
	})

	server := ws.NewServer(ctx, manager, broadcaster, auth, frontend.Handler(), cfg.Server.AllowedOrigins, cfg.Server.AdminToken)

	if _, err := os.Stat(*configPath); err == nil {
		go func() {
			err := config.Watch(ctx, *configPath, func(next *config.Config) {
				manager.SetMaxSessions(next.Sessions.MaxSessions)
				server.SetAuthToken(next.Server.AdminToken)
				log.Printf("Config reloaded: max_sessions=%d", next.Sessions.MaxSessions)
			})
			if err != nil {
				log.Printf("config watch: %v", err)
			}
		}()
	}

	log.Printf("Session capacity %d, log capacity %d", manager.MaxSessions(), s.LogCapacity)
	serveErr := ws.ListenAndServe(ctx, cfg.Addr(), server.Handler())

	log.Println("Shutting down...")
	if err := manager.Shutdown(); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if serveErr != nil {
		log.Fatalf("Server error: %v", serveErr)
	}
}
