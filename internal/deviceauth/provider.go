// Package deviceauth signs owners in with the OAuth 2.0 device authorization
// grant and keeps their tokens in a tokencache.Store.
package deviceauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/afk-console/backend/internal/config"
	"github.com/afk-console/backend/internal/protocol"
	"github.com/afk-console/backend/internal/tokencache"
)

// ErrDisabled is returned when no client id is configured.
var ErrDisabled = errors.New("deviceauth: no client id configured")

type Provider struct {
	conf  *oauth2.Config
	store tokencache.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(cfg config.AuthConfig, store tokencache.Store) *Provider {
	return &Provider{
		conf: &oauth2.Config{
			ClientID: cfg.ClientID,
			Scopes:   cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				DeviceAuthURL: cfg.DeviceAuthURL,
				TokenURL:      cfg.TokenURL,
				AuthStyle:     oauth2.AuthStyleInParams,
			},
		},
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (p *Provider) Enabled() bool { return p.conf.ClientID != "" }

// keyLock serializes flows per owner so two sessions started together share
// one prompt.
func (p *Provider) keyLock(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	return l
}

// Token returns a usable token for key. A cached token is refreshed when
// expired; when nothing usable is cached a device flow runs and prompt
// receives the code to show the operator.
func (p *Provider) Token(ctx context.Context, key string, prompt func(protocol.DeviceCode)) (*oauth2.Token, error) {
	if !p.Enabled() {
		return nil, ErrDisabled
	}
	l := p.keyLock(key)
	l.Lock()
	defer l.Unlock()

	if tok, err := p.cached(ctx, key); err == nil {
		return tok, nil
	} else if !errors.Is(err, tokencache.ErrNotFound) {
		log.Printf("deviceauth: cached token for %s unusable: %v", key, err)
	}

	da, err := p.conf.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("device authorization: %w", err)
	}
	if prompt != nil {
		prompt(toDeviceCode(da))
	}
	return p.await(ctx, key, da)
}

// Begin starts a device flow for key and returns the code without waiting.
// done is called from another goroutine once the operator finishes or the
// code expires.
func (p *Provider) Begin(ctx context.Context, key string, done func(*oauth2.Token, error)) (protocol.DeviceCode, error) {
	if !p.Enabled() {
		return protocol.DeviceCode{}, ErrDisabled
	}
	da, err := p.conf.DeviceAuth(ctx)
	if err != nil {
		return protocol.DeviceCode{}, fmt.Errorf("device authorization: %w", err)
	}
	go func() {
		l := p.keyLock(key)
		l.Lock()
		tok, err := p.await(ctx, key, da)
		l.Unlock()
		if done != nil {
			done(tok, err)
		}
	}()
	return toDeviceCode(da), nil
}

// Forget drops any cached token for key.
func (p *Provider) Forget(ctx context.Context, key string) error {
	return p.store.Delete(ctx, key)
}

func (p *Provider) await(ctx context.Context, key string, da *oauth2.DeviceAuthResponse) (*oauth2.Token, error) {
	tok, err := p.conf.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("device token: %w", err)
	}
	if err := p.save(ctx, key, tok); err != nil {
		log.Printf("deviceauth: caching token for %s: %v", key, err)
	}
	return tok, nil
}

func (p *Provider) cached(ctx context.Context, key string) (*oauth2.Token, error) {
	data, err := p.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decoding cached token: %w", err)
	}
	if tok.Valid() {
		return &tok, nil
	}
	if tok.RefreshToken == "" {
		return nil, errors.New("cached token expired")
	}

	fresh, err := p.conf.TokenSource(ctx, &tok).Token()
	if err != nil {
		_ = p.store.Delete(ctx, key)
		return nil, fmt.Errorf("refresh: %w", err)
	}
	if err := p.save(ctx, key, fresh); err != nil {
		log.Printf("deviceauth: caching refreshed token for %s: %v", key, err)
	}
	return fresh, nil
}

func (p *Provider) save(ctx context.Context, key string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return p.store.Set(ctx, key, data)
}

func toDeviceCode(da *oauth2.DeviceAuthResponse) protocol.DeviceCode {
	uri := da.VerificationURI
	expires := 0
	if !da.Expiry.IsZero() {
		expires = int(math.Round(time.Until(da.Expiry).Seconds()))
	}
	return protocol.DeviceCode{
		VerificationURI: uri,
		UserCode:        da.UserCode,
		ExpiresIn:       expires,
		Message:         fmt.Sprintf("Go to %s and use code %s", uri, da.UserCode),
	}
}
