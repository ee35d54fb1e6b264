package gameclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/afk-console/backend/internal/tokencache"
)

// ErrNoGameProfile means the signed-in account does not own the game.
var ErrNoGameProfile = errors.New("account has no game profile")

// Account is a game identity that can join online-mode servers.
type Account struct {
	Name        string    `json:"name"`
	UUID        string    `json:"uuid"`
	AccessToken string    `json:"accessToken"`
	Expiry      time.Time `json:"expiry"`

	// Source fingerprints the account token the exchange started from.
	Source string `json:"source"`
}

func (a *Account) valid() bool {
	return a.AccessToken != "" && time.Now().Add(time.Minute).Before(a.Expiry)
}

// Endpoints are the services of the token exchange.
type Endpoints struct {
	UserAuth  string
	XSTS      string
	GameLogin string
	Profile   string
}

var DefaultEndpoints = Endpoints{
	UserAuth:  "https://user.auth.xboxlive.com/user/authenticate",
	XSTS:      "https://xsts.auth.xboxlive.com/xsts/authorize",
	GameLogin: "https://api.minecraftservices.com/authentication/login_with_xbox",
	Profile:   "https://api.minecraftservices.com/minecraft/profile",
}

// Exchanger turns an account access token into a game Account:
// user token, then XSTS token, then game token, then profile.
type Exchanger struct {
	Endpoints Endpoints
	HTTP      *http.Client
	// Store caches accounts by key. Nil disables caching.
	Store tokencache.Store
}

func NewExchanger(store tokencache.Store) *Exchanger {
	return &Exchanger{
		Endpoints: DefaultEndpoints,
		HTTP:      &http.Client{Timeout: 20 * time.Second},
		Store:     store,
	}
}

func cacheKey(key string) string { return key + ".game" }

func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

// Cached returns a still-valid account stored under key that was exchanged
// from accessToken. A new sign-in therefore never reuses an old identity.
func (e *Exchanger) Cached(ctx context.Context, key, accessToken string) (*Account, bool) {
	if e.Store == nil {
		return nil, false
	}
	data, err := e.Store.Get(ctx, cacheKey(key))
	if err != nil {
		return nil, false
	}
	var a Account
	if json.Unmarshal(data, &a) != nil || !a.valid() || a.Source != fingerprint(accessToken) {
		return nil, false
	}
	return &a, true
}

type xboxToken struct {
	Token         string `json:"Token"`
	DisplayClaims struct {
		XUI []struct {
			UHS string `json:"uhs"`
		} `json:"xui"`
	} `json:"DisplayClaims"`
}

// Exchange runs the full exchange for accessToken and caches the result
// under key.
func (e *Exchanger) Exchange(ctx context.Context, key, accessToken string) (*Account, error) {
	var user xboxToken
	err := e.do(ctx, http.MethodPost, e.Endpoints.UserAuth, map[string]any{
		"Properties": map[string]any{
			"AuthMethod": "RPS",
			"SiteName":   "user.auth.xboxlive.com",
			"RpsTicket":  "d=" + accessToken,
		},
		"RelyingParty": "http://auth.xboxlive.com",
		"TokenType":    "JWT",
	}, "", &user)
	if err != nil {
		return nil, fmt.Errorf("user token: %w", err)
	}

	var xsts xboxToken
	err = e.do(ctx, http.MethodPost, e.Endpoints.XSTS, map[string]any{
		"Properties": map[string]any{
			"SandboxId":  "RETAIL",
			"UserTokens": []string{user.Token},
		},
		"RelyingParty": "rp://api.minecraftservices.com/",
		"TokenType":    "JWT",
	}, "", &xsts)
	if err != nil {
		return nil, fmt.Errorf("xsts token: %w", err)
	}
	if len(xsts.DisplayClaims.XUI) == 0 {
		return nil, errors.New("xsts token: no user hash")
	}

	var game struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	identity := fmt.Sprintf("XBL3.0 x=%s;%s", xsts.DisplayClaims.XUI[0].UHS, xsts.Token)
	if err := e.do(ctx, http.MethodPost, e.Endpoints.GameLogin, map[string]string{"identityToken": identity}, "", &game); err != nil {
		return nil, fmt.Errorf("game token: %w", err)
	}

	var profile struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := e.do(ctx, http.MethodGet, e.Endpoints.Profile, nil, game.AccessToken, &profile); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.Status == http.StatusNotFound {
			return nil, ErrNoGameProfile
		}
		return nil, fmt.Errorf("profile: %w", err)
	}

	a := &Account{
		Name:        profile.Name,
		UUID:        profile.ID,
		AccessToken: game.AccessToken,
		Expiry:      time.Now().Add(time.Duration(game.ExpiresIn) * time.Second),
		Source:      fingerprint(accessToken),
	}
	if e.Store != nil {
		if data, err := json.Marshal(a); err == nil {
			_ = e.Store.Set(ctx, cacheKey(key), data)
		}
	}
	return a, nil
}

type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
}

func (e *Exchanger) do(ctx context.Context, method, url string, in any, bearer string, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	client := e.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}
	return json.Unmarshal(data, out)
}
