package gameclient

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/Tnze/go-mc/bot"
	"github.com/Tnze/go-mc/offline"

	"github.com/afk-console/backend/internal/deviceauth"
	"github.com/afk-console/backend/internal/protocol"
	"github.com/afk-console/backend/internal/tokencache"
)

type Dialer struct {
	// Auth signs account-flow sessions in. Nil rejects them.
	Auth     *deviceauth.Provider
	Accounts *Exchanger
}

func NewDialer(auth *deviceauth.Provider, store tokencache.Store) *Dialer {
	return &Dialer{Auth: auth, Accounts: NewExchanger(store)}
}

// Dial signs in if needed, then joins. opts.ConnectTimeout covers the
// status ping and the join; the device flow runs on ctx alone.
func (d *Dialer) Dial(ctx context.Context, opts protocol.Options, l protocol.Listener) (protocol.Client, error) {
	if err := CheckVersion(opts.Version); err != nil {
		return nil, err
	}
	auth, err := d.identity(ctx, opts, l)
	if err != nil {
		return nil, err
	}

	jctx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	if v := strings.TrimSpace(opts.Version); v == "" || strings.EqualFold(v, "auto") {
		if st, err := pingVersion(jctx, addr); err == nil && st.Version.Protocol != bot.ProtocolVersion {
			l.OnError(fmt.Errorf("server reports %s (protocol %d), joining as %s",
				st.Version.Name, st.Version.Protocol, GameVersion))
		}
	}

	c := newClient(auth, l)
	if err := c.mc.JoinServerWithOptions(addr, bot.JoinOptions{Context: jctx, NoPublicKey: true}); err != nil {
		return nil, err
	}
	l.OnLogin()
	go c.run()
	return c, nil
}

func (d *Dialer) identity(ctx context.Context, opts protocol.Options, l protocol.Listener) (bot.Auth, error) {
	if opts.Auth != protocol.AuthAccountFlow {
		return bot.Auth{Name: opts.Username, UUID: offline.NameToUUID(opts.Username).String()}, nil
	}
	if d.Auth == nil || !d.Auth.Enabled() {
		return bot.Auth{}, deviceauth.ErrDisabled
	}

	tok, err := d.Auth.Token(ctx, opts.Profile, l.OnDeviceCode)
	if err != nil {
		return bot.Auth{}, err
	}
	acct, ok := d.Accounts.Cached(ctx, opts.Profile, tok.AccessToken)
	if !ok {
		acct, err = d.Accounts.Exchange(ctx, opts.Profile, tok.AccessToken)
		if err != nil {
			return bot.Auth{}, err
		}
	}
	return bot.Auth{Name: acct.Name, UUID: acct.UUID, AsTk: acct.AccessToken}, nil
}
