// Package telegramsource implements the MessageSource port against a real
// Telegram account via gotd/td's MTProto client. A single long-lived client
// is shared across every channel's parse within a tick; FetchMessages pages
// one channel's history forward from a starting instant using
// messages.getHistory.
package telegramsource

import (
	"context"
	"fmt"

	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"
	"golang.org/x/time/rate"

	"github.com/ilyasni/tgparser/internal/infra/logger"

	"go.uber.org/zap"
)

// defaultRequestsPerSecond caps messages.getHistory calls when
// Config.RequestsPerSecond is left unset, ahead of floodwait's reactive
// FLOOD_WAIT handling.
const defaultRequestsPerSecond = 20

// Config carries the connection-level settings the client needs, mirrored
// from EnvConfig.
type Config struct {
	APIID             int
	APIHash           string
	PhoneNumber       string
	SessionFile       string
	UseTestDC         bool
	DeviceModel       string
	SystemVer         string
	AppVersion        string
	RequestsPerSecond int
}

// Client wraps a gotd/td telegram.Client together with its RPC surface and
// the peer cache FetchMessages resolves channels through.
type Client struct {
	cfg     Config
	client  *telegram.Client
	api     *tg.Client
	peers   *peerCache
	gate    *gate
	waiter  *floodwait.Waiter
	limiter *rate.Limiter
}

// New builds a Client around the given gotd telegram.Options, already
// populated with SessionStorage/Device/DCList by the caller (cmd/tgparser's
// composition root), so this package stays free of on-disk session-file
// path decisions. A floodwait.Waiter middleware is installed so most
// FLOOD_WAIT responses are absorbed transparently (the call just takes
// longer) instead of surfacing as an error the Dispatcher has to retry;
// waits the middleware gives up on still surface through asRateLimitError
// in source.go. A token-bucket limiter additionally paces FetchMessages'
// messages.getHistory calls proactively, ahead of floodwait's reactive
// handling, across however many channels a tick dispatches concurrently;
// other RPCs (dialog warmup, channel resolution) are not paced by it.
func New(cfg Config, options telegram.Options) *Client {
	g := newGate()
	waiter := floodwait.NewWaiter()
	options.OnDead = g.markDisconnected
	options.Middlewares = append(options.Middlewares, waiter)
	client := telegram.NewClient(cfg.APIID, cfg.APIHash, options)

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}

	return &Client{
		cfg:     cfg,
		client:  client,
		api:     client.API(),
		peers:   newPeerCache(client.API()),
		gate:    g,
		waiter:  waiter,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// Run connects the client and blocks until ctx is canceled or the
// connection dies fatally. Once the connection is up, Run logs in
// interactively if the session is not yet authorized, warms the peer cache,
// and then runs fn; the caller uses fn to signal the lifecycle manager that
// this node has started.
func (c *Client) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.waiter.Run(ctx, func(ctx context.Context) error {
		return c.client.Run(ctx, func(ctx context.Context) error {
			c.gate.markConnected()
			status, err := c.client.Auth().Status(ctx)
			if err != nil {
				return fmt.Errorf("telegramsource: auth status: %w", err)
			}
			if !status.Authorized {
				if err := c.login(ctx); err != nil {
					return fmt.Errorf("telegramsource: login: %w", err)
				}
			} else {
				logger.Debug("telegramsource: session restored, already authorized")
			}

			if err := c.peers.warmup(ctx); err != nil {
				logger.Warn("telegramsource: dialog warmup failed, peers resolve lazily", zap.Error(err))
			}

			return fn(ctx)
		})
	})
}

// API exposes the raw RPC client for adapters that need calls beyond
// FetchMessages (e.g. a future admin CLI).
func (c *Client) API() *tg.Client { return c.api }
