// Package remote queries the ceremony status service.
//
// Every call is retried under a bounded Policy and never returns an error:
// transport failures, non-200 answers and undecodable bodies all collapse to
// an unavailable Response once the attempts are used up.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"ceremonybot/internal/tokens"
	"ceremonybot/pkg/logx"
)

type Endpoint string

const (
	EndpointPing     Endpoint = "ping"
	EndpointPosition Endpoint = "position"
)

const (
	DefaultMaxAttempts    = 3
	DefaultRetryDelay     = 5 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultUserAgent      = "ceremonybot/1.0"

	maxBodyBytes = 1 << 20
)

type Config struct {
	BaseURL        string
	PingPath       string
	PositionPath   string
	MaxAttempts    int
	RetryDelay     time.Duration
	RequestTimeout time.Duration
	RatePerSec     float64
	UserAgent      string
	HTTP2          bool
}

// WithDefaults fills zero values. A non-positive timeout becomes the
// default: an attempt is never unbounded.
func (c Config) WithDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.PingPath == "" {
		c.PingPath = "/ceremony/ping"
	}
	if c.PositionPath == "" {
		c.PositionPath = "/ceremony/position"
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	return c
}

func (c Config) Policy() Policy {
	return Policy{Attempts: c.MaxAttempts, Delay: c.RetryDelay, Timeout: c.RequestTimeout}
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

// New builds a client. RetryDelay is used as given, so zero means retry
// immediately; callers wanting the default pass DefaultRetryDelay.
func New(cfg Config, log logx.Logger) (*Client, error) {
	cfg = cfg.WithDefaults()
	if cfg.BaseURL == "" {
		return nil, errors.New("remote: base url is empty")
	}
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if cfg.HTTP2 {
		if err := http2.ConfigureTransport(tr); err != nil {
			return nil, fmt.Errorf("remote: enable http2: %w", err)
		}
	}
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Transport: tr},
		log:  log,
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), max(1, int(cfg.RatePerSec)))
	}
	return c, nil
}

func (c *Client) Config() Config { return c.cfg }

// CloseIdleConnections releases pooled connections of a retired client.
func (c *Client) CloseIdleConnections() { c.http.CloseIdleConnections() }

func (c *Client) url(ep Endpoint) (string, error) {
	switch ep {
	case EndpointPing:
		return c.cfg.BaseURL + c.cfg.PingPath, nil
	case EndpointPosition:
		return c.cfg.BaseURL + c.cfg.PositionPath, nil
	default:
		return "", fmt.Errorf("unknown endpoint %q", ep)
	}
}

// Poll queries one endpoint for token.
func (c *Client) Poll(ctx context.Context, ep Endpoint, token string) Response {
	log := c.log.With(logx.String("endpoint", string(ep)), logx.String("token", tokens.Short(token)))
	u, err := c.url(ep)
	if err != nil {
		log.Error("poll rejected", logx.Err(err))
		return Response{}
	}
	resp, n, err := Retry(ctx, c.cfg.Policy(), func(ctx context.Context, attempt int) (Response, error) {
		r, err := c.fetch(ctx, u, token)
		if err != nil && ctx.Err() == nil {
			log.Debug("poll attempt failed", logx.Int("attempt", attempt), logx.Err(err))
		}
		return r, err
	})
	if err != nil {
		if ctx.Err() != nil {
			log.Debug("poll cancelled", logx.Int("attempts", n))
		} else {
			log.Warn("remote unavailable", logx.Int("attempts", n), logx.Err(err))
		}
		return Response{}
	}
	return resp
}

func (c *Client) Ping(ctx context.Context, token string) Response {
	return c.Poll(ctx, EndpointPing, token)
}

func (c *Client) Position(ctx context.Context, token string) Response {
	return c.Poll(ctx, EndpointPosition, token)
}

func (c *Client) fetch(ctx context.Context, u, token string) (Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Response{}, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	res, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read body: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return Response{}, fmt.Errorf("unexpected status %d", res.StatusCode)
	}
	return Decode(body)
}
