// Package daemon is the client side of the kachery daemon's local HTTP API.
package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"kachery/pkg/clock"

	"go.uber.org/zap"
)

const (
	DefaultHost    = "localhost"
	DefaultPort    = 20431
	DefaultTimeout = 30 * time.Second
)

type Config struct {
	Host string
	Port int

	// StorageDir, when set, must match the directory the daemon reports.
	StorageDir string

	// Timeout bounds each request on top of any long-poll wait it carries.
	Timeout  time.Duration
	ProbeTTL time.Duration
	AuthTTL  time.Duration
}

type Option func(*Client)

func WithClock(c clock.Clock) Option { return func(cl *Client) { cl.clock = c } }

func WithLogger(log *zap.Logger) Option { return func(cl *Client) { cl.log = log.Named("daemon") } }

func WithHTTPClient(h *http.Client) Option { return func(cl *Client) { cl.http = h } }

// Client talks to one daemon. It is safe for concurrent use.
type Client struct {
	baseURL    string
	storageDir string
	timeout    time.Duration
	http       *http.Client
	clock      clock.Clock
	log        *zap.Logger

	probe *ProbeCache
	auth  *authCache
}

func New(cfg Config, opts ...Option) *Client {
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.AuthTTL <= 0 {
		cfg.AuthTTL = DefaultAuthTTL
	}

	c := &Client{
		baseURL:    "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		storageDir: cfg.StorageDir,
		timeout:    cfg.Timeout,
		http:       &http.Client{},
		clock:      clock.Real(),
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.probe = NewProbeCache(c.clock, cfg.ProbeTTL, c.fetchProbe)
	c.auth = &authCache{clock: c.clock, ttl: cfg.AuthTTL, storageDir: c.StorageDir}
	return c
}

// BaseURL is the daemon's API root, e.g. http://localhost:20431.
func (c *Client) BaseURL() string { return c.baseURL }

// Probe returns the (cached) identity of the running daemon.
func (c *Client) Probe(ctx context.Context) (*ProbeResponse, error) {
	return c.probe.Get(ctx)
}

func (c *Client) fetchProbe(ctx context.Context) (*ProbeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/probe", nil)
	if err != nil {
		return nil, err
	}
	var out ProbeResponse
	if err := c.do(req, "probe", &out); err != nil {
		return nil, err
	}
	if c.storageDir != "" && filepath.Clean(c.storageDir) != filepath.Clean(out.KacheryStorageDir) {
		return nil, fmt.Errorf("%w: %s <> %s", ErrStorageDirMismatch, c.storageDir, out.KacheryStorageDir)
	}
	return &out, nil
}

// StorageDir is the daemon's storage directory: the configured one, or the
// one reported by the probe.
func (c *Client) StorageDir(ctx context.Context) (string, error) {
	if c.storageDir != "" {
		return c.storageDir, nil
	}
	p, err := c.Probe(ctx)
	if err != nil {
		return "", err
	}
	if p.KacheryStorageDir == "" {
		return "", fmt.Errorf("daemon did not report a storage directory")
	}
	return p.KacheryStorageDir, nil
}

// NodeID returns the daemon's node id.
func (c *Client) NodeID(ctx context.Context) (string, error) {
	p, err := c.Probe(ctx)
	if err != nil {
		return "", err
	}
	return p.NodeID, nil
}

func (c *Client) newPost(ctx context.Context, endpoint string, body any) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", endpoint, err)
	}
	code, err := c.auth.get(ctx)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(AuthHeader, code)
	return req, nil
}

// post sends an authenticated JSON request. wait extends the deadline for
// long-poll endpoints.
func (c *Client) post(ctx context.Context, endpoint string, body any, out replier, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout+wait)
	defer cancel()

	req, err := c.newPost(ctx, endpoint, body)
	if err != nil {
		return err
	}
	return c.do(req, endpoint, out)
}

func (c *Client) do(req *http.Request, endpoint string, out replier) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(req.Context(), endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Endpoint: endpoint, Status: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s reply: %w", endpoint, err)
	}
	if r := out.reply(); !r.Success {
		return &APIError{Endpoint: endpoint, Status: resp.StatusCode, Message: r.Error}
	}
	return nil
}

func transportError(ctx context.Context, endpoint string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("daemon %s: %w", endpoint, ctxErr)
	}
	var urlErr *url.Error
	var opErr *net.OpError
	if errors.As(err, &opErr) || errors.As(err, &urlErr) {
		return fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, endpoint, err)
	}
	return err
}

// stream posts body and returns the raw framed response. The caller closes
// it. The request is cancelled once no bytes arrive for the client timeout
// plus wait.
func (c *Client) stream(ctx context.Context, endpoint string, body any, wait time.Duration) (io.ReadCloser, error) {
	ctx, cancel := context.WithCancel(ctx)
	ib := &idleBody{idle: c.timeout + wait, cancel: cancel}
	ib.timer = time.AfterFunc(ib.idle, ib.expire)

	req, err := c.newPost(ctx, endpoint, body)
	if err != nil {
		ib.stop()
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		ib.stop()
		if ib.expired.Load() {
			return nil, fmt.Errorf("%w: %s", ErrStalled, endpoint)
		}
		return nil, transportError(ctx, endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer ib.stop()
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{Endpoint: endpoint, Status: resp.StatusCode, Message: string(bytes.TrimSpace(msg))}
	}
	ib.ReadCloser = resp.Body
	ib.endpoint = endpoint
	return ib, nil
}

// idleBody cancels its request when no bytes arrive within idle.
type idleBody struct {
	io.ReadCloser
	endpoint string
	idle     time.Duration
	timer    *time.Timer
	cancel   context.CancelFunc
	expired  atomic.Bool
}

func (b *idleBody) expire() {
	b.expired.Store(true)
	b.cancel()
}

func (b *idleBody) stop() {
	b.timer.Stop()
	b.cancel()
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if n > 0 {
		b.timer.Reset(b.idle)
	}
	if err != nil && b.expired.Load() {
		err = fmt.Errorf("%w: %s", ErrStalled, b.endpoint)
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.stop()
	return b.ReadCloser.Close()
}

func msec(d time.Duration) int64 { return d.Milliseconds() }
