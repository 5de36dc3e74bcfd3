// Package oada implements store.Client against an OADA-style server:
// plain HTTP for CRUD and one multiplexed websocket for watches.
package oada

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/internal/httpclient"
	"github.com/trellisfw/target-helper/store"
	"github.com/trellisfw/target-helper/tree"
)

// Config configures a Client
type Config struct {
	BaseURL string // e.g. "https://localhost"
	WSPath  string // websocket endpoint, default "/"
	// RequestsPerSecond paces HTTP requests; 0 = unlimited
	RequestsPerSecond int
}

// Client talks to the store over HTTP and a shared websocket
type Client struct {
	baseURL string
	wsURL   string
	http    *httpclient.SaferClient
	limiter *rate.Limiter
	dial    func(ctx context.Context, url string, header http.Header) (Conn, error)
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	ws      *wsSession
	closing bool
}

var _ store.Client = (*Client)(nil)

// New creates a client. hc carries timeout, IP policy and the bearer token.
func New(cfg Config, hc *httpclient.SaferClient, logger *zap.SugaredLogger) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	wsPath := cfg.WSPath
	if wsPath == "" {
		wsPath = "/"
	}
	wsURL := base + wsPath
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}

	c := &Client{
		baseURL: base,
		wsURL:   wsURL,
		http:    hc,
		dial:    dialGorilla,
		logger:  logger.Named("oada"),
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond)
	}
	return c
}

// Close drops the websocket, ending every watch
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		ws.shutdown(errors.New("client closed"))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, contentType string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limiter")
		}
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrapf(err, "encode body for %s %s", method, path)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+store.Join(path), reader)
	if err != nil {
		return nil, errors.Wrapf(err, "build %s %s", method, path)
	}
	if body != nil {
		if contentType == "" {
			contentType = "application/json"
		}
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	if resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return nil, errors.NewNotFoundError("%s %s", method, path)
	case http.StatusConflict, http.StatusPreconditionFailed:
		return nil, errors.Wrapf(errors.ErrConflict, "%s %s", method, path)
	default:
		return nil, errors.WithDetailf(
			errors.Newf("%s %s: status %d", method, path, resp.StatusCode),
			"body: %s", string(snippet))
	}
}

// Get implements store.Client
func (c *Client) Get(ctx context.Context, path string) (interface{}, error) {
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return out, nil
}

// Put implements store.Client
func (c *Client) Put(ctx context.Context, path string, data interface{}, opts ...store.WriteOption) (string, error) {
	o := store.ApplyOptions(opts)
	if o.Tree != nil {
		if err := c.ensureParents(ctx, path, o.Tree); err != nil {
			return "", err
		}
		if o.ContentType == "" {
			o.ContentType, _ = o.Tree.TypeAt(path)
		}
	}

	resp, err := c.do(ctx, http.MethodPut, path, data, o.ContentType)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	return location(resp, path), nil
}

// Post implements store.Client
func (c *Client) Post(ctx context.Context, path string, data interface{}, opts ...store.WriteOption) (string, error) {
	o := store.ApplyOptions(opts)
	if o.Tree != nil {
		if err := c.ensureParents(ctx, store.Join(path, "x"), o.Tree); err != nil {
			return "", err
		}
	}

	resp, err := c.do(ctx, http.MethodPost, path, data, o.ContentType)
	if err != nil {
		return "", err
	}
	resp.Body.Close()
	loc := location(resp, "")
	if loc == "" {
		return "", errors.Newf("POST %s: response carried no location", path)
	}
	return loc, nil
}

// Delete implements store.Client
func (c *Client) Delete(ctx context.Context, path string) error {
	resp, err := c.do(ctx, http.MethodDelete, path, nil, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Ensure implements store.Client
func (c *Client) Ensure(ctx context.Context, path string, data interface{}, shape tree.Tree) (interface{}, error) {
	v, err := c.Get(ctx, path)
	if err == nil {
		return v, nil
	}
	if !errors.IsNotFoundError(err) {
		return nil, err
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	if _, err := c.Put(ctx, path, data, store.WithTree(shape)); err != nil {
		return nil, errors.Wrapf(err, "ensure %s", path)
	}
	return c.Get(ctx, path)
}

// ensureParents creates every missing typed ancestor of path as its own
// resource and links it into its parent.
func (c *Client) ensureParents(ctx context.Context, path string, shape tree.Tree) error {
	segs := tree.Split(path)
	for i := 1; i < len(segs)-1; i++ {
		node, ok := shape.Node(segs[:i+1])
		if !ok {
			continue
		}
		ct, ok := node["_type"].(string)
		if !ok {
			continue
		}
		prefix := store.Join(segs[:i+1]...)
		exists, err := store.Exists(ctx, c, prefix)
		if err != nil {
			return errors.Wrapf(err, "check %s", prefix)
		}
		if exists {
			continue
		}

		loc, err := c.Post(ctx, store.ResourcesPath, map[string]interface{}{"_type": ct}, store.WithContentType(ct))
		if err != nil {
			return errors.Wrapf(err, "create resource for %s", prefix)
		}
		parent := store.Join(segs[:i]...)
		link := map[string]interface{}{segs[i]: store.VersionedLink(store.ResourceID(loc))}
		parentType, _ := shape.TypeAt(parent)
		if _, err := c.do(ctx, http.MethodPut, parent, link, parentType); err != nil {
			return errors.Wrapf(err, "link %s", prefix)
		}
		c.logger.Debugw("created tree node", "path", prefix, "resource", loc)
	}
	return nil
}

func location(resp *http.Response, fallback string) string {
	for _, h := range []string{"Location", "Content-Location"} {
		if v := resp.Header.Get(h); v != "" {
			return v
		}
	}
	return fallback
}
