package oada

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/trellisfw/target-helper/errors"
	"github.com/trellisfw/target-helper/store"
)

// Conn abstracts the websocket connection for testability.
// The real implementation wraps gorilla/websocket.
type Conn interface {
	ReadJSON(v interface{}) error
	WriteJSON(v interface{}) error
	Close() error
}

type gorillaConn struct {
	conn *websocket.Conn
}

func (c *gorillaConn) ReadJSON(v interface{}) error  { return c.conn.ReadJSON(v) }
func (c *gorillaConn) WriteJSON(v interface{}) error { return c.conn.WriteJSON(v) }
func (c *gorillaConn) Close() error                  { return c.conn.Close() }

func dialGorilla(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s: status %d", url, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return &gorillaConn{conn: conn}, nil
}

// Request is a client->server websocket message
type Request struct {
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"` // "watch" | "unwatch"
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Message is a server->client websocket message: either the response to
// a request (Status set) or a batch of changes for a watch.
type Message struct {
	RequestID string         `json:"requestId"`
	Status    int            `json:"status,omitempty"`
	Change    []store.Change `json:"change,omitempty"`
}

// wsSession multiplexes watches over one connection by request id
type wsSession struct {
	conn    Conn
	token   string
	logger  *zap.SugaredLogger
	writeMu sync.Mutex

	mu      sync.Mutex
	acks    map[string]chan Message
	watches map[string]*store.Feed

	done chan struct{}
	once sync.Once
	err  error
}

func newSession(conn Conn, token string, logger *zap.SugaredLogger) *wsSession {
	s := &wsSession{
		conn:    conn,
		token:   token,
		logger:  logger,
		acks:    make(map[string]chan Message),
		watches: make(map[string]*store.Feed),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func (s *wsSession) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *wsSession) write(req Request) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.token != "" {
		req.Headers = map[string]string{"authorization": "Bearer " + s.token}
	}
	return s.conn.WriteJSON(req)
}

func (s *wsSession) readLoop() {
	for {
		var msg Message
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.shutdown(errors.Wrap(err, "websocket read"))
			return
		}

		s.mu.Lock()
		if ack, ok := s.acks[msg.RequestID]; ok && len(msg.Change) == 0 {
			delete(s.acks, msg.RequestID)
			s.mu.Unlock()
			ack <- msg
			continue
		}
		feed := s.watches[msg.RequestID]
		s.mu.Unlock()

		if feed == nil {
			s.logger.Debugw("change for unknown watch", "request_id", msg.RequestID)
			continue
		}
		for _, change := range msg.Change {
			feed.Push(change)
		}
	}
}

// shutdown ends the session and every watch on it
func (s *wsSession) shutdown(cause error) {
	s.once.Do(func() {
		s.err = cause
		close(s.done)
		s.conn.Close()

		s.mu.Lock()
		feeds := make([]*store.Feed, 0, len(s.watches))
		for _, f := range s.watches {
			feeds = append(feeds, f)
		}
		s.watches = map[string]*store.Feed{}
		s.mu.Unlock()

		for _, f := range feeds {
			f.Close()
		}
		s.logger.Infow("websocket closed", "error", cause)
	})
}

func (s *wsSession) unwatch(id, path string) {
	s.mu.Lock()
	_, live := s.watches[id]
	delete(s.watches, id)
	s.mu.Unlock()

	if !live || !s.alive() {
		return
	}
	if err := s.write(Request{RequestID: uuid.NewString(), Method: "unwatch", Path: path}); err != nil {
		s.logger.Debugw("unwatch failed", "path", path, "error", err)
	}
}

// session returns the live websocket session, dialing if needed
func (c *Client) session(ctx context.Context) (*wsSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return nil, errors.New("client closed")
	}
	if c.ws != nil && c.ws.alive() {
		return c.ws, nil
	}

	header := http.Header{}
	if token := c.http.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, err := c.dial(ctx, c.wsURL, header)
	if err != nil {
		return nil, errors.Mark(err, errors.ErrSubscription)
	}
	c.ws = newSession(conn, c.http.Token(), c.logger)
	return c.ws, nil
}

// Watch implements store.Client
func (c *Client) Watch(ctx context.Context, path string) (store.Subscription, error) {
	s, err := c.session(ctx)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ack := make(chan Message, 1)
	feed := store.NewFeed(func() { s.unwatch(id, path) })

	s.mu.Lock()
	s.acks[id] = ack
	s.watches[id] = feed
	s.mu.Unlock()

	fail := func(err error) (store.Subscription, error) {
		s.mu.Lock()
		delete(s.acks, id)
		delete(s.watches, id)
		s.mu.Unlock()
		feed.Close()
		return nil, errors.Mark(err, errors.ErrSubscription)
	}

	if err := s.write(Request{RequestID: id, Method: "watch", Path: store.Join(path)}); err != nil {
		return fail(errors.Wrapf(err, "send watch %s", path))
	}

	select {
	case msg := <-ack:
		if msg.Status == http.StatusNotFound {
			return fail(errors.NewNotFoundError("watch %s", path))
		}
		if msg.Status >= 300 {
			return fail(errors.Newf("watch %s: status %d", path, msg.Status))
		}
	case <-s.done:
		return fail(errors.Wrapf(s.err, "watch %s", path))
	case <-ctx.Done():
		return fail(errors.Wrapf(ctx.Err(), "watch %s", path))
	}

	go func() {
		select {
		case <-ctx.Done():
			feed.Close()
		case <-feed.Done():
		}
	}()

	c.logger.Debugw("watch established", "path", path, "request_id", id)
	return feed, nil
}
