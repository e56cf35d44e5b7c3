package forward

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/dockermeta"
	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/logging"
)

// ClientConfig holds Forward client configuration.
type ClientConfig struct {
	Addr       string        // downstream host:port
	RequireAck bool          // send a chunk id and wait for {"ack": id}
	Timeout    time.Duration // dial, write and ack timeout; 0 means 10s
	TLS        *tls.Config   // nil dials plain TCP
	Logger     *slog.Logger
}

// Client sends batches to a Fluent Forward endpoint over one TCP
// connection, reconnecting after any failure. Safe for concurrent use;
// sends are serialized.
type Client struct {
	addr       string
	requireAck bool
	timeout    time.Duration
	tls        *tls.Config
	logger     *slog.Logger

	mu   sync.Mutex
	conn net.Conn
	bw   *bufio.Writer
	dec  *msgpack.Decoder
}

// NewClient creates a client. No connection is made until the first Send.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		addr:       cfg.Addr,
		requireAck: cfg.RequireAck,
		timeout:    timeout,
		tls:        cfg.TLS,
		logger:     logging.Default(cfg.Logger).With("component", "forward-client", "addr", cfg.Addr),
	}
}

// Send writes batch in Forward mode and, if acks are required, waits for
// the matching ack.
func (c *Client) Send(ctx context.Context, tag string, batch dockermeta.Batch) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return err
	}
	if err := c.send(ctx, tag, batch); err != nil {
		c.reset()
		return err
	}
	return nil
}

func (c *Client) send(ctx context.Context, tag string, batch dockermeta.Batch) error {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return err
	}

	var option map[string]any
	var chunk string
	if c.requireAck {
		chunk = uuid.NewString()
		option = map[string]any{"chunk": chunk}
	}

	enc := msgpack.NewEncoder(c.bw)
	if err := encodeForward(enc, tag, batch, option); err != nil {
		return fmt.Errorf("forward encode: %w", err)
	}
	if err := c.bw.Flush(); err != nil {
		return fmt.Errorf("forward write: %w", err)
	}

	if !c.requireAck {
		return nil
	}
	var resp map[string]string
	if err := c.dec.Decode(&resp); err != nil {
		return fmt.Errorf("forward ack: %w", err)
	}
	if resp["ack"] != chunk {
		return fmt.Errorf("forward ack: got %q, want %q", resp["ack"], chunk)
	}
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	var (
		conn net.Conn
		err  error
	)
	d := &net.Dialer{Timeout: c.timeout}
	if c.tls != nil {
		td := &tls.Dialer{NetDialer: d, Config: c.tls}
		conn, err = td.DialContext(ctx, "tcp", c.addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", c.addr)
	}
	if err != nil {
		return fmt.Errorf("forward dial: %w", err)
	}
	c.conn = conn
	c.bw = bufio.NewWriter(conn)
	c.dec = msgpack.NewDecoder(conn)
	c.logger.Debug("connected")
	return nil
}

func (c *Client) reset() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn, c.bw, c.dec = nil, nil, nil
}

// Close closes the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return nil
}
