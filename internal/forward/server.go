package forward

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"

	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/dockermeta"
	"github.com/fabric8io/fluent-plugin-docker-metadata-filter/internal/logging"
)

// Handler receives one decoded batch. Returning an error closes the
// connection without acknowledging the chunk, so the sender retries.
type Handler func(ctx context.Context, tag string, batch dockermeta.Batch) error

// Server accepts Fluent Forward connections over TCP.
type Server struct {
	addr    string
	handler Handler
	tls     *tls.Config
	logger  *slog.Logger
}

// ServerConfig holds Forward server configuration.
type ServerConfig struct {
	Addr    string      // e.g. ":24224"
	Handler Handler
	TLS     *tls.Config // nil serves plain TCP
	Logger  *slog.Logger
}

// NewServer creates a Forward server.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		addr:    cfg.Addr,
		handler: cfg.Handler,
		tls:     cfg.TLS,
		logger:  logging.Default(cfg.Logger).With("component", "forward-server"),
	}
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("forward listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. It closes ln
// and waits for open connections before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}
	s.logger.Info("fluent forward listening", "addr", ln.Addr().String(), "tls", s.tls != nil)

	var wg sync.WaitGroup
	defer func() {
		ln.Close()
		wg.Wait()
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Warn("accept error", "error", err)
			continue
		}

		wg.Go(func() {
			s.handleConn(ctx, conn)
		})
	}
}

// handleConn processes messages on one connection until EOF or error.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Unblock the decoder on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("connection accepted", "remote", remote)

	dec := msgpack.NewDecoder(conn)

	for {
		tag, batch, option, err := readMessage(dec)
		if err != nil {
			if !errors.Is(err, errTruncated) && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || ctx.Err() != nil) {
				return
			}
			s.logger.Warn("decode error", "remote", remote, "error", err)
			return
		}

		if err := s.handler(ctx, tag, batch); err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("handle batch", "remote", remote, "tag", tag, "error", err)
			}
			return
		}

		// Send ack if requested.
		if chunk, ok := option["chunk"].(string); ok {
			data, err := msgpack.Marshal(map[string]string{"ack": chunk})
			if err != nil {
				return
			}
			if _, err := conn.Write(data); err != nil {
				s.logger.Debug("write ack", "remote", remote, "error", err)
				return
			}
		}
	}
}

// readMessage decodes one Forward protocol message in any of the four
// modes and returns it as a batch.
func readMessage(dec *msgpack.Decoder) (string, dockermeta.Batch, map[string]any, error) {
	arrLen, err := dec.DecodeArrayLen()
	if err != nil {
		return "", nil, nil, err
	}
	if arrLen < 2 || arrLen > 4 {
		return "", nil, nil, fmt.Errorf("unexpected array length %d", arrLen)
	}

	tag, err := dec.DecodeString()
	if err != nil {
		return "", nil, nil, fmt.Errorf("decode tag: %w", err)
	}

	code, err := dec.PeekCode()
	if err != nil {
		return "", nil, nil, err
	}

	var (
		batch  dockermeta.Batch
		option map[string]any
	)

	switch {
	case code == msgpcode.Bin8 || code == msgpcode.Bin16 || code == msgpcode.Bin32 || msgpcode.IsString(code):
		// PackedForward or CompressedPackedForward: [tag, bin, option?]
		data, err := dec.DecodeBytes()
		if err != nil {
			return "", nil, nil, fmt.Errorf("decode packed entries: %w", err)
		}
		if arrLen >= 3 {
			if option, err = decodeOption(dec); err != nil {
				return "", nil, nil, fmt.Errorf("decode option: %w", err)
			}
		}
		if isCompressed(option) {
			if data, err = gunzip(data); err != nil {
				return "", nil, nil, fmt.Errorf("decompress: %w", err)
			}
		}
		if batch, err = decodePacked(data); err != nil {
			return "", nil, nil, fmt.Errorf("decode packed entries: %w", err)
		}

	case isArrayCode(code):
		// Forward: [tag, [[time, record], ...], option?]
		if batch, err = decodeEntries(dec); err != nil {
			return "", nil, nil, fmt.Errorf("decode entries: %w", err)
		}
		if arrLen >= 3 {
			if option, err = decodeOption(dec); err != nil {
				return "", nil, nil, fmt.Errorf("decode option: %w", err)
			}
		}

	default:
		// Message: [tag, time, record, option?]
		if arrLen < 3 {
			return "", nil, nil, fmt.Errorf("message mode needs time and record, got %d elements", arrLen)
		}
		ts, err := decodeTime(dec)
		if err != nil {
			return "", nil, nil, fmt.Errorf("decode time: %w", err)
		}
		record, err := decodeRecord(dec)
		if err != nil {
			return "", nil, nil, err
		}
		if arrLen >= 4 {
			if option, err = decodeOption(dec); err != nil {
				return "", nil, nil, fmt.Errorf("decode option: %w", err)
			}
		}
		batch = dockermeta.Batch{{Time: ts, Record: record}}
	}

	return tag, batch, option, nil
}
