package conn

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"chorus/internal/domain"
)

// errLineTooLong is returned when a reply exceeds the configured maximum.
var errLineTooLong = errors.New("reply line exceeds limit")

// SocketClient talks to a specialist over TCP. Each call opens a connection, writes one
// JSON line, reads one JSON line back and closes.
type SocketClient struct {
	id   string
	addr string
	opts Options
}

// NewSocketClient creates a client for the specialist at info.
func NewSocketClient(id string, info domain.ConnectionInfo, opts Options) *SocketClient {
	return &SocketClient{id: id, addr: info.Address(), opts: opts.withDefaults()}
}

// Send implements domain.SpecialistClient.
func (c *SocketClient) Send(ctx context.Context, req domain.Request) (*domain.Response, error) {
	start := time.Now()
	resp, kind, err := c.roundTrip(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, domain.NewCallError(kind, c.id, elapsed, err)
	}
	resp.Elapsed = elapsed
	return resp, nil
}

func (c *SocketClient) roundTrip(ctx context.Context, req domain.Request) (*domain.Response, domain.CallKind, error) {
	ctx, cancel := withDeadline(ctx, c.opts.Timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, domain.CallProtocol, err
	}
	payload = append(payload, '\n')

	dialer := net.Dialer{Timeout: c.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, classify(ctx, err), err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(payload); err != nil {
		return nil, classify(ctx, err), fmt.Errorf("write request: %w", err)
	}

	line, err := readLine(bufio.NewReader(conn), c.opts.MaxLineBytes)
	switch {
	case errors.Is(err, errLineTooLong):
		return nil, domain.CallProtocol, domain.NewProtocolError(err.Error(), line)
	case err != nil:
		return nil, classify(ctx, err), fmt.Errorf("read reply: %w", err)
	}

	resp, err := decodeReply(line)
	if err != nil {
		var remote *domain.RemoteError
		if errors.As(err, &remote) {
			return nil, domain.CallRemote, err
		}
		return nil, domain.CallProtocol, err
	}
	return resp, "", nil
}

// readLine reads until '\n', looping over partial reads. A reply cut short by EOF is
// accepted when it carries data. The returned line excludes the delimiter.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > max {
			return line[:min(len(line), 200)], errLineTooLong
		}
		switch {
		case err == nil:
			return bytes.TrimRight(line, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0:
			return bytes.TrimSpace(line), nil
		case errors.Is(err, io.EOF):
			return nil, io.ErrUnexpectedEOF
		default:
			return nil, err
		}
	}
}

// Ping sends a ping request. Any well-formed, non-error reply counts as alive.
func (c *SocketClient) Ping(ctx context.Context) (time.Duration, error) {
	resp, err := c.Send(ctx, domain.Request{Type: domain.RequestPing})
	if err != nil {
		return 0, err
	}
	return resp.Elapsed, nil
}

// Info asks the specialist to describe itself.
func (c *SocketClient) Info(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.Send(ctx, domain.Request{Type: domain.RequestInfo})
	if err != nil {
		return nil, err
	}
	return resp.Raw, nil
}

// Schema asks the specialist for its message schema.
func (c *SocketClient) Schema(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.Send(ctx, domain.Request{Type: domain.RequestSchema})
	if err != nil {
		return nil, err
	}
	return resp.Raw, nil
}

var _ Client = (*SocketClient)(nil)
