package conn_test

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chorus/internal/adapter/conn"
	"chorus/internal/domain"
	"chorus/pkg/specialistsdk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startEcho(t *testing.T, opts ...specialistsdk.Option) *specialistsdk.Specialist {
	t.Helper()
	opts = append([]specialistsdk.Option{
		specialistsdk.WithLogger(testLogger()),
		specialistsdk.WithModel("echo-model"),
		specialistsdk.WithChatHandler(func(_ context.Context, req domain.Request) (*domain.Response, error) {
			return &domain.Response{Content: "echo: " + req.Content}, nil
		}),
	}, opts...)
	sp := specialistsdk.New("echo-ai", "Echo", opts...)
	require.NoError(t, sp.Start(context.Background()))
	t.Cleanup(func() { sp.Stop() })
	return sp
}

func connInfo(t *testing.T, addr string) domain.ConnectionInfo {
	t.Helper()
	info, err := domain.ParseSocketAddress(addr)
	require.NoError(t, err)
	return info
}

// rawServer accepts connections and hands each to handle.
func rawServer(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				handle(c)
			}()
		}
	}()
	return ln.Addr().String()
}

func readRequest(c net.Conn) string {
	line, _ := bufio.NewReader(c).ReadString('\n')
	return line
}

func TestSocketSendChat(t *testing.T) {
	sp := startEcho(t)
	c := conn.NewSocketClient("echo-ai", connInfo(t, sp.Addr()), conn.Options{})

	resp, err := c.Send(context.Background(), domain.NewChatRequest("hello"))
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", resp.Content)
	assert.Equal(t, "echo-model", resp.Model)
	assert.Positive(t, resp.Elapsed)
}

func TestSocketPing(t *testing.T) {
	sp := startEcho(t)
	c := conn.NewSocketClient("echo-ai", connInfo(t, sp.Addr()), conn.Options{})

	elapsed, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Positive(t, elapsed)
}

func TestSocketInfoAndSchema(t *testing.T) {
	sp := startEcho(t,
		specialistsdk.WithCapabilities("echo"),
		specialistsdk.WithSchema([]byte(`{"message_types":{"echo":{"description":"repeat"}}}`)),
	)
	c := conn.NewSocketClient("echo-ai", connInfo(t, sp.Addr()), conn.Options{})

	info, err := c.Info(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(info), `"capabilities":["echo"]`)

	schema, err := c.Schema(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{"message_types":{"echo":{"description":"repeat"}}}`, string(schema))
}

func TestSocketConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := conn.NewSocketClient("gone-ai", connInfo(t, addr), conn.Options{ConnectTimeout: 500 * time.Millisecond})
	_, err = c.Send(context.Background(), domain.NewChatRequest("hi"))

	var ce *domain.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.CallConnection, ce.Kind)
	assert.Equal(t, "gone-ai", ce.SpecialistID)
	assert.ErrorIs(t, err, domain.ErrConnection)
	assert.Equal(t, domain.ExitConnection, domain.ExitCodeOf(err))
}

func TestSocketTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	addr := rawServer(t, func(c net.Conn) {
		readRequest(c)
		<-release
	})

	c := conn.NewSocketClient("slow-ai", connInfo(t, addr), conn.Options{Timeout: 100 * time.Millisecond})
	start := time.Now()
	_, err := c.Send(context.Background(), domain.NewChatRequest("hi"))

	var ce *domain.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.CallTimeout, ce.Kind)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.GreaterOrEqual(t, ce.Elapsed, 90*time.Millisecond)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSocketContextDeadlineWins(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	addr := rawServer(t, func(c net.Conn) {
		readRequest(c)
		<-release
	})

	c := conn.NewSocketClient("slow-ai", connInfo(t, addr), conn.Options{Timeout: time.Minute})
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	_, err := c.Send(ctx, domain.NewChatRequest("hi"))
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestSocketMalformedReply(t *testing.T) {
	addr := rawServer(t, func(c net.Conn) {
		readRequest(c)
		io.WriteString(c, "this is not json\n")
	})

	c := conn.NewSocketClient("bad-ai", connInfo(t, addr), conn.Options{})
	_, err := c.Send(context.Background(), domain.NewChatRequest("hi"))

	var pe *domain.ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "this is not json", pe.Excerpt)
	assert.Equal(t, domain.ExitMalformed, domain.ExitCodeOf(err))
}

func TestSocketOversizedReply(t *testing.T) {
	addr := rawServer(t, func(c net.Conn) {
		readRequest(c)
		io.WriteString(c, `{"content":"`+strings.Repeat("a", 8192)+`"}`+"\n")
	})

	c := conn.NewSocketClient("big-ai", connInfo(t, addr), conn.Options{MaxLineBytes: 1024})
	_, err := c.Send(context.Background(), domain.NewChatRequest("hi"))
	assert.ErrorIs(t, err, domain.ErrProtocol)
}

func TestSocketReplyWithoutNewline(t *testing.T) {
	addr := rawServer(t, func(c net.Conn) {
		readRequest(c)
		io.WriteString(c, `{"content":"no newline"}`)
	})

	c := conn.NewSocketClient("eof-ai", connInfo(t, addr), conn.Options{})
	resp, err := c.Send(context.Background(), domain.NewChatRequest("hi"))
	require.NoError(t, err)
	assert.Equal(t, "no newline", resp.Content)
}

func TestSocketClosedWithoutReply(t *testing.T) {
	addr := rawServer(t, func(c net.Conn) {
		readRequest(c)
	})

	c := conn.NewSocketClient("mute-ai", connInfo(t, addr), conn.Options{})
	_, err := c.Send(context.Background(), domain.NewChatRequest("hi"))
	var ce *domain.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.CallConnection, ce.Kind)
}

func TestSocketRemoteError(t *testing.T) {
	sp := startEcho(t, specialistsdk.WithChatHandler(func(context.Context, domain.Request) (*domain.Response, error) {
		return nil, &domain.RemoteError{Code: "busy", Message: "queue full"}
	}))
	c := conn.NewSocketClient("echo-ai", connInfo(t, sp.Addr()), conn.Options{})

	_, err := c.Send(context.Background(), domain.NewChatRequest("hi"))
	var re *domain.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "busy", re.Code)
	assert.Equal(t, "queue full", re.Message)

	var ce *domain.CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.CallRemote, ce.Kind)
}

func TestSocketRequestOnWire(t *testing.T) {
	got := make(chan string, 1)
	addr := rawServer(t, func(c net.Conn) {
		got <- readRequest(c)
		io.WriteString(c, `{"content":"ok"}`+"\n")
	})

	temp := 0.2
	c := conn.NewSocketClient("wire-ai", connInfo(t, addr), conn.Options{})
	_, err := c.Send(context.Background(), domain.Request{
		Type: domain.RequestChat, Content: "hi", Temperature: &temp, MaxTokens: 64, SystemPrompt: "be brief",
	})
	require.NoError(t, err)

	line := <-got
	assert.True(t, strings.HasSuffix(line, "\n"))
	assert.JSONEq(t, `{"type":"chat","content":"hi","temperature":0.2,"max_tokens":64,"system_prompt":"be brief"}`, line)
	assert.NoError(t, conn.ValidateRequest([]byte(line)))
}
