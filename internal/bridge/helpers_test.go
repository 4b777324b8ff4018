package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/biomcp/internal/mcp"
)

// fakeServer is the far end of an in-memory pipe transport. Tests drive it
// one message at a time.
type fakeServer struct {
	t       testing.TB
	scanner *bufio.Scanner
	out     io.WriteCloser
}

// newPipe returns a client transport connected to a scripted fake server.
func newPipe(t testing.TB) (*StreamTransport, *fakeServer) {
	t.Helper()
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()
	t.Cleanup(func() {
		_ = s2cW.Close()
		_ = c2sR.Close()
	})
	scanner := bufio.NewScanner(c2sR)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return NewStreamTransport(s2cR, c2sW), &fakeServer{t: t, scanner: scanner, out: s2cW}
}

// next blocks until the client writes a message.
func (f *fakeServer) next() mcp.Message {
	f.t.Helper()
	if !f.scanner.Scan() {
		require.FailNow(f.t, "client closed the pipe", "err: %v", f.scanner.Err())
	}
	var m mcp.Message
	require.NoError(f.t, json.Unmarshal(f.scanner.Bytes(), &m))
	return m
}

func (f *fakeServer) write(v any) {
	f.t.Helper()
	data, err := json.Marshal(v)
	require.NoError(f.t, err)
	_, err = f.out.Write(append(data, '\n'))
	require.NoError(f.t, err)
}

func (f *fakeServer) respond(id json.RawMessage, result any) {
	f.t.Helper()
	f.write(mcp.NewResponse(id, result))
}

func (f *fakeServer) respondError(id json.RawMessage, rpcErr *mcp.RPCError) {
	f.t.Helper()
	f.write(mcp.NewErrorResponse(id, rpcErr))
}

// handshake answers initialize and tools/list for the given tools.
func (f *fakeServer) handshake(tools ...mcp.Tool) {
	f.t.Helper()
	init := f.next()
	require.Equal(f.t, mcp.MethodInitialize, init.Method)
	f.respond(init.ID, mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities:    mcp.ServerCapability{Tools: &mcp.ToolsCapability{}},
		ServerInfo:      mcp.ImplementationInfo{Name: "fake", Version: "0.1.0"},
	})

	notif := f.next()
	require.Equal(f.t, mcp.MethodInitialized, notif.Method)
	require.True(f.t, notif.IsNotification())

	list := f.next()
	require.Equal(f.t, mcp.MethodToolsList, list.Method)
	if tools == nil {
		tools = []mcp.Tool{}
	}
	f.respond(list.ID, mcp.ToolsListResult{Tools: tools})
}

// readySession returns an initialized session backed by a fake server.
func readySession(t *testing.T, opts []SessionOption, tools ...mcp.Tool) (*Session, *fakeServer) {
	t.Helper()
	transport, fake := newPipe(t)
	s := NewSession(transport, opts...)
	t.Cleanup(func() { _ = s.Close() })

	done := make(chan struct{})
	go func() {
		defer close(done)
		fake.handshake(tools...)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := s.Initialize(ctx)
	require.NoError(t, err)
	<-done
	require.Equal(t, StateReady, s.State())
	return s, fake
}

// servePipe connects a session to a real in-process MCP server.
func servePipe(t *testing.T, srv *mcp.Server) *StreamTransport {
	t.Helper()
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, c2sR, s2cW)
		_ = s2cW.Close()
	}()
	t.Cleanup(func() {
		_ = c2sW.Close()
		cancel()
		<-done
	})
	return NewStreamTransport(s2cR, c2sW)
}

func pingTool() mcp.Tool {
	return mcp.Tool{Name: "ping", Description: "d", InputSchema: &mcp.InputSchema{Type: "object"}}
}
