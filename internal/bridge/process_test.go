package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/biomcp/internal/mcp"
)

// helperFactory re-executes the test binary as the child process. The
// command name selects the helper's behavior.
func helperFactory(ctx context.Context, name string, args ...string) *exec.Cmd {
	cs := append([]string{"-test.run=TestHelperProcess", "--", name}, args...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
	return cmd
}

// TestHelperProcess is not a real test; it is the child process body.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}

	switch args[1] {
	case "echo":
		fmt.Fprintln(os.Stderr, "echo helper ready")
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			fmt.Println(scanner.Text())
		}
	case "mcp":
		srv := mcp.NewServer("helper", "0.0.1")
		srv.RegisterTool(pingTool(), func(context.Context, json.RawMessage) (*mcp.ToolCallResult, error) {
			return mcp.SuccessResult("pong"), nil
		})
		_ = srv.Serve(context.Background(), os.Stdin, os.Stdout)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("ready")
		time.Sleep(time.Minute)
	case "boom":
		// Reject initialize, then stay alive until stdin closes.
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			var req mcp.Message
			_ = json.Unmarshal(scanner.Bytes(), &req)
			resp, _ := json.Marshal(mcp.NewErrorResponse(req.ID, &mcp.RPCError{Code: mcp.ErrCodeServerError, Message: "boom"}))
			fmt.Println(string(resp))
		}
		for scanner.Scan() {
		}
	case "exit":
		fmt.Println("bye")
	case "env":
		fmt.Println(os.Getenv("BIO_TEST_VALUE"))
	}
	os.Exit(0)
}

func startHelper(t *testing.T, mode string, grace time.Duration) *ProcessTransport {
	t.Helper()
	pt, err := StartProcess(context.Background(), ProcessConfig{Command: mode, CloseGrace: grace}, WithCommandFactory(helperFactory))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pt.Close() })
	return pt
}

func receive(t *testing.T, tr Transport) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	line, err := tr.ReceiveLine(ctx)
	require.NoError(t, err)
	return string(line)
}

func TestStartProcess_RequiresCommand(t *testing.T) {
	_, err := StartProcess(context.Background(), ProcessConfig{})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "spawn", te.Op)
}

func TestStartProcess_MissingBinary(t *testing.T) {
	_, err := StartProcess(context.Background(), ProcessConfig{Command: "/nonexistent/biomcp-server"})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Contains(t, err.Error(), "start")
}

func TestProcessTransport_EchoRoundTrip(t *testing.T) {
	pt := startHelper(t, "echo", time.Second)

	require.NoError(t, pt.Send(context.Background(), []byte(`{"a":1}`)))
	require.NoError(t, pt.Send(context.Background(), []byte("{\"b\":2}\n")))
	require.Equal(t, `{"a":1}`, receive(t, pt))
	require.Equal(t, `{"b":2}`, receive(t, pt))

	require.Eventually(t, func() bool { return len(pt.StderrTail()) > 0 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "echo helper ready", pt.StderrTail()[0])
	require.Positive(t, pt.PID())
}

func TestProcessTransport_ReceiveTimeout(t *testing.T) {
	pt := startHelper(t, "echo", time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := pt.ReceiveLine(ctx)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestProcessTransport_SendAfterExit(t *testing.T) {
	pt := startHelper(t, "exit", time.Second)
	require.Equal(t, "bye", receive(t, pt))

	select {
	case <-pt.Exited():
	case <-time.After(5 * time.Second):
		require.FailNow(t, "helper did not exit")
	}

	err := pt.Send(context.Background(), []byte(`{}`))
	require.ErrorIs(t, err, ErrTransportClosed)

	_, err = pt.ReceiveLine(context.Background())
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "receive", te.Op)
}

func TestProcessTransport_EnvIsMerged(t *testing.T) {
	pt, err := StartProcess(context.Background(), ProcessConfig{
		Command: "env",
		Env:     []string{"BIO_TEST_VALUE=merged"},
	}, WithCommandFactory(helperFactory))
	require.NoError(t, err)
	defer pt.Close()
	require.Equal(t, "merged", receive(t, pt))
}

func TestProcessTransport_CloseKillsStubbornProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signals are not delivered on windows")
	}
	pt := startHelper(t, "stubborn", 100*time.Millisecond)
	require.Equal(t, "ready", receive(t, pt))

	start := time.Now()
	require.NoError(t, pt.Close())
	require.Less(t, time.Since(start), 5*time.Second)

	select {
	case <-pt.Exited():
	default:
		require.FailNow(t, "Close returned before the process was reaped")
	}
	require.NoError(t, pt.Close(), "close is idempotent")
}

// Initialize followed by Close leaves no orphaned process.
func TestProcessTransport_InitializeThenCloseLeavesNoOrphan(t *testing.T) {
	client, err := Connect(context.Background(), ClientConfig{
		Name:    "bio",
		Process: ProcessConfig{Command: "mcp", CloseGrace: time.Second},
	}, WithCommandFactory(helperFactory))
	require.NoError(t, err)

	pt := client.transport.(*ProcessTransport)
	pid := pt.PID()
	require.Equal(t, []string{"ping"}, client.session.Tools().Names())

	result := client.CallTool(context.Background(), "ping", nil)
	require.True(t, result.Success)
	require.Equal(t, "pong", result.Content)

	info := client.Info()
	require.Equal(t, "helper", info.ServerName)
	require.Equal(t, pid, info.PID)

	require.NoError(t, client.Close())
	select {
	case <-pt.Exited():
	default:
		require.FailNow(t, "process not reaped after Close")
	}
	require.Equal(t, StateClosed, client.session.State())

	if runtime.GOOS != "windows" {
		// Signal 0 only checks existence; a reaped pid reports an error.
		proc, _ := os.FindProcess(pid)
		require.Error(t, proc.Signal(syscall.Signal(0)))
	}
}

func TestConnect_HandshakeErrorTerminatesProcess(t *testing.T) {
	var cmd *exec.Cmd
	factory := func(ctx context.Context, name string, args ...string) *exec.Cmd {
		cmd = helperFactory(ctx, name, args...)
		return cmd
	}

	client, err := Connect(context.Background(), ClientConfig{
		Name:    "bio",
		Process: ProcessConfig{Command: "boom", CloseGrace: time.Second},
	}, WithCommandFactory(factory))
	require.Nil(t, client)

	var he *HandshakeError
	require.ErrorAs(t, err, &he)
	require.Equal(t, mcp.MethodInitialize, he.Step)
	var rpcErr *mcp.RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, mcp.ErrCodeServerError, rpcErr.Code)
	require.Equal(t, "boom", rpcErr.Message)

	require.NotNil(t, cmd)
	require.NotNil(t, cmd.ProcessState, "process must be reaped when the handshake fails")
	if runtime.GOOS != "windows" {
		proc, _ := os.FindProcess(cmd.Process.Pid)
		require.Error(t, proc.Signal(syscall.Signal(0)))
	}
}
