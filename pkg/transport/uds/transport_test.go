package uds

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestPingRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "test.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	// Start server
	srv := NewServer(sock, logger)
	srv.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
		return PingResponse{Pong: true}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// Wait for socket to appear
	for i := 0; i < 50; i++ {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Connect client
	client, err := Dial(sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	// Send Ping
	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()

	resp, err := client.Request(reqCtx, MethodPing, nil)
	if err != nil {
		t.Fatalf("ping request: %v", err)
	}

	var pong PingResponse
	if err := json.Unmarshal(resp.Data, &pong); err != nil {
		t.Fatalf("unmarshal pong: %v", err)
	}
	if !pong.Pong {
		t.Error("expected pong=true")
	}

	// Cleanup
	cancel()
	srv.Shutdown()
}

func TestUnknownMethod(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "test.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	srv := NewServer(sock, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Start(ctx)

	for i := 0; i < 50; i++ {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	client, err := Dial(sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()

	_, err = client.Request(reqCtx, "NoSuchMethod", nil)
	if err == nil {
		t.Error("expected error for unknown method")
	}

	cancel()
	srv.Shutdown()
}

func TestBroadcastEvent(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "test.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	srv := NewServer(sock, logger)
	srv.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
		return PingResponse{Pong: true}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Start(ctx)

	for i := 0; i < 50; i++ {
		if _, err := os.Stat(sock); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	client, err := Dial(sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	evtCh := make(chan Message, 1)
	client.OnEvent(func(msg Message) {
		evtCh <- msg
	})

	// Ensure connection is established by doing a ping first
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pingCancel()
	if _, err := client.Request(pingCtx, MethodPing, nil); err != nil {
		t.Fatalf("ping: %v", err)
	}

	// Broadcast an event
	evt, _ := NewEvent(EventDevicesDelta, map[string]string{"test": "data"})
	srv.Broadcast(evt)

	select {
	case msg := <-evtCh:
		if msg.Method != EventDevicesDelta {
			t.Errorf("expected method %s, got %s", EventDevicesDelta, msg.Method)
		}
	case <-time.After(2 * time.Second):
		t.Error("timeout waiting for broadcast event")
	}

	cancel()
	srv.Shutdown()
}

func TestCallDecodesPayload(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	srv := NewServer(sock, logger)
	srv.Handle(MethodListSessions, func(_ context.Context, msg Message) (any, error) {
		var req CaptureRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return nil, err
		}
		return []SessionInfo{{ID: "s1", Serial: req.Serial, Package: "com.android.camera"}}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	go srv.StartNotify(ctx, func() { close(ready) })
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}

	client, err := Dial(sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()

	var sessions []SessionInfo
	if err := client.Call(reqCtx, MethodListSessions, CaptureRequest{Serial: "R58M123"}, &sessions); err != nil {
		t.Fatalf("call: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Serial != "R58M123" {
		t.Errorf("unexpected sessions: %+v", sessions)
	}

	cancel()
	srv.Shutdown()

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Error("client did not notice shutdown")
	}
}

func TestUnmarshalDataEmpty(t *testing.T) {
	msg := Message{Method: MethodPing}
	var pong PingResponse
	if err := msg.UnmarshalData(&pong); err == nil {
		t.Error("expected error for empty payload")
	}
}

func TestDevicesDeltaHasChanges(t *testing.T) {
	if (DevicesDelta{}).HasChanges() {
		t.Error("empty delta reports changes")
	}
	if !(DevicesDelta{Removed: []string{"x"}}).HasChanges() {
		t.Error("removal not reported")
	}
}

func startTestServer(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	go srv.StartNotify(ctx, func() { close(ready) })
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("server not ready")
	}
	t.Cleanup(func() {
		cancel()
		srv.Shutdown()
	})
}

func TestSlowRequestDoesNotBlockConnection(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	release := make(chan struct{})
	srv := NewServer(sock, logger)
	srv.Handle(MethodSystrace, func(ctx context.Context, _ Message) (any, error) {
		select {
		case <-release:
			return SystraceResponse{Path: "trace.html"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	srv.Handle(MethodPing, func(_ context.Context, _ Message) (any, error) {
		return PingResponse{Pong: true}, nil
	})
	startTestServer(t, srv)

	client, err := Dial(sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	traced := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var resp SystraceResponse
		traced <- client.Call(ctx, MethodSystrace, SystraceRequest{Serial: "R58M123"}, &resp)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var pong PingResponse
	if err := client.Call(ctx, MethodPing, nil, &pong); err != nil || !pong.Pong {
		t.Fatalf("ping behind a running systrace: pong=%v err=%v", pong.Pong, err)
	}

	close(release)
	if err := <-traced; err != nil {
		t.Errorf("systrace: %v", err)
	}
}

func TestRemoteError(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	srv := NewServer(sock, logger)
	srv.Handle(MethodStartCapture, func(context.Context, Message) (any, error) {
		return nil, errors.New("no device attached")
	})
	srv.Handle(MethodPing, func(context.Context, Message) (any, error) {
		panic("boom")
	})
	startTestServer(t, srv)

	client, err := Dial(sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = client.Request(ctx, MethodStartCapture, nil)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Message != "no device attached" || remote.Method != MethodStartCapture {
		t.Fatalf("err = %v, want RemoteError", err)
	}

	_, err = client.Request(ctx, MethodPing, nil)
	if !errors.As(err, &remote) || remote.Message != "internal error" {
		t.Fatalf("panicking handler: err = %v", err)
	}

	// The connection survives both failures.
	if srv.Clients() != 1 {
		t.Errorf("Clients() = %d, want 1", srv.Clients())
	}
}

func TestRequestAfterShutdown(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "test.sock")
	srv := NewServer(sock, slog.New(slog.NewTextHandler(io.Discard, nil)))
	startTestServer(t, srv)

	client, err := Dial(sock)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	srv.Shutdown()
	<-client.Done()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := client.Request(ctx, MethodPing, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
