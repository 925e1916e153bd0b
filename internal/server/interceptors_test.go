package server_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dantte-lp/lispd/internal/server"
)

// panicHandler panics on every call. Used to exercise RecoveryInterceptor
// without routing through a real Engine.
type panicHandler struct{}

func (panicHandler) handle(
	context.Context,
	*connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	panic("intentional test panic")
}

// setupPanicServer serves a single handler that always panics, wrapped
// in the given interceptor options.
func setupPanicServer(t *testing.T, opts ...connect.HandlerOption) *connect.Client[structpb.Struct, structpb.Struct] {
	t.Helper()

	var h panicHandler
	path, handler := connect.NewUnaryHandler(server.ProcedureStatus, h.handle, opts...)
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return connect.NewClient[structpb.Struct, structpb.Struct](srv.Client(), srv.URL+server.ProcedureStatus)
}

// -------------------------------------------------------------------------
// TestLoggingInterceptor
// -------------------------------------------------------------------------

func TestLoggingInterceptorSuccess(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	srv, _ := newTestServer(t, server.LoggingInterceptorOption(logger))
	client := unaryClient(srv, server.ProcedureListMapCache)

	resp, err := client.CallUnary(context.Background(), structReq(t, nil))
	if err != nil {
		t.Fatalf("ListMapCache: %v", err)
	}
	if resp == nil {
		t.Fatal("response is nil")
	}
}

func TestLoggingInterceptorError(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	srv, _ := newTestServer(t, server.LoggingInterceptorOption(logger))
	client := unaryClient(srv, server.ProcedureShowMapCache)

	_, err := client.CallUnary(context.Background(), structReq(t, map[string]any{"prefix": "198.51.100.0/24"}))
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected connect.Error, got %T: %v", err, err)
	}
	if connectErr.Code() != connect.CodeNotFound {
		t.Errorf("code = %s, want NotFound", connectErr.Code())
	}
}

// -------------------------------------------------------------------------
// TestRecoveryInterceptor
// -------------------------------------------------------------------------

func TestRecoveryInterceptorNoPanic(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	srv, _ := newTestServer(t, server.RecoveryInterceptorOption(logger))
	client := unaryClient(srv, server.ProcedureListMapCache)

	resp, err := client.CallUnary(context.Background(), structReq(t, nil))
	if err != nil {
		t.Fatalf("ListMapCache: %v", err)
	}
	if resp == nil {
		t.Fatal("response is nil")
	}
}

func TestRecoveryInterceptorPanic(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	client := setupPanicServer(t, server.RecoveryInterceptorOption(logger))

	_, err := client.CallUnary(context.Background(), structReq(t, nil))
	if err == nil {
		t.Fatal("expected error after panic, got nil")
	}

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected connect.Error, got %T: %v", err, err)
	}
	if connectErr.Code() != connect.CodeInternal {
		t.Errorf("code = %s, want Internal", connectErr.Code())
	}
}

// -------------------------------------------------------------------------
// TestBothInterceptors -- logging + recovery together
// -------------------------------------------------------------------------

func TestBothInterceptors(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	srv, _ := newTestServer(t,
		server.LoggingInterceptorOption(logger),
		server.RecoveryInterceptorOption(logger),
	)
	client := unaryClient(srv, server.ProcedureListMapCache)

	resp, err := client.CallUnary(context.Background(), structReq(t, nil))
	if err != nil {
		t.Fatalf("ListMapCache: %v", err)
	}
	if resp == nil {
		t.Fatal("response is nil")
	}
}
