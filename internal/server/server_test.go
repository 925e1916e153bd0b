package server_test

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dantte-lp/lispd/internal/lisp"
	"github.com/dantte-lp/lispd/internal/server"
)

// fakeUnderlay is a minimal lisp.Underlay for tests that never actually
// need packets on the wire -- only the control-plane surface sitting on
// top of an Engine.
type fakeUnderlay struct {
	iface netip.Addr
}

func (f *fakeUnderlay) WriteNative(_ context.Context, _ []byte, _ bool) error       { return nil }
func (f *fakeUnderlay) WriteEncapsulated(_ context.Context, _ []byte, _ bool) error { return nil }
func (f *fakeUnderlay) InterfaceAddr(_ bool) (netip.Addr, bool)                     { return f.iface, f.iface.IsValid() }

// newTestServer builds an Engine with a static mapping already installed
// and returns a real HTTP server serving the control-plane procedures in
// front of it, together with the Engine itself.
func newTestServer(t *testing.T, opts ...connect.HandlerOption) (*httptest.Server, *lisp.Engine) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	dispatch := lisp.NewDispatcher()
	mc := lisp.NewMapCache(logger, dispatch)

	eng := lisp.NewEngine(lisp.EngineConfig{
		Log:      logger,
		MapCache: mc,
		Dispatch: dispatch,
		LocalEID: lisp.NewStaticLocalEIDDatabase([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}),
		Underlay: &fakeUnderlay{iface: netip.MustParseAddr("192.0.2.1")},
		RetryCfg: lisp.DefaultRetryConfig(),
	})

	mapping := lisp.Mapping{
		InstanceID: 7,
		Locators4:  []lisp.Locator{{RLOC: netip.MustParseAddr("203.0.113.10"), Priority: 1, Weight: 100}},
	}
	if _, _, err := mc.Insert(netip.MustParsePrefix("10.1.0.0/16"), mapping, lisp.HowLearnedStatic); err != nil {
		t.Fatalf("seed mapping: %v", err)
	}

	path, handler := server.New(eng, logger, opts...)
	mux := http.NewServeMux()
	mux.Handle(path, handler)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv, eng
}

func unaryClient(srv *httptest.Server, procedure string) *connect.Client[structpb.Struct, structpb.Struct] {
	return connect.NewClient[structpb.Struct, structpb.Struct](srv.Client(), srv.URL+procedure)
}

func structReq(t *testing.T, fields map[string]any) *connect.Request[structpb.Struct] {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("structpb.NewStruct: %v", err)
	}
	return connect.NewRequest(s)
}

// -------------------------------------------------------------------------
// TestListMapCache
// -------------------------------------------------------------------------

func TestListMapCache(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	client := unaryClient(srv, server.ProcedureListMapCache)

	resp, err := client.CallUnary(context.Background(), structReq(t, nil))
	if err != nil {
		t.Fatalf("ListMapCache: %v", err)
	}

	entries := resp.Msg.GetFields()["entries"].GetListValue().GetValues()
	if len(entries) != 1 {
		t.Fatalf("entries count = %d, want 1", len(entries))
	}

	entry := entries[0].GetStructValue()
	if got := entry.GetFields()["prefix"].GetStringValue(); got != "10.1.0.0/16" {
		t.Errorf("prefix = %q, want %q", got, "10.1.0.0/16")
	}
	if got := entry.GetFields()["state"].GetStringValue(); got != "static" {
		t.Errorf("state = %q, want %q", got, "static")
	}
	if got := entry.GetFields()["instance_id"].GetNumberValue(); got != 7 {
		t.Errorf("instance_id = %v, want 7", got)
	}
}

// -------------------------------------------------------------------------
// TestShowMapCache
// -------------------------------------------------------------------------

func TestShowMapCache(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	client := unaryClient(srv, server.ProcedureShowMapCache)

	resp, err := client.CallUnary(context.Background(), structReq(t, map[string]any{"prefix": "10.1.0.0/16"}))
	if err != nil {
		t.Fatalf("ShowMapCache: %v", err)
	}

	locators := resp.Msg.GetFields()["locators"].GetListValue().GetValues()
	if len(locators) != 1 {
		t.Fatalf("locators count = %d, want 1", len(locators))
	}
	loc := locators[0].GetStructValue()
	if got := loc.GetFields()["rloc"].GetStringValue(); got != "203.0.113.10" {
		t.Errorf("rloc = %q, want %q", got, "203.0.113.10")
	}
}

func TestShowMapCacheNotFound(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
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

func TestShowMapCacheMissingPrefix(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	client := unaryClient(srv, server.ProcedureShowMapCache)

	_, err := client.CallUnary(context.Background(), structReq(t, nil))
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected connect.Error, got %T: %v", err, err)
	}
	if connectErr.Code() != connect.CodeInvalidArgument {
		t.Errorf("code = %s, want InvalidArgument", connectErr.Code())
	}
}

// -------------------------------------------------------------------------
// TestInvalidateMapCache
// -------------------------------------------------------------------------

func TestInvalidateMapCache(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	client := unaryClient(srv, server.ProcedureInvalidateMapCache)

	resp, err := client.CallUnary(context.Background(), structReq(t, map[string]any{"prefix": "10.1.0.0/16"}))
	if err != nil {
		t.Fatalf("InvalidateMapCache: %v", err)
	}
	if got := resp.Msg.GetFields()["prefix"].GetStringValue(); got != "10.1.0.0/16" {
		t.Errorf("prefix = %q, want %q", got, "10.1.0.0/16")
	}
}

func TestInvalidateMapCacheNotFound(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	client := unaryClient(srv, server.ProcedureInvalidateMapCache)

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
// TestStatus
// -------------------------------------------------------------------------

func TestStatus(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	client := unaryClient(srv, server.ProcedureStatus)

	resp, err := client.CallUnary(context.Background(), structReq(t, nil))
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if got := resp.Msg.GetFields()["map_cache_entries"].GetNumberValue(); got != 1 {
		t.Errorf("map_cache_entries = %v, want 1", got)
	}
}

// -------------------------------------------------------------------------
// TestWatchMapCacheEvents
// -------------------------------------------------------------------------

func TestWatchMapCacheEvents(t *testing.T) {
	t.Parallel()

	srv, eng := newTestServer(t)
	client := connect.NewClient[structpb.Struct, structpb.Struct](srv.Client(), srv.URL+server.ProcedureWatchMapCacheEvents)

	stream, err := client.CallServerStream(context.Background(), structReq(t, nil))
	if err != nil {
		t.Fatalf("CallServerStream: %v", err)
	}
	defer stream.Close()

	if err := eng.InvalidateMapCache(netip.MustParsePrefix("10.1.0.0/16")); err != nil {
		t.Fatalf("InvalidateMapCache: %v", err)
	}

	if !stream.Receive() {
		t.Fatalf("stream.Receive() = false, err = %v", stream.Err())
	}

	msg := stream.Msg()
	if got := msg.GetFields()["prefix"].GetStringValue(); got != "10.1.0.0/16" {
		t.Errorf("prefix = %q, want %q", got, "10.1.0.0/16")
	}
}
