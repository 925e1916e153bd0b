// Package server implements the ConnectRPC control-plane surface for
// the LISP egress daemon: map-cache inspection, explicit invalidation,
// status, and a server-streamed feed of map-cache state transitions.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"time"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dantte-lp/lispd/internal/lisp"
)

// serviceName is the fully-qualified ConnectRPC service name, used to
// build every procedure path below in the same "/pkg.Service/Method"
// shape protoc-gen-connect-go would generate.
const serviceName = "lispd.v1.LISPControlService"

// Procedure paths for the control-plane service.
const (
	ProcedureListMapCache        = "/" + serviceName + "/ListMapCache"
	ProcedureShowMapCache        = "/" + serviceName + "/ShowMapCache"
	ProcedureInvalidateMapCache  = "/" + serviceName + "/InvalidateMapCache"
	ProcedureStatus              = "/" + serviceName + "/Status"
	ProcedureWatchMapCacheEvents = "/" + serviceName + "/WatchMapCacheEvents"
)

// Sentinel errors for the server package.
var (
	// ErrMissingPrefix indicates a request was missing its required
	// "prefix" field.
	ErrMissingPrefix = errors.New("prefix field is required")
)

// ControlServer implements the control-plane procedures against a
// running *lisp.Engine.
//
// Each RPC delegates to the Engine for the actual map-cache operation.
// The server is a thin adapter between the ConnectRPC surface and the
// internal domain, the same separation the BFD daemon's BFDServer draws
// between the RPC layer and its session Manager.
type ControlServer struct {
	engine *lisp.Engine
	logger *slog.Logger
}

// New creates a ControlServer and returns the mux path prefix and HTTP
// handler serving it. opts are passed through to every procedure
// handler, e.g. LoggingInterceptor and RecoveryInterceptor wrapped in
// connect.WithInterceptors.
func New(eng *lisp.Engine, logger *slog.Logger, opts ...connect.HandlerOption) (string, http.Handler) {
	srv := &ControlServer{
		engine: eng,
		logger: logger.With(slog.String("component", "server")),
	}

	mux := http.NewServeMux()
	mux.Handle(ProcedureListMapCache, connect.NewUnaryHandler(
		ProcedureListMapCache, srv.ListMapCache, opts...))
	mux.Handle(ProcedureShowMapCache, connect.NewUnaryHandler(
		ProcedureShowMapCache, srv.ShowMapCache, opts...))
	mux.Handle(ProcedureInvalidateMapCache, connect.NewUnaryHandler(
		ProcedureInvalidateMapCache, srv.InvalidateMapCache, opts...))
	mux.Handle(ProcedureStatus, connect.NewUnaryHandler(
		ProcedureStatus, srv.Status, opts...))
	mux.Handle(ProcedureWatchMapCacheEvents, connect.NewServerStreamHandler(
		ProcedureWatchMapCacheEvents, srv.WatchMapCacheEvents, opts...))

	return "/" + serviceName + "/", mux
}

// ListMapCache returns every map-cache entry, both address families.
func (s *ControlServer) ListMapCache(
	ctx context.Context,
	_ *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	s.logger.InfoContext(ctx, "ListMapCache called")

	snaps := s.engine.ListMapCache()
	entries := make([]any, 0, len(snaps))
	for _, snap := range snaps {
		entries = append(entries, entrySnapshotToMap(snap))
	}

	msg, err := structpb.NewStruct(map[string]any{"entries": entries})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("list map cache: %w", err))
	}
	return connect.NewResponse(msg), nil
}

// ShowMapCache returns the single entry stored for the request's exact
// "prefix" field.
func (s *ControlServer) ShowMapCache(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	pfx, err := prefixFromRequest(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	s.logger.InfoContext(ctx, "ShowMapCache called", slog.String("prefix", pfx.String()))

	snap, ok := s.engine.ShowMapCache(pfx)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound,
			fmt.Errorf("prefix %s: %w", pfx, lisp.ErrEntryNotFound))
	}

	msg, err := structpb.NewStruct(entrySnapshotToMap(snap))
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("show map cache: %w", err))
	}
	return connect.NewResponse(msg), nil
}

// InvalidateMapCache explicitly invalidates the entry for the request's
// "prefix" field, re-issuing a Map-Request for it.
func (s *ControlServer) InvalidateMapCache(
	ctx context.Context,
	req *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	pfx, err := prefixFromRequest(req.Msg)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	s.logger.InfoContext(ctx, "InvalidateMapCache called", slog.String("prefix", pfx.String()))

	if err := s.engine.InvalidateMapCache(pfx); err != nil {
		if errors.Is(err, lisp.ErrEntryNotFound) {
			return nil, connect.NewError(connect.CodeNotFound, err)
		}
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	msg, err := structpb.NewStruct(map[string]any{"prefix": pfx.String()})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("invalidate map cache: %w", err))
	}
	return connect.NewResponse(msg), nil
}

// Status returns a small summary of the resolution subsystem's current
// state, for health checks and dashboards that don't need the full
// ListMapCache dump.
func (s *ControlServer) Status(
	ctx context.Context,
	_ *connect.Request[structpb.Struct],
) (*connect.Response[structpb.Struct], error) {
	s.logger.InfoContext(ctx, "Status called")

	msg, err := structpb.NewStruct(map[string]any{
		"map_cache_entries": float64(s.engine.MapCacheSize()),
	})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, fmt.Errorf("status: %w", err))
	}
	return connect.NewResponse(msg), nil
}

// WatchMapCacheEvents streams map-cache FSM transitions as they occur
// (server-side streaming), until the client disconnects or the
// Engine's event channel is closed.
func (s *ControlServer) WatchMapCacheEvents(
	ctx context.Context,
	_ *connect.Request[structpb.Struct],
	stream *connect.ServerStream[structpb.Struct],
) error {
	s.logger.InfoContext(ctx, "WatchMapCacheEvents called")

	ch := s.engine.Events()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("watch map-cache events: %w", ctx.Err())
		case evt, ok := <-ch:
			if !ok {
				return nil
			}
			msg, err := structpb.NewStruct(map[string]any{
				"prefix":    evt.Prefix.String(),
				"old_state": evt.OldState.String(),
				"new_state": evt.NewState.String(),
				"timestamp": evt.Timestamp.Format(time.RFC3339Nano),
			})
			if err != nil {
				return fmt.Errorf("watch map-cache events: %w", err)
			}
			if err := stream.Send(msg); err != nil {
				return fmt.Errorf("send map-cache event: %w", err)
			}
		}
	}
}

// -------------------------------------------------------------------------
// Internal helpers
// -------------------------------------------------------------------------

// prefixFromRequest extracts and parses the required "prefix" string
// field from a request message.
func prefixFromRequest(msg *structpb.Struct) (netip.Prefix, error) {
	v, ok := msg.GetFields()["prefix"]
	if !ok || v.GetStringValue() == "" {
		return netip.Prefix{}, ErrMissingPrefix
	}
	pfx, err := netip.ParsePrefix(v.GetStringValue())
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parse prefix %q: %w", v.GetStringValue(), err)
	}
	return pfx, nil
}

// entrySnapshotToMap converts a lisp.EntrySnapshot to the field map
// backing a ConnectRPC response message.
func entrySnapshotToMap(snap lisp.EntrySnapshot) map[string]any {
	locators := make([]any, 0, len(snap.Locators4)+len(snap.Locators6))
	for _, l := range snap.Locators4 {
		locators = append(locators, locatorToMap(l, true))
	}
	for _, l := range snap.Locators6 {
		locators = append(locators, locatorToMap(l, false))
	}

	m := map[string]any{
		"prefix":        snap.Prefix.String(),
		"state":         snap.State.String(),
		"how_learned":   snap.HowLearned.String(),
		"instance_id":   float64(snap.InstanceID),
		"locators":      locators,
		"last_activity": snap.LastActivity.Format(time.RFC3339Nano),
	}
	if snap.State == lisp.StateNegative {
		m["negative_reason"] = snap.NegativeReason.String()
	}
	return m
}

// locatorToMap converts a lisp.Locator to a field map, tagged with
// which address family it belongs to.
func locatorToMap(l lisp.Locator, is4 bool) map[string]any {
	family := "ipv6"
	if is4 {
		family = "ipv4"
	}
	return map[string]any{
		"rloc":     l.RLOC.String(),
		"priority": float64(l.Priority),
		"weight":   float64(l.Weight),
		"family":   family,
	}
}
