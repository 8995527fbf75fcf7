// Package grpcapi implements the gRPC API server for flowcounter.
package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/psaab/flowcounter/pkg/api"
	"github.com/psaab/flowcounter/pkg/dataplane"
	"github.com/psaab/flowcounter/pkg/flowtable"
	"github.com/psaab/flowcounter/pkg/iface"
	"github.com/psaab/flowcounter/pkg/stats"
)

// snapshotTimeout bounds how long ShowFlows waits for a busy worker.
const snapshotTimeout = 2 * time.Second

// Config configures the gRPC server.
type Config struct {
	DP         *dataplane.Manager
	Stats      *stats.Registry
	Interfaces *iface.Registry
}

// Server implements FlowCounterService.
type Server struct {
	dp        *dataplane.Manager
	stats     *stats.Registry
	ifaces    *iface.Registry
	startTime time.Time
	addr      string
}

// NewServer creates a new gRPC server.
func NewServer(addr string, cfg Config) *Server {
	return &Server{
		dp:        cfg.DP,
		stats:     cfg.Stats,
		ifaces:    cfg.Interfaces,
		startTime: time.Now(),
		addr:      addr,
	}
}

// Run starts the gRPC server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve runs the server on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	RegisterFlowCounterServer(srv, s)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr().String())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	srv.GracefulStop()
	return nil
}

func (s *Server) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	resp := api.StatusResponse{
		Uptime: time.Since(s.startTime).Truncate(time.Second).String(),
	}
	if s.dp != nil {
		resp.Variant = s.dp.Variant().Name
		resp.Cores = s.dp.Cores()
		resp.Running = s.dp.Running()
		for _, t := range s.dp.TableStats() {
			resp.Flows += t.Entries
		}
	}
	if s.ifaces != nil {
		resp.Interfaces = s.ifaces.Snapshot().Len()
	}
	return s.reply(toStruct(resp))
}

func (s *Server) GetCounters(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.stats == nil {
		return nil, status.Error(codes.Unavailable, "statistics not available")
	}
	resp := api.StatisticsResponse{
		Total: s.stats.Totals(),
		Cores: make([]api.CoreStats, s.stats.Cores()),
	}
	var tables []flowtable.Stats
	if s.dp != nil {
		tables = s.dp.TableStats()
	}
	for i := range resp.Cores {
		resp.Cores[i] = api.CoreStats{Core: i, Totals: s.stats.Core(i)}
		if i < len(tables) {
			resp.Cores[i].Table = tables[i]
		}
	}
	return s.reply(toStruct(resp))
}

func (s *Server) ListInterfaces(_ context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	if s.ifaces == nil {
		return nil, status.Error(codes.Unavailable, "interface registry not available")
	}
	l, err := toList(s.ifaces.List())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return l, nil
}

func (s *Server) SetInterface(_ context.Context, req *structpb.Struct) (*wrapperspb.BoolValue, error) {
	if s.ifaces == nil {
		return nil, status.Error(codes.Unavailable, "interface registry not available")
	}
	f := req.GetFields()
	name := f["name"].GetStringValue()
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name required")
	}
	on := f["enabled"].GetBoolValue()

	var err error
	if on {
		err = s.ifaces.Enable(name)
	} else {
		err = s.ifaces.Disable(name)
	}
	switch {
	case errors.Is(err, iface.ErrUnknown):
		return nil, status.Errorf(codes.NotFound, "%v", err)
	case errors.Is(err, iface.ErrNotPhysical):
		return nil, status.Errorf(codes.InvalidArgument, "%v", err)
	case err != nil:
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return wrapperspb.Bool(on), nil
}

func (s *Server) ShowFlows(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s.dp == nil {
		return nil, status.Error(codes.Unavailable, "dataplane not available")
	}
	f := req.GetFields()
	cv, ok := f["core"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "core required")
	}
	core := int(cv.GetNumberValue())
	limit := dataplane.DefaultSnapshotLimit
	if lv, ok := f["limit"]; ok {
		limit = int(lv.GetNumberValue())
		if limit < 1 {
			return nil, status.Errorf(codes.InvalidArgument, "invalid limit %d", limit)
		}
	}
	limit = min(limit, dataplane.MaxSnapshotLimit)

	ctx, cancel := context.WithTimeout(ctx, snapshotTimeout)
	defer cancel()
	recs, err := s.dp.Snapshot(ctx, core, limit)
	switch {
	case errors.Is(err, dataplane.ErrNoCore):
		return nil, status.Errorf(codes.NotFound, "%v", err)
	case errors.Is(err, dataplane.ErrNotInitialized):
		return nil, status.Errorf(codes.Unavailable, "%v", err)
	case err != nil:
		return nil, status.Errorf(codes.DeadlineExceeded, "%v", err)
	}
	return s.reply(toStruct(api.FlowsResponse{Core: core, Limit: limit, Flows: api.FlowEntries(recs)}))
}

func (s *Server) reply(st *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, status.Errorf(codes.Internal, "%v", err)
	}
	return st, nil
}
