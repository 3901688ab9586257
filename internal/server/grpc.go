package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"PerpEngine/internal/core"
)

// ServiceName is the gRPC service carrying commands and getters.
const ServiceName = "perpengine.v1.Engine"

// jsonCodec lets the engine service speak JSON over gRPC. Clients select
// it with the "json" content subtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// SubmitRequest carries one command. Payload is the command's event JSON.
type SubmitRequest struct {
	Market  string          `json:"market"`
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

// QueryRequest runs a getter. Args are the same names the HTTP query
// string uses.
type QueryRequest struct {
	Market string            `json:"market"`
	Getter string            `json:"getter"`
	Args   map[string]string `json:"args,omitempty"`
}

type QueryResponse struct {
	Value json.RawMessage `json:"value"`
}

// EngineServer is implemented by the gRPC engine service.
type EngineServer interface {
	Submit(context.Context, *SubmitRequest) (*core.Result, error)
	Query(context.Context, *QueryRequest) (*QueryResponse, error)
}

var engineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Submit", Handler: submitHandler},
		{MethodName: "Query", Handler: queryHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "perpengine/v1/engine.json",
}

func submitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).Submit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Submit"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(EngineServer).Submit(ctx, req.(*SubmitRequest))
	})
}

func queryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(QueryRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EngineServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Query"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(EngineServer).Query(ctx, req.(*QueryRequest))
	})
}

// ============================================================================
// Engine service
// ============================================================================

type engineService struct {
	api *API
}

func (s *engineService) Submit(ctx context.Context, req *SubmitRequest) (*core.Result, error) {
	res, err := s.api.Submit(ctx, req.Market, req.Command, req.Payload)
	if err != nil {
		return nil, toStatus(err)
	}
	return &res, nil
}

func (s *engineService) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	args, err := ParseArgs(func(k string) string { return req.Args[k] })
	if err != nil {
		return nil, toStatus(err)
	}
	v, err := s.api.Get(ctx, req.Market, req.Getter, args)
	if err != nil {
		return nil, toStatus(err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, toStatus(fmt.Errorf("marshal %s: %w", req.Getter, err))
	}
	return &QueryResponse{Value: data}, nil
}

func toStatus(err error) error {
	return status.Error(GRPCCode(err), err.Error())
}

// ============================================================================
// Server
// ============================================================================

// GRPCServer serves the engine service plus health and reflection.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	log        zerolog.Logger
}

func NewGRPCServer(addr string, api *API, log zerolog.Logger) *GRPCServer {
	log = log.With().Str("component", "grpc").Logger()
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(log)))
	grpcServer.RegisterService(&engineServiceDesc, &engineService{api: api})

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{grpcServer: grpcServer, health: healthServer, addr: addr, log: log}
}

// SetServing flips the health status once recovery has finished.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Start listens on the configured address and serves until ctx is done.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

func loggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		ev := log.Debug()
		if err != nil {
			ev = log.Warn().Err(err)
		}
		ev.Str("method", info.FullMethod).Dur("took", time.Since(start)).Msg("rpc")
		return resp, err
	}
}

// ============================================================================
// Client
// ============================================================================

// EngineClient calls the engine service with the JSON codec.
type EngineClient struct {
	cc grpc.ClientConnInterface
}

func NewEngineClient(cc grpc.ClientConnInterface) *EngineClient {
	return &EngineClient{cc: cc}
}

func (c *EngineClient) Submit(ctx context.Context, req *SubmitRequest) (*core.Result, error) {
	out := new(core.Result)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Submit", req, out, grpc.CallContentSubtype("json")); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *EngineClient) Query(ctx context.Context, req *QueryRequest) (*QueryResponse, error) {
	out := new(QueryResponse)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/Query", req, out, grpc.CallContentSubtype("json")); err != nil {
		return nil, err
	}
	return out, nil
}
