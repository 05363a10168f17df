package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"IsoLedger/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const ServiceName = "isoledger.v1.LedgerService"

// ServiceDesc describes LedgerServer to grpc. Messages are JSON (see
// CodecName) so there is no generated protobuf code.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetState", LedgerServer.GetState),
		unary("ListMarkets", LedgerServer.ListMarkets),
		unary("GetVault", LedgerServer.GetVault),
		unary("GetAccount", LedgerServer.GetAccount),
		unary("GetQuote", LedgerServer.GetQuote),
		unary("GetTrustedConverters", LedgerServer.GetTrustedConverters),
		unary("ListSettlements", LedgerServer.ListSettlements),
		unary("VerifyIntegrity", LedgerServer.VerifyIntegrity),
		unary("SubmitCommand", LedgerServer.SubmitCommand),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "isoledger/v1/ledger.json",
}

func unary[Req, Resp any](name string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(LedgerServer), ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, req, info, func(ctx context.Context, r any) (any, error) {
				return call(srv.(LedgerServer), ctx, r.(*Req))
			})
		},
	}
}

// GRPCServer serves LedgerServer over gRPC and, through the gateway, over
// HTTP/JSON.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	api           LedgerServer
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	health        *health.Server
	logger        zerolog.Logger
}

func NewGRPCServer(grpcAddr, httpAddr string, api LedgerServer, checker *observability.HealthChecker, logger zerolog.Logger) *GRPCServer {
	s := &GRPCServer{
		api:           api,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: checker,
		health:        health.NewServer(),
		logger:        logger,
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logCalls))
	s.grpcServer.RegisterService(&ServiceDesc, api)

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)
	return s
}

// GRPC exposes the underlying server, e.g. to serve on a custom listener.
func (s *GRPCServer) GRPC() *grpc.Server { return s.grpcServer }

// SetServing flips the gRPC health status once replay has finished.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", st)
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON gateway and health endpoints until
// ctx is cancelled.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// HTTPHandler returns the gateway routes plus /healthz and /readyz.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	gw, err := NewGateway(s.api)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	if s.healthChecker != nil {
		mux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	mux.Handle("/", gw)
	return mux, nil
}

func (s *GRPCServer) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	ev := s.logger.Debug()
	if err != nil {
		ev = s.logger.Warn().Str("code", status.Code(err).String()).Err(err)
	}
	ev.Str("method", info.FullMethod).
		Dur("elapsed", time.Since(start)).
		Msg("grpc call")
	return resp, err
}
