package service

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/reflection"

	"github.com/gtriggiano/envoy-geoip-replicator/pkg/config"
)

const defaultGracefulStopTimeout = 5 * time.Second

// Server exposes the lookup manager as an Envoy ext_authz gRPC service.
type Server struct {
	cfg         config.ServerConfig
	grpcServer  *grpc.Server
	stopTimeout time.Duration
	logger      *zap.Logger
}

// NewServer constructs the gRPC server and registers the Authorization service.
func NewServer(cfg config.ServerConfig, manager *Manager, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []grpc.ServerOption{}
	if cfg.TLS != nil {
		tlsConfig, err := buildTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}

	grpcServer := grpc.NewServer(opts...)
	reflection.Register(grpcServer)
	authv3.RegisterAuthorizationServer(grpcServer, &authorizationService{manager: manager, logger: logger})

	return &Server{
		cfg:         cfg,
		grpcServer:  grpcServer,
		stopTimeout: defaultGracefulStopTimeout,
		logger:      logger,
	}, nil
}

// Start serves until ctx is canceled. onReady runs once the listener is bound.
func (s *Server) Start(ctx context.Context, onReady func()) error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on address '%s': %w", s.cfg.Address, err)
	}
	return s.serve(ctx, listener, onReady)
}

func (s *Server) serve(ctx context.Context, listener net.Listener, onReady func()) error {
	if onReady != nil {
		onReady()
	}

	go func() {
		<-ctx.Done()
		done := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.stopTimeout):
			s.logger.Warn("graceful stop timed out, closing open streams")
			s.grpcServer.Stop()
		}
	}()

	s.logger.Info("gRPC server listening", zap.String("addr", listener.Addr().String()))
	err := s.grpcServer.Serve(listener)
	if err == nil || errors.Is(err, grpc.ErrServerStopped) || ctx.Err() != nil {
		return nil
	}
	return err
}

// buildTLSConfig loads the server identity and optional client CA.
func buildTLSConfig(cfg config.ServerConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if cfg.TLS == nil {
		return tlsCfg, nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("could not load server certificate: %w", err)
	}
	tlsCfg.Certificates = []tls.Certificate{cert}

	if cfg.TLS.CAFile != "" {
		caData, err := os.ReadFile(cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("could not load CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, fmt.Errorf("no certificates found in CA file '%s'", cfg.TLS.CAFile)
		}
		tlsCfg.ClientCAs = pool
	}

	if cfg.TLS.RequireClientCert {
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsCfg, nil
}

type authorizationService struct {
	authv3.UnimplementedAuthorizationServer
	manager *Manager
	logger  *zap.Logger
}

func (s *authorizationService) Check(ctx context.Context, req *authv3.CheckRequest) (*authv3.CheckResponse, error) {
	resp, err := s.manager.Check(ctx, req)
	if err != nil {
		s.logger.Error("lookup error", zap.Error(err))
		return nil, err
	}
	return resp, nil
}
