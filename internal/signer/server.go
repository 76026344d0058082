package signer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Server exposes one SessionManager to local processes over a Unix socket.
// Only the socket owner can connect.
type Server struct {
	rpc  *grpc.Server
	lis  net.Listener
	path string
}

// New binds the signing service to socketPath, replacing a socket left by an
// earlier run.
func New(socketPath string, session *SessionManager, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	lis, err := listenOwnerOnly(socketPath)
	if err != nil {
		return nil, err
	}

	rpc := grpc.NewServer(grpc.UnaryInterceptor(auditSigning(log)))
	rpc.RegisterService(&serviceDesc, NewHandler(session, log))
	return &Server{rpc: rpc, lis: lis, path: socketPath}, nil
}

func listenOwnerOnly(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("signer socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("signer socket %s: %w", path, err)
	}
	lis, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("signer socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		lis.Close()
		return nil, fmt.Errorf("signer socket %s: %w", path, err)
	}
	return lis, nil
}

// auditSigning logs every request with its outcome. Payloads are not logged.
func auditSigning(log *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		level := slog.LevelDebug
		if info.FullMethod == signTransactionPath {
			level = slog.LevelInfo
		}
		if err != nil {
			level = slog.LevelWarn
		}
		log.Log(ctx, level, "signer request",
			"method", info.FullMethod,
			"code", status.Code(err).String(),
			"elapsed", time.Since(start),
		)
		return resp, err
	}
}

// Serve blocks until GracefulStop or a listener failure.
func (s *Server) Serve() error {
	return s.rpc.Serve(s.lis)
}

// GracefulStop lets in-flight signatures finish, then removes the socket.
func (s *Server) GracefulStop() {
	s.rpc.GracefulStop()
	os.Remove(s.path)
}
