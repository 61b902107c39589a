package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"path"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/kiln-sh/kiln/pkg/customtool"
	"github.com/kiln-sh/kiln/pkg/errdef"
	"github.com/kiln-sh/kiln/pkg/executor"
	"github.com/kiln-sh/kiln/pkg/log"
)

// The gRPC surface mirrors the HTTP one: same request and response
// shapes, carried as JSON over unary calls. The service descriptor is
// declared by hand, so no generated stubs are involved and the wire
// bodies stay identical across both surfaces.

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

// TLSConfig carries PEM content, not file paths. Cert and key enable
// server TLS; adding a CA requires and verifies client certificates.
type TLSConfig struct {
	Cert   []byte
	Key    []byte
	CACert []byte
}

// GRPCServer serves the broker's gRPC mirror.
type GRPCServer struct {
	srv    *Server
	tlsCfg TLSConfig
	grpc   *grpc.Server
}

// NewGRPCServer wires the gRPC surface on top of the same services as
// the HTTP server.
func NewGRPCServer(srv *Server, tlsCfg TLSConfig) *GRPCServer {
	return &GRPCServer{srv: srv, tlsCfg: tlsCfg}
}

// Start serves gRPC on addr until Stop.
func (g *GRPCServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	opts := []grpc.ServerOption{grpc.ForceServerCodec(jsonCodec{})}
	if len(g.tlsCfg.Cert) > 0 {
		creds, err := g.transportCredentials()
		if err != nil {
			return err
		}
		opts = append(opts, grpc.Creds(creds))
	}

	g.grpc = grpc.NewServer(opts...)
	g.grpc.RegisterService(&serviceDesc, g)

	logger := log.WithComponent("api")
	logger.Info().Str("addr", addr).Msg("grpc api listening")
	return g.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (g *GRPCServer) Stop() {
	if g.grpc != nil {
		g.grpc.GracefulStop()
	}
}

func (g *GRPCServer) transportCredentials() (credentials.TransportCredentials, error) {
	cert, err := tls.X509KeyPair(g.tlsCfg.Cert, g.tlsCfg.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if len(g.tlsCfg.CACert) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(g.tlsCfg.CACert) {
			return nil, errors.New("failed to parse TLS CA certificate")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return credentials.NewTLS(cfg), nil
}

// ---- method implementations ----

// Execute mirrors POST /v1/execute.
func (g *GRPCServer) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	if g.srv.cfg.RequireChatID && req.ChatID == "" {
		return nil, grpcStatus(errdef.New(errdef.KindInvalidArgument, "chat_id is required"))
	}
	if req.SourceCode == "" {
		return nil, grpcStatus(errdef.New(errdef.KindInvalidArgument, "source_code is required"))
	}

	expiresAt, err := expiryWith(req.ExpiresDays, req.ExpiresSeconds, req.ExpiresIn, time.Now())
	if err != nil {
		return nil, grpcStatus(err)
	}

	result, err := g.srv.executor.Execute(ctx, executor.Request{
		SourceCode:          req.SourceCode,
		Files:               req.Files,
		Env:                 req.Env,
		ChatID:              req.ChatID,
		PersistentWorkspace: req.PersistentWorkspace,
		MaxDownloads:        req.MaxDownloads,
		ExpiresAt:           expiresAt,
	})
	if err != nil {
		return nil, grpcStatus(err)
	}
	return &ExecuteResponse{
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		ExitCode:      result.ExitCode,
		Files:         orEmpty(result.Files),
		FilesMetadata: orEmptyMeta(result.FilesMetadata),
		ChatID:        result.ChatID,
	}, nil
}

// Upload mirrors the multipart upload with inline content.
func (g *GRPCServer) Upload(ctx context.Context, req *UploadCall) (*UploadResponse, error) {
	chatID := req.ChatID
	if g.srv.cfg.RequireChatID && chatID == "" {
		return nil, grpcStatus(errdef.New(errdef.KindInvalidArgument, "chat_id is required"))
	}
	if chatID == "" {
		chatID = executor.DefaultChatID
	}
	if limit := g.srv.cfg.FileSizeLimitBytes; limit > 0 && int64(len(req.Content)) > limit {
		return nil, grpcStatus(errdef.New(errdef.KindInvalidArgument, "file exceeds the %d byte limit", limit))
	}

	maxDownloads := g.srv.cfg.GlobalMaxDownloads
	if req.MaxDownloads != nil {
		maxDownloads = *req.MaxDownloads
	}
	expiresAt, err := expiryWith(req.ExpiresDays, req.ExpiresSeconds, req.ExpiresIn, time.Now())
	if err != nil {
		return nil, grpcStatus(err)
	}

	meta, err := g.srv.store.Put(chatID, path.Base(req.Filename), bytes.NewReader(req.Content),
		maxDownloads, expiresAt)
	if err != nil {
		return nil, grpcStatus(err)
	}
	return &UploadResponse{
		FileHash: meta.Hash,
		Filename: meta.Filename,
		ChatID:   meta.ChatID,
		Metadata: meta,
	}, nil
}

// Download mirrors POST /v1/download with inline content.
func (g *GRPCServer) Download(ctx context.Context, req *FileRequest) (*DownloadReply, error) {
	rc, meta, err := g.srv.store.Get(req.ChatID, req.Filename, req.FileHash, true)
	if err != nil {
		return nil, grpcStatus(err)
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, grpcStatus(errdef.Wrap(errdef.KindInternal, err, "failed to read blob"))
	}
	return &DownloadReply{Filename: meta.Filename, Content: content}, nil
}

// Expire mirrors POST /v1/expire.
func (g *GRPCServer) Expire(ctx context.Context, req *FileRequest) (*ExpireResponse, error) {
	if err := g.srv.store.Expire(req.ChatID, req.Filename, req.FileHash); err != nil {
		return nil, grpcStatus(err)
	}
	return &ExpireResponse{Success: true}, nil
}

// ParseCustomTool mirrors POST /v1/parse-custom-tool.
func (g *GRPCServer) ParseCustomTool(ctx context.Context, req *ParseCustomToolRequest) (*ParseCustomToolResponse, error) {
	tool, err := customtool.Parse(req.ToolSourceCode)
	if err != nil {
		return nil, grpcStatus(err)
	}
	schemaJSON, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return nil, grpcStatus(err)
	}
	return &ParseCustomToolResponse{
		ToolName:            tool.Name,
		ToolInputSchemaJSON: string(schemaJSON),
		ToolDescription:     tool.Description,
	}, nil
}

// ExecuteCustomTool mirrors POST /v1/execute-custom-tool.
func (g *GRPCServer) ExecuteCustomTool(ctx context.Context, req *ExecuteCustomToolRequest) (*ExecuteCustomToolResponse, error) {
	output, err := g.srv.tools.Execute(ctx, req.ToolSourceCode, req.ToolInputJSON, req.Env)
	if err != nil {
		return nil, grpcStatus(err)
	}
	return &ExecuteCustomToolResponse{ToolOutputJSON: output}, nil
}

// ---- service descriptor ----

type brokerService interface {
	Execute(context.Context, *ExecuteRequest) (*ExecuteResponse, error)
	Upload(context.Context, *UploadCall) (*UploadResponse, error)
	Download(context.Context, *FileRequest) (*DownloadReply, error)
	Expire(context.Context, *FileRequest) (*ExpireResponse, error)
	ParseCustomTool(context.Context, *ParseCustomToolRequest) (*ParseCustomToolResponse, error)
	ExecuteCustomTool(context.Context, *ExecuteCustomToolRequest) (*ExecuteCustomToolResponse, error)
}

const serviceName = "kiln.v1.CodeInterpreter"

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*brokerService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: unary(func(s brokerService, ctx context.Context, dec func(any) error) (any, error) {
			in := new(ExecuteRequest)
			if err := dec(in); err != nil {
				return nil, err
			}
			return s.Execute(ctx, in)
		})},
		{MethodName: "Upload", Handler: unary(func(s brokerService, ctx context.Context, dec func(any) error) (any, error) {
			in := new(UploadCall)
			if err := dec(in); err != nil {
				return nil, err
			}
			return s.Upload(ctx, in)
		})},
		{MethodName: "Download", Handler: unary(func(s brokerService, ctx context.Context, dec func(any) error) (any, error) {
			in := new(FileRequest)
			if err := dec(in); err != nil {
				return nil, err
			}
			return s.Download(ctx, in)
		})},
		{MethodName: "Expire", Handler: unary(func(s brokerService, ctx context.Context, dec func(any) error) (any, error) {
			in := new(FileRequest)
			if err := dec(in); err != nil {
				return nil, err
			}
			return s.Expire(ctx, in)
		})},
		{MethodName: "ParseCustomTool", Handler: unary(func(s brokerService, ctx context.Context, dec func(any) error) (any, error) {
			in := new(ParseCustomToolRequest)
			if err := dec(in); err != nil {
				return nil, err
			}
			return s.ParseCustomTool(ctx, in)
		})},
		{MethodName: "ExecuteCustomTool", Handler: unary(func(s brokerService, ctx context.Context, dec func(any) error) (any, error) {
			in := new(ExecuteCustomToolRequest)
			if err := dec(in); err != nil {
				return nil, err
			}
			return s.ExecuteCustomTool(ctx, in)
		})},
	},
	Streams: []grpc.StreamDesc{},
}

// unary adapts a typed method to the grpc.MethodDesc handler shape.
func unary(call func(brokerService, context.Context, func(any) error) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		svc := srv.(brokerService)
		if interceptor == nil {
			return call(svc, ctx, dec)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/"}
		return interceptor(ctx, nil, info, func(ctx context.Context, _ any) (any, error) {
			return call(svc, ctx, dec)
		})
	}
}
