// Package cloudsession is the gRPC client seam for attaching to a
// session hosted by a remote browser pool (spec.md's
// session_attachment_mode collaborator). The wire contract and the
// provisioning service itself are out of scope — this package only
// dials the connection and exposes the narrow request/release surface
// a run controller needs, the same stub-ahead-of-codegen style the
// teacher's own gRPC server used before its proto types existed.
package cloudsession

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// SessionHandle identifies a session leased from the remote pool and
// the CDP endpoint a browser.Factory can connect to for it.
type SessionHandle struct {
	ID       string
	Endpoint string
}

// Client requests and releases sessions from a remote browser pool.
type Client interface {
	RequestSession(ctx context.Context, task string) (SessionHandle, error)
	ReleaseSession(ctx context.Context, handle SessionHandle) error
	Close() error
}

// GRPCClient is the concrete Client, dialing a remote cloud-session
// service over gRPC. The RPC bodies are stubs: the wire messages are
// generated from a .proto this package doesn't own (provisioning API
// internals are explicitly out of scope), so RequestSession/
// ReleaseSession return an error until that codegen exists. Dial
// itself, and the connection lifecycle, are real.
type GRPCClient struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

var _ Client = (*GRPCClient)(nil)

// Dial connects to a remote cloud-session service at addr. Credentials
// are insecure by default; a TLS-secured addr should be reached via an
// addr/transport pair the caller configures before this seam needs to
// grow transport options of its own.
func Dial(addr string, logger *zap.Logger) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("cloudsession: dial %s: %w", addr, err)
	}
	return &GRPCClient{conn: conn, logger: logger}, nil
}

// RequestSession asks the remote pool to provision (or hand back) a
// browser session for task. Not yet implemented: the pool's RPC
// contract isn't generated here.
func (c *GRPCClient) RequestSession(_ context.Context, task string) (SessionHandle, error) {
	return SessionHandle{}, fmt.Errorf("cloudsession: RequestSession(%q): remote provisioning API not implemented in this build", task)
}

// ReleaseSession returns a previously leased session to the pool.
func (c *GRPCClient) ReleaseSession(_ context.Context, handle SessionHandle) error {
	return fmt.Errorf("cloudsession: ReleaseSession(%s): remote provisioning API not implemented in this build", handle.ID)
}

// Close tears down the underlying gRPC connection.
func (c *GRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
