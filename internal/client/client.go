// Package client talks to a remote gateway over gRPC.
package client

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/ppiankov/novagate/internal/audit"
	"github.com/ppiankov/novagate/internal/model"
	"github.com/ppiankov/novagate/internal/server"
)

// DefaultTimeout bounds calls made with a context that has no deadline.
// Evaluate waits on the model and three checks, so it gets more room.
const (
	DefaultTimeout  = 5 * time.Second
	EvaluateTimeout = 30 * time.Second
)

// Client connects to a nova gRPC server.
type Client struct {
	conn  *grpc.ClientConn
	token string
}

// New creates a client for addr. token, if set, is sent as a bearer token
// on every call.
func New(addr, token string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(server.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway: %w", err)
	}
	return &Client{conn: conn, token: token}, nil
}

func (c *Client) invoke(ctx context.Context, method string, timeout time.Duration, req, resp any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if c.token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.token)
	}
	return c.conn.Invoke(ctx, server.FullMethod(method), req, resp)
}

// Evaluate runs prompt through the remote pipeline.
func (c *Client) Evaluate(ctx context.Context, prompt, policyID string) (model.DecisionRecord, error) {
	var rec model.DecisionRecord
	err := c.invoke(ctx, "Evaluate", EvaluateTimeout, &server.EvaluateRequest{Prompt: prompt, PolicyID: policyID}, &rec)
	return rec, err
}

// Query returns one page of audit records.
func (c *Client) Query(ctx context.Context, q audit.QueryParams) (audit.QueryResult, error) {
	var res audit.QueryResult
	err := c.invoke(ctx, "Query", DefaultTimeout, &q, &res)
	return res, err
}

// VerifyIntegrity verifies fromID..toID on the server.
func (c *Client) VerifyIntegrity(ctx context.Context, fromID, toID int64) (audit.VerifyResult, error) {
	var res audit.VerifyResult
	err := c.invoke(ctx, "VerifyIntegrity", DefaultTimeout, &server.VerifyRequest{FromID: fromID, ToID: toID}, &res)
	return res, err
}

// Freeze marks record id frozen. Requires an admin token.
func (c *Client) Freeze(ctx context.Context, id int64) (model.DecisionRecord, error) {
	var rec model.DecisionRecord
	err := c.invoke(ctx, "Freeze", DefaultTimeout, &server.FreezeRequest{ID: id}, &rec)
	return rec, err
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
