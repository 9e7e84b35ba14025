package server

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/ppiankov/novagate/internal/audit"
	"github.com/ppiankov/novagate/internal/model"
)

// CodecName is the gRPC content-subtype carrying JSON messages.
// Clients select it with grpc.CallContentSubtype(CodecName).
const CodecName = "json"

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "nova.v1.Gateway"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// EvaluateRequest asks for one exchange to be adjudicated.
type EvaluateRequest struct {
	Prompt   string `json:"prompt"`
	PolicyID string `json:"policy_id"`
}

// VerifyRequest selects the id range to verify. Zero ToID means the tail.
type VerifyRequest struct {
	FromID int64 `json:"from_id"`
	ToID   int64 `json:"to_id"`
}

// FreezeRequest names the record to freeze. The caller's admin token goes in
// the "authorization" metadata.
type FreezeRequest struct {
	ID int64 `json:"id"`
}

// GatewayServer is the server side of nova.v1.Gateway.
type GatewayServer interface {
	Evaluate(ctx context.Context, req *EvaluateRequest) (*model.DecisionRecord, error)
	Query(ctx context.Context, req *audit.QueryParams) (*audit.QueryResult, error)
	VerifyIntegrity(ctx context.Context, req *VerifyRequest) (*audit.VerifyResult, error)
	Freeze(ctx context.Context, req *FreezeRequest) (*model.DecisionRecord, error)
}

// ServiceDesc describes nova.v1.Gateway for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Evaluate", GatewayServer.Evaluate),
		unary("Query", GatewayServer.Query),
		unary("VerifyIntegrity", GatewayServer.VerifyIntegrity),
		unary("Freeze", GatewayServer.Freeze),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "nova/v1/gateway",
}

// FullMethod returns the wire path of a Gateway method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](method string, call func(GatewayServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(GatewayServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(GatewayServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
