package server

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/ppiankov/novagate/internal/api"
	"github.com/ppiankov/novagate/internal/model"
)

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{fmt.Errorf("wrap: %w", model.ErrPolicyNotFound), codes.NotFound},
		{model.ErrRecordNotFound, codes.NotFound},
		{model.ErrPolicyDisabled, codes.FailedPrecondition},
		{model.ErrVersionConflict, codes.FailedPrecondition},
		{model.ErrInvalidPolicy, codes.InvalidArgument},
		{model.ErrProviderUnavailable, codes.Unavailable},
		{model.ErrClassifierTimeout, codes.Unavailable},
		{model.ErrPersistence, codes.Internal},
		{context.Canceled, codes.Canceled},
		{errors.New("anything"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			if got := status.Code(toStatus(tt.err)); got != tt.want {
				t.Fatalf("code = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpstreamStatusHidesDetail(t *testing.T) {
	err := toStatus(fmt.Errorf("%w: dial tcp 10.0.0.7:443", model.ErrProviderUnavailable))
	if msg := status.Convert(err).Message(); msg != model.UserMessage {
		t.Fatalf("message = %q", msg)
	}
}

func TestJSONCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	if c == nil {
		t.Fatal("json codec not registered")
	}
	data, err := c.Marshal(&EvaluateRequest{Prompt: "p", PolicyID: "x"})
	if err != nil {
		t.Fatal(err)
	}
	var back EvaluateRequest
	if err := c.Unmarshal(data, &back); err != nil || back.PolicyID != "x" {
		t.Fatalf("round trip = %+v, %v", back, err)
	}
}

func TestFullMethod(t *testing.T) {
	if got := FullMethod("Freeze"); got != "/nova.v1.Gateway/Freeze" {
		t.Fatalf("FullMethod = %q", got)
	}
}

func TestRequireAdmin(t *testing.T) {
	auth := api.NewAuthenticator("grpc-test-secret", "nova")
	token := func(subject, role string) string {
		tok, err := auth.Issue(subject, role, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		return "Bearer " + tok
	}

	tests := []struct {
		name   string
		auth   *api.Authenticator
		header string
		want   codes.Code
	}{
		{"admin", auth, token("ops", api.RoleAdmin), codes.OK},
		{"no header", auth, "", codes.Unauthenticated},
		{"not bearer", auth, "Basic b3BzOnB3", codes.Unauthenticated},
		{"garbage", auth, "Bearer garbage", codes.Unauthenticated},
		{"viewer", auth, token("dana", "viewer"), codes.PermissionDenied},
		{"admin without subject", auth, token("", api.RoleAdmin), codes.PermissionDenied},
		{"unconfigured", nil, token("ops", api.RoleAdmin), codes.Unauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.header != "" {
				ctx = metadata.NewIncomingContext(ctx, metadata.Pairs("authorization", tt.header))
			}
			s := &Server{auth: tt.auth}
			if got := status.Code(s.requireAdmin(ctx)); got != tt.want {
				t.Fatalf("code = %v, want %v", got, tt.want)
			}
		})
	}
}
