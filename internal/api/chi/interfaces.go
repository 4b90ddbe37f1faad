package chi

import (
	"context"

	"github.com/nkkko/feedhub/internal/router"
	"github.com/nkkko/feedhub/pkg/proto"
)

// RecordStore is the part of the feed store the control API writes through
type RecordStore interface {
	Put(ctx context.Context, rec *proto.Record) (*proto.Record, error)
	Get(ctx context.Context, id string) (*proto.Record, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, query proto.Query, offset, count int) (*proto.RecordPage, error)
}

// Coordinator exposes coordinator diagnostics and the privileged-operation check
type Coordinator interface {
	Snapshot(ctx context.Context) (*router.Snapshot, error)
	Healthy(ctx context.Context) error
}

// Authenticator drives the host session and resolves bearer tokens
type Authenticator interface {
	Login(ctx context.Context, identity string, register bool) (token string, role string, err error)
	Logout()
	VerifyToken(token string) (string, error)
	RoleOf(ctx context.Context, identity string) (string, error)
	AssignRole(ctx context.Context, identity, role string) error
}
