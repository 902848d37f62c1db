package imap

import (
	"context"

	"github.com/emersion/go-imap"
)

// Client is one IMAP connection. Every network-facing call is bounded by ctx.
type Client interface {
	Connect(ctx context.Context, server string) error
	Login(ctx context.Context, user, password string) error
	SelectMailbox(ctx context.Context, name string) error
	ListUnseenUIDs(ctx context.Context) ([]uint32, error)
	FetchMessage(ctx context.Context, uid uint32) (imap.Literal, error)
	ReleaseMailbox(ctx context.Context) error
	Close() error
}
