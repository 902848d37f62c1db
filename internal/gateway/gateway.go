package gateway

import (
	"context"
	"errors"
	"time"

	"mail-gateway/internal/logging"
	"mail-gateway/internal/models"
	"mail-gateway/internal/retrieval"
	"mail-gateway/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrRelayUnavailable     = errors.New("relay is not configured")
	ErrRetrievalUnavailable = errors.New("retrieval is not configured")
	ErrStoreUnavailable     = errors.New("record store is not configured")
)

// Relay submits a composed message for delivery
type Relay interface {
	Submit(ctx context.Context, env models.Envelope) (models.Receipt, error)
}

// Retriever runs one retrieval session over the configured mailbox
type Retriever interface {
	Retrieve(ctx context.Context) (*retrieval.Batch, error)
}

// RecordStore persists sent records
type RecordStore interface {
	Append(ctx context.Context, rec models.SentRecord) error
	List(ctx context.Context) ([]models.SentRecord, error)
}

// Gateway composes, lists sent and lists received messages.
// Any of its subsystems may be nil when it is not configured.
type Gateway struct {
	relay     Relay
	retriever Retriever
	store     RecordStore
	from      string
	now       func() time.Time
	tel       *telemetry.Telemetry
}

// Options configures a Gateway
type Options struct {
	Relay     Relay
	Retriever Retriever
	Store     RecordStore
	// From is the address recorded as the sender of composed messages
	From string
}

func New(opts Options) *Gateway {
	return &Gateway{
		relay:     opts.Relay,
		retriever: opts.Retriever,
		store:     opts.Store,
		from:      opts.From,
		now:       time.Now,
		tel:       telemetry.Default(),
	}
}

// Compose relays env and records it. A record is appended only after the
// relay accepted the message. When the append fails the message has still
// been delivered and the error is returned anyway.
func (g *Gateway) Compose(ctx context.Context, env models.Envelope) (rec *models.SentRecord, err error) {
	ctx, span := g.tel.StartSpan(ctx, "gateway.compose", attribute.String("to", env.To))
	defer func() {
		g.tel.RecordCompose(ctx, err)
		telemetry.EndSpan(span, err)
	}()

	if g.relay == nil {
		return nil, ErrRelayUnavailable
	}
	if g.store == nil {
		return nil, ErrStoreUnavailable
	}

	receipt, err := g.relay.Submit(ctx, env)
	if err != nil {
		return nil, err
	}

	rec = &models.SentRecord{
		From:        g.from,
		To:          env.To,
		Subject:     env.Subject,
		Body:        env.Text,
		SentAt:      g.now().UTC(),
		TransportID: receipt.TransportID,
	}
	// The message is out; a caller that went away must not keep it unrecorded
	if err := g.store.Append(context.WithoutCancel(ctx), *rec); err != nil {
		logging.Log.WithError(err).
			WithField("transport_id", receipt.TransportID).
			Error("Message relayed but not recorded")
		return nil, err
	}
	return rec, nil
}

// ListReceived runs one retrieval session and returns the parsed unseen messages
func (g *Gateway) ListReceived(ctx context.Context) ([]models.ReceivedRecord, error) {
	if g.retriever == nil {
		return nil, ErrRetrievalUnavailable
	}

	batch, err := g.retriever.Retrieve(ctx)
	if err != nil {
		return nil, err
	}
	if batch.Records == nil {
		return []models.ReceivedRecord{}, nil
	}
	return batch.Records, nil
}

// ListSent returns every sent record in append order
func (g *Gateway) ListSent(ctx context.Context) ([]models.SentRecord, error) {
	if g.store == nil {
		return nil, ErrStoreUnavailable
	}

	records, err := g.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if records == nil {
		return []models.SentRecord{}, nil
	}
	return records, nil
}

// Status reports which subsystems are configured
type Status struct {
	Relay     bool `json:"relay"`
	Retrieval bool `json:"retrieval"`
	Store     bool `json:"store"`
}

func (g *Gateway) Status() Status {
	return Status{
		Relay:     g.relay != nil,
		Retrieval: g.retriever != nil,
		Store:     g.store != nil,
	}
}
