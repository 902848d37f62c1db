package retrieval

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"

	imapclient "mail-gateway/internal/imap"
	"mail-gateway/internal/logging"
	"mail-gateway/internal/mailparse"
	"mail-gateway/internal/models"
	"mail-gateway/internal/telemetry"

	"github.com/emersion/go-imap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// State is the protocol state of a retrieval session
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticated
	StateMailboxLocked
	StateSearching
	StateFetching
	StateMailboxUnlocked
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateMailboxLocked:
		return "mailbox_locked"
	case StateSearching:
		return "searching"
	case StateFetching:
		return "fetching"
	case StateMailboxUnlocked:
		return "mailbox_unlocked"
	}
	return "unknown"
}

const (
	defaultTimeout = 30 * time.Second
	defaultMailBox = "INBOX"
)

// ClientFactory builds a fresh, unconnected IMAP client for one session
type ClientFactory func() imapclient.Client

// ParseFunc turns one raw message into a record
type ParseFunc func(r io.Reader) (*models.ReceivedRecord, error)

// Skipped describes a fetched message left out of a batch because it could not be parsed
type Skipped struct {
	UID uint32
	Err error
}

// Batch is the result of one retrieval session, in fetch order
type Batch struct {
	Records []models.ReceivedRecord
	Skipped []Skipped
}

// Retriever runs one short-lived session per Retrieve call against the configured mailbox
type Retriever struct {
	cfg       models.RetrievalConfig
	newClient ClientFactory
	parse     ParseFunc
	locks     *Locker
	tel       *telemetry.Telemetry
}

// NewRetriever creates a Retriever. A nil locker gets a private one; share a
// Locker between retrievers that may target the same mailbox.
func NewRetriever(cfg models.RetrievalConfig, newClient ClientFactory, locks *Locker) *Retriever {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MailBox == "" {
		cfg.MailBox = defaultMailBox
	}
	if locks == nil {
		locks = NewLocker()
	}
	return &Retriever{
		cfg:       cfg,
		newClient: newClient,
		parse:     mailparse.Parse,
		locks:     locks,
		tel:       telemetry.Default(),
	}
}

// NewStandardRetriever wires a Retriever to real IMAP connections built from cfg
func NewStandardRetriever(cfg models.RetrievalConfig, locks *Locker) *Retriever {
	return NewRetriever(cfg, func() imapclient.Client {
		return imapclient.NewStandardClient(imapclient.Options{
			TLS:                cfg.TLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Timeout:            cfg.Timeout,
		})
	}, locks)
}

// Retrieve fetches and parses every unseen message of the mailbox. Messages
// are never marked seen, so consecutive calls return the same unseen set.
func (r *Retriever) Retrieve(ctx context.Context) (*Batch, error) {
	s := &session{
		cfg:    r.cfg,
		client: r.newClient(),
		parse:  r.parse,
		locks:  r.locks,
		log: logging.Log.WithFields(logrus.Fields{
			"trace_id": uuid.New().String(),
			"mailbox":  r.cfg.MailBox,
		}),
	}

	ctx, span := r.tel.StartSpan(ctx, "retrieval.Retrieve",
		attribute.String("imap.host", r.cfg.Host),
		attribute.String("imap.mailbox", r.cfg.MailBox),
	)
	start := time.Now()

	batch, err := s.run(ctx)

	fetched, skipped := 0, 0
	if batch != nil {
		fetched, skipped = len(batch.Records), len(batch.Skipped)
	}
	r.tel.RecordRetrieve(ctx, r.cfg.MailBox, time.Since(start), fetched, skipped, err)
	telemetry.EndSpan(span, err)

	return batch, err
}

// session is the state of one connect-through-disconnect cycle. It is never reused.
type session struct {
	cfg    models.RetrievalConfig
	client imapclient.Client
	parse  ParseFunc
	locks  *Locker
	log    *logrus.Entry

	state   State
	release func()
	uids    []uint32
}

func (s *session) run(ctx context.Context) (*Batch, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	s.setState(StateConnecting)
	if err := s.step(ctx, func(ctx context.Context) error {
		return s.client.Connect(ctx, addr)
	}); err != nil {
		s.setState(StateDisconnected)
		s.log.WithError(err).Error("IMAP connection error")
		return nil, &Error{Kind: ErrConnect, Err: err}
	}

	// Deferred in this order so the lock is always released before the connection goes away
	defer s.disconnect()
	defer s.releaseLock(ctx)

	if err := s.step(ctx, func(ctx context.Context) error {
		return s.client.Login(ctx, s.cfg.Login, s.cfg.Password)
	}); err != nil {
		s.log.WithError(err).Error("Login error")
		return nil, &Error{Kind: ErrAuth, Err: err}
	}
	s.setState(StateAuthenticated)

	if err := s.acquireLock(ctx); err != nil {
		s.log.WithError(err).Error("Mailbox lock error")
		return nil, &Error{Kind: ErrLock, Err: err}
	}
	s.setState(StateMailboxLocked)

	s.setState(StateSearching)
	if err := s.step(ctx, func(ctx context.Context) error {
		var err error
		s.uids, err = s.client.ListUnseenUIDs(ctx)
		return err
	}); err != nil {
		s.log.WithError(err).Error("Error searching for unseen emails")
		return nil, &Error{Kind: ErrSearch, Err: err}
	}

	s.setState(StateFetching)
	batch := &Batch{Records: make([]models.ReceivedRecord, 0, len(s.uids))}
	for _, uid := range s.uids {
		var body imap.Literal
		if err := s.step(ctx, func(ctx context.Context) error {
			var err error
			body, err = s.client.FetchMessage(ctx, uid)
			return err
		}); errors.Is(err, imapclient.ErrMessageGone) {
			s.log.WithError(err).Warnf("Skipping email UID %d", uid)
			batch.Skipped = append(batch.Skipped, Skipped{UID: uid, Err: err})
			continue
		} else if err != nil {
			s.log.WithError(err).Errorf("Error fetching email UID %d", uid)
			return nil, &Error{Kind: ErrFetch, Err: err}
		}

		record, err := s.parse(body)
		if err != nil {
			s.log.WithError(err).Warnf("Skipping email UID %d", uid)
			batch.Skipped = append(batch.Skipped, Skipped{UID: uid, Err: err})
			continue
		}
		batch.Records = append(batch.Records, *record)
	}

	s.log.Infof("Retrieved %d unseen emails (%d skipped)", len(batch.Records), len(batch.Skipped))
	return batch, nil
}

// step bounds one network operation by the configured timeout
func (s *session) step(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return fn(ctx)
}

// acquireLock takes the in-process lock for the mailbox, then selects it on the server
func (s *session) acquireLock(ctx context.Context) error {
	key := s.cfg.Host + "/" + s.cfg.Login + "/" + s.cfg.MailBox

	var release func()
	if err := s.step(ctx, func(ctx context.Context) error {
		var err error
		release, err = s.locks.Acquire(ctx, key)
		return err
	}); err != nil {
		return err
	}

	if err := s.step(ctx, func(ctx context.Context) error {
		return s.client.SelectMailbox(ctx, s.cfg.MailBox)
	}); err != nil {
		release()
		return err
	}

	s.release = release
	return nil
}

// releaseLock is best-effort: a failed CLOSE is logged, since the logout that
// follows drops the server-side selection anyway.
func (s *session) releaseLock(ctx context.Context) {
	if s.release == nil {
		return
	}

	if err := s.step(context.WithoutCancel(ctx), s.client.ReleaseMailbox); err != nil {
		s.log.WithError(err).Warn("Mailbox release error")
	}
	s.release()
	s.release = nil
	s.setState(StateMailboxUnlocked)
}

func (s *session) disconnect() {
	if err := s.client.Close(); err != nil {
		s.log.WithError(err).Warn("Logout error")
	}
	s.setState(StateDisconnected)
}

func (s *session) setState(state State) {
	s.log.Debugf("Session state %s -> %s", s.state, state)
	s.state = state
}
