package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"mail-gateway/internal/logging"
	"mail-gateway/internal/models"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

// Relay submits one composed message for delivery
type Relay interface {
	Submit(ctx context.Context, env models.Envelope) (models.Receipt, error)
}

// Error wraps a failed submission. Its text is the transport diagnostic, unchanged.
type Error struct {
	Err error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SMTPRelay opens a fresh authenticated SMTP session for every submission
type SMTPRelay struct {
	cfg models.RelayConfig
	now func() time.Time
}

// NewSMTPRelay creates a relay for the given submission server
func NewSMTPRelay(cfg models.RelayConfig) *SMTPRelay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPRelay{cfg: cfg, now: time.Now}
}

// Submit makes exactly one delivery attempt. On success the receipt carries
// the Message-ID given to the message.
func (r *SMTPRelay) Submit(ctx context.Context, env models.Envelope) (models.Receipt, error) {
	locallog := logging.Log.WithField("to", env.To)

	messageID := r.newMessageID()
	if err := r.send(ctx, env, messageID); err != nil {
		locallog.WithError(err).Error("Relay error")
		return models.Receipt{}, &Error{Err: err}
	}

	locallog.WithField("transport_id", messageID).Info("Email relayed")
	return models.Receipt{TransportID: messageID}, nil
}

func (r *SMTPRelay) send(ctx context.Context, env models.Envelope, messageID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	conn, err := r.dial(ctx)
	if err != nil {
		return err
	}

	c := smtp.NewClient(conn)
	defer func() { _ = c.Close() }()
	c.CommandTimeout = r.cfg.Timeout
	c.SubmissionTimeout = r.cfg.Timeout

	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	if r.cfg.Security == models.SecurityStartTLS || r.cfg.Security == "" {
		if err := c.StartTLS(r.tlsConfig()); err != nil {
			return err
		}
	}

	if r.cfg.Login != "" {
		if err := c.Auth(sasl.NewPlainClient("", r.cfg.Login, r.cfg.Password)); err != nil {
			return err
		}
	}

	if err := c.Mail(r.cfg.From, nil); err != nil {
		return err
	}
	if err := c.Rcpt(env.To, nil); err != nil {
		return err
	}

	w, err := c.Data()
	if err != nil {
		return err
	}
	if err := r.writeMessage(w, env, messageID); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	// The message is accepted once DATA completes; a failed QUIT changes nothing
	_ = c.Quit()
	return nil
}

// dial opens the transport connection, bounded by the relay timeout and ctx.
// The greeting and STARTTLS are read later under the client's command timeout.
func (r *SMTPRelay) dial(ctx context.Context) (net.Conn, error) {
	switch r.cfg.Security {
	case models.SecurityTLS, models.SecurityStartTLS, models.SecurityNone, "":
	default:
		return nil, fmt.Errorf("unknown security mode %q", r.cfg.Security)
	}

	addr := net.JoinHostPort(r.cfg.Host, strconv.Itoa(r.cfg.Port))
	dialer := &net.Dialer{Timeout: r.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if r.cfg.Security == models.SecurityTLS {
		return tls.Client(conn, r.tlsConfig()), nil
	}
	return conn, nil
}

func (r *SMTPRelay) tlsConfig() *tls.Config {
	return &tls.Config{ServerName: r.cfg.Host}
}

func (r *SMTPRelay) writeMessage(w io.Writer, env models.Envelope, messageID string) error {
	var h mail.Header
	h.SetDate(r.now())
	h.SetAddressList("From", []*mail.Address{{Name: r.cfg.FromName, Address: r.cfg.From}})
	h.SetAddressList("To", []*mail.Address{{Address: env.To}})
	h.SetSubject(env.Subject)
	h.SetMessageID(messageID)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	body, err := mail.CreateSingleInlineWriter(w, h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(body, env.Text); err != nil {
		_ = body.Close()
		return err
	}
	return body.Close()
}

// newMessageID builds "<uuid>@<sender domain>", the form used as transport id
func (r *SMTPRelay) newMessageID() string {
	domain := "localhost"
	if i := strings.LastIndexByte(r.cfg.From, '@'); i >= 0 && i < len(r.cfg.From)-1 {
		domain = r.cfg.From[i+1:]
	}
	return uuid.New().String() + "@" + domain
}

// IsRelayError reports whether err (or any error in its chain) is a relay *Error
func IsRelayError(err error) bool {
	var relayErr *Error
	return errors.As(err, &relayErr)
}
