package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

var (
	// ErrNotConnected is returned by every command issued before Connect succeeded
	ErrNotConnected = errors.New("not connected")
	// ErrMessageGone is returned when a UID no longer exists, e.g. expunged after the search
	ErrMessageGone = errors.New("message no longer exists")
)

const defaultTimeout = 30 * time.Second

// Options controls transport security and the per-command timeout
type Options struct {
	TLS                bool
	InsecureSkipVerify bool
	Timeout            time.Duration
}

type StandardClient struct {
	client *client.Client
	opts   Options
}

// NewStandardClient creates a new StandardClient, falling back to a 30 second timeout for IMAP operations
func NewStandardClient(opts Options) *StandardClient {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	return &StandardClient{
		opts: opts,
	}
}

// Connect dials the IMAP server, over TLS when configured, and waits for its greeting.
func (c *StandardClient) Connect(ctx context.Context, server string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("IMAP connection error: %w", err)
	}

	dialer := &net.Dialer{Timeout: c.opts.Timeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	var (
		cl  *client.Client
		err error
	)
	if c.opts.TLS {
		host, _, splitErr := net.SplitHostPort(server)
		if splitErr != nil {
			host = server
		}
		cl, err = client.DialWithDialerTLS(dialer, server, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: c.opts.InsecureSkipVerify,
		})
	} else {
		cl, err = client.DialWithDialer(dialer, server)
	}
	if err != nil {
		return fmt.Errorf("IMAP connection error: %w", err)
	}

	cl.Timeout = c.opts.Timeout
	c.client = cl
	return nil
}

// Login authenticates the user with the IMAP server using the provided username and password.
func (c *StandardClient) Login(ctx context.Context, user, password string) error {
	return c.run(ctx, func(cl *client.Client) error {
		return cl.Login(user, password)
	})
}

// SelectMailbox opens the mailbox read-only (EXAMINE) so that neither fetches
// nor the later CLOSE can alter flags or expunge anything.
func (c *StandardClient) SelectMailbox(ctx context.Context, name string) error {
	return c.run(ctx, func(cl *client.Client) error {
		_, err := cl.Select(name, true)
		return err
	})
}

// ListUnseenUIDs returns the UIDs of every message without the \Seen flag, in server order.
func (c *StandardClient) ListUnseenUIDs(ctx context.Context) ([]uint32, error) {
	var uids []uint32
	err := c.run(ctx, func(cl *client.Client) error {
		criteria := imap.NewSearchCriteria()
		criteria.WithoutFlags = []string{imap.SeenFlag}

		var err error
		uids, err = cl.UidSearch(criteria)
		if err != nil {
			return fmt.Errorf("error searching for unseen emails: %w", err)
		}
		return nil
	})
	return uids, err
}

// FetchMessage retrieves the full raw source of the message with the given UID.
// BODY.PEEK[] is used so the message keeps its unseen state.
func (c *StandardClient) FetchMessage(ctx context.Context, uid uint32) (imap.Literal, error) {
	var body imap.Literal
	err := c.run(ctx, func(cl *client.Client) error {
		seqSet := new(imap.SeqSet)
		seqSet.AddNum(uid)

		section := &imap.BodySectionName{Peek: true}
		items := []imap.FetchItem{section.FetchItem(), imap.FetchUid}

		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)

		go func() {
			done <- cl.UidFetch(seqSet, items, messages)
		}()

		var msg *imap.Message
		for m := range messages {
			msg = m
		}

		if err := <-done; err != nil {
			return fmt.Errorf("error fetching message UID %d: %w", uid, err)
		}

		if msg == nil {
			return fmt.Errorf("UID %d: %w", uid, ErrMessageGone)
		}

		// Only one section was requested
		for _, literal := range msg.Body {
			body = literal
		}
		if body == nil {
			return fmt.Errorf("message body could not be retrieved for UID %d", uid)
		}
		return nil
	})
	return body, err
}

// ReleaseMailbox leaves the selected state. On a mailbox selected read-only,
// CLOSE never expunges.
func (c *StandardClient) ReleaseMailbox(ctx context.Context) error {
	return c.run(ctx, func(cl *client.Client) error {
		return cl.Close()
	})
}

// Close logs out from the IMAP server and closes the connection. When logout
// fails the socket is dropped anyway. Without an active connection it returns nil.
func (c *StandardClient) Close() error {
	if c.client == nil {
		return nil
	}
	cl := c.client
	c.client = nil

	if err := cl.Logout(); err != nil {
		_ = cl.Terminate()
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// run executes one command while ctx is watched: if ctx ends first the
// connection is terminated, which unblocks the pending command.
func (c *StandardClient) run(ctx context.Context, fn func(cl *client.Client) error) error {
	if c.client == nil {
		return ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cl := c.client
	stop := context.AfterFunc(ctx, func() {
		_ = cl.Terminate()
	})
	err := fn(cl)
	if !stop() && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}
