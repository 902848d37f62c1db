package imap

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/server"
)

const (
	testUser     = "username"
	testPassword = "password"
	testMailbox  = "Gateway"
)

type testMessage struct {
	raw   string
	flags []string
}

// startServer runs an in-memory IMAP server holding one mailbox with the given messages
func startServer(t *testing.T, messages ...testMessage) string {
	t.Helper()

	be := memory.New()
	user, err := be.Login(nil, testUser, testPassword)
	if err != nil {
		t.Fatalf("backend login: %v", err)
	}
	if err := user.CreateMailbox(testMailbox); err != nil {
		t.Fatalf("create mailbox: %v", err)
	}
	mbox, err := user.GetMailbox(testMailbox)
	if err != nil {
		t.Fatalf("get mailbox: %v", err)
	}
	for _, m := range messages {
		if err := mbox.CreateMessage(m.flags, time.Now(), bytes.NewBufferString(m.raw)); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}

	s := server.New(be)
	s.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		_ = s.Serve(l)
	}()
	t.Cleanup(func() {
		_ = s.Close()
	})

	return l.Addr().String()
}

func rawMessage(subject string) string {
	return "From: alice@example.com\r\n" +
		"To: bob@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"\r\n" +
		"Body of " + subject + "\r\n"
}

func TestStandardClient_FullCycle(t *testing.T) {
	addr := startServer(t,
		testMessage{raw: rawMessage("first")},
		testMessage{raw: rawMessage("already read"), flags: []string{`\Seen`}},
		testMessage{raw: rawMessage("second")},
	)

	ctx := context.Background()
	c := NewStandardClient(Options{Timeout: 5 * time.Second})

	if err := c.Connect(ctx, addr); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.Login(ctx, testUser, testPassword); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if err := c.SelectMailbox(ctx, testMailbox); err != nil {
		t.Fatalf("SelectMailbox() error: %v", err)
	}

	uids, err := c.ListUnseenUIDs(ctx)
	if err != nil {
		t.Fatalf("ListUnseenUIDs() error: %v", err)
	}
	if len(uids) != 2 {
		t.Fatalf("Expected 2 unseen messages, got %d", len(uids))
	}

	var subjects []string
	for _, uid := range uids {
		body, err := c.FetchMessage(ctx, uid)
		if err != nil {
			t.Fatalf("FetchMessage(%d) error: %v", uid, err)
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			t.Fatalf("read body: %v", err)
		}
		for _, line := range strings.Split(string(raw), "\r\n") {
			if strings.HasPrefix(line, "Subject: ") {
				subjects = append(subjects, strings.TrimPrefix(line, "Subject: "))
			}
		}
	}
	if strings.Join(subjects, ",") != "first,second" {
		t.Errorf("Fetched subjects = %v, want [first second]", subjects)
	}

	// Peek fetches must leave the messages unseen
	again, err := c.ListUnseenUIDs(ctx)
	if err != nil {
		t.Fatalf("ListUnseenUIDs() error: %v", err)
	}
	if len(again) != 2 {
		t.Errorf("Expected messages to stay unseen, got %d unseen", len(again))
	}

	if err := c.ReleaseMailbox(ctx); err != nil {
		t.Errorf("ReleaseMailbox() error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}

func TestStandardClient_FetchMissingUID(t *testing.T) {
	addr := startServer(t, testMessage{raw: rawMessage("only")})

	ctx := context.Background()
	c := NewStandardClient(Options{Timeout: 5 * time.Second})
	if err := c.Connect(ctx, addr); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.Login(ctx, testUser, testPassword); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if err := c.SelectMailbox(ctx, testMailbox); err != nil {
		t.Fatalf("SelectMailbox() error: %v", err)
	}

	if _, err := c.FetchMessage(ctx, 999); !errors.Is(err, ErrMessageGone) {
		t.Errorf("FetchMessage() error = %v, want ErrMessageGone", err)
	}
}

func TestStandardClient_LoginRejected(t *testing.T) {
	addr := startServer(t)

	ctx := context.Background()
	c := NewStandardClient(Options{Timeout: 5 * time.Second})
	if err := c.Connect(ctx, addr); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.Login(ctx, testUser, "wrong"); err == nil {
		t.Error("Expected login with a bad password to fail")
	}
}

func TestStandardClient_SelectMissingMailbox(t *testing.T) {
	addr := startServer(t)

	ctx := context.Background()
	c := NewStandardClient(Options{Timeout: 5 * time.Second})
	if err := c.Connect(ctx, addr); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.Login(ctx, testUser, testPassword); err != nil {
		t.Fatalf("Login() error: %v", err)
	}
	if err := c.SelectMailbox(ctx, "DoesNotExist"); err == nil {
		t.Error("Expected selecting a missing mailbox to fail")
	}
}

func TestStandardClient_NotConnected(t *testing.T) {
	c := NewStandardClient(Options{})
	ctx := context.Background()

	if err := c.Login(ctx, "u", "p"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Login() error = %v, want ErrNotConnected", err)
	}
	if _, err := c.ListUnseenUIDs(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ListUnseenUIDs() error = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() without connection should be nil, got %v", err)
	}
}

func TestStandardClient_ConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	c := NewStandardClient(Options{Timeout: time.Second})
	if err := c.Connect(context.Background(), addr); err == nil {
		t.Error("Expected connection to a closed port to fail")
	}
}

func TestStandardClient_CanceledContext(t *testing.T) {
	addr := startServer(t)

	c := NewStandardClient(Options{Timeout: 5 * time.Second})
	if err := c.Connect(context.Background(), addr); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Login(ctx, testUser, testPassword); !errors.Is(err, context.Canceled) {
		t.Errorf("Login() error = %v, want context.Canceled", err)
	}
}
