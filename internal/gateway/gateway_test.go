package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	imapclient "mail-gateway/internal/imap"
	"mail-gateway/internal/models"
	"mail-gateway/internal/retrieval"
	"mail-gateway/internal/store"

	"github.com/emersion/go-imap"
	"golang.org/x/sync/errgroup"
)

type MockRelay struct {
	mu          sync.Mutex
	TransportID string
	Err         error
	submitted   []models.Envelope

	// OnSubmit runs before the relay answers
	OnSubmit func()
}

func (m *MockRelay) Submit(ctx context.Context, env models.Envelope) (models.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, env)
	if m.OnSubmit != nil {
		m.OnSubmit()
	}
	if m.Err != nil {
		return models.Receipt{}, m.Err
	}
	return models.Receipt{TransportID: m.TransportID}, nil
}

type MockStore struct {
	mu        sync.Mutex
	records   []models.SentRecord
	AppendErr error
	ListErr   error
}

func (m *MockStore) Append(ctx context.Context, rec models.SentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AppendErr != nil {
		return m.AppendErr
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *MockStore) List(ctx context.Context) ([]models.SentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	return append([]models.SentRecord(nil), m.records...), nil
}

// MockIMAPClient serves a fixed set of raw messages
type MockIMAPClient struct {
	mu        sync.Mutex
	closed    int
	released  int
	SelectErr error
	UIDs      []uint32
	Messages  map[uint32]string
}

func (m *MockIMAPClient) Connect(ctx context.Context, server string) error { return nil }

func (m *MockIMAPClient) Login(ctx context.Context, user, password string) error { return nil }

func (m *MockIMAPClient) SelectMailbox(ctx context.Context, name string) error { return m.SelectErr }

func (m *MockIMAPClient) ListUnseenUIDs(ctx context.Context) ([]uint32, error) { return m.UIDs, nil }

func (m *MockIMAPClient) FetchMessage(ctx context.Context, uid uint32) (imap.Literal, error) {
	return bytes.NewBufferString(m.Messages[uid]), nil
}

func (m *MockIMAPClient) ReleaseMailbox(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released++
	return nil
}

func (m *MockIMAPClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *MockIMAPClient) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func newRetriever(client *MockIMAPClient) *retrieval.Retriever {
	cfg := models.RetrievalConfig{Host: "imap.test.com", Port: 993, Login: "me", Password: "pw"}
	return retrieval.NewRetriever(cfg, func() imapclient.Client { return client }, nil)
}

func rawMessage(subject string) string {
	return "From: Alice <alice@example.com>\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
		"\r\n" +
		"Body of " + subject + "\r\n"
}

const undecodable = " this line is not a header\r\n\r\nbody\r\n"

func TestCompose_Success(t *testing.T) {
	relay := &MockRelay{TransportID: "abc123"}
	records := store.NewFileStore(filepath.Join(t.TempDir(), "sent.json"))
	g := New(Options{Relay: relay, Store: records, From: "me@example.com"})

	env := models.Envelope{To: "a@x.com", Subject: "Hi", Text: "Hello"}
	rec, err := g.Compose(context.Background(), env)
	if err != nil {
		t.Fatalf("Compose() error: %v", err)
	}
	if rec.TransportID != "abc123" || rec.From != "me@example.com" {
		t.Errorf("Unexpected record %+v", rec)
	}

	sent, err := g.ListSent(context.Background())
	if err != nil {
		t.Fatalf("ListSent() error: %v", err)
	}
	if len(sent) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(sent))
	}
	got := sent[0]
	if got.To != env.To || got.Subject != env.Subject || got.Body != env.Text || got.TransportID != "abc123" {
		t.Errorf("Stored record %+v does not match %+v", got, env)
	}
	if got.SentAt.IsZero() {
		t.Error("Expected SentAt to be set")
	}
}

func TestCompose_Failures(t *testing.T) {
	relayErr := errors.New("550 mailbox unavailable")
	appendErr := errors.New("disk full")

	tests := []struct {
		name        string
		relay       *MockRelay
		store       *MockStore
		wantErr     error
		wantRecords int
	}{
		{
			name:    "Relay failure appends nothing",
			relay:   &MockRelay{Err: relayErr},
			store:   &MockStore{},
			wantErr: relayErr,
		},
		{
			name:    "Append failure after relay success",
			relay:   &MockRelay{TransportID: "abc123"},
			store:   &MockStore{AppendErr: appendErr},
			wantErr: appendErr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(Options{Relay: tt.relay, Store: tt.store})

			rec, err := g.Compose(context.Background(), models.Envelope{To: "a@x.com", Subject: "s", Text: "t"})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Compose() error = %v, want %v", err, tt.wantErr)
			}
			if err != nil && err.Error() != tt.wantErr.Error() {
				t.Errorf("Expected diagnostic %q verbatim, got %q", tt.wantErr.Error(), err.Error())
			}
			if rec != nil {
				t.Errorf("Expected no record, got %+v", rec)
			}
			if len(tt.store.records) != tt.wantRecords {
				t.Errorf("Expected %d stored records, got %d", tt.wantRecords, len(tt.store.records))
			}
		})
	}
}

func TestCompose_RecordsAfterCallerGoesAway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	relay := &MockRelay{TransportID: "abc123", OnSubmit: cancel}
	records := store.NewFileStore(filepath.Join(t.TempDir(), "sent.json"))
	g := New(Options{Relay: relay, Store: records})

	if _, err := g.Compose(ctx, models.Envelope{To: "a@x.com", Subject: "s", Text: "t"}); err != nil {
		t.Fatalf("Compose() error: %v", err)
	}

	sent, err := records.List(context.Background())
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(sent) != 1 || sent[0].TransportID != "abc123" {
		t.Errorf("Expected the relayed message to be recorded, got %+v", sent)
	}
}

func TestCompose_Concurrent(t *testing.T) {
	records := store.NewFileStore(filepath.Join(t.TempDir(), "sent.json"))
	g := New(Options{Relay: &MockRelay{TransportID: "id"}, Store: records})

	var eg errgroup.Group
	for i := 0; i < 10; i++ {
		env := models.Envelope{To: fmt.Sprintf("user%d@x.com", i), Subject: "s", Text: "t"}
		eg.Go(func() error {
			_, err := g.Compose(context.Background(), env)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatalf("Compose() error: %v", err)
	}

	sent, err := g.ListSent(context.Background())
	if err != nil {
		t.Fatalf("ListSent() error: %v", err)
	}
	if len(sent) != 10 {
		t.Errorf("Expected 10 records, got %d", len(sent))
	}
}

func TestListReceived_SkipsUndecodable(t *testing.T) {
	client := &MockIMAPClient{
		UIDs: []uint32{1, 2, 3},
		Messages: map[uint32]string{
			1: rawMessage("first"),
			2: undecodable,
			3: rawMessage("third"),
		},
	}
	g := New(Options{Retriever: newRetriever(client)})

	records, err := g.ListReceived(context.Background())
	if err != nil {
		t.Fatalf("ListReceived() error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(records))
	}
	if records[0].Subject != "first" || records[1].Subject != "third" {
		t.Errorf("Unexpected records %+v", records)
	}
}

func TestListReceived_Empty(t *testing.T) {
	g := New(Options{Retriever: newRetriever(&MockIMAPClient{})})

	records, err := g.ListReceived(context.Background())
	if err != nil {
		t.Fatalf("ListReceived() error: %v", err)
	}
	if records == nil || len(records) != 0 {
		t.Errorf("Expected empty non-nil list, got %#v", records)
	}
}

func TestListReceived_LockFailure(t *testing.T) {
	client := &MockIMAPClient{SelectErr: errors.New("NO mailbox is busy")}
	g := New(Options{Retriever: newRetriever(client)})

	_, err := g.ListReceived(context.Background())
	if !errors.Is(err, retrieval.ErrLock) {
		t.Errorf("ListReceived() error = %v, want ErrLock", err)
	}
	if client.Closed() != 1 {
		t.Errorf("Expected connection closed exactly once, got %d", client.Closed())
	}
}

func TestUnavailableSubsystems(t *testing.T) {
	g := New(Options{})
	ctx := context.Background()

	if _, err := g.Compose(ctx, models.Envelope{To: "a@x.com"}); !errors.Is(err, ErrRelayUnavailable) {
		t.Errorf("Compose() error = %v, want ErrRelayUnavailable", err)
	}
	if _, err := g.ListReceived(ctx); !errors.Is(err, ErrRetrievalUnavailable) {
		t.Errorf("ListReceived() error = %v, want ErrRetrievalUnavailable", err)
	}
	if _, err := g.ListSent(ctx); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("ListSent() error = %v, want ErrStoreUnavailable", err)
	}

	withRelay := New(Options{Relay: &MockRelay{}})
	if _, err := withRelay.Compose(ctx, models.Envelope{To: "a@x.com"}); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Compose() without store error = %v, want ErrStoreUnavailable", err)
	}

	if s := g.Status(); s.Relay || s.Retrieval || s.Store {
		t.Errorf("Expected nothing configured, got %+v", s)
	}
}
