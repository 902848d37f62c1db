package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"

	"mail-gateway/internal/logging"
	"mail-gateway/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	sentConfirmation = "Email sent successfully"
	maxBodyBytes     = 1 << 20
)

var errMissingField = errors.New("missing field")

// NewHandler exposes g over HTTP
func NewHandler(g *Gateway) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /send-email", g.handleSend)
	mux.HandleFunc("GET /get-received-emails", g.handleReceived)
	mux.HandleFunc("GET /get-sent-emails", g.handleSent)
	mux.HandleFunc("GET /healthz", g.handleHealth)
	return withLogging(mux)
}

func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	env, err := decodeEnvelope(w, r)
	if err != nil {
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := g.Compose(r.Context(), env); err != nil {
		writeText(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeText(w, http.StatusOK, sentConfirmation)
}

func (g *Gateway) handleReceived(w http.ResponseWriter, r *http.Request) {
	records, err := g.ListReceived(r.Context())
	if err != nil {
		writeText(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (g *Gateway) handleSent(w http.ResponseWriter, r *http.Request) {
	records, err := g.ListSent(r.Context())
	if err != nil {
		writeText(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, g.Status())
}

type envelopeBody struct {
	To      *string `json:"to"`
	Subject *string `json:"subject"`
	Text    *string `json:"text"`
}

// decodeEnvelope accepts a JSON object or a url-encoded form. All three
// fields must be present and the recipient must not be empty.
func decodeEnvelope(w http.ResponseWriter, r *http.Request) (models.Envelope, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var body envelopeBody
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded":
		if err := r.ParseForm(); err != nil {
			return models.Envelope{}, fmt.Errorf("malformed form body: %w", err)
		}
		body.To = formValue(r, "to")
		body.Subject = formValue(r, "subject")
		body.Text = formValue(r, "text")
	default:
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return models.Envelope{}, fmt.Errorf("malformed JSON body: %w", err)
		}
	}

	switch {
	case body.To == nil || strings.TrimSpace(*body.To) == "":
		return models.Envelope{}, fmt.Errorf("%w: to", errMissingField)
	case body.Subject == nil:
		return models.Envelope{}, fmt.Errorf("%w: subject", errMissingField)
	case body.Text == nil:
		return models.Envelope{}, fmt.Errorf("%w: text", errMissingField)
	}

	return models.Envelope{
		To:      strings.TrimSpace(*body.To),
		Subject: *body.Subject,
		Text:    *body.Text,
	}, nil
}

func formValue(r *http.Request, key string) *string {
	values, ok := r.PostForm[key]
	if !ok || len(values) == 0 {
		return nil
	}
	return &values[0]
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(msg))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		writeText(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := uuid.New().String()
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		rec.Header().Set("X-Trace-Id", traceID)

		next.ServeHTTP(rec, r)

		entry := logging.WithTrace(traceID).WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		})
		if rec.status >= http.StatusInternalServerError {
			entry.Error("Request failed")
			return
		}
		entry.Info("Request handled")
	})
}
