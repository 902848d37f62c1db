package mailparse

import (
	"bufio"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strings"
	"time"

	"mail-gateway/internal/models"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// ParseError reports a payload that could not be read as a message at all
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("undecodable message: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse converts a raw RFC 5322 message into a ReceivedRecord. Missing or
// unparsable fields degrade to their sentinel values; only a stream whose
// header block cannot be read fails, with a *ParseError.
func Parse(r io.Reader) (*models.ReceivedRecord, error) {
	e, err := message.Read(bufio.NewReader(r))
	if err != nil && !isUndecodableContent(err) {
		return nil, &ParseError{Err: err}
	}
	// A single-part body in an unknown charset or encoding is left as No Body
	skipBody := err != nil && e.MultipartReader() == nil

	mr := mail.NewReader(e)
	defer func() { _ = mr.Close() }()

	header := mr.Header
	record := &models.ReceivedRecord{
		From:    sender(header),
		Subject: subject(header),
		Date:    date(header),
	}

	var plain, html string
	for !skipBody {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		} else if isUndecodableContent(err) {
			continue
		} else if err != nil {
			// Broken multipart structure: keep whatever was read so far
			break
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := h.ContentType()
		if err != nil && contentType != "" {
			continue
		}
		if contentType == "" {
			contentType = "text/plain"
		}

		switch {
		case contentType == "text/plain" && plain == "":
			body, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			plain = strings.TrimSpace(string(body))
		case contentType == "text/html" && html == "":
			body, err := io.ReadAll(p.Body)
			if err != nil {
				continue
			}
			html = HTMLToText(string(body))
		}
	}

	switch {
	case plain != "":
		record.Body = plain
	case html != "":
		record.Body = html
	default:
		record.Body = models.NoBody
	}

	return record, nil
}

// isUndecodableContent reports errors that leave the headers readable but
// not the content of the entity they belong to
func isUndecodableContent(err error) bool {
	return err != nil && (message.IsUnknownCharset(err) || message.IsUnknownEncoding(err))
}

func sender(header mail.Header) string {
	if list, err := header.AddressList("From"); err == nil && len(list) > 0 {
		addr := list[0]
		if addr.Name != "" {
			return fmt.Sprintf("%s <%s>", addr.Name, addr.Address)
		}
		return addr.Address
	}

	raw := strings.TrimSpace(header.Get("From"))
	if raw == "" {
		return models.UnknownSender
	}
	if decoded, err := DecodeHeader(raw); err == nil && decoded != "" {
		return decoded
	}
	if addr := extractEmailAddress(raw); addr != "" {
		return addr
	}
	return raw
}

func subject(header mail.Header) string {
	s, err := header.Subject()
	if err != nil {
		s, err = DecodeHeader(header.Get("Subject"))
		if err != nil {
			s = header.Get("Subject")
		}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return models.NoSubject
	}
	return s
}

func date(header mail.Header) string {
	if header.Get("Date") == "" {
		return models.NoDate
	}
	t, err := header.Date()
	if err != nil || t.IsZero() {
		return models.NoDate
	}
	return t.Format(time.RFC3339)
}

// Simple regex to extract email address from "From" header, which may contain name and email
func extractEmailAddress(fromHeader string) string {
	re := regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	return re.FindString(fromHeader)
}

// DecodeHeader decodes MIME-encoded headers (e.g., "=?UTF-8?B?...?=") to plain text
func DecodeHeader(encoded string) (string, error) {
	decoder := new(mime.WordDecoder)
	decoded, err := decoder.DecodeHeader(encoded)
	if err != nil {
		return "", err
	}
	return decoded, nil
}
