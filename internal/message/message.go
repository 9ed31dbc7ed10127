// Package message builds and parses the single plain-text test message
package message

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"
)

const (
	// DefaultSubject is the fixed subject of every test message
	DefaultSubject = "Test message"
	// DefaultBody is the fixed plain-text body of every test message
	DefaultBody = "Test message from python"
)

// Message represents the envelope and content of one submission
type Message struct {
	ID        string    // Unique identifier, also used for Message-ID
	From      string    // Sender address
	To        string    // Recipient address
	Subject   string    // Subject header
	Body      string    // text/plain body
	CreatedAt time.Time // Creation timestamp, used for the Date header
}

// New creates a message with the fixed subject and body
func New(from, to string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Subject:   DefaultSubject,
		Body:      DefaultBody,
		CreatedAt: time.Now(),
	}
}

// MessageID returns the RFC 5322 Message-ID for hostname
func (m *Message) MessageID(hostname string) string {
	if hostname == "" {
		hostname = "localhost"
	}
	return fmt.Sprintf("<%s@%s>", m.ID, hostname)
}

// Bytes renders the message as a single-part text/plain RFC 5322 document
func (m *Message) Bytes(hostname string) ([]byte, error) {
	if m.From == "" || m.To == "" {
		return nil, errors.New("message requires both sender and recipient")
	}

	gm := gomail.NewMessage()
	gm.SetHeader("From", m.From)
	gm.SetHeader("To", m.To)
	gm.SetHeader("Subject", m.Subject)
	gm.SetHeader("Message-ID", m.MessageID(hostname))
	gm.SetDateHeader("Date", m.CreatedAt)
	gm.SetBody("text/plain", m.Body)

	var buf bytes.Buffer
	if _, err := gm.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("failed to render message: %w", err)
	}

	return buf.Bytes(), nil
}

// Parse reads a rendered message back into a Message. ID is taken from the
// local part of Message-ID when present.
func Parse(r io.Reader) (*Message, error) {
	msg, err := mail.ReadMessage(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	dec := new(mime.WordDecoder)
	header := func(name string) string {
		v := msg.Header.Get(name)
		if decoded, err := dec.DecodeHeader(v); err == nil {
			return decoded
		}
		return v
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return nil, err
	}

	m := &Message{
		From:    strings.TrimSpace(header("From")),
		To:      strings.TrimSpace(header("To")),
		Subject: header("Subject"),
		Body:    strings.TrimRight(body, "\r\n"),
	}

	if id := strings.Trim(msg.Header.Get("Message-ID"), "<>"); id != "" {
		m.ID, _, _ = strings.Cut(id, "@")
	}
	if date, err := msg.Header.Date(); err == nil {
		m.CreatedAt = date
	}

	return m, nil
}

// EnvelopeAddress returns the bare address of v for MAIL FROM and RCPT TO.
// A display name is dropped; a value that does not parse is returned trimmed.
func EnvelopeAddress(v string) string {
	if addr, err := mail.ParseAddress(v); err == nil {
		return addr.Address
	}
	return strings.TrimSpace(v)
}

func decodeBody(r io.Reader, encoding string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "quoted-printable":
		r = quotedprintable.NewReader(r)
	case "base64":
		r = base64.NewDecoder(base64.StdEncoding, r)
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to decode body: %w", err)
	}
	return string(data), nil
}
