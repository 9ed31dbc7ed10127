// Package smtptest provides an in-process submission endpoint for tests.
// It accepts PLAIN logins, records every accepted message and can be told
// to reject at any protocol step.
package smtptest

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Steps at which the server can be told to reject
const (
	StepConnect = "connect"
	StepMail    = "mail"
	StepRcpt    = "rcpt"
	StepData    = "data"
)

// Received is one message accepted by the server
type Received struct {
	From string
	To   []string
	Data []byte
	User string
}

// Option configures a Server
type Option func(*Server)

// WithCredentials sets the accepted username and password
func WithCredentials(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// WithoutAuth stops the server from advertising AUTH. MAIL is then accepted
// without a login.
func WithoutAuth() Option {
	return func(s *Server) {
		s.authEnabled = false
	}
}

// RejectAt makes the server answer step with the given reply
func RejectAt(step string, code int, enhanced smtp.EnhancedCode, text string) Option {
	return func(s *Server) {
		s.rejects[step] = &smtp.SMTPError{Code: code, EnhancedCode: enhanced, Message: text}
	}
}

// Server is a running fake endpoint
type Server struct {
	srv   *smtp.Server
	ln    net.Listener
	group errgroup.Group

	authEnabled bool
	username    string
	password    string
	rejects     map[string]*smtp.SMTPError

	mu       sync.Mutex
	messages []Received

	logins   atomic.Int32
	sessions atomic.Int32
	active   atomic.Int32
	closing  atomic.Bool
}

// Start listens on a loopback port and serves until the test ends
func Start(t testing.TB, opts ...Option) *Server {
	t.Helper()

	s := &Server{
		authEnabled: true,
		username:    "test",
		password:    "test",
		rejects:     make(map[string]*smtp.SMTPError),
	}
	for _, opt := range opts {
		opt(s)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.ln = ln

	s.srv = smtp.NewServer(&backend{server: s})
	s.srv.Domain = "smtptest.local"
	// AUTH is only advertised over plain TCP when insecure auth is allowed
	s.srv.AllowInsecureAuth = s.authEnabled

	s.group.Go(func() error {
		err := s.srv.Serve(ln)
		if s.closing.Load() {
			return nil
		}
		return err
	})

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("smtptest: serve loop failed: %v", err)
		}
	})
	return s
}

// Addr returns the listening address as host:port
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Messages returns a copy of the accepted messages in arrival order
func (s *Server) Messages() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Received, len(s.messages))
	copy(out, s.messages)
	return out
}

// Logins returns the number of successful logins
func (s *Server) Logins() int {
	return int(s.logins.Load())
}

// Sessions returns the number of connections that got a session
func (s *Server) Sessions() int {
	return int(s.sessions.Load())
}

// ActiveSessions returns the number of sessions not yet logged out
func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}

// Close stops the server and waits for the serve loop. Safe to call twice.
func (s *Server) Close() error {
	if s.closing.Swap(true) {
		return nil
	}
	// Serve may not have registered the listener yet
	_ = s.ln.Close()
	_ = s.srv.Close()
	return s.group.Wait()
}

func (s *Server) store(r Received) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, r)
}

type backend struct {
	server *Server
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	if err := b.server.rejects[StepConnect]; err != nil {
		return nil, err
	}
	b.server.sessions.Add(1)
	b.server.active.Add(1)
	return &session{server: b.server}, nil
}

type session struct {
	server *Server
	user   string
	from   string
	to     []string
	closed bool
}

var errAuthRequired = &smtp.SMTPError{
	Code:         530,
	EnhancedCode: smtp.EnhancedCode{5, 7, 0},
	Message:      "Authentication required",
}

var errBadCredentials = &smtp.SMTPError{
	Code:         535,
	EnhancedCode: smtp.EnhancedCode{5, 7, 8},
	Message:      "Authentication credentials invalid",
}

func (s *session) AuthMechanisms() []string {
	if !s.server.authEnabled {
		return nil
	}
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.server.authEnabled || mech != sasl.Plain {
		return nil, &smtp.SMTPError{
			Code:         504,
			EnhancedCode: smtp.EnhancedCode{5, 7, 4},
			Message:      "Unsupported authentication mechanism",
		}
	}

	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.server.username || password != s.server.password {
			return errBadCredentials
		}
		s.user = username
		s.server.logins.Add(1)
		return nil
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.server.authEnabled && s.user == "" {
		return errAuthRequired
	}
	if err := s.server.rejects[StepMail]; err != nil {
		return err
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if err := s.server.rejects[StepRcpt]; err != nil {
		return err
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if err := s.server.rejects[StepData]; err != nil {
		return err
	}
	if s.from == "" || len(s.to) == 0 {
		return errors.New("no valid envelope")
	}

	s.server.store(Received{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Data: data,
		User: s.user,
	})
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	if !s.closed {
		s.closed = true
		s.server.active.Add(-1)
	}
	return nil
}
