// Package delivery submits a single message to a mail submission endpoint
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/busybox42/testmail/internal/logging"
	"github.com/busybox42/testmail/internal/message"
	"github.com/busybox42/testmail/internal/metrics"
)

// Config holds configuration for the dispatcher
type Config struct {
	// Endpoint
	Host string
	Port int
	Helo string

	// Login
	AuthEnabled bool
	Username    string
	Password    string
	Mechanism   string // empty selects the best advertised mechanism

	// DryRun builds the message but never connects
	DryRun bool
}

// DefaultConfig returns the local test endpoint with placeholder credentials
func DefaultConfig() *Config {
	return &Config{
		Host:        "localhost",
		Port:        1025,
		Helo:        "localhost",
		AuthEnabled: true,
		Username:    "test",
		Password:    "test",
	}
}

// Addr returns the endpoint as host:port
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Result describes a completed submission
type Result struct {
	Endpoint  string        `json:"endpoint"`
	MessageID string        `json:"message_id"`
	Mechanism string        `json:"mechanism,omitempty"`
	Size      int           `json:"size"`
	Duration  time.Duration `json:"duration"`
	DryRun    bool          `json:"dry_run"`
	Data      []byte        `json:"-"` // rendered message
}

// Dispatcher sends one message per Send call over its own connection
type Dispatcher struct {
	config    *Config
	logger    *slog.Logger
	msgLogger *logging.MessageLogger
	metrics   *metrics.Recorder
}

// NewDispatcher creates a dispatcher. rec may be nil.
func NewDispatcher(config *Config, rec *metrics.Recorder) *Dispatcher {
	if config == nil {
		config = DefaultConfig()
	}

	return &Dispatcher{
		config:    config,
		logger:    logging.Component("delivery"),
		msgLogger: logging.NewMessageLogger(slog.Default()),
		metrics:   rec,
	}
}

// Send renders msg and submits it to the configured endpoint: connect, EHLO,
// one login, MAIL FROM, one RCPT TO, DATA, QUIT. The connection is closed
// on every path.
func (d *Dispatcher) Send(ctx context.Context, msg *message.Message) (*Result, error) {
	addr := d.config.Addr()

	data, err := msg.Bytes(d.config.Helo)
	if err != nil {
		d.recordFailure(metrics.ReasonConfig, 0)
		return nil, fmt.Errorf("failed to build message: %w", err)
	}

	mctx := logging.MessageContext{
		MessageID: msg.ID,
		From:      msg.From,
		To:        msg.To,
		Subject:   msg.Subject,
		Size:      len(data),
		Endpoint:  addr,
		Username:  d.config.Username,
		CreatedAt: msg.CreatedAt,
	}

	result := &Result{
		Endpoint:  addr,
		MessageID: msg.MessageID(d.config.Helo),
		Size:      len(data),
		Data:      data,
	}

	if d.config.DryRun {
		d.msgLogger.LogDryRun(mctx)
		result.DryRun = true
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		d.recordFailure(metrics.ReasonCanceled, 0)
		return nil, fmt.Errorf("send canceled: %w", err)
	}

	start := time.Now()
	mech, err := d.deliver(addr, msg, data)
	elapsed := time.Since(start)

	if err != nil {
		mctx.AuthMechanism = mech
		mctx.Stage = string(stageOf(err))
		mctx.Code = replyCode(err)
		mctx.Error = err.Error()
		d.msgLogger.LogRejection(mctx)
		d.recordFailure(reasonOf(err), elapsed)
		return nil, err
	}

	mctx.AuthMechanism = mech
	mctx.SubmittedAt = time.Now()
	d.msgLogger.LogSubmission(mctx)
	if d.metrics != nil {
		d.metrics.RecordSuccess(addr, elapsed)
	}

	result.Mechanism = mech
	result.Duration = elapsed
	return result, nil
}

func (d *Dispatcher) deliver(addr string, msg *message.Message, data []byte) (string, error) {
	d.logger.Debug("Connecting to endpoint", "endpoint", addr)

	client, err := smtp.Dial(addr)
	if err != nil {
		return "", &ConnectionError{Addr: addr, Stage: StageDial, Err: err}
	}
	defer func() { _ = client.Close() }()

	if err := client.Hello(d.config.Helo); err != nil {
		return "", &ConnectionError{Addr: addr, Stage: StageHello, Err: err}
	}

	var mech string
	if d.config.AuthEnabled {
		mech, err = d.authenticate(client, addr)
		if err != nil {
			return mech, err
		}
	}

	if err := client.Mail(message.EnvelopeAddress(msg.From), nil); err != nil {
		return mech, newDeliveryError(StageMail, err)
	}

	if err := client.Rcpt(message.EnvelopeAddress(msg.To), nil); err != nil {
		return mech, newDeliveryError(StageRcpt, err)
	}

	w, err := client.Data()
	if err != nil {
		return mech, newDeliveryError(StageData, err)
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return mech, newDeliveryError(StageData, err)
	}
	if err := w.Close(); err != nil {
		return mech, newDeliveryError(StageData, err)
	}

	if err := client.Quit(); err != nil {
		d.logger.Warn("QUIT failed after message was accepted", "endpoint", addr, "error", err)
	}

	return mech, nil
}

func (d *Dispatcher) authenticate(client *smtp.Client, addr string) (string, error) {
	ok, advertised := client.Extension("AUTH")
	if !ok || strings.TrimSpace(advertised) == "" {
		return "", &ConnectionError{Addr: addr, Stage: StageAuth, Err: errors.New("endpoint does not advertise AUTH")}
	}

	mech, err := selectMechanism(advertised, d.config.Mechanism)
	if err != nil {
		return "", &ConnectionError{Addr: addr, Stage: StageAuth, Err: err}
	}

	saslClient, err := newSASLClient(mech, d.config.Username, d.config.Password)
	if err != nil {
		return mech, &ConnectionError{Addr: addr, Stage: StageAuth, Err: err}
	}

	d.logger.Debug("Authenticating", "endpoint", addr, "mechanism", mech, "username", d.config.Username)
	if err := client.Auth(saslClient); err != nil {
		return mech, &ConnectionError{Addr: addr, Stage: StageAuth, Err: err}
	}

	return mech, nil
}

func (d *Dispatcher) recordFailure(reason string, elapsed time.Duration) {
	if d.metrics != nil {
		d.metrics.RecordFailure(d.config.Addr(), reason, elapsed)
	}
}

func stageOf(err error) Stage {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Stage
	}
	var delErr *DeliveryError
	if errors.As(err, &delErr) {
		return delErr.Stage
	}
	return ""
}

func reasonOf(err error) string {
	switch stageOf(err) {
	case StageAuth:
		return metrics.ReasonAuth
	case StageDial, StageHello:
		return metrics.ReasonConnection
	default:
		return metrics.ReasonDelivery
	}
}
