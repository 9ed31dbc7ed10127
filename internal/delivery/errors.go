package delivery

import (
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"
)

// Stage names the protocol step an attempt failed at
type Stage string

const (
	StageDial  Stage = "dial"
	StageHello Stage = "hello"
	StageAuth  Stage = "auth"
	StageMail  Stage = "mail"
	StageRcpt  Stage = "rcpt"
	StageData  Stage = "data"
)

// ConnectionError reports that the endpoint could not be reached or refused
// the session before any envelope command was issued. Nothing was sent.
type ConnectionError struct {
	Addr  string `json:"addr"`
	Stage Stage  `json:"stage"`
	Err   error  `json:"-"`
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed at %s: %v", e.Addr, e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// DeliveryError reports that the endpoint rejected the sender, the
// recipient or the message content.
type DeliveryError struct {
	Stage        Stage  `json:"stage"`
	Code         int    `json:"code,omitempty"`
	EnhancedCode string `json:"enhanced_code,omitempty"`
	Err          error  `json:"-"`
}

// Error implements the error interface
func (e *DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("delivery rejected at %s (%d): %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("delivery failed at %s: %v", e.Stage, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the endpoint answered with a 4xx reply
func (e *DeliveryError) Temporary() bool {
	return e.Code >= 400 && e.Code < 500
}

func newDeliveryError(stage Stage, err error) *DeliveryError {
	de := &DeliveryError{Stage: stage, Err: err}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		de.Code = smtpErr.Code
		de.EnhancedCode = formatEnhancedCode(smtpErr.EnhancedCode)
	}
	return de
}

func formatEnhancedCode(code smtp.EnhancedCode) string {
	if code[0] <= 0 {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", code[0], code[1], code[2])
}

// replyCode extracts the SMTP reply code carried by err, if any
func replyCode(err error) int {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return smtpErr.Code
	}
	return 0
}
