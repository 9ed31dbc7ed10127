package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/testmail/internal/config"
	"github.com/busybox42/testmail/internal/delivery"
	"github.com/busybox42/testmail/internal/smtptest"
)

type cmdResult struct {
	stdout string
	stderr string
	err    error
}

func execute(t *testing.T, args ...string) cmdResult {
	t.Helper()

	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var stdout, stderr bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)

	err := cmd.ExecuteContext(context.Background())
	return cmdResult{stdout: stdout.String(), stderr: stderr.String(), err: err}
}

func writeEnvelope(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "test.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func endpointFlags(t *testing.T, addr string) []string {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return []string{"--host", host, "--port", port}
}

const validEnvelope = `{"From": "a@example.com", "To": "b@example.com"}`

func TestSendWithFlags(t *testing.T) {
	srv := smtptest.Start(t)
	envelope := writeEnvelope(t, t.TempDir(), validEnvelope)

	for _, sub := range [][]string{nil, {"send"}} {
		args := append(append([]string{}, sub...), endpointFlags(t, srv.Addr())...)
		args = append(args, "--envelope", envelope)

		res := execute(t, args...)
		require.NoError(t, res.err, res.stderr)
		assert.Contains(t, res.stdout, "accepted by "+srv.Addr())
	}

	msgs := srv.Messages()
	require.Len(t, msgs, 2, "each invocation sends its own message")
	assert.Equal(t, "a@example.com", msgs[0].From)
	assert.Equal(t, []string{"b@example.com"}, msgs[0].To)
	assert.Equal(t, 2, srv.Logins())
}

func TestSendWithConfigFile(t *testing.T) {
	srv := smtptest.Start(t)
	dir := t.TempDir()
	writeEnvelope(t, dir, validEnvelope)

	host, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)

	promFile := filepath.Join(dir, "metrics", "testmail.prom")
	cfgPath := filepath.Join(dir, "testmail.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
[endpoint]
host = "`+host+`"
port = `+port+`

[message]
envelope_file = "test.json"

[logging]
level = "debug"
format = "json"

[metrics]
textfile = "`+promFile+`"
`), 0600))

	res := execute(t, "--config", cfgPath)
	require.NoError(t, res.err, res.stderr)
	assert.Len(t, srv.Messages(), 1)
	assert.Contains(t, res.stderr, `"msg":"message_submission"`)
	assert.NotContains(t, res.stderr, `"password":"test"`)

	prom, err := os.ReadFile(promFile)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `testmail_messages_sent_total{endpoint="`+srv.Addr()+`"} 1`)
}

func TestSendMissingEnvelope(t *testing.T) {
	srv := smtptest.Start(t)
	args := append(endpointFlags(t, srv.Addr()), "--envelope", filepath.Join(t.TempDir(), "absent.json"))

	res := execute(t, args...)
	require.Error(t, res.err)

	var cfgErr *config.ConfigError
	assert.True(t, errors.As(res.err, &cfgErr))
	assert.Equal(t, 0, srv.Sessions(), "nothing may be sent without an envelope")
}

func TestSendIncompleteEnvelope(t *testing.T) {
	srv := smtptest.Start(t)
	envelope := writeEnvelope(t, t.TempDir(), `{"From": "a@example.com"}`)
	args := append(endpointFlags(t, srv.Addr()), "--envelope", envelope)

	res := execute(t, args...)

	var cfgErr *config.ConfigError
	require.True(t, errors.As(res.err, &cfgErr))
	assert.Equal(t, "To", cfgErr.Field)
	assert.Equal(t, 0, srv.Sessions())
}

func TestSendUnreachableEndpoint(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	envelope := writeEnvelope(t, t.TempDir(), validEnvelope)
	args := append(endpointFlags(t, addr), "--envelope", envelope)

	res := execute(t, args...)

	var connErr *delivery.ConnectionError
	require.True(t, errors.As(res.err, &connErr))
	assert.Equal(t, delivery.StageDial, connErr.Stage)
	assert.Contains(t, res.stderr, "Endpoint refused the connection")
}

func TestSendRecipientRejected(t *testing.T) {
	srv := smtptest.Start(t, smtptest.RejectAt(smtptest.StepRcpt, 550, [3]int{5, 1, 1}, "No such user"))
	envelope := writeEnvelope(t, t.TempDir(), validEnvelope)
	args := append(endpointFlags(t, srv.Addr()), "--envelope", envelope)

	res := execute(t, args...)

	var delErr *delivery.DeliveryError
	require.True(t, errors.As(res.err, &delErr))
	assert.Equal(t, 550, delErr.Code)
	assert.Empty(t, srv.Messages())
}

func TestSendDryRun(t *testing.T) {
	srv := smtptest.Start(t)
	envelope := writeEnvelope(t, t.TempDir(), validEnvelope)
	args := append(endpointFlags(t, srv.Addr()), "--envelope", envelope, "--dry-run")

	res := execute(t, args...)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Subject: Test message")
	assert.Contains(t, res.stdout, "Test message from python")
	assert.Equal(t, 0, srv.Sessions())
}

func TestSendInvalidPortFlag(t *testing.T) {
	res := execute(t, "--port", "0")

	var cfgErr *config.ConfigError
	require.True(t, errors.As(res.err, &cfgErr))
	assert.Equal(t, "endpoint.port", cfgErr.Field)
}

func TestSendLogLevelFlag(t *testing.T) {
	srv := smtptest.Start(t)
	envelope := writeEnvelope(t, t.TempDir(), validEnvelope)

	args := append(endpointFlags(t, srv.Addr()), "--envelope", envelope)
	res := execute(t, args...)
	require.NoError(t, res.err)
	assert.NotContains(t, res.stderr, "Connecting to endpoint")

	res = execute(t, append(args, "--log-level", "debug")...)
	require.NoError(t, res.err)
	assert.Contains(t, res.stderr, "Connecting to endpoint")
	assert.Contains(t, res.stderr, "level=DEBUG")
}

func TestSendInvalidLogLevelFlag(t *testing.T) {
	srv := smtptest.Start(t)
	envelope := writeEnvelope(t, t.TempDir(), validEnvelope)
	args := append(endpointFlags(t, srv.Addr()), "--envelope", envelope, "--log-level", "chatty")

	res := execute(t, args...)

	var cfgErr *config.ConfigError
	require.True(t, errors.As(res.err, &cfgErr))
	assert.Equal(t, "logging.level", cfgErr.Field)
	assert.Equal(t, 0, srv.Sessions())
}

func TestConfigGenerateAndValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testmail.toml")

	res := execute(t, "config", "generate", path)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, path)
	assert.FileExists(t, path)

	res = execute(t, "config", "validate", path)
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "Configuration is VALID")
	assert.Contains(t, res.stdout, "localhost:1025")

	res = execute(t, "--config", path, "config", "validate")
	require.NoError(t, res.err)
}

func TestConfigValidateInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[logging]\nlevel = \"chatty\"\n"), 0600))

	res := execute(t, "config", "validate", path)
	require.Error(t, res.err)
	assert.Contains(t, res.err.Error(), "logging.level")
}

func TestVersion(t *testing.T) {
	res := execute(t, "version")
	require.NoError(t, res.err)
	assert.Contains(t, res.stdout, "testmail dev")
	assert.Contains(t, res.stdout, "Commit: unknown")
}
