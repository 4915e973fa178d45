package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/notepulse/internal/errs"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	data := map[string]string{"result": "success"}
	err := formatter.Success(data)
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	cause := errs.Newf(errs.CodeNotFound, "load document", "no such document").ForDocument("d1")
	err := formatter.Error(fmt.Errorf("show: %w", cause))
	require.NoError(t, err)

	var resp CLIResponse
	err = json.Unmarshal(buf.Bytes(), &resp)
	require.NoError(t, err)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
	assert.Equal(t, "d1", resp.Error.DocumentID)
	assert.False(t, resp.Error.Retryable)
}

func TestOutputFormatter_JSONErrorRetryable(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Error(errs.New(errs.CodePersistence, "save snapshot", errors.New("disk full")))
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "PERSISTENCE", resp.Error.Code)
	assert.True(t, resp.Error.Retryable)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Success("Content saved")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Content saved")
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: false,
	}

	err := formatter.Error(NewExitError(ExitCommandError, "unknown flag"))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [COMMAND]")
	assert.Contains(t, buf.String(), "unknown flag")
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	err := formatter.Error(errs.Newf(errs.CodeSyncTimeout, "handshake", "no reply"))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [SYNC_TIMEOUT]")
	assert.Contains(t, buf.String(), "may succeed if retried")
}

func TestOutputFormatter_EventStream(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Event(map[string]string{"status": "connecting"}))
	require.NoError(t, formatter.Event(map[string]string{"status": "connected"}))

	dec := json.NewDecoder(buf)
	var first, second map[string]string
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, "connecting", first["status"])
	assert.Equal(t, "connected", second["status"])
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:  "text",
				Writer:  buf,
				Verbose: tt.verbose,
			}

			formatter.VerboseLog("Opening %s", "notepulse.db")

			if tt.wantLog {
				assert.Contains(t, buf.String(), "Opening notepulse.db")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"coded", errs.Newf(errs.CodeAuthorization, "save", "denied"), "AUTHORIZATION"},
		{"wrapped_coded", WrapExitError(ExitFailure, "failed", errs.Newf(errs.CodeCapacity, "send", "full")), "CAPACITY"},
		{"command", NewExitError(ExitCommandError, "bad flag"), "COMMAND"},
		{"plain", errors.New("boom"), "FAILURE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCode(tt.err))
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("outer: %w", NewExitError(ExitCommandError, "x"))))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("x")))
}
