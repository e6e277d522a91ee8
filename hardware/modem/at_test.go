package modem

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirefin/cellws/hardware/channel"
	"github.com/wirefin/cellws/log2"
)

func testEngine(t testing.TB) (*Engine, *channel.Mock) {
	mock := channel.NewMock()
	e := NewEngine(mock, log2.NewTest(t, log2.LDebug))
	e.AcquireTimeout = 50 * time.Millisecond
	e.ReadPoll = 2 * time.Millisecond
	return e, mock
}

func TestExecuteOK(t *testing.T) {
	t.Parallel()
	e, mock := testEngine(t)
	mock.OnWrite = func(p []byte) {
		if string(p) == "AT+CSQ\r\n" {
			mock.StageRead([]byte("\r\n+CSQ: 21,99\r\n\r\nOK\r\n"))
		}
	}
	resp, err := e.Execute("AT+CSQ", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Contains(t, resp, "+CSQ: 21,99")
	assert.Equal(t, "AT+CSQ\r\n", string(mock.Written()))
}

func TestExecuteError(t *testing.T) {
	t.Parallel()
	e, mock := testEngine(t)
	mock.OnWrite = func([]byte) { mock.StageRead([]byte("\r\nERROR\r\n")) }
	resp, err := e.Execute("AT+BOGUS", 100*time.Millisecond)
	require.Error(t, err)
	// failed commands still surface the response text
	assert.Contains(t, resp, "ERROR")
	assert.False(t, errors.IsTimeout(err))
}

func TestExecuteFailMarker(t *testing.T) {
	t.Parallel()
	e, mock := testEngine(t)
	mock.OnWrite = func([]byte) { mock.StageRead([]byte("\r\nFAIL\r\n")) }
	resp, err := e.Execute("AT+X", 100*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, resp, "FAIL")
}

func TestExecuteTimeout(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t)
	_, err := e.Execute("AT", 20*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(errors.Cause(err)), "want timeout, got %v", err)
}

func TestExecuteBusyIsNotTimeout(t *testing.T) {
	t.Parallel()
	e, mock := testEngine(t)
	hold, err := mock.Acquire(time.Millisecond)
	require.NoError(t, err)
	defer hold.Release()

	_, err = e.Execute("AT", 100*time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, channel.ErrBusy, errors.Cause(err))
	assert.False(t, errors.IsTimeout(errors.Cause(err)))
}

func TestExecuteBufferFull(t *testing.T) {
	t.Parallel()
	e, mock := testEngine(t)
	mock.OnWrite = func([]byte) {
		mock.StageRead(bytes.Repeat([]byte{'x'}, ResponseMaxLength+100))
	}
	resp, err := e.Execute("AT+DUMP", time.Second)
	require.Error(t, err)
	assert.Equal(t, ErrResponseOverflow, errors.Cause(err))
	assert.Len(t, resp, ResponseMaxLength)
}

func TestExecuteBinaryStops(t *testing.T) {
	t.Parallel()
	e, mock := testEngine(t)
	payload := []byte("head\x00\x81binary tail>")
	mock.OnWrite = func([]byte) { mock.StageRead(payload) }
	resp, err := e.ExecuteBinary("AT+CIPSEND=0,5", [][]byte{[]byte(">")}, 100*time.Millisecond)
	require.NoError(t, err)
	// NUL and high bytes must survive collection untouched
	assert.Equal(t, payload, resp)
}

func TestExecuteEmptyCommand(t *testing.T) {
	t.Parallel()
	e, _ := testEngine(t)
	_, err := e.Execute("", 10*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsNotValid(errors.Cause(err)))
}

func TestCollectPartialNoMarker(t *testing.T) {
	t.Parallel()
	e, mock := testEngine(t)
	mock.StageRead([]byte("partial data without final"))
	tx, err := e.Begin(10 * time.Millisecond)
	require.NoError(t, err)
	defer tx.Release()

	resp, found, err := tx.Collect(finalMarkers, 30*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, found)
	assert.True(t, strings.HasPrefix(string(resp), "partial"))
}
