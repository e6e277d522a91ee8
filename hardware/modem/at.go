// Package modem drives a SIM7670G-class cellular modem over an exclusive
// serial channel: AT command transactions, network bring-up and a single
// emulated TCP socket.
package modem

import (
	"bytes"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/wirefin/cellws/hardware/channel"
	"github.com/wirefin/cellws/log2"
)

const (
	// ResponseMaxLength bounds one transaction's accumulated response.
	ResponseMaxLength = 4096

	// DefaultReadPoll is the sub-read timeout inside the accumulation
	// loop. Short so marker detection reacts quickly.
	DefaultReadPoll = 100 * time.Millisecond
)

// ErrResponseOverflow means a response filled the whole buffer without a
// final marker. The collected prefix is still returned.
var ErrResponseOverflow = errors.New("response buffer overflow")

var (
	markerOK    = []byte("OK")
	markerError = []byte("ERROR")
	markerFail  = []byte("FAIL")

	finalMarkers = [][]byte{markerOK, markerError, markerFail}
)

// Engine turns one command string into one captured response. All pattern
// matching is byte-exact so payloads with embedded NULs survive.
type Engine struct {
	conn channel.Conn
	log  *log2.Log

	// AcquireTimeout bounds waiting for the channel guard. Exceeding it
	// is channel.ErrBusy, never a protocol failure.
	AcquireTimeout time.Duration
	// ReadPoll is the sub-read timeout, see DefaultReadPoll.
	ReadPoll time.Duration
}

func NewEngine(conn channel.Conn, log *log2.Log) *Engine {
	return &Engine{
		conn:           conn,
		log:            log,
		AcquireTimeout: channel.DefaultAcquireTimeout,
		ReadPoll:       DefaultReadPoll,
	}
}

// Execute sends cmd and collects the response until a final marker
// ("OK"/"ERROR"/"FAIL"), full buffer or timeout. nil error iff at least one
// byte was read and the text contains "OK". Response text is returned even
// when err != nil.
func (e *Engine) Execute(cmd string, timeout time.Duration) (string, error) {
	b, err := e.ExecuteBinary(cmd, finalMarkers, timeout)
	text := string(b)
	if err != nil {
		return text, err
	}
	if !bytes.Contains(b, markerOK) {
		return text, errors.Errorf("command %s failed response=%q", cmd, compactResponse(text))
	}
	return text, nil
}

// ExecuteBinary is Execute without the "OK" policy: collection stops at the
// first of the stop patterns, full buffer or timeout, and the accumulated
// bytes are returned for the caller to judge.
func (e *Engine) ExecuteBinary(cmd string, stop [][]byte, timeout time.Duration) ([]byte, error) {
	if cmd == "" {
		return nil, errors.NotValidf("empty command")
	}
	t, err := e.Begin(e.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	defer t.Release()

	if err = t.FlushInput(); err != nil {
		return nil, errors.Annotate(err, "flush")
	}
	if err = t.WriteLine(cmd); err != nil {
		return nil, errors.Annotatef(err, "write command=%s", cmd)
	}
	resp, _, err := t.Collect(stop, timeout)
	e.log.Debugf("at: cmd=%s resp=%q err=%v", cmd, compactResponse(string(resp)), err)
	return resp, err
}

// Begin acquires the channel for a multi-step transaction (socket send
// needs command, prompt wait and raw payload under one guard).
func (e *Engine) Begin(wait time.Duration) (*Transaction, error) {
	tx, err := e.conn.Acquire(wait)
	if err != nil {
		return nil, err
	}
	return &Transaction{e: e, tx: tx}, nil
}

type Transaction struct {
	e  *Engine
	tx channel.Tx
}

func (t *Transaction) FlushInput() error { return t.tx.FlushInput() }

func (t *Transaction) WriteLine(cmd string) error {
	return t.tx.Write(append([]byte(cmd), '\r', '\n'))
}

func (t *Transaction) WriteRaw(p []byte) error { return t.tx.Write(p) }

func (t *Transaction) Release() { t.tx.Release() }

// Collect accumulates reads until one of the stop patterns appears (found),
// the buffer is full (ErrResponseOverflow) or deadline passes. A deadline
// with zero bytes read is a Timeout error; with bytes but no pattern it is
// not an error here, the caller decides.
func (t *Transaction) Collect(stop [][]byte, timeout time.Duration) (resp []byte, found bool, err error) {
	resp = make([]byte, 0, ResponseMaxLength)
	part := make([]byte, 256)
	tfinal := time.Now().Add(timeout)
	poll := t.e.ReadPoll
	if poll == 0 {
		poll = DefaultReadPoll
	}

	for {
		n, rerr := t.tx.Read(part, poll)
		if rerr != nil {
			return resp, false, errors.Annotate(rerr, "channel read")
		}
		if n > 0 {
			free := ResponseMaxLength - len(resp)
			if n > free {
				resp = append(resp, part[:free]...)
				return resp, false, errors.Annotatef(ErrResponseOverflow, "limit=%d", ResponseMaxLength)
			}
			resp = append(resp, part[:n]...)
			if containsAny(resp, stop) {
				return resp, true, nil
			}
		}
		if !time.Now().Before(tfinal) {
			if len(resp) == 0 {
				return resp, false, errors.Timeoutf("no response")
			}
			return resp, false, nil
		}
	}
}

func containsAny(b []byte, patterns [][]byte) bool {
	for _, p := range patterns {
		if bytes.Contains(b, p) {
			return true
		}
	}
	return false
}

func compactResponse(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.TrimSpace(s)
}
