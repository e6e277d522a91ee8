// Package channel is the byte-oriented half-duplex link under the modem
// stack. Exactly one transaction may hold the channel at a time; every
// higher-layer operation (command send + response collect, socket send +
// confirmation wait) runs under one Tx guard so bytes from unrelated
// operations cannot interleave.
package channel

import (
	"errors"
	"time"
)

const DefaultAcquireTimeout = 3 * time.Second

// ErrBusy is returned by Acquire when the channel is held by another
// transaction for the whole wait bound. Distinct from a read timeout.
var ErrBusy = errors.New("channel: busy")

type Conn interface {
	// Acquire blocks up to wait for exclusive access, then returns the
	// transaction guard. Fails with ErrBusy.
	Acquire(wait time.Duration) (Tx, error)
	Close() error
}

type Tx interface {
	Write(p []byte) error
	// Read fills p with whatever arrives within timeout. n=0 with nil
	// error means nothing arrived.
	Read(p []byte, timeout time.Duration) (n int, err error)
	FlushInput() error
	Release()
}
