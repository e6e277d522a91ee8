package channel

import (
	"time"

	"github.com/juju/errors"
	"go.bug.st/serial"

	"github.com/wirefin/cellws/helpers"
	"github.com/wirefin/cellws/log2"
)

type serialConn struct {
	port serial.Port
	sem  chan struct{}
	log  *log2.Log
}

// OpenSerial opens device 8N1 at baud.
func OpenSerial(device string, baud int, log *log2.Log) (Conn, error) {
	if device == "" {
		return nil, errors.NotValidf("serial device empty")
	}
	if baud == 0 {
		baud = 115200
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, errors.Annotatef(err, "serial.Open device=%s baud=%d", device, baud)
	}
	c := &serialConn{
		port: port,
		sem:  make(chan struct{}, 1),
		log:  log,
	}
	return c, nil
}

func (c *serialConn) Acquire(wait time.Duration) (Tx, error) {
	select {
	case c.sem <- struct{}{}:
		return &serialTx{c: c}, nil
	case <-time.After(wait):
		return nil, ErrBusy
	}
}

func (c *serialConn) Close() error { return c.port.Close() }

type serialTx struct {
	c        *serialConn
	released bool
}

func (tx *serialTx) Write(p []byte) error {
	tx.c.log.Debugf("channel.write (%02d) %x", len(p), p)
	return errors.Trace(helpers.WriteAll(tx.c.port, p))
}

func (tx *serialTx) Read(p []byte, timeout time.Duration) (int, error) {
	if err := tx.c.port.SetReadTimeout(timeout); err != nil {
		return 0, errors.Trace(err)
	}
	n, err := tx.c.port.Read(p)
	if n > 0 {
		tx.c.log.Debugf("channel.read  (%02d) %x", n, p[:n])
	}
	return n, errors.Trace(err)
}

func (tx *serialTx) FlushInput() error {
	return errors.Trace(tx.c.port.ResetInputBuffer())
}

func (tx *serialTx) Release() {
	if tx.released {
		return
	}
	tx.released = true
	<-tx.c.sem
}
