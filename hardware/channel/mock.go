package channel

// Script-driven Conn stub so the whole modem stack is testable without a
// serial port.

import (
	"bytes"
	"sync"
	"time"
)

type Mock struct {
	mu   sync.Mutex
	sem  chan struct{}
	rbuf bytes.Buffer // staged modem output, drained by Read
	wbuf bytes.Buffer // everything the code under test wrote

	// OnWrite, when set, observes each Write. Tests use it to stage the
	// response after seeing the command, like a real modem would.
	OnWrite func(p []byte)
}

func NewMock() *Mock {
	return &Mock{sem: make(chan struct{}, 1)}
}

func (m *Mock) Acquire(wait time.Duration) (Tx, error) {
	select {
	case m.sem <- struct{}{}:
		return &mockTx{m: m}, nil
	case <-time.After(wait):
		return nil, ErrBusy
	}
}

func (m *Mock) Close() error { return nil }

// StageRead appends b to the bytes future Reads will return.
func (m *Mock) StageRead(b []byte) {
	m.mu.Lock()
	m.rbuf.Write(b)
	m.mu.Unlock()
}

// Written returns a copy of everything written so far.
func (m *Mock) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, m.wbuf.Len())
	copy(out, m.wbuf.Bytes())
	return out
}

func (m *Mock) ResetWritten() {
	m.mu.Lock()
	m.wbuf.Reset()
	m.mu.Unlock()
}

type mockTx struct {
	m        *Mock
	released bool
}

func (tx *mockTx) Write(p []byte) error {
	tx.m.mu.Lock()
	tx.m.wbuf.Write(p)
	hook := tx.m.OnWrite
	tx.m.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (tx *mockTx) Read(p []byte, timeout time.Duration) (int, error) {
	tfinal := time.Now().Add(timeout)
	for {
		tx.m.mu.Lock()
		n, _ := tx.m.rbuf.Read(p)
		tx.m.mu.Unlock()
		if n > 0 {
			return n, nil
		}
		if !time.Now().Before(tfinal) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

func (tx *mockTx) FlushInput() error {
	tx.m.mu.Lock()
	tx.m.rbuf.Reset()
	tx.m.mu.Unlock()
	return nil
}

func (tx *mockTx) Release() {
	if tx.released {
		return
	}
	tx.released = true
	<-tx.m.sem
}
