package satellite

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"

	"github.com/MrWong99/dawn/pkg/dap2"
)

// link is one registered transport. Writes are serialised by wmu; the
// reader goroutine in [Client.serve] is the only reader.
type link struct {
	nc net.Conn
	rd *dap2.Reader

	wmu      sync.Mutex
	wr       *dap2.Writer
	seq      uint32
	compress int // outbound compression threshold, 0 when not negotiated
	peerMax  int

	activity  chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func newLink(nc net.Conn, maxPayload int) *link {
	return &link{
		nc:       nc,
		rd:       dap2.NewReader(nc, maxPayload),
		wr:       dap2.NewWriter(nc),
		activity: make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

// send assigns the next sequence number to f and writes it. before, when
// non-nil, is called with that number ahead of the write so that a fast
// Nack can be matched.
func (l *link) send(f dap2.Frame, before func(seq uint32)) (uint32, error) {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if l.compress > 0 && f.Type.Kind() != dap2.KindSequence {
		var fl dap2.Flags
		f.Payload, fl = dap2.Pack(f.Payload, l.compress)
		f.Flags |= fl
	}
	l.seq++
	f.Sequence = l.seq
	if before != nil {
		before(f.Sequence)
	}
	_ = l.nc.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	if err := l.wr.WriteFrame(f); err != nil {
		l.close(err)
		return 0, err
	}
	return f.Sequence, nil
}

func (l *link) nack(seq uint32, code, msg string) {
	f, err := dap2.JSONFrame(dap2.TypeNack, dap2.Nack{Sequence: seq, Code: code, Message: msg})
	if err != nil {
		return
	}
	_, _ = l.send(f, nil)
}

// touch records inbound activity for the keepalive loop.
func (l *link) touch() {
	select {
	case l.activity <- struct{}{}:
	default:
	}
}

func (l *link) close(cause error) {
	l.closeOnce.Do(func() {
		if cause == nil {
			cause = io.EOF
		}
		l.mu.Lock()
		l.err = cause
		l.mu.Unlock()
		close(l.closed)
		_ = l.nc.Close()
	})
}

func (l *link) cause() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// keepalive pings the daemon after interval of inbound silence and closes
// the link after three consecutive pings go unanswered within timeout.
func (l *link) keepalive(interval, timeout time.Duration) {
	idle := time.NewTimer(interval)
	defer idle.Stop()

	var (
		missed int
		nonce  uint64
	)
	for {
		select {
		case <-l.closed:
			return
		case <-l.activity:
			missed = 0
			idle.Reset(interval)
			continue
		case <-idle.C:
		}

		nonce++
		ping := dap2.Frame{Type: dap2.TypePing, Flags: dap2.FlagPriority, Payload: binary.BigEndian.AppendUint64(nil, nonce)}
		if _, err := l.send(ping, nil); err != nil {
			return
		}
		select {
		case <-l.closed:
			return
		case <-l.activity:
			missed = 0
			idle.Reset(interval)
		case <-time.After(timeout):
			missed++
			if missed >= defaultMaxMissed {
				l.close(errKeepalive)
				return
			}
			idle.Reset(0)
		}
	}
}
