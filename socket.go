package relay

// socket.go defines the polymorphic socket capability set the scheduler
// needs: real network sockets and the two pseudo-sockets (client traffic
// generator, server sink) are all driven through this one interface,
// never through inheritance.
//
// A real OR-connection socket is provided by the host simulation
// framework and is out of scope here — no TLS/TCP stack is modeled.
// memSocket is this repository's own reference implementation — an
// in-process paired socket its tests use to wire Relay instances together
// without a live network stack.

import "math"

// Socket is the capability set the scheduler needs from any transport,
// real or simulated.
type Socket interface {
	// RxAvailable returns how many bytes are currently available to Recv.
	RxAvailable() int
	// TxAvailable returns how many bytes the transmit side can currently
	// accept in one Send call.
	TxAvailable() int
	// Recv returns up to max available bytes, removing them from the
	// socket's receive side. May return fewer than max, or none.
	Recv(max int) []byte
	// Send offers buf to the transmit side and returns how many leading
	// bytes of it were accepted; the caller is responsible for retrying
	// the remainder later.
	Send(buf []byte) int
	// Close releases the socket. Safe to call more than once.
	Close() error
	// OnReadable registers fn to be invoked (by the host, asynchronously —
	// never synchronously from within Send/Recv/Close) when the socket has
	// bytes available to read.
	OnReadable(fn func())
	// OnWritable registers fn to be invoked (asynchronously) when the
	// socket has room to accept more bytes.
	OnWritable(fn func())
}

// memSocket is one end of an in-process paired socket: bytes sent on one
// end become available to Recv on the other. txCap, when positive, caps
// how many bytes a single Send call accepts, modeling a bounded transmit
// window. A txCap of zero or less means unbounded, so TxAvailable never
// reports zero.
type memSocket struct {
	peer   *memSocket
	rxBuf  []byte
	txCap  int
	closed bool

	onReadable func()
	onWritable func()
}

// newMemSocketPair builds two ends of an in-process socket, each other's
// peer.
func newMemSocketPair() (a, b *memSocket) {
	a = &memSocket{}
	b = &memSocket{}
	a.peer = b
	b.peer = a
	return a, b
}

func (s *memSocket) RxAvailable() int { return len(s.rxBuf) }

func (s *memSocket) TxAvailable() int {
	if s.txCap <= 0 {
		return math.MaxInt32
	}
	return s.txCap
}

// SetTxCap bounds how many bytes this end accepts per Send call. A value
// <= 0 means unbounded.
func (s *memSocket) SetTxCap(n int) { s.txCap = n }

func (s *memSocket) Recv(max int) []byte {
	if s.closed || max <= 0 {
		return nil
	}
	n := max
	if n > len(s.rxBuf) {
		n = len(s.rxBuf)
	}
	out := append([]byte(nil), s.rxBuf[:n]...)
	s.rxBuf = s.rxBuf[n:]
	return out
}

func (s *memSocket) Send(buf []byte) int {
	if s.closed || s.peer == nil {
		return 0
	}
	n := len(buf)
	if s.txCap > 0 && n > s.txCap {
		n = s.txCap
	}
	s.peer.rxBuf = append(s.peer.rxBuf, buf[:n]...)
	return n
}

func (s *memSocket) Close() error {
	s.closed = true
	return nil
}

func (s *memSocket) OnReadable(fn func()) { s.onReadable = fn }
func (s *memSocket) OnWritable(fn func()) { s.onWritable = fn }

// notifyReadable and notifyWritable let a test or demo driver simulate the
// host noticing readiness, without Send/Recv ever invoking a callback
// synchronously — callbacks only ever fire from an explicit notify, never
// reentrantly from inside another socket operation.
func (s *memSocket) notifyReadable() {
	if s.onReadable != nil {
		s.onReadable()
	}
}

func (s *memSocket) notifyWritable() {
	if s.onWritable != nil {
		s.onWritable()
	}
}
