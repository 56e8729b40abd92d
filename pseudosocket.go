package relay

// pseudosocket.go implements the two pseudo-sockets an edge connection
// with no real transport uses: a pseudo-client traffic generator standing
// in for a proxy-side client (produces request bytes on demand, driven by
// the circuit's request/think random streams), and a pseudo-server sink
// standing in for an exit-side destination (absorbs whatever the circuit
// delivers). Both satisfy the plain Socket interface from socket.go, so
// the relay's read/write callbacks never need to know they aren't talking
// to a real transport.
//
// The concrete request-size and think-time distributions aren't pinned
// down anywhere in the pack; both streams here are used as uniform
// generators, the simplest distribution a collaborator could plug in.

import (
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

const (
	minRequestBytes = 512
	maxRequestBytes = 16 * 1024
	minThinkSeconds = 0.1
	maxThinkSeconds = 1.0
)

func sampleRange(rng *rngstream.RngStream, lo, hi float64) float64 {
	if rng == nil {
		return lo
	}
	return lo + rng.RandU01()*(hi-lo)
}

// pseudoClientSocket generates request traffic for a proxy edge
// connection: it holds the unconsumed tail of the current request in
// pending, and RxAvailable/Recv let the owning Connection.Read pull from
// it exactly like a real socket's receive buffer.
type pseudoClientSocket struct {
	evtMgr  *evtm.EventManager
	conn    *Connection
	pending []byte

	requestStream *rngstream.RngStream
	thinkStream   *rngstream.RngStream

	requestsStarted int
	startTime       float64
	firstByteSent   bool
}

func newPseudoClientSocket(evtMgr *evtm.EventManager, conn *Connection) *pseudoClientSocket {
	return &pseudoClientSocket{evtMgr: evtMgr, conn: conn}
}

func (s *pseudoClientSocket) RxAvailable() int { return len(s.pending) }
func (s *pseudoClientSocket) TxAvailable() int { return CellPayloadSize * 64 }

func (s *pseudoClientSocket) Recv(max int) []byte {
	n := max
	if n > len(s.pending) {
		n = len(s.pending)
	}
	out := append([]byte(nil), s.pending[:n]...)
	s.pending = s.pending[n:]

	if s.conn.ttfbCallback != nil && n > 0 && !s.firstByteSent {
		s.firstByteSent = true
		s.conn.ttfbCallback(s.conn.ttfbStreamID, s.evtMgr.CurrentSeconds()-s.startTime, s.conn.ttfbDesc)
	}
	if len(s.pending) == 0 && n > 0 {
		if s.conn.ttlbCallback != nil {
			s.conn.ttlbCallback(s.conn.ttlbStreamID, s.evtMgr.CurrentSeconds()-s.startTime, s.conn.ttlbDesc)
		}
		s.scheduleNextRequest()
	}
	return out
}

// Send on a pseudo-client socket models the client discarding bytes
// delivered back from the circuit (e.g. a SENDME-triggered ack path); it
// always accepts the whole buffer.
func (s *pseudoClientSocket) Send(buf []byte) int { return len(buf) }
func (s *pseudoClientSocket) Close() error         { return nil }
func (s *pseudoClientSocket) OnReadable(fn func()) {}
func (s *pseudoClientSocket) OnWritable(fn func()) {}

// startFirstRequest arms the very first request immediately (the random
// stagger delay is applied by the relay's bring-up logic in relay.go
// before this is ever called).
func (s *pseudoClientSocket) startFirstRequest() {
	s.generateRequest()
}

func (s *pseudoClientSocket) generateRequest() {
	size := int(sampleRange(s.requestStream, minRequestBytes, maxRequestBytes))
	if size <= 0 {
		size = minRequestBytes
	}
	s.pending = make([]byte, size)
	s.requestsStarted++
	s.startTime = s.evtMgr.CurrentSeconds()
	s.firstByteSent = false
	s.conn.scheduleRead(0)
}

func (s *pseudoClientSocket) scheduleNextRequest() {
	think := sampleRange(s.thinkStream, minThinkSeconds, maxThinkSeconds)
	s.evtMgr.Schedule(s, nil, pseudoClientNextRequest, vrtime.SecondsToTime(think))
}

func pseudoClientNextRequest(evtMgr *evtm.EventManager, context any, data any) any {
	s := context.(*pseudoClientSocket)
	s.generateRequest()
	return nil
}

// pseudoServerSocket models an exit connection's destination: it absorbs
// whatever the circuit delivers and never originates traffic of its own,
// tracking TTFB/TTLB on the receiving side.
type pseudoServerSocket struct {
	evtMgr    *evtm.EventManager
	conn      *Connection
	startTime float64
	gotFirst  bool
	totalRecv uint64
}

func newPseudoServerSocket(evtMgr *evtm.EventManager, conn *Connection) *pseudoServerSocket {
	return &pseudoServerSocket{evtMgr: evtMgr, conn: conn, startTime: evtMgr.CurrentSeconds()}
}

func (s *pseudoServerSocket) RxAvailable() int { return 0 }
func (s *pseudoServerSocket) TxAvailable() int { return CellPayloadSize * 64 }
func (s *pseudoServerSocket) Recv(max int) []byte { return nil }

func (s *pseudoServerSocket) Send(buf []byte) int {
	s.totalRecv += uint64(len(buf))
	if !s.gotFirst && len(buf) > 0 {
		s.gotFirst = true
		if s.conn.ttfbCallback != nil {
			s.conn.ttfbCallback(s.conn.ttfbStreamID, s.evtMgr.CurrentSeconds()-s.startTime, s.conn.ttfbDesc)
		}
	}
	if s.conn.ttlbCallback != nil && len(buf) > 0 {
		s.conn.ttlbCallback(s.conn.ttlbStreamID, s.evtMgr.CurrentSeconds()-s.startTime, s.conn.ttlbDesc)
	}
	return len(buf)
}

func (s *pseudoServerSocket) Close() error         { return nil }
func (s *pseudoServerSocket) OnReadable(fn func()) {}
func (s *pseudoServerSocket) OnWritable(fn func()) {}

// TotalReceived reports how many bytes this sink has absorbed, for tests
// and statistics reporting.
func (s *pseudoServerSocket) TotalReceived() uint64 { return s.totalRecv }
