package relay

// relay.go implements the Relay scheduler: the set of connections and
// circuits, the read/write callbacks, the packaging/relaying logic, and
// the two global token buckets. This is the heart of the data plane: every
// byte a relay moves passes through the callbacks defined here.
//
// The overall shape — a struct owning named collections plus a start/stop
// lifecycle and a family of small callback functions dispatched from the
// host's event manager — follows mrnes.go's BuildExperimentNet/TorApp-style
// organization; the read/write callback pair specifically follows tor.cc's
// TorApp::ConnReadCallback / ConnWriteCallback.

import (
	"fmt"
	"strings"

	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
	"golang.org/x/exp/slices"
)

// pseudoSocketEdgeKinds are the edge roles bring-up instantiates a pseudo
// socket for, as opposed to dialing or listening for a real one.
var pseudoSocketEdgeKinds = []EdgeKind{ProxyEdge, ServerEdge}

// EdgeKind names the role a circuit's connection plays, as declared on
// AddCircuit. RelayEdge is an ordinary OR connection to another relay;
// ProxyEdge is the client-facing edge at a proxy/entry relay; ServerEdge
// is the destination-facing edge at an exit relay.
type EdgeKind int

const (
	RelayEdge EdgeKind = iota
	ProxyEdge
	ServerEdge
)

func (k EdgeKind) connType() ConnType {
	if k == RelayEdge {
		return ORConn
	}
	return EdgeConn
}

// Dialer lets the host hand the relay an outbound socket to a remote
// address. Real dialing (DNS, TCP handshake, TLS) is out of scope here;
// the relay only needs to know whether to dial at all, per the
// lexicographic tie-break in Start.
type Dialer interface {
	Dial(remote string) (Socket, error)
}

// Listener lets the host hand the relay inbound sockets as they arrive.
type Listener interface {
	Listen(local string) error
	SetAcceptHandler(fn func(remote string, sock Socket))
	Close() error
}

// ConfigError reports a fatal configuration problem: a duplicate circuit
// id, an unmatched accept, or an invalid connection type. These abort the
// run rather than return to a caller expected to retry.
type ConfigError struct{ msg string }

func (e *ConfigError) Error() string { return "config error: " + e.msg }

// ProtocolError reports a fatal protocol violation: a malformed cell, or a
// cell whose circuit id isn't known to this relay.
type ProtocolError struct{ msg string }

func (e *ProtocolError) Error() string { return "protocol error: " + e.msg }

// Relay owns the set of connections and circuits for one relay node, and
// implements the read/write callbacks that multiplex cells across them.
type Relay struct {
	Name string

	evtMgr *evtm.EventManager
	trace  *TraceManager

	localAddr string

	circuits map[uint16]*Circuit
	// connections, deduplicated by remote address.
	connections map[string]*Connection
	// reverse index for the host handing back a bare socket handle.
	connsBySocket map[Socket]*Connection

	readBucket  *TokenBucket
	writeBucket *TokenBucket

	listener Listener
	dialer   Dialer

	stopped bool
}

// NewRelay constructs a Relay with unlimited token buckets (set
// SetBandwidthRate/SetBandwidthBurst before Start to bound them).
func NewRelay(name, localAddr string, trace *TraceManager) *Relay {
	return &Relay{
		Name:          name,
		localAddr:     localAddr,
		trace:         trace,
		circuits:      make(map[uint16]*Circuit),
		connections:   make(map[string]*Connection),
		connsBySocket: make(map[Socket]*Connection),
		readBucket:    NewTokenBucket(1 << 40),
		writeBucket:   NewTokenBucket(1 << 40),
	}
}

// SetBandwidthRate configures the refill rate, in bytes/second, of the
// read and write token buckets.
func (r *Relay) SetBandwidthRate(readBytesPerSec, writeBytesPerSec float64) {
	r.readBucket.SetRate(readBytesPerSec)
	r.writeBucket.SetRate(writeBytesPerSec)
}

// SetBandwidthBurst configures the burst ceiling of the read and write
// token buckets.
func (r *Relay) SetBandwidthBurst(readBurst, writeBurst int64) {
	r.readBucket.SetBurst(readBurst)
	r.writeBucket.SetBurst(writeBurst)
}

// GetCircuit looks up a circuit by id.
func (r *Relay) GetCircuit(id uint16) (*Circuit, bool) {
	c, ok := r.circuits[id]
	return c, ok
}

// registerSocket records that sock belongs to conn, so ConnReadCallback/
// ConnWriteCallback can look conn up from a bare socket handle.
func (r *Relay) registerSocket(sock Socket, conn *Connection) {
	r.connsBySocket[sock] = conn
}

// GetConnections returns every connection this relay knows about, in no
// particular order.
func (r *Relay) GetConnections() []*Connection {
	out := make([]*Connection, 0, len(r.connections))
	for _, c := range r.connections {
		out = append(out, c)
	}
	return out
}

// addConnection returns the Connection for remote, creating and
// registering it (deduplicated by remote address) if this is the first
// reference to it.
func (r *Relay) addConnection(remote string, kind EdgeKind) *Connection {
	if conn, present := r.connections[remote]; present {
		return conn
	}
	conn := newConnection(r, remote, kind.connType())
	conn.edgeKind = kind
	r.connections[remote] = conn
	return conn
}

// AddCircuit registers a middle/exit circuit: both its previous and next
// hops are other relays or edges with no traffic generator attached.
// Panics (ConfigError) if id is already in use.
func (r *Relay) AddCircuit(id uint16, nextIP string, nextKind EdgeKind, prevIP string, prevKind EdgeKind) *Circuit {
	return r.addCircuit(id, nextIP, nextKind, prevIP, prevKind, nil, nil)
}

// AddCircuitEdge registers a circuit whose proxy or exit-to-server edge is
// driven by a pseudo traffic generator seeded with requestStream (request
// size) and thinkStream (think time between requests).
func (r *Relay) AddCircuitEdge(id uint16, nextIP string, nextKind EdgeKind, prevIP string, prevKind EdgeKind,
	requestStream, thinkStream *rngstream.RngStream) *Circuit {
	return r.addCircuit(id, nextIP, nextKind, prevIP, prevKind, requestStream, thinkStream)
}

func (r *Relay) addCircuit(id uint16, nextIP string, nextKind EdgeKind, prevIP string, prevKind EdgeKind,
	requestStream, thinkStream *rngstream.RngStream) *Circuit {
	if _, present := r.circuits[id]; present {
		panic(&ConfigError{msg: fmt.Sprintf("duplicate circuit id %d", id)})
	}

	nConn := r.addConnection(nextIP, nextKind)
	pConn := r.addConnection(prevIP, prevKind)

	circ := newCircuit(id, pConn, nConn, r)
	r.circuits[id] = circ

	if pConn.isEdge() {
		pConn.circuit = circ
		if requestStream != nil || thinkStream != nil {
			pConn.SetRandomVariableStreams(requestStream, thinkStream)
		}
	}
	if nConn.isEdge() {
		nConn.circuit = circ
		if requestStream != nil || thinkStream != nil {
			nConn.SetRandomVariableStreams(requestStream, thinkStream)
		}
	}

	return circ
}

// is127 reports whether remote is in the 127.0.0.0/8 loopback range used
// for pseudo client/server edges in this simulation.
func is127(remote string) bool {
	return strings.HasPrefix(remote, "127.")
}

// Start brings the relay up: binds the listener (if any), dials outbound
// OR connections to peers whose address sorts lexicographically after our
// own, instantiates pseudo sockets for loopback edge connections, and
// starts the token-bucket refill loop.
func (r *Relay) Start(evtMgr *evtm.EventManager, listener Listener, dialer Dialer) error {
	r.evtMgr = evtMgr
	r.listener = listener
	r.dialer = dialer
	r.stopped = false

	if listener != nil {
		if err := listener.Listen(r.localAddr); err != nil {
			return err
		}
		listener.SetAcceptHandler(func(remote string, sock Socket) {
			r.HandleAccept(remote, sock)
		})
	}

	for remote, conn := range r.connections {
		if conn.isEdge() {
			if is127(remote) && slices.Contains(pseudoSocketEdgeKinds, conn.edgeKind) {
				r.bringUpEdge(conn)
			}
			continue
		}
		if conn.socket == nil && dialer != nil && remote > r.localAddr {
			sock, err := dialer.Dial(remote)
			if err != nil {
				panic(&ConfigError{msg: fmt.Sprintf("dial %s: %v", remote, err)})
			}
			conn.SetSocket(sock)
		}
	}

	r.startBucketRefill()
	return nil
}

// bringUpEdge instantiates the pseudo socket appropriate to conn's
// declared edge kind and, for a proxy edge, stages its first request at a
// random delay in [0.1s, 1.0s] to stagger startup.
func (r *Relay) bringUpEdge(conn *Connection) {
	switch conn.edgeKind {
	case ServerEdge:
		conn.SetSocket(newPseudoServerSocket(r.evtMgr, conn))
	case ProxyEdge:
		sock := newPseudoClientSocket(r.evtMgr, conn)
		sock.requestStream = conn.requestStream
		sock.thinkStream = conn.thinkStream
		conn.SetSocket(sock)
		delay := sampleRange(conn.thinkStream, minThinkSeconds, maxThinkSeconds)
		r.evtMgr.Schedule(sock, nil, pseudoClientFirstRequest, vrtime.SecondsToTime(delay))
	}
}

func pseudoClientFirstRequest(evtMgr *evtm.EventManager, context any, data any) any {
	sock := context.(*pseudoClientSocket)
	sock.startFirstRequest()
	return nil
}

// Stop tears the relay down: empties and unlinks every circuit, closes
// every connection's socket, and stops the bucket refill loop. Safe to
// call more than once.
func (r *Relay) Stop() {
	if r.stopped {
		return
	}
	r.stopped = true
	for _, circ := range r.circuits {
		circ.Dispose()
	}
	for _, conn := range r.connections {
		conn.Dispose()
	}
	if r.listener != nil {
		r.listener.Close()
	}
}

// HandleAccept matches an inbound socket to the pre-declared connection
// for remote and binds it. Unmatched peers are a fatal ConfigError: the
// topology is closed, so every peer that can connect was declared in
// advance.
func (r *Relay) HandleAccept(remote string, sock Socket) {
	conn, present := r.connections[remote]
	if !present || conn.socket != nil {
		panic(&ConfigError{msg: fmt.Sprintf("unmatched accept from %s", remote)})
	}
	conn.SetSocket(sock)
}

// ConnReadCallback is the entry point a host (or this package's own
// SetSocket wiring) calls when sock becomes readable.
func (r *Relay) ConnReadCallback(sock Socket) {
	conn, present := r.connsBySocket[sock]
	if !present {
		panic(&ConfigError{msg: "read callback on unregistered socket"})
	}
	r.connReadCallback(conn)
}

// ConnWriteCallback is the entry point a host calls when sock can accept
// more bytes.
func (r *Relay) ConnWriteCallback(sock Socket) {
	conn, present := r.connsBySocket[sock]
	if !present {
		panic(&ConfigError{msg: "write callback on unregistered socket"})
	}
	r.connWriteCallback(conn)
}

// connReadCallback is the per-connection read handler: it computes a
// round-robin byte budget for conn, clamps it to what's actually available
// and (for an edge connection with an attached circuit) to the remaining
// package window, reads that many bytes, and dispatches each whole cell to
// packaging or relaying depending on conn's kind.
func (r *Relay) connReadCallback(conn *Connection) {
	if conn.readingBlocked {
		return
	}

	maxRead := roundRobin(conn.base(), r.readBucket.Size())
	if rx := conn.socket.RxAvailable(); maxRead > rx {
		maxRead = rx
	}
	if maxRead <= 0 {
		return
	}

	if conn.isEdge() && conn.circuit != nil {
		if limit := conn.circuit.PackageWindow() * conn.base(); maxRead > limit {
			maxRead = limit
		}
	}
	if maxRead <= 0 {
		return
	}

	cells, nRaw := conn.Read(maxRead)
	for _, cell := range cells {
		if conn.isEdge() {
			r.packageCell(conn, cell)
		} else {
			r.relayCell(conn, cell)
		}
	}

	r.readBucket.Spend(nRaw)

	if nRaw > 0 {
		conn.scheduleRead(2e-9 * float64(nRaw))
	}
}

// connWriteCallback is the per-connection write handler: it computes a
// round-robin byte budget for conn, clamps it to what the socket can
// currently accept, and drains conn's active-circuit ring into it.
func (r *Relay) connWriteCallback(conn *Connection) {
	maxWrite := roundRobin(conn.base(), r.writeBucket.Size())
	if tx := conn.socket.TxAvailable(); maxWrite > tx {
		maxWrite = tx
	}

	n := conn.Write(maxWrite)
	r.writeBucket.Spend(n)

	if n > 0 {
		conn.scheduleWrite(0)
	}
}

// packageCell wraps a bare edge payload in a fresh RELAY_DATA header and
// enqueues it toward the circuit's other connection.
func (r *Relay) packageCell(conn *Connection, payload []byte) {
	circ := conn.circuit
	if circ == nil {
		panic(&ProtocolError{msg: fmt.Sprintf("package: %s has no attached circuit", conn.remote)})
	}
	dir := circ.directionOf(conn).opposite()
	cell := encodeCell(circ.id, CmdRelayData, 0, payload)
	circ.pushCell(cell, dir)

	dest := circ.connFor(dir)
	dest.linkCircuit(circ)
	dest.scheduleWrite(0)
}

// relayCell peeks the header of an already-framed OR cell to find its
// circuit, then enqueues it unchanged toward the opposite direction.
func (r *Relay) relayCell(conn *Connection, cell []byte) {
	h, err := peekCellHeader(cell)
	if err != nil {
		panic(err)
	}
	circ, present := r.circuits[h.CircID]
	if !present {
		panic(&ProtocolError{msg: fmt.Sprintf("unknown circuit id %d on %s", h.CircID, conn.remote)})
	}

	dir := circ.directionOf(conn).opposite()
	circ.pushCell(cell, dir)

	dest := circ.connFor(dir)
	dest.linkCircuit(circ)
	dest.scheduleWrite(0)
}

// wakeAllForRead schedules a read on every connection, 10ns after the read
// bucket transitions from non-positive to positive.
func (r *Relay) wakeAllForRead() {
	for _, conn := range r.connections {
		conn.scheduleRead(1e-8)
	}
}

// wakeAllForWrite schedules a write on every connection, 10ns after the
// write bucket makes the same transition.
func (r *Relay) wakeAllForWrite() {
	for _, conn := range r.connections {
		conn.scheduleWrite(1e-8)
	}
}
