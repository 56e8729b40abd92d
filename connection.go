package relay

// connection.go implements Connection: the owner of one transport socket
// to a neighboring relay or edge endpoint, its leftover read/write byte
// buffers, its blocked flag, and the head of its active-circuit ring.
//
// Scheduling a read or a write on a Connection arms a one-shot timer via
// the host's event manager; the coalescing discipline (never arm a second
// timer while one is already pending) is implemented with a pair of plain
// booleans rather than inspecting an opaque event handle, since the event
// library used here never hands scheduling code anything to inspect (see
// DESIGN.md).

import (
	"github.com/iti/evt/evtm"
	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
)

// ConnType distinguishes an OR connection (relay-to-relay, framed cells)
// from an edge connection (relay-to-client/destination, bare payloads).
type ConnType int

const (
	ORConn   ConnType = 0
	EdgeConn ConnType = 1
)

// TTFBCallback and TTLBCallback instrument an edge connection's
// time-to-first-byte and time-to-last-byte, supplemented from the
// original source's Connection::SetTtfbCallback/SetTtlbCallback.
type TTFBCallback func(streamID int, elapsed float64, desc string)
type TTLBCallback func(streamID int, elapsed float64, desc string)

// Connection owns one transport socket to a neighboring relay or edge
// endpoint.
type Connection struct {
	relay  *Relay
	remote string
	typ    ConnType

	// edgeKind is only meaningful when typ == EdgeConn: it says whether
	// this edge is the proxy side (client traffic generator) or the
	// server side (sink), so relay bring-up knows which pseudo socket to
	// instantiate.
	edgeKind EdgeKind

	// circuit is the single circuit an edge connection exists for. nil on
	// an OR connection, which may be shared by many circuits.
	circuit *Circuit

	socket Socket

	inbuf  leftoverBuf
	outbuf leftoverBuf

	readingBlocked bool

	// head of the circular singly-linked ring of circuits with cells
	// queued toward this connection.
	activeCircuits *Circuit

	readScheduled  bool
	writeScheduled bool

	// edge pseudo-client only: random streams driving request size and
	// think time between requests.
	requestStream *rngstream.RngStream
	thinkStream   *rngstream.RngStream

	ttfbCallback TTFBCallback
	ttlbCallback TTLBCallback
	ttfbStreamID int
	ttlbStreamID int
	ttfbDesc     string
	ttlbDesc     string
}

func newConnection(relay *Relay, remote string, typ ConnType) *Connection {
	return &Connection{relay: relay, remote: remote, typ: typ}
}

// Remote returns the connection's neighbor address.
func (c *Connection) Remote() string { return c.remote }

// Type returns whether this is an OR or edge connection.
func (c *Connection) Type() ConnType { return c.typ }

func (c *Connection) isEdge() bool { return c.typ == EdgeConn }

// base returns the cell unit size for this connection: 512 on an OR
// connection (header + payload), 498 on an edge connection (bare payload).
func (c *Connection) base() int {
	if c.isEdge() {
		return CellPayloadSize
	}
	return CellNetworkSize
}

// Socket returns the connection's transport socket, or nil if none has
// been bound yet.
func (c *Connection) Socket() Socket { return c.socket }

// SetSocket binds sock to this connection and installs the read/write
// readiness hooks that route back into the relay's callbacks.
func (c *Connection) SetSocket(sock Socket) {
	c.socket = sock
	if c.relay != nil {
		c.relay.registerSocket(sock, c)
	}
	sock.OnReadable(func() { c.relay.ConnReadCallback(sock) })
	sock.OnWritable(func() { c.relay.ConnWriteCallback(sock) })
}

// IsBlocked reports whether reads are currently suppressed on this
// connection.
func (c *Connection) IsBlocked() bool { return c.readingBlocked }
func (c *Connection) isBlocked() bool { return c.readingBlocked }

// SetBlocked toggles the reading_blocked flag. A blocked connection never
// reads, regardless of token bucket state.
func (c *Connection) SetBlocked(b bool) { c.readingBlocked = b }
func (c *Connection) setBlocked(b bool) { c.readingBlocked = b }

// InbufSize and OutbufSize expose the leftover buffer sizes. The inbuf is
// always strictly less than base(); the outbuf is too whenever the socket
// accepts every byte Write offers it.
func (c *Connection) InbufSize() int  { return c.inbuf.size() }
func (c *Connection) OutbufSize() int { return c.outbuf.size() }

// scheduleRead arms a one-shot read-readiness timer delay seconds from
// now, coalescing with any already-pending read event.
func (c *Connection) scheduleRead(delay float64) {
	if c.readScheduled || c.relay == nil || c.relay.evtMgr == nil {
		return
	}
	c.readScheduled = true
	c.relay.evtMgr.Schedule(c, nil, connReadTimerEvent, vrtime.SecondsToTime(delay))
}

// ScheduleRead is the exported form, for external collaborators driving a
// connection directly (e.g. tests, pseudo-socket traffic generators).
func (c *Connection) ScheduleRead(delay float64) { c.scheduleRead(delay) }

// scheduleWrite arms a one-shot write-readiness timer delay seconds from
// now, coalescing with any already-pending write event.
func (c *Connection) scheduleWrite(delay float64) {
	if c.writeScheduled || c.relay == nil || c.relay.evtMgr == nil {
		return
	}
	c.writeScheduled = true
	c.relay.evtMgr.Schedule(c, nil, connWriteTimerEvent, vrtime.SecondsToTime(delay))
}

// ScheduleWrite is the exported form of scheduleWrite.
func (c *Connection) ScheduleWrite(delay float64) { c.scheduleWrite(delay) }

func connReadTimerEvent(evtMgr *evtm.EventManager, context any, data any) any {
	conn := context.(*Connection)
	conn.readScheduled = false
	conn.relay.connReadCallback(conn)
	return nil
}

func connWriteTimerEvent(evtMgr *evtm.EventManager, context any, data any) any {
	conn := context.(*Connection)
	conn.writeScheduled = false
	conn.relay.connWriteCallback(conn)
	return nil
}

// Read copies any carried-over bytes from inbuf, reads up to maxRead
// additional bytes from the socket, and slices the combined stream into
// as many whole cells as possible. The trailing partial cell (always
// strictly shorter than base()) is stashed back into inbuf. Returns the
// cell list and the raw byte count actually read from the socket (used by
// the relay to decrement the read bucket).
func (c *Connection) Read(maxRead int) ([][]byte, int) {
	if maxRead <= 0 || c.socket == nil {
		return nil, 0
	}
	raw := c.socket.Recv(maxRead)
	combined := c.inbuf.fill(raw)

	base := c.base()
	n := len(combined) / base
	cells := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		cells = append(cells, combined[i*base:(i+1)*base])
	}
	c.inbuf.set(combined[n*base:])

	return cells, len(raw)
}

// Write fills a staging buffer by polling the active-circuit ring
// round-robin — one cell per circuit per lap, advancing the ring head
// each lap so consecutive Write calls keep rotating fairly — until either
// a full lap produces no cells or the buffer, counting the tail already
// carried in outbuf, reaches maxWrite bytes. It
// then sends as much as the socket will accept in one call, atomically,
// and stashes any unsent tail in outbuf. Returns the number of bytes
// actually sent.
func (c *Connection) Write(maxWrite int) int {
	if c.socket == nil {
		return 0
	}

	var buf []byte
	if c.activeCircuits != nil {
		start := c.activeCircuits
		cur := start
		producedAny := false
		for c.outbuf.size()+len(buf) < maxWrite {
			dir := cur.directionOf(c)
			if cell := cur.popCell(dir); cell != nil {
				buf = append(buf, cell...)
				producedAny = true
			}
			cur = cur.nextCircOn(c)
			if cur == start {
				if !producedAny {
					break
				}
				producedAny = false
			}
		}
		c.activeCircuits = cur
	}

	combined := c.outbuf.fill(buf)
	if len(combined) == 0 {
		return 0
	}
	n := len(combined)
	if n > maxWrite {
		n = maxWrite
	}
	if n <= 0 {
		c.outbuf.set(combined)
		return 0
	}
	sent := c.socket.Send(combined[:n])
	c.outbuf.set(combined[sent:])
	return sent
}

// linkCircuit inserts circ into this connection's active-circuit ring if
// it isn't already linked there. Once a circuit has ever had a cell
// queued toward a connection it stays linked into that connection's ring
// for the circuit's lifetime.
func (c *Connection) linkCircuit(circ *Circuit) {
	if c.activeCircuits == nil {
		c.activeCircuits = circ
		circ.setNextCircOn(c, circ)
		return
	}
	if circ.nextCircOn(c) != nil {
		return // already linked
	}
	head := c.activeCircuits
	circ.setNextCircOn(c, head.nextCircOn(c))
	head.setNextCircOn(c, circ)
}

// unlinkCircuit removes circ from this connection's active-circuit ring,
// used only during Circuit.Dispose teardown.
func (c *Connection) unlinkCircuit(circ *Circuit) {
	if c.activeCircuits == nil {
		return
	}
	if c.activeCircuits == circ && circ.nextCircOn(c) == circ {
		c.activeCircuits = nil
		return
	}
	cur := c.activeCircuits
	for {
		next := cur.nextCircOn(c)
		if next == circ {
			cur.setNextCircOn(c, circ.nextCircOn(c))
			if c.activeCircuits == circ {
				c.activeCircuits = cur.nextCircOn(c)
			}
			return
		}
		cur = next
		if cur == c.activeCircuits {
			return
		}
	}
}

// SetRandomVariableStreams installs the request-size and think-time
// streams used by an edge pseudo-client connection's traffic generator.
func (c *Connection) SetRandomVariableStreams(request, think *rngstream.RngStream) {
	c.requestStream = request
	c.thinkStream = think
}

// SetTTFBCallback and SetTTLBCallback install the optional
// time-to-first-byte / time-to-last-byte instrumentation hooks used by an
// edge pseudo-client's traffic generator.
func (c *Connection) SetTTFBCallback(cb TTFBCallback, streamID int, desc string) {
	c.ttfbCallback = cb
	c.ttfbStreamID = streamID
	c.ttfbDesc = desc
}

func (c *Connection) SetTTLBCallback(cb TTLBCallback, streamID int, desc string) {
	c.ttlbCallback = cb
	c.ttlbStreamID = streamID
	c.ttlbDesc = desc
}

// Dispose closes the connection's socket and clears its ring head. Circuit
// teardown (Circuit.Dispose) is responsible for unlinking individual
// circuits beforehand; this is the connection-level half of shutdown.
func (c *Connection) Dispose() {
	if c.socket != nil {
		c.socket.Close()
	}
	c.activeCircuits = nil
}
