package relay

// circuit.go implements Circuit: the two FIFO cell queues, the two
// flow-control windows, the two active-circuit ring pointers, and the
// per-direction byte counters.
//
// The split SENDME handling (decrement package_window at push/enqueue
// time, decrement and top up deliver_window at pop/dequeue time) is the load-bearing
// detail here: pushing accounts for what was just packaged off an edge,
// while popping accounts for what was actually drained, which is what lets
// a SENDME get generated from real delivery progress rather than queue
// depth.

import "fmt"

// CellDirection names which of a circuit's two connections a cell is
// travelling toward. Inbound is toward p_conn (the previous hop, back
// toward the client); Outbound is toward n_conn (the next hop, toward the
// destination).
type CellDirection int

const (
	Inbound CellDirection = iota
	Outbound
)

func (d CellDirection) opposite() CellDirection {
	if d == Outbound {
		return Inbound
	}
	return Outbound
}

// cellQueue is a simple FIFO of opaque cell byte slices. Enqueuing is only
// ever done by the relay; dequeuing only by the owning connection's write
// path.
type cellQueue struct {
	cells [][]byte
}

func (q *cellQueue) push(cell []byte) {
	q.cells = append(q.cells, cell)
}

func (q *cellQueue) pop() []byte {
	if len(q.cells) == 0 {
		return nil
	}
	cell := q.cells[0]
	q.cells = q.cells[1:]
	return cell
}

func (q *cellQueue) size() int {
	return len(q.cells)
}

// Circuit is a logical path pinned between two connections on this relay,
// identified by a process-unique 16-bit id.
type Circuit struct {
	id uint16

	pConn *Connection
	nConn *Connection

	pCellQ cellQueue
	nCellQ cellQueue

	// ring links: this circuit's successor in the active-circuit ring on
	// each of its two connections.
	nextOnPConn *Circuit
	nextOnNConn *Circuit

	packageWindow window
	deliverWindow window

	statsPBytesRead    uint64
	statsPBytesWritten uint64
	statsNBytesRead    uint64
	statsNBytesWritten uint64

	relay *Relay
}

// newCircuit constructs a Circuit already pinned to its two connections.
// p_conn/n_conn are immutable after construction.
func newCircuit(id uint16, pConn, nConn *Connection, relay *Relay) *Circuit {
	return &Circuit{
		id:            id,
		pConn:         pConn,
		nConn:         nConn,
		packageWindow: newWindow(CircWindowStart),
		deliverWindow: newWindow(CircWindowStart),
		relay:         relay,
	}
}

// trace returns the owning relay's trace manager, or nil if the circuit
// was built without one (e.g. in isolated unit tests).
func (c *Circuit) trace() *TraceManager {
	if c.relay == nil {
		return nil
	}
	return c.relay.trace
}

// now returns the owning relay's current simulated time in seconds, or 0
// if the circuit was built without a relay.
func (c *Circuit) now() float64 {
	if c.relay == nil || c.relay.evtMgr == nil {
		return 0
	}
	return c.relay.evtMgr.CurrentSeconds()
}

// ID returns the circuit's process-unique id.
func (c *Circuit) ID() uint16 { return c.id }

// connFor returns the connection a cell in direction dir is travelling
// toward.
func (c *Circuit) connFor(dir CellDirection) *Connection {
	if dir == Outbound {
		return c.nConn
	}
	return c.pConn
}

// oppositeConnFor returns the connection on the other side of the circuit
// from dir — the side a cell travelling in dir originated from.
func (c *Circuit) oppositeConnFor(dir CellDirection) *Connection {
	return c.connFor(dir.opposite())
}

// directionOf reports which queue conn feeds, for a connection known to be
// one of this circuit's two endpoints.
func (c *Circuit) directionOf(conn *Connection) CellDirection {
	if c.nConn == conn {
		return Outbound
	}
	return Inbound
}

func (c *Circuit) queueFor(dir CellDirection) *cellQueue {
	if dir == Outbound {
		return &c.nCellQ
	}
	return &c.pCellQ
}

// QueueSize returns the number of cells currently queued toward dir.
func (c *Circuit) QueueSize(dir CellDirection) int {
	return c.queueFor(dir).size()
}

// PackageWindow and DeliverWindow expose the current window credit, for
// inspection and tests.
func (c *Circuit) PackageWindow() int { return c.packageWindow.get() }
func (c *Circuit) DeliverWindow() int { return c.deliverWindow.get() }

// StatsBytesRead and StatsBytesWritten return this circuit's lifetime (or
// since-last-reset) byte counters for dir.
func (c *Circuit) StatsBytesRead(dir CellDirection) uint64 {
	if dir == Outbound {
		return c.statsNBytesRead
	}
	return c.statsPBytesRead
}

func (c *Circuit) StatsBytesWritten(dir CellDirection) uint64 {
	if dir == Outbound {
		return c.statsNBytesWritten
	}
	return c.statsPBytesWritten
}

// ResetStats zeroes all four byte counters, for windowed throughput
// sampling over a long-running simulation, supplemented from tor.cc's
// ResetStatsBytes.
func (c *Circuit) ResetStats() {
	c.statsPBytesRead = 0
	c.statsPBytesWritten = 0
	c.statsNBytesRead = 0
	c.statsNBytesWritten = 0
}

func (c *Circuit) incStats(dir CellDirection, read, written uint64) {
	if dir == Outbound {
		c.statsNBytesRead += read
		c.statsNBytesWritten += written
		return
	}
	c.statsPBytesRead += read
	c.statsPBytesWritten += written
}

// isSendme reports whether cell (an undecoded OR-connection cell) carries
// the RELAY_SENDME command.
func isSendme(cell []byte) bool {
	if len(cell) == 0 {
		return false
	}
	h, err := peekCellHeader(cell)
	if err != nil {
		return false
	}
	return h.IsSendme()
}

// pushCell enqueues cell into the queue for dir, applying the
// package-window accounting and SENDME absorption described above.
func (c *Circuit) pushCell(cell []byte, dir CellDirection) {
	if cell == nil {
		return
	}

	conn := c.connFor(dir)
	oppConn := c.oppositeConnFor(dir)

	if oppConn.isEdge() {
		// This cell was just packaged from an edge read: consume one unit
		// of package_window. When it hits zero the edge must stop reading
		// until a SENDME arrives to replenish it.
		if c.packageWindow.dec(1) <= 0 {
			oppConn.setBlocked(true)
		}
	}

	if conn.isEdge() {
		// We're about to deliver to an edge. A SENDME is consumed here and
		// never queued; anything else has its header stripped before
		// queuing bare payload onto the edge connection.
		if isSendme(cell) {
			c.packageWindow.inc(CircWindowIncrement)
			if conn.isBlocked() {
				conn.setBlocked(false)
				conn.scheduleRead(0)
			}
			return
		}
		_, payload, err := removeCellHeader(cell)
		if err != nil {
			panic(fmt.Errorf("circuit %d: %w", c.id, err))
		}
		cell = payload
	}

	c.incStats(dir, CellPayloadSize, 0)
	c.queueFor(dir).push(cell)

	if tr := c.trace(); tr != nil {
		tr.AddCellTrace(c.now(), c.id, dir, "push", len(cell))
	}
}

// popCell dequeues one cell from the queue for dir, applying the
// deliver-window / SENDME back-pressure logic on the way out.
func (c *Circuit) popCell(dir CellDirection) []byte {
	cell := c.queueFor(dir).pop()
	if cell == nil {
		return nil
	}

	if !isSendme(cell) {
		c.incStats(dir, 0, CellPayloadSize)
	}

	// Deliver-window accounting happens here (at pop/dequeue time, driven
	// by actual drain rate) rather than at push time, because otherwise a
	// short circuit could carry more than a window-ful of cells in flight.
	if c.connFor(dir).isEdge() {
		c.deliverWindow.dec(1)
		if c.deliverWindow.atOrBelow(circWindowSendmeThreshold) {
			c.deliverWindow.inc(CircWindowIncrement)
			sendme := newSendmeCell(c.id)
			oppDir := dir.opposite()
			c.queueFor(oppDir).push(sendme)
			oppConn := c.oppositeConnFor(dir)
			oppConn.linkCircuit(c)
			oppConn.scheduleWrite(0)
			if tr := c.trace(); tr != nil {
				tr.AddCellTrace(c.now(), c.id, oppDir, "sendme", 0)
			}
		}
	}

	if tr := c.trace(); tr != nil {
		tr.AddCellTrace(c.now(), c.id, dir, "pop", len(cell))
	}
	return cell
}

// sendCell pops one cell from the queue for dir and hands it directly to
// the destination connection's socket. Returns 0 (without popping) if the
// queue is empty, the connection is blocked, or the socket cannot currently
// accept a full cell.
func (c *Circuit) sendCell(dir CellDirection) int {
	if c.queueFor(dir).size() == 0 {
		return 0
	}
	conn := c.connFor(dir)
	if conn.isBlocked() || conn.socket == nil || conn.socket.TxAvailable() < CellNetworkSize {
		return 0
	}
	cell := c.popCell(dir)
	if cell == nil {
		return 0
	}
	return conn.socket.Send(cell)
}

// nextCircOn returns this circuit's successor in the active-circuit ring
// belonging to conn.
func (c *Circuit) nextCircOn(conn *Connection) *Circuit {
	if conn == c.nConn {
		return c.nextOnNConn
	}
	return c.nextOnPConn
}

// setNextCircOn sets this circuit's successor in the active-circuit ring
// belonging to conn.
func (c *Circuit) setNextCircOn(conn *Connection, next *Circuit) {
	if conn == c.nConn {
		c.nextOnNConn = next
	} else {
		c.nextOnPConn = next
	}
}

// Dispose empties both cell queues and unlinks this circuit from both its
// connections' active-circuit rings, supplemented from tor.cc's DoDispose.
// Go's GC reclaims the memory regardless, but the ring must be unlinked so
// a live connection never walks into a torn-down circuit.
func (c *Circuit) Dispose() {
	c.pCellQ = cellQueue{}
	c.nCellQ = cellQueue{}
	if c.pConn != nil {
		c.pConn.unlinkCircuit(c)
	}
	if c.nConn != nil {
		c.nConn.unlinkCircuit(c)
	}
	c.nextOnPConn = nil
	c.nextOnNConn = nil
}
