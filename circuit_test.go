package relay

import "testing"

func testPayload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i)
	}
	return p
}

func TestPushCellPackagingDecrementsPackageWindow(t *testing.T) {
	pConn := newConnection(nil, "127.0.0.1", EdgeConn)
	nConn := newConnection(nil, "10.0.0.2", ORConn)
	c := newCircuit(1, pConn, nConn, nil)

	cell := encodeCell(1, CmdRelayData, 0, testPayload(CellPayloadSize))
	c.pushCell(cell, Outbound)

	if got, want := c.PackageWindow(), CircWindowStart-1; got != want {
		t.Fatalf("package window = %d, want %d", got, want)
	}
	if got := c.QueueSize(Outbound); got != 1 {
		t.Fatalf("queue size = %d, want 1", got)
	}
}

func TestPushCellToEdgeStripsHeader(t *testing.T) {
	pConn := newConnection(nil, "127.0.0.1", EdgeConn)
	nConn := newConnection(nil, "10.0.0.2", ORConn)
	c := newCircuit(1, pConn, nConn, nil)

	payload := testPayload(CellPayloadSize)
	cell := encodeCell(1, CmdRelayData, 0, payload)
	c.pushCell(cell, Inbound)

	popped := c.popCell(Inbound)
	if len(popped) != CellPayloadSize {
		t.Fatalf("popped length = %d, want %d (header should have been stripped)", len(popped), CellPayloadSize)
	}
	for i := range payload {
		if popped[i] != payload[i] {
			t.Fatalf("payload byte %d corrupted", i)
		}
	}
}

// TestSendmeHysteresis verifies that pushing and popping CIRCWINDOW_INCREMENT
// cells toward an edge connection produces exactly one SENDME queued back
// the other way, and resets deliver_window to its cap.
func TestSendmeHysteresis(t *testing.T) {
	pConn := newConnection(nil, "127.0.0.1", EdgeConn)
	nConn := newConnection(nil, "10.0.0.2", ORConn)
	c := newCircuit(1, pConn, nConn, nil)

	for i := 0; i < CircWindowIncrement; i++ {
		cell := encodeCell(1, CmdRelayData, 0, testPayload(CellPayloadSize))
		c.pushCell(cell, Inbound)
	}

	for i := 0; i < CircWindowIncrement; i++ {
		if cell := c.popCell(Inbound); cell == nil {
			t.Fatalf("pop %d: expected a cell", i)
		}
	}

	if got, want := c.DeliverWindow(), CircWindowStart; got != want {
		t.Fatalf("deliver window = %d, want %d after sendme replenish", got, want)
	}
	if got := c.QueueSize(Outbound); got != 1 {
		t.Fatalf("outbound (sendme) queue size = %d, want exactly 1", got)
	}

	sendme := c.popCell(Outbound)
	h, err := peekCellHeader(sendme)
	if err != nil {
		t.Fatalf("peekCellHeader on sendme: %v", err)
	}
	if !h.IsSendme() {
		t.Fatal("expected the queued cell to be a SENDME")
	}
}

// TestSendmeReplenishmentLinksDestinationConnection verifies that a SENDME
// produced by deliver-window replenishment is actually drainable: popCell
// must link the opposite connection's active-circuit ring itself, since no
// other code path ever links a circuit for reverse (server-to-client)
// traffic on an OR connection whose circuit only ever carries forward
// (client-to-server) data.
func TestSendmeReplenishmentLinksDestinationConnection(t *testing.T) {
	pConn := newConnection(nil, "10.0.0.2", ORConn)
	nConn := newConnection(nil, "127.0.0.9", EdgeConn)
	sock, drain := newMemSocketPair()
	pConn.socket = sock
	c := newCircuit(1, pConn, nConn, nil)

	for i := 0; i < CircWindowIncrement; i++ {
		cell := encodeCell(1, CmdRelayData, 0, testPayload(CellPayloadSize))
		c.pushCell(cell, Outbound)
		c.popCell(Outbound)
	}

	if got := c.QueueSize(Inbound); got != 1 {
		t.Fatalf("inbound (sendme) queue size = %d, want exactly 1", got)
	}

	n := pConn.Write(1 << 20)
	if n != CellHeaderSize+CellPayloadSize {
		t.Fatalf("Write sent %d bytes, want a full sendme cell (%d)", n, CellHeaderSize+CellPayloadSize)
	}

	sent := drain.Recv(1 << 20)
	h, err := peekCellHeader(sent)
	if err != nil {
		t.Fatalf("peekCellHeader on drained cell: %v", err)
	}
	if !h.IsSendme() {
		t.Fatal("expected the drained cell to be a SENDME")
	}
}

func TestPushSendmeReplenishesPackageWindowWithoutQueuing(t *testing.T) {
	pConn := newConnection(nil, "127.0.0.1", EdgeConn)
	nConn := newConnection(nil, "10.0.0.2", ORConn)
	c := newCircuit(1, pConn, nConn, nil)

	c.packageWindow.dec(1)
	sendme := newSendmeCell(1)
	c.pushCell(sendme, Inbound)

	if got, want := c.PackageWindow(), CircWindowStart; got != want {
		t.Fatalf("package window = %d, want %d after sendme", got, want)
	}
	if got := c.QueueSize(Inbound); got != 0 {
		t.Fatalf("queue size = %d, want 0: a sendme must never be queued", got)
	}
}

func TestPackageWindowExhaustionBlocksOppositeConnection(t *testing.T) {
	pConn := newConnection(nil, "127.0.0.1", EdgeConn)
	nConn := newConnection(nil, "10.0.0.2", ORConn)
	c := newCircuit(1, pConn, nConn, nil)

	for i := 0; i < CircWindowStart; i++ {
		cell := encodeCell(1, CmdRelayData, 0, testPayload(CellPayloadSize))
		c.pushCell(cell, Outbound)
	}

	if !pConn.IsBlocked() {
		t.Fatal("expected the edge connection to be blocked once package_window is exhausted")
	}
}

func TestCircuitRingLinkingAndDispose(t *testing.T) {
	pConn := newConnection(nil, "127.0.0.1", EdgeConn)
	nConn := newConnection(nil, "10.0.0.2", ORConn)
	c1 := newCircuit(1, pConn, nConn, nil)
	c2 := newCircuit(2, pConn, nConn, nil)

	nConn.linkCircuit(c1)
	nConn.linkCircuit(c2)
	nConn.linkCircuit(c1) // idempotent: already linked

	seen := map[uint16]bool{}
	cur := nConn.activeCircuits
	for i := 0; i < 4; i++ {
		seen[cur.id] = true
		cur = cur.nextCircOn(nConn)
	}
	if !seen[1] || !seen[2] {
		t.Fatalf("expected both circuits in the ring, saw %v", seen)
	}

	c1.Dispose()
	if c1.nextCircOn(nConn) != nil {
		t.Fatal("Dispose should clear the circuit's ring link")
	}
	cur = nConn.activeCircuits
	for i := 0; i < 4; i++ {
		if cur == c1 {
			t.Fatal("disposed circuit must not remain reachable from the ring")
		}
		cur = cur.nextCircOn(nConn)
	}
}
