package relay

import "testing"

func TestConnectionReadSlicesWholeCellsAndKeepsLeftover(t *testing.T) {
	a, b := newMemSocketPair()
	conn := newConnection(nil, "10.0.0.1", ORConn)
	conn.socket = a

	raw := make([]byte, CellNetworkSize*2+100)
	b.Send(raw)

	cells, n := conn.Read(len(raw))
	if n != len(raw) {
		t.Fatalf("raw read count = %d, want %d", n, len(raw))
	}
	if len(cells) != 2 {
		t.Fatalf("got %d whole cells, want 2", len(cells))
	}
	if conn.InbufSize() != 100 {
		t.Fatalf("leftover size = %d, want 100", conn.InbufSize())
	}

	b.Send(make([]byte, CellNetworkSize-100))
	cells, _ = conn.Read(CellNetworkSize)
	if len(cells) != 1 {
		t.Fatalf("got %d cells after topping up the leftover, want 1", len(cells))
	}
	if conn.InbufSize() != 0 {
		t.Fatalf("leftover size = %d, want 0", conn.InbufSize())
	}
}

// TestConnectionWriteRoundRobinsAcrossCalls verifies that two circuits each
// with queued cells alternate strictly, one cell per circuit per lap, and
// that alternation continues across successive Write calls rather than
// restart from the same circuit.
func TestConnectionWriteRoundRobinsAcrossCalls(t *testing.T) {
	a, b := newMemSocketPair()
	nConn := newConnection(nil, "10.0.0.2", ORConn)
	nConn.socket = a

	pConn1 := newConnection(nil, "127.0.0.1", EdgeConn)
	pConn2 := newConnection(nil, "127.0.0.2", EdgeConn)
	c1 := newCircuit(1, pConn1, nConn, nil)
	c2 := newCircuit(2, pConn2, nConn, nil)

	for i := 0; i < 3; i++ {
		c1.pushCell(encodeCell(1, CmdRelayData, 0, testPayload(CellPayloadSize)), Outbound)
		c2.pushCell(encodeCell(2, CmdRelayData, 0, testPayload(CellPayloadSize)), Outbound)
	}
	nConn.linkCircuit(c1)
	nConn.linkCircuit(c2)

	var order []uint16
	for i := 0; i < 6; i++ {
		nConn.Write(CellNetworkSize)
		out := b.Recv(CellNetworkSize)
		if len(out) != CellNetworkSize {
			t.Fatalf("write %d: got %d bytes, want %d", i, len(out), CellNetworkSize)
		}
		h, err := peekCellHeader(out)
		if err != nil {
			t.Fatalf("write %d: peekCellHeader: %v", i, err)
		}
		order = append(order, h.CircID)
	}

	for i, id := range order {
		want := uint16(1)
		if i%2 == 1 {
			want = 2
		}
		if id != want {
			t.Fatalf("cell %d came from circuit %d, want %d (order: %v)", i, id, want, order)
		}
	}
}

func TestConnectionBaseBySocketType(t *testing.T) {
	edge := newConnection(nil, "127.0.0.1", EdgeConn)
	or := newConnection(nil, "10.0.0.1", ORConn)
	if edge.base() != CellPayloadSize {
		t.Fatalf("edge base = %d, want %d", edge.base(), CellPayloadSize)
	}
	if or.base() != CellNetworkSize {
		t.Fatalf("OR base = %d, want %d", or.base(), CellNetworkSize)
	}
}

func TestSetSocketWiresCallbacks(t *testing.T) {
	r := NewRelay("r", "10.0.0.1", nil)
	conn := newConnection(r, "10.0.0.2", ORConn)
	a, _ := newMemSocketPair()

	conn.SetSocket(a)
	if got, ok := r.connsBySocket[a]; !ok || got != conn {
		t.Fatal("SetSocket must register the connection under its socket")
	}
}
