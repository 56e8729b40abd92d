package relay

import "testing"

func TestEncodeCellRoundTrip(t *testing.T) {
	payload := make([]byte, CellPayloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	cell := encodeCell(42, CmdRelayData, 7, payload)
	if len(cell) != CellHeaderSize+CellPayloadSize {
		t.Fatalf("encodeCell length = %d, want %d", len(cell), CellHeaderSize+CellPayloadSize)
	}

	h, rest, err := removeCellHeader(cell)
	if err != nil {
		t.Fatalf("removeCellHeader: %v", err)
	}
	if h.CircID != 42 || h.Cmd != CmdRelayData || h.StreamID != 7 || h.Typ != TypeRelay {
		t.Fatalf("decoded header mismatch: %+v", h)
	}
	if len(rest) != len(payload) {
		t.Fatalf("payload length = %d, want %d", len(rest), len(payload))
	}
	for i := range payload {
		if rest[i] != payload[i] {
			t.Fatalf("payload byte %d corrupted: got %d want %d", i, rest[i], payload[i])
		}
	}
}

func TestPeekCellHeaderMalformed(t *testing.T) {
	_, err := peekCellHeader(make([]byte, CellHeaderSize-1))
	if err == nil {
		t.Fatal("expected an error for a short buffer")
	}
	if _, ok := err.(*MalformedCell); !ok {
		t.Fatalf("expected *MalformedCell, got %T", err)
	}
}

func TestSendmeCellIsSendme(t *testing.T) {
	cell := newSendmeCell(9)
	if len(cell) != CellHeaderSize+CellPayloadSize {
		t.Fatalf("sendme cell length = %d, want %d", len(cell), CellHeaderSize+CellPayloadSize)
	}
	h, err := peekCellHeader(cell)
	if err != nil {
		t.Fatalf("peekCellHeader: %v", err)
	}
	if !h.IsSendme() {
		t.Fatal("expected IsSendme() to be true")
	}
	if h.CircID != 9 {
		t.Fatalf("CircID = %d, want 9", h.CircID)
	}
}

func TestEncodeHeaderPanicsOnShortBuffer(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic encoding into a too-small buffer")
		}
	}()
	h := CellHeader{CircID: 1}
	h.encode(make([]byte, CellHeaderSize-1))
}
