package relay

// buffer.go holds the leftover-byte-buffer type shared by Connection's
// inbuf/outbuf. Grounded in the original source's buf_t (a fixed-capacity
// byte array plus a size), reworked as a small Go type with append/take
// operations instead of raw pointer arithmetic.

// leftoverBuf holds bytes carried over between successive Read or Write
// calls on a Connection: the tail that didn't make a whole cell (inbuf),
// or the tail that the socket couldn't accept yet (outbuf). An inbuf is
// always strictly shorter than the connection's cell unit; an outbuf is too
// whenever the socket accepts every byte Write offers it.
type leftoverBuf struct {
	data []byte
}

func (b *leftoverBuf) size() int {
	return len(b.data)
}

// fill returns a new slice holding the leftover bytes followed by fresh.
// It does not mutate b; the caller decides how much of the result to
// re-stash via set.
func (b *leftoverBuf) fill(fresh []byte) []byte {
	if len(b.data) == 0 {
		return fresh
	}
	out := make([]byte, 0, len(b.data)+len(fresh))
	out = append(out, b.data...)
	out = append(out, fresh...)
	return out
}

// set replaces the leftover with tail, copying it so the caller's backing
// array can be reused or discarded.
func (b *leftoverBuf) set(tail []byte) {
	if len(tail) == 0 {
		b.data = nil
		return
	}
	b.data = append(b.data[:0], tail...)
}
