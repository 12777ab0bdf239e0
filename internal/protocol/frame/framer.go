package frame

type state int

const (
	awaitHeader state = iota
	awaitLength
	accumulate
)

// Framer is the byte-at-a-time packet reassembler. It has no timeout state: byte
// supply timing belongs to the caller. Not safe for concurrent use.
type Framer struct {
	st        state
	buf       []byte
	want      int
	discarded uint64
}

func NewFramer() *Framer {
	return &Framer{buf: make([]byte, 0, 64)}
}

// Feed consumes one byte and returns a packet once exactly its total length has
// been accumulated.
func (f *Framer) Feed(b byte) (Packet, bool) {
	switch f.st {
	case awaitHeader:
		if !ValidKind(b) {
			f.discarded++
			return Packet{}, false
		}
		f.buf = append(f.buf[:0], b)
		f.st = awaitLength
		return Packet{}, false
	case awaitLength:
		f.buf = append(f.buf, b)
		f.want = TotalLen(f.buf[0], b)
		f.st = accumulate
		return Packet{}, false
	default:
		f.buf = append(f.buf, b)
		if len(f.buf) < f.want {
			return Packet{}, false
		}
		p := Packet{Kind: f.buf[0], Class: f.buf[2], Command: f.buf[3]}
		p.Payload = make([]byte, len(f.buf)-HeaderLen)
		copy(p.Payload, f.buf[HeaderLen:])
		f.Reset()
		return p, true
	}
}

// Write feeds every byte of b and returns the packets completed along the way.
func (f *Framer) Write(b []byte) []Packet {
	var out []Packet
	for _, c := range b {
		if p, ok := f.Feed(c); ok {
			out = append(out, p)
		}
	}
	return out
}

// Reset drops any partial packet.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.want = 0
	f.st = awaitHeader
}

// Pending reports whether a partial packet is buffered.
func (f *Framer) Pending() bool {
	return f.st != awaitHeader
}

// Discarded returns how many bytes were dropped while resynchronizing.
func (f *Framer) Discarded() uint64 {
	return f.discarded
}
