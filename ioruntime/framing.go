package ioruntime

import "encoding/binary"

// LengthPrefixSize is the fixed width of the framing header: a little-
// endian uint32 byte count.
const LengthPrefixSize = 4

// Encode prepends a 4-byte little-endian length prefix to payload.
func Encode(payload []byte) []byte {
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	return buf
}

type decodeState int

const (
	stateAwaitingLength decodeState = iota
	stateAwaitingBody
)

// Decoder streams length-prefixed frames out of an arbitrarily fragmented
// or coalesced byte stream. Feed bytes
// received from the network via Feed; complete frames are delivered to the
// callback passed to Feed, in order, with no loss or duplication regardless
// of how the input is chunked.
type Decoder struct {
	state   decodeState
	header  [LengthPrefixSize]byte
	haveHdr int
	want    uint32
	body    []byte
	have    int
}

// NewDecoder constructs a Decoder ready to receive the first frame.
func NewDecoder() *Decoder {
	return &Decoder{state: stateAwaitingLength}
}

// Reset returns the Decoder to its initial state, discarding any partially
// received frame.
func (d *Decoder) Reset() {
	d.state = stateAwaitingLength
	d.haveHdr = 0
	d.want = 0
	d.body = nil
	d.have = 0
}

// Feed consumes buf (which may contain part of a frame, exactly one frame,
// several frames, or any combination) and invokes onMessage once per
// complete frame assembled, in arrival order.
func (d *Decoder) Feed(buf []byte, onMessage func([]byte)) {
	for len(buf) > 0 {
		switch d.state {
		case stateAwaitingLength:
			n := copy(d.header[d.haveHdr:], buf)
			d.haveHdr += n
			buf = buf[n:]
			if d.haveHdr == LengthPrefixSize {
				d.want = binary.LittleEndian.Uint32(d.header[:])
				d.haveHdr = 0
				d.body = make([]byte, d.want)
				d.have = 0
				d.state = stateAwaitingBody
				if d.want == 0 {
					onMessage(d.body)
					d.state = stateAwaitingLength
				}
			}
		case stateAwaitingBody:
			n := copy(d.body[d.have:], buf)
			d.have += n
			buf = buf[n:]
			if uint32(d.have) == d.want {
				msg := d.body
				d.body = nil
				d.have = 0
				d.want = 0
				d.state = stateAwaitingLength
				onMessage(msg)
			}
		}
	}
}
