package tlsx

import (
	"io"
	"math/rand"
	"time"

	"github.com/monsterxx03/snifrag/pkg/codec"
)

const (
	// Minimum fragment lengths for the spans before/after the server name
	// and for the server name itself. The SNI span uses a smaller minimum
	// so short names still land in multiple records.
	minFragLen    = 8
	minSNIFragLen = 4

	// Minimum per-write chunk length for the re-framed stream.
	minChunkLen = 4

	// DefaultWriteDelay is slept between chunk writes so the kernel is
	// more likely to emit each chunk as its own TCP segment.
	DefaultWriteDelay = 10 * time.Millisecond
)

// Fragmenter splits a ClientHello across multiple TLS records and TCP
// writes. Randomness is non-cryptographic; any cut produces a legal TLS
// record stream, the cut points only have to vary.
type Fragmenter struct {
	rng   *rand.Rand
	delay time.Duration
}

// NewFragmenter returns a Fragmenter seeded with seed. Per-connection
// seeding is fine; the transform is correct for every seed.
func NewFragmenter(seed int64) *Fragmenter {
	return &Fragmenter{
		rng:   rand.New(rand.NewSource(seed)),
		delay: DefaultWriteDelay,
	}
}

// Fragment re-frames the handshake message hello into multiple TLS
// records and partitions the resulting stream into per-write chunks.
//
// hello is the full handshake message (4-byte handshake header included),
// [sniStart, sniEnd) the byte range of the server name within it, and hdr
// the first three bytes of the original record header (type + legacy
// version), reused verbatim on every emitted record.
//
// The concatenation of the returned chunks, parsed as a TLS record
// stream, reassembles to exactly hello.
func (f *Fragmenter) Fragment(hello []byte, sniStart, sniEnd int, hdr []byte) [][]byte {
	var frags []codec.Range
	frags = append(frags, codec.RandomSlice(f.rng, 0, sniStart, minFragLen)...)
	frags = append(frags, codec.RandomSlice(f.rng, sniStart, sniEnd, minSNIFragLen)...)
	frags = append(frags, codec.RandomSlice(f.rng, sniEnd, len(hello), minFragLen)...)

	stream := make([]byte, 0, len(hello)+RecordHeaderLen*len(frags))
	for _, fr := range frags {
		stream = append(stream, hdr[:3]...)
		stream = codec.AppendBE16(stream, uint16(fr.Len()))
		stream = append(stream, hello[fr.Start:fr.End]...)
	}

	chunks := make([][]byte, 0, 8)
	for _, c := range codec.RandomSlice(f.rng, 0, len(stream), minChunkLen) {
		chunks = append(chunks, stream[c.Start:c.End])
	}
	return chunks
}

// WriteChunks writes each chunk as a separate write on w, sleeping
// between writes to encourage independent TCP segmentation.
func (f *Fragmenter) WriteChunks(w io.Writer, chunks [][]byte) error {
	for i, c := range chunks {
		if i > 0 && f.delay > 0 {
			time.Sleep(f.delay)
		}
		if _, err := w.Write(c); err != nil {
			return err
		}
	}
	return nil
}
