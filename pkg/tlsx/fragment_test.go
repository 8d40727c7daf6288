package tlsx

import (
	"bytes"
	"testing"

	"github.com/monsterxx03/snifrag/pkg/codec"
)

// reassemble parses stream as a sequence of TLS records, checks every
// record header against hdr, and returns the concatenated payloads plus
// the payload byte ranges each record covered.
func reassemble(t *testing.T, stream, hdr []byte) ([]byte, []codec.Range) {
	t.Helper()

	var out []byte
	var spans []codec.Range
	for len(stream) > 0 {
		if len(stream) < RecordHeaderLen {
			t.Fatalf("truncated record header: %d bytes left", len(stream))
		}
		if !bytes.Equal(stream[:3], hdr[:3]) {
			t.Fatalf("record header prefix %x differs from original %x", stream[:3], hdr[:3])
		}
		l := int(codec.BE16(stream[3:5]))
		if len(stream) < RecordHeaderLen+l {
			t.Fatalf("record payload truncated: want %d, have %d", l, len(stream)-RecordHeaderLen)
		}
		spans = append(spans, codec.Range{Start: len(out), End: len(out) + l})
		out = append(out, stream[RecordHeaderLen:RecordHeaderLen+l]...)
		stream = stream[RecordHeaderLen+l:]
	}
	return out, spans
}

func TestFragmentReassembles(t *testing.T) {
	hello := buildClientHello(t, "example.com", true)
	info, err := ParseClientHello(hello)
	if err != nil {
		t.Fatal(err)
	}
	hdr := []byte{0x16, 0x03, 0x01}

	for seed := int64(0); seed < 50; seed++ {
		f := NewFragmenter(seed)
		chunks := f.Fragment(hello, info.SNIStart, info.SNIEnd, hdr)

		var stream []byte
		for _, c := range chunks {
			stream = append(stream, c...)
		}

		got, _ := reassemble(t, stream, hdr)
		if !bytes.Equal(got, hello) {
			t.Fatalf("seed %d: reassembled payload differs from original", seed)
		}
	}
}

func TestFragmentSplitsSNI(t *testing.T) {
	hello := buildClientHello(t, "example.com", true) // 11 bytes of SNI >= 2*4
	info, err := ParseClientHello(hello)
	if err != nil {
		t.Fatal(err)
	}
	hdr := []byte{0x16, 0x03, 0x01}

	for seed := int64(0); seed < 50; seed++ {
		f := NewFragmenter(seed)
		chunks := f.Fragment(hello, info.SNIStart, info.SNIEnd, hdr)

		var stream []byte
		for _, c := range chunks {
			stream = append(stream, c...)
		}
		_, spans := reassemble(t, stream, hdr)

		overlapping := 0
		for _, s := range spans {
			if s.Start < info.SNIEnd && s.End > info.SNIStart {
				overlapping++
			}
		}
		if overlapping < 2 {
			t.Fatalf("seed %d: server name covered by %d record(s), expected >= 2", seed, overlapping)
		}
	}
}

func TestFragmentChunkWrites(t *testing.T) {
	hello := buildClientHello(t, "example.com", true)
	info, err := ParseClientHello(hello)
	if err != nil {
		t.Fatal(err)
	}

	f := NewFragmenter(7)
	f.delay = 0
	chunks := f.Fragment(hello, info.SNIStart, info.SNIEnd, []byte{0x16, 0x03, 0x01})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple write chunks, got %d", len(chunks))
	}

	var buf bytes.Buffer
	if err := f.WriteChunks(&buf, chunks); err != nil {
		t.Fatal(err)
	}
	got, _ := reassemble(t, buf.Bytes(), []byte{0x16, 0x03, 0x01})
	if !bytes.Equal(got, hello) {
		t.Error("written stream does not reassemble to the original hello")
	}
}
