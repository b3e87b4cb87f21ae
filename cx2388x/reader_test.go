package cx2388x

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func newTestRing(t *testing.T, pages int) *PageRing {
	t.Helper()
	ring, err := AllocatePageRing(&HeapAllocator{}, pages, 4096)
	if err != nil {
		t.Fatalf("AllocatePageRing failed: %v", err)
	}
	return ring
}

func fillPage(ring *PageRing, index int, val byte) {
	data := ring.PageAt(index).Data
	for i := range data {
		data[i] = val ^ byte(i)
	}
}

func pagePattern(size int, val byte) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = val ^ byte(i)
	}
	return out
}

// steppedOracle advances the producer one page every advanceEvery polls,
// so blocking-wait tests run deterministically without wall-clock waits.
type steppedOracle struct {
	pos          int
	numPages     int
	advanceEvery int
	polls        int
}

func (o *steppedOracle) CurrentWrittenPage() (int, error) {
	o.polls++
	if o.advanceEvery > 0 && o.polls%o.advanceEvery == 0 {
		o.pos = (o.pos + 1) % o.numPages
	}
	return o.pos, nil
}

func TestOpenStartsOnePageBehindProducer(t *testing.T) {
	ring := newTestRing(t, 8)
	bank := NewSimBank()
	oracle := NewCounterOracle(bank, MOVBIGPCnt, 8)

	bank.WriteRegister(MOVBIGPCnt, 5) // producer on page 4
	sr, err := OpenStream(ring, oracle, SessionOptions{})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	if sr.StartPage() != 3 {
		t.Errorf("StartPage()=%d, want 3", sr.StartPage())
	}
	if sr.Offset() != 0 {
		t.Errorf("Offset()=%d, want 0", sr.Offset())
	}

	// The just-wrapped case: raw 0 puts the producer on N-1 = 7.
	bank.WriteRegister(MOVBIGPCnt, 0)
	sr, err = OpenStream(ring, oracle, SessionOptions{})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	if sr.StartPage() != 6 {
		t.Errorf("raw=0: StartPage()=%d, want 6", sr.StartPage())
	}
}

func TestReadRoundTrip(t *testing.T) {
	ring := newTestRing(t, 4)
	bank := NewSimBank()
	oracle := NewCounterOracle(bank, MOVBIGPCnt, 4)
	fillPage(ring, 1, 0xa5)

	bank.WriteRegister(MOVBIGPCnt, 3) // producer on page 2, so page 1 is safe
	sr, err := OpenStream(ring, oracle, SessionOptions{})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	if sr.StartPage() != 1 {
		t.Fatalf("StartPage()=%d, want 1", sr.StartPage())
	}

	got := make([]byte, 4096)
	n, err := sr.Read(got, false)
	if err != nil || n != 4096 {
		t.Fatalf("Read=%d,%v, want 4096,nil", n, err)
	}
	if !bytes.Equal(got, pagePattern(4096, 0xa5)) {
		t.Error("read bytes do not match the pattern written into page 1")
	}
	if sr.Offset() != 4096 {
		t.Errorf("Offset()=%d, want 4096", sr.Offset())
	}
}

func TestReadSpanningRingWrap(t *testing.T) {
	ring := newTestRing(t, 4)
	bank := NewSimBank()
	oracle := NewCounterOracle(bank, MOVBIGPCnt, 4)
	fillPage(ring, 3, 0x33)
	fillPage(ring, 0, 0x44)

	bank.WriteRegister(MOVBIGPCnt, 1) // producer on page 0 at open
	sr, err := OpenStream(ring, oracle, SessionOptions{})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	if sr.StartPage() != 3 {
		t.Fatalf("StartPage()=%d, want 3", sr.StartPage())
	}

	// Producer moves on to page 2; pages 3 and 0 are now both behind it.
	bank.WriteRegister(MOVBIGPCnt, 3)

	got := make([]byte, 6144) // 1.5 pages across the ring boundary
	n, err := sr.Read(got, false)
	if err != nil || n != 6144 {
		t.Fatalf("Read=%d,%v, want 6144,nil", n, err)
	}
	if !bytes.Equal(got[:4096], pagePattern(4096, 0x33)) {
		t.Error("first 4096 bytes do not come from page 3")
	}
	if !bytes.Equal(got[4096:], pagePattern(4096, 0x44)[:2048]) {
		t.Error("bytes after the wrap do not come from page 0")
	}
	// The logical offset advances monotonically even though the page
	// index wrapped.
	if sr.Offset() != 6144 {
		t.Errorf("Offset()=%d, want 6144", sr.Offset())
	}
}

func TestZeroLengthReadIsIdempotent(t *testing.T) {
	ring := newTestRing(t, 4)
	oracle := &steppedOracle{pos: 2, numPages: 4}
	sr, err := OpenStream(ring, oracle, SessionOptions{})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		n, err := sr.Read(nil, true)
		if n != 0 || err != nil {
			t.Errorf("zero-length read=%d,%v, want 0,nil", n, err)
		}
		if sr.Offset() != 0 {
			t.Errorf("zero-length read moved the offset to %d", sr.Offset())
		}
	}
}

func TestNonBlockingStarvation(t *testing.T) {
	ring := newTestRing(t, 4)
	bank := NewSimBank()
	oracle := NewCounterOracle(bank, MOVBIGPCnt, 4)

	bank.WriteRegister(MOVBIGPCnt, 3)
	sr, err := OpenStream(ring, oracle, SessionOptions{})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	// Consume the one page the session starts behind by; the reader has
	// now caught up with the stalled producer.
	buf := make([]byte, 4096)
	if n, err := sr.Read(buf, false); n != 4096 || err != nil {
		t.Fatalf("priming Read=%d,%v, want 4096,nil", n, err)
	}

	for i := 0; i < 5; i++ {
		n, err := sr.Read(buf, false)
		if n != 0 || !errors.Is(err, ErrWouldBlock) {
			t.Errorf("starved Read=%d,%v, want 0,ErrWouldBlock", n, err)
		}
	}
	if sr.Offset() != 4096 {
		t.Errorf("starved reads moved the offset to %d", sr.Offset())
	}
}

func TestNonBlockingPartialResult(t *testing.T) {
	ring := newTestRing(t, 4)
	bank := NewSimBank()
	oracle := NewCounterOracle(bank, MOVBIGPCnt, 4)

	bank.WriteRegister(MOVBIGPCnt, 3)
	sr, err := OpenStream(ring, oracle, SessionOptions{})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	// One page is available but two are requested: a non-blocking read
	// returns the page it got, with no error.
	buf := make([]byte, 8192)
	n, err := sr.Read(buf, false)
	if n != 4096 || err != nil {
		t.Errorf("Read=%d,%v, want 4096,nil", n, err)
	}
}

func TestBlockingReadWaitsForProducer(t *testing.T) {
	ring := newTestRing(t, 4)
	// Producer starts on page 1 and advances one page every 10 polls.
	oracle := &steppedOracle{pos: 1, numPages: 4, advanceEvery: 10}
	sr, err := OpenStream(ring, oracle, SessionOptions{})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	if sr.StartPage() != 0 {
		t.Fatalf("StartPage()=%d, want 0", sr.StartPage())
	}

	buf := make([]byte, 8192)
	n, err := sr.Read(buf, true)
	if n != 8192 || err != nil {
		t.Fatalf("blocking Read=%d,%v, want 8192,nil", n, err)
	}
	if oracle.polls < 10 {
		t.Errorf("read finished after %d polls; it cannot have waited for the producer", oracle.polls)
	}
}

func TestBlockingReadAborts(t *testing.T) {
	ring := newTestRing(t, 4)
	bank := NewSimBank()
	oracle := NewCounterOracle(bank, MOVBIGPCnt, 4)
	abort := make(chan struct{})
	close(abort)

	bank.WriteRegister(MOVBIGPCnt, 3)
	sr, err := OpenStream(ring, oracle, SessionOptions{Abort: abort})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	// One page is deliverable before the wait; the abort then ends the
	// read with io.EOF and the partial count.
	buf := make([]byte, 8192)
	n, err := sr.Read(buf, true)
	if n != 4096 || err != io.EOF {
		t.Errorf("aborted Read=%d,%v, want 4096,io.EOF", n, err)
	}
}

func TestTombstoneZeroesConsumedBytes(t *testing.T) {
	ring := newTestRing(t, 4)
	bank := NewSimBank()
	oracle := NewCounterOracle(bank, MOVBIGPCnt, 4)
	fillPage(ring, 1, 0xa5)

	bank.WriteRegister(MOVBIGPCnt, 3)
	sr, err := OpenStream(ring, oracle, SessionOptions{Tombstone: true})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}

	buf := make([]byte, 1000)
	if n, err := sr.Read(buf, false); n != 1000 || err != nil {
		t.Fatalf("Read=%d,%v, want 1000,nil", n, err)
	}
	page := ring.PageAt(1).Data
	for i := 0; i < 1000; i++ {
		if page[i] != 0 {
			t.Fatalf("byte %d of consumed range is 0x%02x, want 0", i, page[i])
		}
	}
	// Bytes past the consumed range are untouched.
	if !bytes.Equal(page[1000:], pagePattern(4096, 0xa5)[1000:]) {
		t.Error("tombstone zeroed bytes beyond the consumed range")
	}
}

func TestTombstoneIsOptional(t *testing.T) {
	ring := newTestRing(t, 4)
	bank := NewSimBank()
	oracle := NewCounterOracle(bank, MOVBIGPCnt, 4)
	fillPage(ring, 1, 0xa5)

	bank.WriteRegister(MOVBIGPCnt, 3)
	sr, err := OpenStream(ring, oracle, SessionOptions{})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	buf := make([]byte, 4096)
	if n, err := sr.Read(buf, false); n != 4096 || err != nil {
		t.Fatalf("Read=%d,%v, want 4096,nil", n, err)
	}
	if !bytes.Equal(ring.PageAt(1).Data, pagePattern(4096, 0xa5)) {
		t.Error("page contents changed although tombstoning was off")
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("destination rejected the copy")
}

func TestReadToReportsFault(t *testing.T) {
	ring := newTestRing(t, 4)
	bank := NewSimBank()
	oracle := NewCounterOracle(bank, MOVBIGPCnt, 4)

	bank.WriteRegister(MOVBIGPCnt, 3)
	sr, err := OpenStream(ring, oracle, SessionOptions{})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	n, err := sr.ReadTo(failingWriter{}, 4096, false)
	var fault *Fault
	if !errors.As(err, &fault) {
		t.Fatalf("ReadTo error=%v, want a Fault", err)
	}
	if n != 0 {
		t.Errorf("ReadTo delivered %d bytes before the fault, want 0", n)
	}
}

func TestReadToCollectsAcrossPages(t *testing.T) {
	ring := newTestRing(t, 4)
	bank := NewSimBank()
	oracle := NewCounterOracle(bank, MOVBIGPCnt, 4)
	fillPage(ring, 1, 0x11)
	fillPage(ring, 2, 0x22)

	bank.WriteRegister(MOVBIGPCnt, 3)
	sr, err := OpenStream(ring, oracle, SessionOptions{})
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	bank.WriteRegister(MOVBIGPCnt, 0) // producer on page 3 now

	var out bytes.Buffer
	n, err := sr.ReadTo(&out, 8192, false)
	if n != 8192 || err != nil {
		t.Fatalf("ReadTo=%d,%v, want 8192,nil", n, err)
	}
	if !bytes.Equal(out.Bytes()[:4096], pagePattern(4096, 0x11)) ||
		!bytes.Equal(out.Bytes()[4096:], pagePattern(4096, 0x22)) {
		t.Error("ReadTo bytes do not match pages 1 and 2")
	}
}
