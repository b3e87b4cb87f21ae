package cx2388x

import (
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"
)

// ErrWouldBlock is returned by a non-blocking read that found no new data
// before any bytes were copied. It is a normal control-flow result, not a
// failure.
var ErrWouldBlock = errors.New("cx2388x: no new data available")

// Fault reports that the caller-supplied destination rejected a copy
// mid-read. The bytes delivered before the fault are unreliable.
type Fault struct {
	Err error
}

func (f *Fault) Error() string { return fmt.Sprintf("cx2388x: destination fault: %v", f.Err) }
func (f *Fault) Unwrap() error { return f.Err }

// SessionOptions configure one consumer session over the ring.
type SessionOptions struct {
	// Tombstone zeroes each byte range after it is copied out, so a stale
	// re-read of not-yet-overwritten data is visibly wrong instead of
	// silently duplicated. On by default from Device.OpenSession; the
	// hardware has no fresh-vs-stale flag of its own.
	Tombstone bool
	// PollInterval is how long a blocking read sleeps between producer
	// polls. Zero polls in a tight loop, yielding between iterations,
	// which matches the hardware-reference behavior.
	PollInterval time.Duration
	// Abort, when closed, terminates any blocking wait. A read
	// interrupted this way returns io.EOF after delivering whatever was
	// already copied.
	Abort <-chan struct{}
}

// StreamReader maps a consumer's logical byte offset onto the page ring
// while staying behind the hardware producer. It is the only party that
// mutates page contents besides the device, and the two never touch the
// same page because the reader never crosses the producer position.
//
// A StreamReader is owned by a single consumer session and is not safe for
// concurrent use.
type StreamReader struct {
	ring      *PageRing
	oracle    PositionOracle
	startPage int
	offset    int64
	opts      SessionOptions
	closeFn   func()
}

// OpenStream begins a consumer session. The session's logical offset 0 is
// aligned one page behind wherever the producer currently is, so the first
// read does not immediately race the device.
func OpenStream(ring *PageRing, oracle PositionOracle, opts SessionOptions) (*StreamReader, error) {
	producer, err := oracle.CurrentWrittenPage()
	if err != nil {
		return nil, err
	}
	n := ring.NumPages()
	return &StreamReader{
		ring:      ring,
		oracle:    oracle,
		startPage: (producer - 1 + n) % n,
		opts:      opts,
	}, nil
}

// Offset returns the logical byte offset consumed so far. It increases
// monotonically and never wraps, even though the underlying page index does.
func (sr *StreamReader) Offset() int64 { return sr.offset }

// StartPage returns the absolute page index that logical offset 0 maps to.
func (sr *StreamReader) StartPage() int { return sr.startPage }

// pageIndex converts the current logical offset into an absolute page index.
func (sr *StreamReader) pageIndex() int {
	n := sr.ring.NumPages()
	return (sr.startPage + int((sr.offset%sr.ring.Bytes())/int64(sr.ring.PageSize()))) % n
}

// Read copies up to len(p) captured bytes into p and advances the logical
// offset. Blocking reads wait for the producer whenever they catch up to
// it; non-blocking reads return ErrWouldBlock if no data was available
// before the first byte, and otherwise return the bytes copied so far
// without error. A zero-length read returns 0 immediately and changes
// nothing.
func (sr *StreamReader) Read(p []byte, blocking bool) (int, error) {
	copied := 0
	for copied < len(p) {
		pnum := sr.pageIndex()

		// The producer position must be re-read fresh on every
		// iteration: it may advance mid-read, including between the
		// sub-copies of a page-spanning request.
		producer, err := sr.oracle.CurrentWrittenPage()
		if err != nil {
			return copied, err
		}
		if pnum == producer {
			if !blocking {
				if copied == 0 {
					return 0, ErrWouldBlock
				}
				return copied, nil
			}
			if err := sr.waitForProducer(pnum); err != nil {
				return copied, err
			}
			continue
		}

		pageSize := sr.ring.PageSize()
		inPage := int(sr.offset % int64(pageSize))
		n := pageSize - inPage
		if n > len(p)-copied {
			n = len(p) - copied
		}
		data := sr.ring.PageAt(pnum).Data
		copy(p[copied:copied+n], data[inPage:inPage+n])
		if sr.opts.Tombstone {
			clear(data[inPage : inPage+n])
		}
		copied += n
		sr.offset += int64(n)
	}
	return copied, nil
}

// ReadTo copies exactly length captured bytes into w, page piece by page
// piece. A write error from w aborts the read and is reported as a Fault;
// the count of bytes already handed to w accompanies it but should be
// treated as unreliable.
func (sr *StreamReader) ReadTo(w io.Writer, length int, blocking bool) (int, error) {
	buf := make([]byte, sr.ring.PageSize())
	written := 0
	for written < length {
		want := length - written
		if want > len(buf) {
			want = len(buf)
		}
		n, err := sr.Read(buf[:want], blocking)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, &Fault{Err: werr}
			}
			written += n
		}
		if err != nil {
			return written, err
		}
		if !blocking && n < want {
			return written, nil
		}
	}
	return written, nil
}

// waitForProducer re-polls the oracle until it moves off pnum. There is no
// timeout here; a caller wanting one wraps the read in its own deadline and
// closes Abort.
func (sr *StreamReader) waitForProducer(pnum int) error {
	for {
		select {
		case <-sr.opts.Abort:
			return io.EOF
		default:
		}
		producer, err := sr.oracle.CurrentWrittenPage()
		if err != nil {
			return err
		}
		if producer != pnum {
			return nil
		}
		if sr.opts.PollInterval > 0 {
			timer := time.NewTimer(sr.opts.PollInterval)
			select {
			case <-sr.opts.Abort:
				timer.Stop()
				return io.EOF
			case <-timer.C:
			}
		} else {
			runtime.Gosched()
		}
	}
}

// Close ends the session, releasing the device's exclusive-open slot when
// the reader was opened through Device.OpenSession.
func (sr *StreamReader) Close() error {
	if sr.closeFn != nil {
		sr.closeFn()
		sr.closeFn = nil
	}
	return nil
}
