// Package capture reads pcap and pcapng captures and decodes them into
// model.PacketRecord values.
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/leonetem/leonetem/pkg/analysis/model"
)

const (
	defaultMaxConsecutiveErrors = 64
	defaultIperfPort            = 5201

	// pcapngMagic is the block type of the pcapng section header block.
	// It is a palindrome, so it reads the same in both byte orders.
	pcapngMagic = "\x0a\x0d\x0d\x0a"
)

var (
	// ErrCaptureFormat is the sentinel matched by every CaptureFormatError.
	ErrCaptureFormat = errors.New("invalid capture format")
	// ErrNotRestartable is returned when a stream source is iterated twice.
	ErrNotRestartable = errors.New("capture source is not restartable")
)

// CaptureFormatError is returned when a capture can't be read at all: the
// file header is invalid or the record stream can't be resynchronized.
type CaptureFormatError struct {
	Source string
	// Frame is the index of the record where reading failed, or -1 for the
	// file header.
	Frame int
	Err   error
}

func (e *CaptureFormatError) Error() string {
	if e.Frame < 0 {
		return fmt.Sprintf("%s: invalid capture header: %v", e.Source, e.Err)
	}
	return fmt.Sprintf("%s: unreadable capture at frame %d: %v", e.Source, e.Frame, e.Err)
}

func (e *CaptureFormatError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrCaptureFormat) true.
func (e *CaptureFormatError) Is(target error) bool {
	return target == ErrCaptureFormat
}

// Source is where a capture is read from.
type Source interface {
	Name() string
	Open() (io.ReadCloser, error)
}

type fileSource struct {
	path string
}

// FileSource returns a finite Source reading the capture file at path. It
// can be iterated any number of times.
func FileSource(path string) Source {
	return &fileSource{path: path}
}

func (f *fileSource) Name() string { return f.path }

func (f *fileSource) Open() (io.ReadCloser, error) {
	return os.Open(f.path)
}

type streamSource struct {
	name   string
	r      io.Reader
	opened atomic.Bool
}

// StreamSource returns a Source reading a live capture stream, e.g. the
// output of tcpdump -w -. It can only be iterated once.
func StreamSource(name string, r io.Reader) Source {
	return &streamSource{name: name, r: r}
}

func (s *streamSource) Name() string { return s.name }

func (s *streamSource) Open() (io.ReadCloser, error) {
	if s.opened.Swap(true) {
		return nil, ErrNotRestartable
	}
	return io.NopCloser(s.r), nil
}

// Stats counts the frames seen by the last iteration.
type Stats struct {
	// Decoded frames were yielded as PacketRecords.
	Decoded int
	// Skipped frames were corrupt or unreadable.
	Skipped int
	// Ignored frames were valid but not analyzable (e.g. ARP, non-echo
	// ICMP).
	Ignored int
}

// Reader decodes the frames of a Source.
type Reader struct {
	src  Source
	opts options

	mu    sync.Mutex
	err   error
	stats Stats
}

// NewReader returns a Reader for src.
func NewReader(src Source, opts ...Option) *Reader {
	o := options{
		iperfPorts:           map[uint16]bool{defaultIperfPort: true},
		detectRTP:            true,
		maxConsecutiveErrors: defaultMaxConsecutiveErrors,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Reader{src: src, opts: o}
}

// Err returns the error that ended the last iteration early, if any.
func (r *Reader) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Stats returns the frame counters of the last iteration.
func (r *Reader) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Reader) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Reader) count(f func(*Stats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(&r.stats)
}

// packetDataReader is implemented by both pcapgo.Reader and pcapgo.NgReader.
type packetDataReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// openCapture detects the capture format from its magic number.
func openCapture(r io.Reader) (packetDataReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, err
	}
	if string(magic) == pcapngMagic {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// Packets returns the decoded packets of the source, in capture order.
// Corrupt frames are skipped and counted. When the sequence ends, Err
// reports whether the capture was read to its end.
//
// Iterating again restarts from the beginning of the source; for stream
// sources this fails with ErrNotRestartable.
func (r *Reader) Packets(ctx context.Context) iter.Seq[model.PacketRecord] {
	return func(yield func(model.PacketRecord) bool) {
		r.mu.Lock()
		r.err = nil
		r.stats = Stats{}
		r.mu.Unlock()

		rc, err := r.src.Open()
		if err != nil {
			r.setErr(err)
			return
		}
		defer rc.Close()

		pr, err := openCapture(rc)
		if err != nil {
			r.setErr(&CaptureFormatError{Source: r.src.Name(), Frame: -1, Err: err})
			return
		}
		log.Debug("Capture opened", "source", r.src.Name(), "linktype", pr.LinkType())

		dec := newDecoder(pr.LinkType(), &r.opts)
		consecutive := 0
		for frame := 0; ; frame++ {
			if err := ctx.Err(); err != nil {
				r.setErr(err)
				return
			}
			data, ci, err := pr.ReadPacketData()
			if err == io.EOF {
				return
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				// Truncated last record, e.g. a capture still being written.
				log.Warn("Truncated capture record", "source", r.src.Name(), "frame", frame)
				r.count(func(s *Stats) { s.Skipped++ })
				frames.WithLabelValues("skipped").Inc()
				return
			}
			if err != nil {
				consecutive++
				r.count(func(s *Stats) { s.Skipped++ })
				frames.WithLabelValues("skipped").Inc()
				if consecutive >= r.opts.maxConsecutiveErrors {
					r.setErr(&CaptureFormatError{Source: r.src.Name(), Frame: frame, Err: err})
					return
				}
				log.Debug("Unreadable capture record", "frame", frame, "error", err)
				continue
			}
			consecutive = 0

			rec, res := dec.decode(data, ci)
			switch res {
			case decodeCorrupt:
				r.count(func(s *Stats) { s.Skipped++ })
				frames.WithLabelValues("skipped").Inc()
			case decodeIgnored:
				r.count(func(s *Stats) { s.Ignored++ })
				frames.WithLabelValues("ignored").Inc()
			case decodeOK:
				r.count(func(s *Stats) { s.Decoded++ })
				frames.WithLabelValues("decoded").Inc()
				if !yield(rec) {
					return
				}
			}
		}
	}
}
