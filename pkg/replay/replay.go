// Package replay records the packets a session sends into a zstd compressed
// file and reads them back for offline playback.
//
// A file starts with an uncompressed header
//
//	magic "SNRP" | version:16 | created unix seconds:64 | recording id:16 bytes
//
// followed by a zstd stream of records
//
//	frame:32 | channel:8 | reliable:8 | peer length:8 | peer | length:32 | payload
//
// with every integer little endian.
package replay

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

const Version = 1

// MaxRecordSize bounds the payload of a single record.
const MaxRecordSize = 1 << 20

var (
	ErrBadMagic   = errors.New("replay: not a recording")
	ErrVersion    = errors.New("replay: unsupported version")
	ErrRecordSize = errors.New("replay: record too large")
)

var magic = [4]byte{'S', 'N', 'R', 'P'}

type Header struct {
	Version uint16
	Created time.Time
	ID      uuid.UUID
}

type Record struct {
	Frame    uint32
	Channel  uint8
	Reliable bool
	Peer     string
	Data     []byte
}

const headerSize = 4 + 2 + 8 + 16

func (h Header) marshal() []byte {
	buf := make([]byte, 0, headerSize)
	buf = append(buf, magic[:]...)
	buf = binary.LittleEndian.AppendUint16(buf, h.Version)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(h.Created.Unix()))
	return append(buf, h.ID[:]...)
}

func readHeader(r io.Reader) (Header, error) {
	var buf [headerSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("replay: reading header: %w", err)
	}
	if [4]byte(buf[:4]) != magic {
		return Header{}, ErrBadMagic
	}
	h := Header{
		Version: binary.LittleEndian.Uint16(buf[4:]),
		Created: time.Unix(int64(binary.LittleEndian.Uint64(buf[6:])), 0),
	}
	copy(h.ID[:], buf[14:])
	if h.Version != Version {
		return h, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	return h, nil
}

// Writer appends records to a recording. It is not safe for concurrent use.
type Writer struct {
	header  Header
	enc     *zstd.Encoder
	bw      *bufio.Writer
	scratch []byte
}

// NewWriter writes a fresh header to w and returns a writer for its records.
func NewWriter(w io.Writer) (*Writer, error) {
	h := Header{Version: Version, Created: time.Now(), ID: uuid.New()}
	if _, err := w.Write(h.marshal()); err != nil {
		return nil, fmt.Errorf("replay: writing header: %w", err)
	}
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	return &Writer{header: h, enc: enc, bw: bufio.NewWriterSize(enc, 64*1024)}, nil
}

func (w *Writer) Header() Header { return w.header }

func (w *Writer) Write(rec Record) error {
	if len(rec.Data) > MaxRecordSize || len(rec.Peer) > 255 {
		return ErrRecordSize
	}
	buf := w.scratch[:0]
	buf = binary.LittleEndian.AppendUint32(buf, rec.Frame)
	buf = append(buf, rec.Channel)
	if rec.Reliable {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, uint8(len(rec.Peer)))
	buf = append(buf, rec.Peer...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Data)))
	w.scratch = buf

	if _, err := w.bw.Write(buf); err != nil {
		return err
	}
	_, err := w.bw.Write(rec.Data)
	return err
}

// Flush pushes buffered records into the compressed stream.
func (w *Writer) Flush() error {
	if err := w.bw.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

// Close flushes and ends the compressed stream. The underlying writer is
// left open.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.enc.Close()
		return err
	}
	return w.enc.Close()
}

type Reader struct {
	header Header
	dec    *zstd.Decoder
	br     *bufio.Reader
}

func NewReader(r io.Reader) (*Reader, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &Reader{header: h, dec: dec, br: bufio.NewReaderSize(dec, 64*1024)}, nil
}

func (r *Reader) Header() Header { return r.header }

// Next returns the next record or io.EOF after the last one.
func (r *Reader) Next() (Record, error) {
	var head [7]byte
	if _, err := io.ReadFull(r.br, head[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, fmt.Errorf("replay: truncated record: %w", err)
		}
		return Record{}, err
	}
	rec := Record{
		Frame:    binary.LittleEndian.Uint32(head[:]),
		Channel:  head[4],
		Reliable: head[5] == 1,
	}

	peer := make([]byte, head[6])
	if _, err := io.ReadFull(r.br, peer); err != nil {
		return Record{}, fmt.Errorf("replay: truncated record: %w", err)
	}
	rec.Peer = string(peer)

	var size [4]byte
	if _, err := io.ReadFull(r.br, size[:]); err != nil {
		return Record{}, fmt.Errorf("replay: truncated record: %w", err)
	}
	n := binary.LittleEndian.Uint32(size[:])
	if n > MaxRecordSize {
		return Record{}, ErrRecordSize
	}
	rec.Data = make([]byte, n)
	if _, err := io.ReadFull(r.br, rec.Data); err != nil {
		return Record{}, fmt.Errorf("replay: truncated record: %w", err)
	}
	return rec, nil
}

func (r *Reader) Close() {
	r.dec.Close()
}
