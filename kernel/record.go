package kernel

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/cespare/xxhash/v2"
)

// Kind discriminates WAL record types. Each durable component registers
// the kinds it owns at startup.
type Kind uint8

// Record is one decoded WAL record.
type Record struct {
	LSN     uint64
	Kind    Kind
	Payload []byte
}

// Frame layout: u32 body length | body | u64 xxhash64(body), where
// body = u64 lsn | u8 kind | payload. Length and checksum bracket the body
// so a torn tail is detectable from either end.
const (
	frameHeaderLen   = 4
	frameChecksumLen = 8
	bodyPrefixLen    = 8 + 1
)

var (
	errPartialFrame = errors.New("partial frame")
	errBadChecksum  = errors.New("frame checksum mismatch")
	errBadLength    = errors.New("frame length out of range")
)

// maxFrameBody bounds a single record. Anything larger is corruption, not
// a legitimate record.
const maxFrameBody = 64 << 20

func encodeFrame(lsn uint64, kind Kind, payload []byte) []byte {
	bodyLen := bodyPrefixLen + len(payload)
	frame := make([]byte, frameHeaderLen+bodyLen+frameChecksumLen)
	binary.BigEndian.PutUint32(frame, uint32(bodyLen))
	body := frame[frameHeaderLen : frameHeaderLen+bodyLen]
	binary.BigEndian.PutUint64(body, lsn)
	body[8] = byte(kind)
	copy(body[bodyPrefixLen:], payload)
	binary.BigEndian.PutUint64(frame[frameHeaderLen+bodyLen:], xxhash.Sum64(body))
	return frame
}

// frameReader decodes frames from a WAL stream, tracking how many bytes of
// clean prefix it has consumed so a torn tail can be truncated away.
type frameReader struct {
	r      io.Reader
	offset int64
}

// next returns the next record. errPartialFrame and errBadChecksum mark the
// end of the clean prefix; io.EOF marks a clean end.
func (fr *frameReader) next() (Record, error) {
	var header [frameHeaderLen]byte
	n, err := io.ReadFull(fr.r, header[:])
	if err == io.EOF && n == 0 {
		return Record{}, io.EOF
	}
	if err != nil {
		return Record{}, errPartialFrame
	}
	bodyLen := binary.BigEndian.Uint32(header[:])
	if bodyLen < bodyPrefixLen || bodyLen > maxFrameBody {
		return Record{}, errBadLength
	}
	buf := make([]byte, int(bodyLen)+frameChecksumLen)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		return Record{}, errPartialFrame
	}
	body := buf[:bodyLen]
	sum := binary.BigEndian.Uint64(buf[bodyLen:])
	if xxhash.Sum64(body) != sum {
		return Record{}, errBadChecksum
	}
	fr.offset += int64(frameHeaderLen + len(buf))
	return Record{
		LSN:     binary.BigEndian.Uint64(body),
		Kind:    Kind(body[8]),
		Payload: append([]byte(nil), body[bodyPrefixLen:]...),
	}, nil
}
