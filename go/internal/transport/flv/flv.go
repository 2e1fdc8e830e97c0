// Package flv reads the FLV container as served by live edges over HTTP or a
// WebSocket.
package flv

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// TagType is the FLV tag type.
type TagType uint8

const (
	TagAudio  TagType = 8
	TagVideo  TagType = 9
	TagScript TagType = 18
)

const (
	headerSize    = 9
	tagHeaderSize = 11
	// MaxTagSize caps a single tag body; larger sizes mean the stream is
	// corrupt.
	MaxTagSize = 16 << 20
)

// FormatError reports malformed FLV data. Anything else returned by Reader is
// an I/O error from the underlying source.
type FormatError struct {
	Msg string
}

func (e *FormatError) Error() string { return "flv: " + e.Msg }

// IsFormatError reports whether err is (or wraps) a FormatError.
func IsFormatError(err error) bool {
	var fe *FormatError
	return errors.As(err, &fe)
}

// Header is the file header.
type Header struct {
	Version  uint8
	HasAudio bool
	HasVideo bool
}

// Tag is one FLV tag. Timestamp is in milliseconds.
type Tag struct {
	Type      TagType
	Timestamp uint32
	StreamID  uint32
	Data      []byte
}

// IsKeyframe reports whether a video tag carries a keyframe.
func (t Tag) IsKeyframe() bool {
	return t.Type == TagVideo && len(t.Data) > 0 && t.Data[0]>>4 == 1
}

// Reader decodes FLV from a byte stream.
type Reader struct {
	r          *bufio.Reader
	headerRead bool
	buf        [tagHeaderSize]byte
}

// NewReader wraps r. size is the read buffer in bytes; values below 4096 use
// the bufio minimum that still holds a tag header.
func NewReader(r io.Reader, size int) *Reader {
	if size < 4096 {
		size = 4096
	}
	return &Reader{r: bufio.NewReaderSize(r, size)}
}

// ReadHeader reads the file header and the first PreviousTagSize field.
func (r *Reader) ReadHeader() (Header, error) {
	var b [headerSize]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return Header{}, err
	}
	if b[0] != 'F' || b[1] != 'L' || b[2] != 'V' {
		return Header{}, &FormatError{Msg: "invalid signature"}
	}
	offset := binary.BigEndian.Uint32(b[5:9])
	if offset < headerSize {
		return Header{}, &FormatError{Msg: fmt.Sprintf("invalid header size %d", offset)}
	}
	if skip := int(offset) - headerSize; skip > 0 {
		if _, err := r.r.Discard(skip); err != nil {
			return Header{}, err
		}
	}
	var prev [4]byte
	if _, err := io.ReadFull(r.r, prev[:]); err != nil {
		return Header{}, err
	}
	r.headerRead = true
	return Header{
		Version:  b[3],
		HasAudio: b[4]&0x04 != 0,
		HasVideo: b[4]&0x01 != 0,
	}, nil
}

// ReadTag reads the next tag and its trailing PreviousTagSize.
func (r *Reader) ReadTag() (Tag, error) {
	if !r.headerRead {
		if _, err := r.ReadHeader(); err != nil {
			return Tag{}, err
		}
	}
	if _, err := io.ReadFull(r.r, r.buf[:]); err != nil {
		return Tag{}, err
	}
	h := r.buf
	typ := TagType(h[0] & 0x1f)
	switch typ {
	case TagAudio, TagVideo, TagScript:
	default:
		return Tag{}, &FormatError{Msg: fmt.Sprintf("unknown tag type %d", typ)}
	}
	size := uint32(h[1])<<16 | uint32(h[2])<<8 | uint32(h[3])
	if size > MaxTagSize {
		return Tag{}, &FormatError{Msg: fmt.Sprintf("tag size %d exceeds limit", size)}
	}
	ts := uint32(h[7])<<24 | uint32(h[4])<<16 | uint32(h[5])<<8 | uint32(h[6])
	streamID := uint32(h[8])<<16 | uint32(h[9])<<8 | uint32(h[10])

	data := make([]byte, size)
	if _, err := io.ReadFull(r.r, data); err != nil {
		return Tag{}, err
	}
	var prev [4]byte
	if _, err := io.ReadFull(r.r, prev[:]); err != nil {
		return Tag{}, err
	}
	// some edges write 0 here; only a non-zero mismatch is corruption
	if p := binary.BigEndian.Uint32(prev[:]); p != 0 && p != size+tagHeaderSize {
		return Tag{}, &FormatError{Msg: fmt.Sprintf("previous tag size %d does not match %d", p, size+tagHeaderSize)}
	}
	return Tag{Type: typ, Timestamp: ts, StreamID: streamID, Data: data}, nil
}

// WriteHeader writes a file header followed by PreviousTagSize0.
func WriteHeader(w io.Writer, hasAudio, hasVideo bool) error {
	var flags byte
	if hasAudio {
		flags |= 0x04
	}
	if hasVideo {
		flags |= 0x01
	}
	b := []byte{'F', 'L', 'V', 1, flags, 0, 0, 0, headerSize, 0, 0, 0, 0}
	_, err := w.Write(b)
	return err
}

// WriteTag writes one tag followed by its PreviousTagSize.
func WriteTag(w io.Writer, t Tag) error {
	size := uint32(len(t.Data))
	if size > MaxTagSize {
		return &FormatError{Msg: "tag too large"}
	}
	h := []byte{
		byte(t.Type),
		byte(size >> 16), byte(size >> 8), byte(size),
		byte(t.Timestamp >> 16), byte(t.Timestamp >> 8), byte(t.Timestamp), byte(t.Timestamp >> 24),
		byte(t.StreamID >> 16), byte(t.StreamID >> 8), byte(t.StreamID),
	}
	if _, err := w.Write(h); err != nil {
		return err
	}
	if _, err := w.Write(t.Data); err != nil {
		return err
	}
	var prev [4]byte
	binary.BigEndian.PutUint32(prev[:], size+tagHeaderSize)
	_, err := w.Write(prev[:])
	return err
}
