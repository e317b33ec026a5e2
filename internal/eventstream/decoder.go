// Package eventstream parses the upstream's AWS event-stream binary frames
// into the generateAssistantResponse semantic event taxonomy.
//
// Framing (chunk reassembly, overflow/resync) is owned by this package;
// prelude/message CRC validation and header decoding is delegated to
// github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream, the same library
// AWS's own streaming SDK clients (S3 Select, Transcribe, Bedrock/Q
// Developer) use for this wire format.
package eventstream

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	awseventstream "github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
)

// maxFrameBytes bounds a single frame; a prelude claiming more than this is
// treated as a recoverable overflow rather than an attempt to allocate an
// unbounded buffer.
const maxFrameBytes = 16 << 20 // 16 MiB

// preludeLen is total_length(4) + headers_length(4) + prelude_crc(4).
const preludeLen = 12

// ErrOverflow is returned from Feed when a frame claims an implausible
// length; the decoder discards its buffer and resynchronizes.
var ErrOverflow = errors.New("eventstream: frame length overflow, resyncing")

// Decoder is a stream-reassembling state machine: Feed appends arbitrary
// byte chunks, and Next yields fully-decoded frames as soon as enough bytes
// have arrived, independent of how the caller chunked its input.
type Decoder struct {
	buf bytes.Buffer
}

// NewDecoder returns an empty decoder ready to receive chunks via Feed.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the internal buffer.
func (d *Decoder) Feed(chunk []byte) {
	d.buf.Write(chunk)
}

// Next attempts to decode one complete frame from the buffered bytes. It
// returns (msg, true, nil) on success, (zero, false, nil) when more bytes
// are needed, or a non-nil error (ErrOverflow or a CRC/format failure) when
// the buffered data cannot form a valid frame.
func (d *Decoder) Next() (awseventstream.Message, bool, error) {
	raw := d.buf.Bytes()
	if len(raw) < 4 {
		return awseventstream.Message{}, false, nil
	}

	totalLength := binary.BigEndian.Uint32(raw[0:4])
	if totalLength > maxFrameBytes {
		d.buf.Reset()
		return awseventstream.Message{}, false, ErrOverflow
	}
	if totalLength < preludeLen+4 { // prelude + message_crc, payload may be empty
		d.buf.Reset()
		return awseventstream.Message{}, false, fmt.Errorf("eventstream: implausible frame length %d", totalLength)
	}
	if uint32(len(raw)) < totalLength {
		return awseventstream.Message{}, false, nil
	}

	frame := raw[:totalLength]
	dec := awseventstream.NewDecoder(bytes.NewReader(frame))
	msg, err := dec.Decode(nil)
	if err != nil {
		// The frame's own length prefix was self-consistent but its CRCs
		// were not: treat this as a resync point rather than retrying the
		// same bytes forever.
		d.buf.Next(int(totalLength))
		return awseventstream.Message{}, false, fmt.Errorf("eventstream: decode frame: %w", err)
	}

	d.buf.Next(int(totalLength))
	return msg, true, nil
}

// Drain decodes every currently-available complete frame, calling fn for
// each. A malformed frame is skipped; Drain returns on ErrOverflow, on the
// first error fn returns, or once no further complete frame is buffered.
func (d *Decoder) Drain(fn func(awseventstream.Message) error) error {
	for {
		msg, ok, err := d.Next()
		if err != nil {
			if errors.Is(err, ErrOverflow) {
				return err
			}
			// A single malformed frame is skipped, not fatal to the stream.
			continue
		}
		if !ok {
			return nil
		}
		if err := fn(msg); err != nil {
			return err
		}
	}
}
