// Package wire implements the length-prefixed binary framing shared by the
// aggregation server and its clients.
package wire

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// ErrEndOfStream reports that the peer closed the connection before the expected octets arrived.
var ErrEndOfStream = errors.New("peer closed the stream")

// ErrBadSignal reports a control byte other than SignalContinue or SignalConverged.
var ErrBadSignal = errors.New("unexpected signal byte")

const (
	SignalContinue  byte = 0x00
	SignalConverged byte = 0x01
)

const chunkSize = 64 * 1024

// SendExact writes all of b, looping over short writes.
func SendExact(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return errors.Wrap(err, "send failed")
		}
		b = b[n:]
	}

	return nil
}

// RecvExact reads exactly n octets.
func RecvExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, mapReadErr(err)
	}

	return buf, nil
}

func WriteUint64(w io.Writer, v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return SendExact(w, buf[:])
}

func ReadUint64(r io.Reader) (uint64, error) {
	buf, err := RecvExact(r, 8)
	if err != nil {
		return 0, err
	}

	return binary.BigEndian.Uint64(buf), nil
}

func WriteFloat64(w io.Writer, v float64) error {
	return WriteUint64(w, math.Float64bits(v))
}

func ReadFloat64(r io.Reader) (float64, error) {
	bits, err := ReadUint64(r)
	if err != nil {
		return 0, err
	}

	return math.Float64frombits(bits), nil
}

// WritePayload writes the 8-byte length prefix and then streams exactly size bytes from src.
func WritePayload(w io.Writer, src io.Reader, size int64) error {
	if size < 0 {
		return errors.Errorf("negative payload size %d", size)
	}
	if err := WriteUint64(w, uint64(size)); err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	copied, err := io.CopyBuffer(writerOnly{w}, io.LimitReader(src, size), buf)
	if err != nil {
		return errors.Wrap(err, "payload send failed")
	}
	if copied != size {
		return errors.Errorf("payload source ended after %d of %d bytes", copied, size)
	}

	return nil
}

// ReadPayload reads the length prefix and streams exactly that many bytes into dst.
func ReadPayload(r io.Reader, dst io.Writer) (int64, error) {
	size, err := ReadUint64(r)
	if err != nil {
		return 0, err
	}
	if size > math.MaxInt64 {
		return 0, errors.Errorf("payload size %d out of range", size)
	}

	buf := make([]byte, chunkSize)
	copied, err := io.CopyBuffer(dst, io.LimitReader(readerOnly{r}, int64(size)), buf)
	if err != nil {
		return copied, mapReadErr(err)
	}
	if copied != int64(size) {
		return copied, errors.Wrapf(ErrEndOfStream, "payload ended after %d of %d bytes", copied, size)
	}

	return copied, nil
}

func WriteSignal(w io.Writer, signal byte) error {
	if signal != SignalContinue && signal != SignalConverged {
		return errors.Wrapf(ErrBadSignal, "0x%02x", signal)
	}

	return SendExact(w, []byte{signal})
}

func ReadSignal(r io.Reader) (byte, error) {
	buf, err := RecvExact(r, 1)
	if err != nil {
		return 0, err
	}
	if buf[0] != SignalContinue && buf[0] != SignalConverged {
		return 0, errors.Wrapf(ErrBadSignal, "0x%02x", buf[0])
	}

	return buf[0], nil
}

func mapReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return ErrEndOfStream
	}

	return errors.Wrap(err, "receive failed")
}

// writerOnly and readerOnly hide ReadFrom/WriteTo so io.CopyBuffer uses the bounded buffer.
type writerOnly struct{ io.Writer }

type readerOnly struct{ io.Reader }
