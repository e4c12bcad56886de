package protocol

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"

	"shardfs/internal/repository"
	"shardfs/pkg/model"
)

// Reader accumulates bytes from a stream until complete frames are available.
type Reader struct {
	br         *bufio.Reader
	maxContent int64
}

// NewReader wraps r. maxContent caps declared lengths; zero means MaxContent.
func NewReader(r io.Reader, maxContent int64) *Reader {
	if maxContent <= 0 {
		maxContent = MaxContent
	}
	return &Reader{br: bufio.NewReader(r), maxContent: maxContent}
}

// MaxContent returns the transfer cap enforced by the reader.
func (r *Reader) MaxContent() int64 {
	return r.maxContent
}

// ReadCommand reads one command frame. Blank lines are skipped.
// io.EOF is returned when the peer closed the stream between turns.
func (r *Reader) ReadCommand() (model.Request, error) {
	for {
		line, err := r.readUntil(commandTerminator, MaxCommandFrame, "Command too long")
		if err != nil {
			return model.Request{}, err
		}
		fields := strings.Fields(strings.TrimRight(string(line), "\r"))
		if len(fields) == 0 {
			continue
		}
		req := model.Request{Command: model.Command(fields[0])}
		if len(fields) > 1 {
			req.Name = fields[1]
		}
		if len(fields) > 2 {
			req.DestDir = fields[2]
		}
		return req, nil
	}
}

// ReadText reads one NUL-terminated text frame of at most max bytes.
func (r *Reader) ReadText(max int) (Frame, error) {
	if max <= 0 {
		max = MaxStatusFrame
	}
	text, err := r.readUntil(textTerminator, max, "Response too long")
	if err != nil {
		return Frame{}, err
	}
	s := string(text)
	return Frame{Kind: Classify(s), Text: s}, nil
}

// ReadLength reads a length frame and validates it against the cap.
// A zero or negative length is reported without closing the connection since
// no body follows it; anything that may be followed by an unread body is fatal.
func (r *Reader) ReadLength() (int64, error) {
	n, err := r.readLength()
	if err != nil {
		return n, err
	}
	if n == 0 {
		return n, repository.InvalidLength("Invalid content length")
	}
	return n, nil
}

// readLength accepts zero, which is valid for announced downloads of empty files.
func (r *Reader) readLength() (int64, error) {
	raw, err := r.readUntil(lengthTerminator, MaxLengthFrame, "Invalid content length")
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, repository.Protocol(io.ErrUnexpectedEOF, "Failed to receive length")
		}
		return 0, err
	}
	if len(raw) > 0 && raw[0] == '-' && allDigits(raw[1:]) {
		return -1, repository.InvalidLength("Invalid content length")
	}
	if !allDigits(raw) {
		return 0, repository.AsFatal(repository.InvalidLength("Invalid content length"))
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || n >= r.maxContent {
		return n, repository.AsFatal(repository.Oversize("Content too large"))
	}
	return n, nil
}

func allDigits(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// ReadBody reads exactly n bytes, looping over partial reads.
// A stream that ends early is a failed transfer, never a short success.
func (r *Reader) ReadBody(n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		if isTimeout(err) {
			return nil, repository.Timeout(err, "Receive timeout")
		}
		return nil, repository.Protocol(err, "Failed to receive content")
	}
	return buf, nil
}

// ReadTransfer reads a length frame and the body it declares.
func (r *Reader) ReadTransfer() ([]byte, error) {
	n, err := r.ReadLength()
	if err != nil {
		return nil, err
	}
	return r.ReadBody(n)
}

// Discard consumes a transfer whose content is not wanted, keeping the
// stream aligned on the next frame.
func (r *Reader) Discard() error {
	n, err := r.ReadLength()
	if err != nil {
		return err
	}
	if _, err := io.CopyN(io.Discard, r.br, n); err != nil {
		if isTimeout(err) {
			return repository.Timeout(err, "Receive timeout")
		}
		return repository.Protocol(err, "Failed to receive content")
	}
	return nil
}

// Response is one complete reply: a text frame plus, for announcements,
// the body that followed it.
type Response struct {
	Frame Frame
	Data  []byte
}

// ReadResponse reads a text frame and, when it announces a file or archive,
// the length and body frames behind it.
func (r *Reader) ReadResponse(maxText int) (*Response, error) {
	f, err := r.ReadText(maxText)
	if err != nil {
		return nil, err
	}
	resp := &Response{Frame: f}
	if !f.IsAnnouncement() {
		return resp, nil
	}
	n, err := r.readLength()
	if err != nil {
		// The announcement was consumed, so the body is never aligned again.
		return nil, repository.AsFatal(asError(err))
	}
	if resp.Data, err = r.ReadBody(n); err != nil {
		return nil, err
	}
	return resp, nil
}

func (r *Reader) readUntil(delim byte, max int, tooLong string) ([]byte, error) {
	var buf []byte
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			if isTimeout(err) {
				return nil, repository.Timeout(err, "Receive timeout")
			}
			if errors.Is(err, io.EOF) && len(buf) == 0 {
				return nil, io.EOF
			}
			return nil, repository.Protocol(err, "Connection closed mid-frame")
		}
		if b == delim {
			return buf, nil
		}
		buf = append(buf, b)
		if len(buf) >= max {
			return nil, repository.Protocol(nil, "%s", tooLong)
		}
	}
}

func asError(err error) *repository.Error {
	var e *repository.Error
	if errors.As(err, &e) {
		return e
	}
	return repository.Protocol(err, "Malformed response")
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
