package protocol

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"shardfs/internal/repository"
	"shardfs/pkg/model"
)

// Writer emits frames. Every method flushes, so one call is one frame on the wire.
type Writer struct {
	bw *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriter(w)}
}

// WriteCommand sends a command frame.
func (w *Writer) WriteCommand(req model.Request) error {
	w.bw.WriteString(req.String())
	w.bw.WriteByte(commandTerminator)
	return w.flush()
}

// WriteStatus sends a plain status or listing frame.
func (w *Writer) WriteStatus(text string) error {
	w.writeText(text)
	return w.flush()
}

// WriteError sends an ERROR: frame.
func (w *Writer) WriteError(msg string) error {
	w.writeText(ErrorPrefix + " " + msg)
	return w.flush()
}

// WriteLength sends a length frame.
func (w *Writer) WriteLength(n int64) error {
	w.bw.WriteString(strconv.FormatInt(n, 10))
	w.bw.WriteByte(lengthTerminator)
	return w.flush()
}

// WriteBody sends raw body bytes.
func (w *Writer) WriteBody(p []byte) error {
	w.bw.Write(p)
	return w.flush()
}

// WriteTransfer sends a length frame followed by its body.
func (w *Writer) WriteTransfer(p []byte) error {
	if err := w.WriteLength(int64(len(p))); err != nil {
		return err
	}
	return w.WriteBody(p)
}

// WriteFile sends a FILE_INFO: announcement, length and body.
func (w *Writer) WriteFile(f *model.File) error {
	return w.writeAnnounced(FileInfoPrefix+f.Name, f.Data)
}

// WriteArchive sends a TAR_FILE: announcement, length and body.
func (w *Writer) WriteArchive(f *model.File) error {
	return w.writeAnnounced(TarFilePrefix+f.Name, f.Data)
}

// WriteResponse relays a response read from another node.
func (w *Writer) WriteResponse(resp *Response) error {
	if !resp.Frame.IsAnnouncement() {
		return w.WriteStatus(resp.Frame.Text)
	}
	return w.writeAnnounced(resp.Frame.Text, resp.Data)
}

func (w *Writer) writeAnnounced(announcement string, data []byte) error {
	if err := w.WriteStatus(announcement); err != nil {
		return err
	}
	return w.WriteTransfer(data)
}

func (w *Writer) writeText(text string) {
	w.bw.WriteString(strings.ReplaceAll(text, "\x00", ""))
	w.bw.WriteByte(textTerminator)
}

func (w *Writer) flush() error {
	if err := w.bw.Flush(); err != nil {
		return repository.AsFatal(repository.IOError(err, "Failed to send"))
	}
	return nil
}
