// Package protocol implements the framing shared by every hop:
// client to gateway and gateway to storage node.
//
// A turn starts with a command frame, a single line terminated by '\n'.
// Status, listing and announcement frames are text terminated by one NUL byte.
// An announcement (FILE_INFO:<name> or TAR_FILE:<name>) is always followed by
// a length frame, ASCII decimal digits terminated by '\n', and a body frame of
// exactly that many raw bytes. Uploads send command, length and body and get
// one text frame back.
package protocol

import (
	"strings"
)

const (
	ErrorPrefix    = "ERROR:"
	FileInfoPrefix = "FILE_INFO:"
	TarFilePrefix  = "TAR_FILE:"

	// MaxContent is the default transfer cap; accepted bodies are strictly smaller.
	MaxContent = 5242880
	// MaxLengthFrame bounds a length frame including its terminator.
	MaxLengthFrame = 32
	// MaxCommandFrame bounds a command line including its terminator.
	MaxCommandFrame = 1024
	// MaxStatusFrame bounds a simple status or announcement frame.
	MaxStatusFrame = 1024
	// MaxListingFrame bounds a listing frame.
	MaxListingFrame = MaxContent

	textTerminator    = 0x00
	commandTerminator = '\n'
	lengthTerminator  = '\n'
)

// Kind classifies a received text frame.
type Kind int

const (
	KindStatus Kind = iota
	KindError
	KindFileInfo
	KindTarFile
)

// Frame is one received text frame.
type Frame struct {
	Kind Kind
	Text string
}

// Classify returns the kind of a text frame by its prefix.
func Classify(text string) Kind {
	switch {
	case strings.HasPrefix(text, ErrorPrefix):
		return KindError
	case strings.HasPrefix(text, FileInfoPrefix):
		return KindFileInfo
	case strings.HasPrefix(text, TarFilePrefix):
		return KindTarFile
	default:
		return KindStatus
	}
}

// IsAnnouncement reports whether a length and body frame follow.
func (f Frame) IsAnnouncement() bool {
	return f.Kind == KindFileInfo || f.Kind == KindTarFile
}

// Name returns the file or archive name carried by an announcement.
func (f Frame) Name() string {
	switch f.Kind {
	case KindFileInfo:
		return strings.TrimPrefix(f.Text, FileInfoPrefix)
	case KindTarFile:
		return strings.TrimPrefix(f.Text, TarFilePrefix)
	}
	return ""
}

// ErrorText returns the message of an error frame without its prefix.
func (f Frame) ErrorText() string {
	return strings.TrimSpace(strings.TrimPrefix(f.Text, ErrorPrefix))
}
