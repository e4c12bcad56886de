// file.go - data models shared by the gateway, the storage nodes and the client
// Describes nodes, request turns and the transient records produced while serving them
package model

import (
	"path"
	"strings"
)

// Role tells whether a node accepts client connections directly or only serves forwarded requests
type Role string

const (
	RoleGateway Role = "gateway"
	RoleStorage Role = "storage"
)

// Node is one process owning a root directory and exactly one file extension
// Built once from configuration at startup and never changed afterwards
type Node struct {
	Name      string // Short node name, e.g. S1
	Role      Role   // gateway or storage
	Root      string // Absolute root directory of the node's file tree
	Extension string // Owned extension including the dot, e.g. .pdf
	Addr      string // host:port of the protocol listener
	AdminAddr string // host:port of the admin gRPC listener, empty when disabled
}

// IsGateway reports whether the node is the client-facing gateway
func (n Node) IsGateway() bool {
	return n.Role == RoleGateway
}

// Owns reports whether ext is the node's extension
func (n Node) Owns(ext string) bool {
	return ext != "" && ext == n.Extension
}

// Command is the keyword of a command frame
type Command string

const (
	CommandDownload Command = "downlf"
	CommandUpload   Command = "uploadf"
	CommandList     Command = "dispfnames"
	CommandDelete   Command = "removef"
	CommandArchive  Command = "downltar"
	CommandExit     Command = "exit" // client-local, never sent
)

// Known reports whether c is one of the five wire commands
func (c Command) Known() bool {
	switch c {
	case CommandDownload, CommandUpload, CommandList, CommandDelete, CommandArchive:
		return true
	}
	return false
}

// Request is one parsed command frame
type Request struct {
	Command Command // Command keyword as received
	Name    string  // Filename, path or extension depending on the command
	DestDir string  // Destination directory, upload only
}

// String renders the request as a command frame body
func (r Request) String() string {
	parts := []string{string(r.Command)}
	if r.Name != "" {
		parts = append(parts, r.Name)
	}
	if r.DestDir != "" {
		parts = append(parts, r.DestDir)
	}
	return strings.Join(parts, " ")
}

// Extension returns the extension the request targets
// For downltar the primary argument already is the extension
func (r Request) Extension() string {
	if r.Command == CommandArchive {
		return r.Name
	}
	return Ext(r.Name)
}

// Ext returns the extension of name starting at its last dot, or "" when there is none
// Only the final path element is inspected so "dir.v2/file" has no extension
func Ext(name string) string {
	base := path.Base(name)
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		return base[i:]
	}
	return ""
}

// File is a named blob sent in an announcement + length + body sequence
type File struct {
	Name string // Name carried by the announcement frame
	Data []byte // Exactly the declared number of bytes
}

// Size returns the declared length of the transfer
func (f *File) Size() int64 {
	return int64(len(f.Data))
}

// UploadRequest is an upload turn after its payload was fully received
type UploadRequest struct {
	Filename string // Name of the file to create
	DestDir  string // Directory under the node root
	Data     []byte // Payload, 0 < len < max content
}

// FileRecord is a file discovered by the indexer
type FileRecord struct {
	Path    string // Absolute path on disk
	RelPath string // Path relative to the indexed base directory
}

// ArchiveJob is the manifest and blob produced for one downltar turn
// Both artifacts are discarded when the turn ends
type ArchiveJob struct {
	Name     string       // Generic archive name, e.g. pdf_files.tar
	Base     string       // Directory the manifest entries are relative to
	Manifest []FileRecord // Files to bundle
	Data     []byte       // Generated archive
}

// ArchiveName returns the generic archive name for an extension
func ArchiveName(ext string) string {
	return strings.TrimPrefix(ext, ".") + "_files.tar"
}
