package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"shardfs/internal/client/file"
	"shardfs/internal/protocol"
	"shardfs/pkg/model"
)

type CLI struct {
	client      *file.Client
	scanner     *bufio.Scanner
	out         io.Writer
	downloadDir string
}

func New(client *file.Client, in io.Reader, out io.Writer, downloadDir string) *CLI {
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if downloadDir == "" {
		downloadDir = "."
	}
	return &CLI{
		client:      client,
		scanner:     bufio.NewScanner(in),
		out:         out,
		downloadDir: downloadDir,
	}
}

func (c *CLI) Run(ctx context.Context) error {
	c.printWelcome()

	for {
		fmt.Fprint(c.out, "Enter command: ")
		if !c.scanner.Scan() {
			break
		}

		line := strings.TrimSpace(c.scanner.Text())
		if line == "" {
			continue
		}
		if !c.Execute(ctx, line) {
			fmt.Fprintln(c.out, "Bye!")
			return nil
		}
	}
	return c.scanner.Err()
}

// RunBatch executes each command in order and stops at exit.
func (c *CLI) RunBatch(ctx context.Context, commands []string) error {
	for _, cmd := range commands {
		if strings.TrimSpace(cmd) == "" {
			continue
		}
		if !c.Execute(ctx, cmd) {
			return nil
		}
	}
	return nil
}

// Execute runs one command line and reports whether the session continues.
func (c *CLI) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	command := parts[0]
	args := parts[1:]

	switch model.Command(command) {
	case model.CommandUpload:
		c.handleUpload(ctx, args)
	case model.CommandDownload:
		c.handleDownload(ctx, args)
	case model.CommandList:
		c.handleList(ctx, args)
	case model.CommandDelete:
		c.handleRemove(ctx, args)
	case model.CommandArchive:
		c.handleArchive(ctx, args)
	case model.CommandExit:
		return false
	default:
		if command == "help" {
			c.printHelp()
			return true
		}
		fmt.Fprintf(c.out, "Unexpected command: %s. Type 'help' to get full list of commands.\n\n", command)
	}
	return true
}

func (c *CLI) printWelcome() {
	fmt.Fprintln(c.out, "Distributed file system client")
	fmt.Fprintln(c.out, "Type 'help' to get full list of commands.")
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "Available commands:")
	fmt.Fprintln(c.out, "  uploadf <local_file> <dest_path>  - Upload a .c, .pdf, .txt or .zip file")
	fmt.Fprintln(c.out, "  downlf <file>                     - Download a file into the download directory")
	fmt.Fprintln(c.out, "  removef <file>                    - Delete a file")
	fmt.Fprintln(c.out, "  downltar <.c|.pdf|.txt|.zip>      - Download every file of a type as a tar")
	fmt.Fprintln(c.out, "  dispfnames <path>                 - List files under a directory on every node")
	fmt.Fprintln(c.out, "  help                              - Show this help message")
	fmt.Fprintln(c.out, "  exit                              - Close the connection and quit")
	fmt.Fprintln(c.out)
}

func (c *CLI) handleUpload(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(c.out, "Usage: uploadf <local_file> <dest_path>")
		return
	}
	localPath, dest := args[0], args[1]

	if _, err := os.Stat(localPath); err != nil {
		fmt.Fprintf(c.out, "ERROR: FILE '%s' DOES NOT EXIST\n", localPath)
		return
	}

	start := time.Now()
	msg, err := c.client.UploadFileFromPath(ctx, localPath, dest)
	if err != nil {
		c.printError("UPLOADING FILE", err)
		return
	}
	fmt.Fprintln(c.out, msg)
	fmt.Fprintf(c.out, "Upload time %v\n", time.Since(start))
}

func (c *CLI) handleDownload(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: downlf <file>")
		return
	}

	start := time.Now()
	out, err := c.client.DownloadFileToPath(ctx, args[0], c.downloadDir)
	if err != nil {
		c.printError("DOWNLOADING FILE", err)
		return
	}
	fmt.Fprintf(c.out, "File downloaded successfully to: %s\n", out)
	fmt.Fprintf(c.out, "Download time: %v\n", time.Since(start))
}

func (c *CLI) handleArchive(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: downltar <.c|.pdf|.txt|.zip>")
		return
	}

	start := time.Now()
	out, err := c.client.DownloadArchiveToPath(ctx, args[0], c.downloadDir)
	if err != nil {
		c.printError("DOWNLOADING ARCHIVE", err)
		return
	}
	fmt.Fprintf(c.out, "Archive downloaded successfully to: %s\n", out)
	fmt.Fprintf(c.out, "Download time: %v\n", time.Since(start))
}

func (c *CLI) handleRemove(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: removef <file>")
		return
	}

	msg, err := c.client.RemoveFile(ctx, args[0])
	if err != nil {
		c.printError("REMOVING FILE", err)
		return
	}
	fmt.Fprintln(c.out, msg)
}

func (c *CLI) handleList(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: dispfnames <path>")
		return
	}

	start := time.Now()
	frames, err := c.client.ListFiles(ctx, args[0])
	if err != nil {
		c.printError("LISTING FILES", err)
		return
	}

	for _, f := range frames {
		if f.Kind == protocol.KindError {
			fmt.Fprintln(c.out, f.Text)
			continue
		}
		fmt.Fprint(c.out, f.Text)
		if !strings.HasSuffix(f.Text, "\n") {
			fmt.Fprintln(c.out)
		}
	}
	fmt.Fprintf(c.out, "(fetched in %v)\n\n", time.Since(start))
}

func (c *CLI) printError(what string, err error) {
	if re, ok := err.(*file.RemoteError); ok {
		fmt.Fprintln(c.out, re.Error())
		return
	}
	fmt.Fprintf(c.out, "ERROR %s: %v\n", what, err)
}
