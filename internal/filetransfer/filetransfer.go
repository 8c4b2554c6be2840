// Package filetransfer implements File Transfer (C12): chunked file
// streams demultiplexed by transfer id over an internal/endpoint.Session,
// unifying what were previously two separate file-transfer paths (an
// HTTP-multipart upload flow and a WebRTC-DataChannel-coupled one) into
// one implementation grounded on filedrop/handler.go's state machine
// (start/chunk/complete handling, path-traversal guards, bounded
// received-file notification channel) adapted from a 3-message
// (start/chunk/complete) protocol to spec §4.12's 2-message
// (FileTransferBlock/FileTransferTerminate) protocol, where the first
// block doubles as transfer start.
package filetransfer

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/nimbusdesk/core/internal/coreerr"
	"github.com/nimbusdesk/core/internal/logging"
	"github.com/nimbusdesk/core/internal/wire"
	"github.com/nimbusdesk/core/pkg/model"
)

var log = logging.L("filetransfer")

// BlockSize is the maximum payload size of one FileTransferBlock, per
// spec §4.12 ("chunks (<= 8 KiB)").
const BlockSize = 8 * 1024

// Sender streams an on-disk file out as FileTransferBlock chunks,
// finishing with a block with Finish=true and empty Data, or aborting
// with FileTransferTerminate on error or explicit Cancel.
type Sender struct {
	id      string
	send    func(wire.Message) error
	file    *os.File
	mu      sync.Mutex
	aborted bool
}

// NewSender opens path for reading and returns a Sender that writes
// blocks through send (typically Session.Send).
func NewSender(id, path string, send func(wire.Message) error) (*Sender, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IO, "filetransfer.NewSender: open", err)
	}
	return &Sender{id: id, send: send, file: f}, nil
}

// Run streams the file to completion, blocking until done or aborted.
// Callers run this in its own goroutine.
func (s *Sender) Run() error {
	defer s.file.Close()
	reader := bufio.NewReaderSize(s.file, BlockSize)
	buf := make([]byte, BlockSize)

	for {
		s.mu.Lock()
		aborted := s.aborted
		s.mu.Unlock()
		if aborted {
			return s.send(wire.FileTransferTerminate{ID: s.id})
		}

		n, err := reader.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if err := s.send(wire.FileTransferBlock{ID: s.id, Data: data}); err != nil {
				return err
			}
		}
		if err == io.EOF {
			return s.send(wire.FileTransferBlock{ID: s.id, Finish: true})
		}
		if err != nil {
			s.send(wire.FileTransferTerminate{ID: s.id})
			return coreerr.Wrap(coreerr.IO, "filetransfer.Sender.Run: read", err)
		}
	}
}

// Cancel aborts the transfer; Run sends FileTransferTerminate and
// returns on its next iteration.
func (s *Sender) Cancel() {
	s.mu.Lock()
	s.aborted = true
	s.mu.Unlock()
}

// ReceivedFile describes a completed inbound transfer.
type ReceivedFile struct {
	ID   string
	Name string
	Path string
	Size int64
}

type incoming struct {
	file *os.File
	size int64
}

// Receiver demultiplexes inbound FileTransferBlock/FileTransferTerminate
// pushes by id, writing each transfer's blocks into receiveDir.
// Grounded on filedrop/handler.go's handleStart/handleChunk/
// handleComplete, minus its start message (spec's protocol has no
// explicit start message; the first block for an unseen id opens the
// file, named by id since FileTransferBlock carries no file name field).
type Receiver struct {
	receiveDir string

	mu        sync.Mutex
	transfers map[string]*incoming
	completed chan ReceivedFile
	closed    bool
}

// NewReceiver returns a Receiver writing completed transfers into
// receiveDir, which is created if missing.
func NewReceiver(receiveDir string) (*Receiver, error) {
	if err := os.MkdirAll(receiveDir, 0o755); err != nil {
		return nil, coreerr.Wrap(coreerr.IO, "filetransfer.NewReceiver: mkdir", err)
	}
	return &Receiver{
		receiveDir: receiveDir,
		transfers:  make(map[string]*incoming),
		completed:  make(chan ReceivedFile, 8),
	}, nil
}

// Completed delivers one ReceivedFile per finished transfer.
func (r *Receiver) Completed() <-chan ReceivedFile { return r.completed }

// Handle processes one inbound FileTransferBlock or FileTransferTerminate
// message, typically read off Session.SubscribeFileTransfer().
func (r *Receiver) Handle(msg wire.Message) error {
	switch m := msg.(type) {
	case wire.FileTransferBlock:
		return r.handleBlock(m)
	case wire.FileTransferTerminate:
		return r.handleTerminate(m)
	default:
		return coreerr.New(coreerr.Other, "filetransfer.Receiver.Handle: unexpected message kind "+msg.Kind().String())
	}
}

func (r *Receiver) handleBlock(m wire.FileTransferBlock) error {
	if m.ID == "" {
		return coreerr.New(coreerr.Other, "filetransfer: missing transfer id")
	}

	r.mu.Lock()
	t, ok := r.transfers[m.ID]
	if !ok {
		path, err := r.resolvePath(m.ID)
		if err != nil {
			r.mu.Unlock()
			return err
		}
		f, err := os.Create(path)
		if err != nil {
			r.mu.Unlock()
			return coreerr.Wrap(coreerr.IO, "filetransfer: create", err)
		}
		t = &incoming{file: f}
		r.transfers[m.ID] = t
	}
	r.mu.Unlock()

	if len(m.Data) > 0 {
		if _, err := t.file.Write(m.Data); err != nil {
			return coreerr.Wrap(coreerr.IO, "filetransfer: write", err)
		}
		t.size += int64(len(m.Data))
	}

	if m.Finish {
		r.mu.Lock()
		delete(r.transfers, m.ID)
		r.mu.Unlock()

		if err := t.file.Close(); err != nil {
			return coreerr.Wrap(coreerr.IO, "filetransfer: close", err)
		}
		result := ReceivedFile{ID: m.ID, Name: filepath.Base(t.file.Name()), Path: t.file.Name(), Size: t.size}
		select {
		case r.completed <- result:
		default:
			log.Warn("completed channel full, dropping notification", "id", m.ID)
		}
	}
	return nil
}

func (r *Receiver) handleTerminate(m wire.FileTransferTerminate) error {
	r.mu.Lock()
	t, ok := r.transfers[m.ID]
	if ok {
		delete(r.transfers, m.ID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	path := t.file.Name()
	t.file.Close()
	os.Remove(path) // discard partial file per spec §4.12
	return nil
}

// resolvePath builds a destination path for id, guarding against path
// traversal: id is caller-controlled (it comes off the wire), so an id
// that is not already a plain file name (filepath.Base(id) != id) is
// rejected and the final path re-checked against receiveDir.
func (r *Receiver) resolvePath(id string) (string, error) {
	safeName := filepath.Base(id)
	if safeName != id || safeName == "." || safeName == ".." || safeName == "" {
		return "", coreerr.New(coreerr.Other, fmt.Sprintf("filetransfer: invalid transfer id %q", id))
	}

	absDir, err := filepath.Abs(r.receiveDir)
	if err != nil {
		return "", coreerr.Wrap(coreerr.IO, "filetransfer: resolve receive dir", err)
	}
	path := filepath.Join(absDir, safeName)
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", coreerr.Wrap(coreerr.IO, "filetransfer: resolve path", err)
	}
	if !strings.HasPrefix(absPath, absDir+string(filepath.Separator)) {
		return "", coreerr.New(coreerr.Other, fmt.Sprintf("filetransfer: path traversal detected for id %q", id))
	}
	return absPath, nil
}

// ListDirectory reads one filesystem directory and returns its immediate
// children split into sub-directories and files, per spec §3's
// Directory/DirEntry shapes and §6's directory-browsing supplement
// (data model present, procedure not detailed in spec.md §4; grounded on
// mirrorx_core's fs component's flat single-level listing). An empty path
// lists the caller's home directory. Entries are sorted by name so the
// wire representation and any UI built on it are deterministic.
func ListDirectory(path string) (model.Directory, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return model.Directory{}, coreerr.Wrap(coreerr.IO, "filetransfer.ListDirectory: resolve home dir", err)
		}
		path = home
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return model.Directory{}, coreerr.Wrap(coreerr.IO, "filetransfer.ListDirectory: read dir", err)
	}

	dir := model.Directory{Path: path}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			// A single unreadable entry (permission error, broken symlink)
			// doesn't fail the whole listing; skip it.
			log.Warn("filetransfer.ListDirectory: skipping unreadable entry", "name", e.Name(), "error", err)
			continue
		}
		child := model.DirEntry{Path: filepath.Join(path, e.Name()), ModifiedTime: info.ModTime()}
		if e.IsDir() {
			dir.SubDirs = append(dir.SubDirs, child)
		} else {
			child.Size = info.Size()
			dir.Files = append(dir.Files, child)
		}
	}

	sort.Slice(dir.SubDirs, func(i, j int) bool { return dir.SubDirs[i].Path < dir.SubDirs[j].Path })
	sort.Slice(dir.Files, func(i, j int) bool { return dir.Files[i].Path < dir.Files[j].Path })

	return dir, nil
}

// HandleDirectoryRequest is an endpoint.RequestHandler for
// wire.KindDirectoryRequest: it runs ListDirectory and translates the
// result (or error) into a DirectoryResponse, never returning a Go error
// itself so a failed listing still reaches the peer as a reply instead of
// being dropped.
func HandleDirectoryRequest(msg wire.Message) (wire.Message, error) {
	req := msg.(wire.DirectoryRequest)
	dir, err := ListDirectory(req.Path)
	if err != nil {
		return wire.DirectoryResponse{Path: req.Path, Err: err.Error()}, nil
	}
	return wire.DirectoryResponse{
		Path:    dir.Path,
		SubDirs: toDirEntryInfos(dir.SubDirs),
		Files:   toDirEntryInfos(dir.Files),
	}, nil
}

func toDirEntryInfos(entries []model.DirEntry) []wire.DirEntryInfo {
	out := make([]wire.DirEntryInfo, len(entries))
	for i, e := range entries {
		out[i] = wire.DirEntryInfo{Path: e.Path, ModifiedTime: e.ModifiedTime.Unix(), Size: e.Size, Icon: e.Icon}
	}
	return out
}

// Close releases any in-flight transfers, discarding their partial files.
func (r *Receiver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for _, t := range r.transfers {
		path := t.file.Name()
		t.file.Close()
		os.Remove(path)
	}
	r.transfers = make(map[string]*incoming)
	close(r.completed)
}
