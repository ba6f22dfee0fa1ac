package tarimage

import (
	"fmt"
	"io"
	"os"
)

// Source produces independent, rewindable readers over the same tar
// archive. Open may be called many times and concurrently; each call
// must return a fresh stream starting at the beginning of the archive.
//
// Every LayerRef.Open re-scans a fresh Source stream to its entry
// rather than holding a single archive/tar.Reader open across the
// whole push, so a retried PATCH can simply call Open again.
type Source interface {
	Open() (io.ReadCloser, error)
	// Close releases any resources the Source itself owns (e.g. a
	// scratch file created to buffer a non-seekable input). It does not
	// close readers already handed out by Open.
	Close() error
}

// FileSource opens the same path on disk for every Open call. Multiple
// os.File handles to one path are safe to read concurrently, so no
// internal serialization is needed here.
type FileSource struct {
	Path string
}

func (f FileSource) Open() (io.ReadCloser, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("opening tar %s: %w", f.Path, err)
	}
	return file, nil
}

func (f FileSource) Close() error { return nil }

// BufferToFile drains r into a temporary file and returns a Source
// backed by it, deleting the file on Close. Use this when the caller
// only has a non-seekable io.Reader (e.g. a pipe or network stream):
// buffering once up front is what lets every later LayerRef.Open reopen
// independently instead of requiring a single-reader serialization
// worker to fan out over one live stream.
func BufferToFile(r io.Reader) (Source, error) {
	tmp, err := os.CreateTemp("", "regpush-tar-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch file for tar input: %w", err)
	}
	path := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(path)
		return nil, fmt.Errorf("buffering tar input to scratch file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("finalizing scratch file: %w", err)
	}
	return &ownedFileSource{FileSource: FileSource{Path: path}}, nil
}

type ownedFileSource struct {
	FileSource
}

func (o *ownedFileSource) Close() error {
	return os.Remove(o.Path)
}
