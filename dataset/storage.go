package dataset

import (
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Backend resolves an annotation source path to a byte stream. The
// evaluator reads the source exactly once, at index construction.
type Backend interface {
	Open(path string) (io.ReadCloser, error)
}

// LocalBackend reads annotation files from the local filesystem.
type LocalBackend struct{}

// Open opens a local file.
func (LocalBackend) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening local annotation file")
	}
	return f, nil
}

// HTTPBackend fetches annotation files from a remote object store over
// HTTP(S).
type HTTPBackend struct {
	// Client is the HTTP client to use; http.DefaultClient when nil.
	Client *http.Client
}

// Open issues a GET for the annotation object.
func (b HTTPBackend) Open(url string) (io.ReadCloser, error) {
	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(url)
	if err != nil {
		return nil, errors.Wrap(err, "fetching remote annotation file")
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("fetching remote annotation file: %s", resp.Status)
	}
	return resp.Body, nil
}

// ResolveBackend picks a backend from the path scheme: http(s) URLs go to
// the HTTP backend, everything else to the local filesystem.
func ResolveBackend(path string) Backend {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return HTTPBackend{}
	}
	return LocalBackend{}
}

// Load opens the annotation source through the given backend and builds the
// index. A nil backend resolves from the path scheme.
func Load(path string, backend Backend) (*Index, error) {
	if backend == nil {
		backend = ResolveBackend(path)
	}
	rc, err := backend.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidAnnotationFile, "opening %s: %v", path, err)
	}
	defer rc.Close()
	return NewIndex(rc)
}
