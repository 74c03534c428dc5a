package sources

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("resource not found on server")

// Cache mirrors remote files under a local directory, downloading each
// one once and writing it atomically.
type Cache struct {
	Dir string
	Log zerolog.Logger
}

type progressWriter struct {
	io.Writer
	total uint64
	last  uint64
	label string
	log   zerolog.Logger
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.Writer.Write(p)
	pw.total += uint64(n)
	if pw.total-pw.last > 5*1024*1024 { // Log every 5MB
		pw.log.Info().Str("file", pw.label).Uint64("mb", pw.total/1024/1024).Msg("downloading")
		pw.last = pw.total
	}
	return n, err
}

// fileName derives a collision-safe local name from the URL: the last
// path segment plus a short hash of the full URL, queries included.
func (c Cache) fileName(url string) string {
	trimmed := url
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}
	parts := strings.Split(strings.TrimRight(trimmed, "/"), "/")
	base := parts[len(parts)-1]
	if base == "" {
		base = "index"
	}
	h := fnv.New32a()
	h.Write([]byte(url))
	return fmt.Sprintf("%08x_%s", h.Sum32(), base)
}

// Fetch returns a reader for the URL, downloading into the cache on the
// first request and serving from disk afterwards.
func (c Cache) Fetch(url string) (io.ReadCloser, error) {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache dir: %w", err)
	}
	localPath := filepath.Join(c.Dir, c.fileName(url))

	if _, err := os.Stat(localPath); os.IsNotExist(err) {
		c.Log.Info().Str("url", url).Msg("downloading")
		if err := c.Download(url, localPath); err != nil {
			return nil, err
		}
	} else {
		c.Log.Debug().Str("path", localPath).Msg("using cached file")
	}
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	return f, nil
}

// Download fetches a URL to a local path safely.
func (c Cache) Download(url, path string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.Log.Warn().Err(err).Msg("error closing response body")
		}
	}()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	// Temp file in the same directory so the final rename is atomic.
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	defer func() {
		if err := os.Remove(tmpName); err != nil && !os.IsNotExist(err) {
			c.Log.Warn().Err(err).Str("path", tmpName).Msg("error removing temp file")
		}
	}()

	pw := &progressWriter{Writer: tmpFile, label: filepath.Base(path), log: c.Log}
	if _, err := io.Copy(pw, resp.Body); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
