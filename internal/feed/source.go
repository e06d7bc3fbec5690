// Package feed opens delegation statistics feeds from registries, local files
// or stdin and exposes them as plain byte streams.
package feed

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"rirparser/internal/config"
)

type Compression string

const (
	CompressionNone Compression = "none"
	CompressionGzip Compression = "gzip"
	CompressionXZ   Compression = "xz"
)

var (
	ErrTooLarge    = errors.New("feed: source exceeds size limit")
	ErrHostBlocked = errors.New("feed: host is blocked")
)

// StdinLocation selects standard input as the feed source.
const StdinLocation = "-"

type Options struct {
	Timeout   time.Duration
	ProxyURL  string
	MaxBytes  int64
	UserAgent string
	// Blocked reports hosts that must not be contacted. Nil allows all.
	Blocked func(rawURL string) bool
}

// OptionsFromConfig builds source options from the fetch settings.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Timeout:  cfg.FetchTimeout(),
		ProxyURL: cfg.Fetch.ProxyURL,
		MaxBytes: cfg.Fetch.MaxBytes,
		Blocked:  config.IsHostBlocked,
	}
}

// Body is an open feed. Reads return decompressed bytes; Digest covers the
// bytes exactly as they came from the source.
type Body struct {
	Location    string
	Compression Compression

	reader  io.Reader
	hasher  *blake3.Hasher
	closers []io.Closer
	raw     int64
}

func (b *Body) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

// Close releases the source. It is safe to call more than once.
func (b *Body) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// Digest returns the hex BLAKE3 sum of the raw bytes read so far. Called after
// the body is drained it identifies the snapshot.
func (b *Body) Digest() string {
	sum := b.hasher.Sum(nil)
	return hex.EncodeToString(sum)
}

// RawBytes is the number of bytes consumed from the source.
func (b *Body) RawBytes() int64 {
	return b.raw
}

// Open resolves location to a byte source: an http(s) URL, "-" for stdin, or a
// file path. gzip and xz payloads are decompressed transparently.
func Open(ctx context.Context, location string, opts Options) (*Body, error) {
	var (
		src    io.Reader
		closer io.Closer
	)

	switch {
	case location == StdinLocation:
		src = os.Stdin
	case isRemote(location):
		if opts.Blocked != nil && opts.Blocked(location) {
			return nil, fmt.Errorf("%w: %s", ErrHostBlocked, location)
		}
		rc, err := fetchHTTP(ctx, location, opts)
		if err != nil {
			return nil, err
		}
		src, closer = rc, rc
	default:
		file, err := os.Open(location)
		if err != nil {
			return nil, fmt.Errorf("open feed file: %w", err)
		}
		src, closer = file, file
	}

	body := &Body{Location: location, hasher: blake3.New()}
	if closer != nil {
		body.closers = append(body.closers, closer)
	}

	counted := &countingReader{r: src, n: &body.raw, limit: opts.MaxBytes}
	buffered := bufio.NewReader(io.TeeReader(counted, body.hasher))

	compression, err := detectCompression(buffered)
	if err != nil {
		_ = body.Close()
		return nil, err
	}
	body.Compression = compression

	body.reader, err = decompress(buffered, compression, body)
	if err != nil {
		_ = body.Close()
		return nil, err
	}
	return body, nil
}

func isRemote(location string) bool {
	lower := strings.ToLower(location)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// countingReader fails with ErrTooLarge instead of truncating, so an
// oversized feed is never mistaken for a complete one.
type countingReader struct {
	r     io.Reader
	n     *int64
	limit int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	*c.n += int64(n)
	if c.limit > 0 && *c.n > c.limit {
		return n, fmt.Errorf("%w (%d bytes)", ErrTooLarge, c.limit)
	}
	return n, err
}
