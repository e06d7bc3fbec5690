package feed

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, 0x37, 0x7a, 0x58, 0x5a, 0x00}
)

func detectCompression(r *bufio.Reader) (Compression, error) {
	magic, err := r.Peek(len(xzMagic))
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read feed header: %w", err)
	}

	switch {
	case bytes.HasPrefix(magic, xzMagic):
		return CompressionXZ, nil
	case bytes.HasPrefix(magic, gzipMagic):
		return CompressionGzip, nil
	default:
		return CompressionNone, nil
	}
}

func decompress(r io.Reader, compression Compression, body *Body) (io.Reader, error) {
	switch compression {
	case CompressionGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		body.closers = append(body.closers, gz)
		return gz, nil
	case CompressionXZ:
		xzReader, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create xz reader: %w", err)
		}
		return xzReader, nil
	case CompressionNone:
		return r, nil
	default:
		return nil, fmt.Errorf("unsupported compression: %s", compression)
	}
}

