package testutil

import (
	"bytes"
	"io"

	"github.com/skydrive/uploadq/uploadtypes"
)

type readSeekCloser struct {
	*bytes.Reader
}

func (readSeekCloser) Close() error { return nil }

// ByteSource builds an enqueueable source over an in-memory byte slice.
// Each Open call returns a fresh reader at byte zero.
func ByteSource(name, destinationPath string, data []byte) uploadtypes.Source {
	return uploadtypes.Source{
		Name:            name,
		DestinationPath: destinationPath,
		Size:            int64(len(data)),
		Open: func() (io.ReadSeekCloser, error) {
			return readSeekCloser{bytes.NewReader(data)}, nil
		},
	}
}

// SizedSource builds an enqueueable source of the given size filled with a
// repeating byte pattern, for tests that only care about byte counts.
func SizedSource(name, destinationPath string, size int64) uploadtypes.Source {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return ByteSource(name, destinationPath, data)
}
