// Package input maps the packed executable into memory.
package input

import (
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// Image is a mapped input file. Writes to a writable Image stay private to
// the process and never reach the file.
type Image struct {
	Path string
	data mmap.MMap
}

// Open maps path read-only, or copy-on-write when writable is set.
func Open(path string, writable bool) (*Image, error) {
	handle, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open input file. %w", err)
	}
	defer func() {
		_ = handle.Close()
	}()

	info, err := handle.Stat()
	if err != nil {
		return nil, fmt.Errorf("unable to stat input file. %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("input file %s is empty", path)
	}

	prot := mmap.RDONLY
	if writable {
		prot = mmap.COPY
	}
	data, err := mmap.Map(handle, prot, 0)
	if err != nil {
		return nil, fmt.Errorf("unable to map input file. %w", err)
	}
	return &Image{Path: path, data: data}, nil
}

func (i *Image) Bytes() []byte {
	return i.data
}

func (i *Image) Close() error {
	if i.data == nil {
		return nil
	}
	err := i.data.Unmap()
	i.data = nil
	return err
}
