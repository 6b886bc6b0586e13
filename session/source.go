// Copyright (c) 2021 Nutanix, Inc.
package session

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/golang/glog"
	"github.com/nutanix/ncmqtt/frame"
)

// Sized returns a reader over src together with the number of bytes it yields.
// Regular files are measured with stat from their current offset; any other source
// (pipes, terminals, sockets) is read to the end and served from memory.
func Sized(src io.Reader) (io.Reader, int64, error) {
	if f, ok := src.(*os.File); ok {
		if fi, err := f.Stat(); err == nil && fi.Mode().IsRegular() {
			off, err := f.Seek(0, io.SeekCurrent)
			if err != nil {
				off = 0
			}
			return f, fi.Size() - off, nil
		}
	}
	if l, ok := src.(interface{ Len() int }); ok {
		return src, int64(l.Len()), nil
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrRead, err)
	}
	glog.V(1).Infof("buffered %s of unsized input", humanize.Bytes(uint64(len(data))))
	return bytes.NewReader(data), int64(len(data)), nil
}

// findLoneEOT returns the 1-based index of the first data frame of src that would be
// exactly one 0x04 byte, or -1. Only sources that can be read at an offset are
// inspected; others report -1 and are checked frame by frame while sending.
func findLoneEOT(src io.Reader, size int64, capacity int) (int64, error) {
	if capacity > 1 && size%int64(capacity) != 1 {
		return -1, nil
	}
	ra, ok := src.(io.ReaderAt)
	if !ok {
		return -1, nil
	}
	seeker, ok := src.(io.Seeker)
	if !ok {
		return -1, nil
	}
	base, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return -1, err
	}

	if capacity > 1 {
		last := make([]byte, 1)
		if _, err := ra.ReadAt(last, base+size-1); err != nil && err != io.EOF {
			return -1, err
		}
		if last[0] == frame.EOT {
			return size/int64(capacity) + 1, nil
		}
		return -1, nil
	}

	// every frame is a single byte
	buf := make([]byte, 32*1024)
	section := io.NewSectionReader(ra, base, size)
	var off int64
	for {
		n, err := section.Read(buf)
		if i := bytes.IndexByte(buf[:n], frame.EOT); i >= 0 {
			return off + int64(i) + 1, nil
		}
		off += int64(n)
		if err == io.EOF {
			return -1, nil
		}
		if err != nil {
			return -1, err
		}
	}
}
