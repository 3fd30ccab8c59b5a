//go:build unix

/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

func init() {
	// Set platform-specific function implementations
	unmapMemory = munmapImpl
}

// CreateSegment creates and initializes a new segment file named name in dir.
// An empty dir selects /dev/shm, or the temporary directory when /dev/shm is
// not available. The error wraps os.ErrExist if the segment already exists.
//
// The segment is built under a temporary name and linked into place once
// initialized, so OpenSegment never sees a partial segment.
func CreateSegment(dir, name string, g Geometry, key uint32) (*Segment, error) {
	path := SegmentPath(dir, name)

	layout, err := CalculateLayout(g)
	if err != nil {
		return nil, fmt.Errorf("layout calculation failed: %w", err)
	}
	if SegmentExists(dir, name) {
		return nil, fmt.Errorf("segment file %s: %w", path, os.ErrExist)
	}

	file, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".init-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file for %s: %w", path, err)
	}
	tmp := file.Name()

	cleanup := func() {
		file.Close()
		os.Remove(tmp)
	}

	if err := file.Truncate(int64(layout.TotalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := mmapFile(file, int(layout.TotalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	initSegment(mem, g, layout, key, time.Now().UnixNano())

	// link fails with EEXIST if another creator won the race.
	if err := os.Link(tmp, path); err != nil {
		munmapImpl(mem)
		cleanup()
		return nil, fmt.Errorf("failed to publish segment file %s: %w", path, err)
	}
	os.Remove(tmp)

	segment := &Segment{
		File: file,
		Mem:  mem,
		Path: path,
	}
	segment.initViews()
	return segment, nil
}

// OpenSegment maps an existing segment. The error wraps os.ErrNotExist if
// there is no segment named name in dir.
func OpenSegment(dir, name string) (*Segment, error) {
	path := SegmentPath(dir, name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	size := info.Size()
	if size < SegmentHeaderSize {
		file.Close()
		return nil, fmt.Errorf("%w: segment file too small: %d bytes", ErrInvalidSegment, size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	if err := ValidateSegment(mem); err != nil {
		munmapImpl(mem)
		file.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidSegment, err)
	}

	segment := &Segment{
		File: file,
		Mem:  mem,
		Path: path,
	}
	segment.initViews()
	return segment, nil
}

// RemoveSegment removes the segment file named name in dir.
func RemoveSegment(dir, name string) error {
	return os.Remove(SegmentPath(dir, name))
}

// SegmentExists checks if a segment file exists
func SegmentExists(dir, name string) bool {
	_, err := os.Stat(SegmentPath(dir, name))
	return err == nil
}

// SegmentPath returns the file path for a segment
func SegmentPath(dir, name string) string {
	if dir != "" {
		return filepath.Join(dir, name)
	}
	// Try /dev/shm first (preferred for shared memory on Linux)
	if isDevShmAvailable() {
		return filepath.Join("/dev/shm", name)
	}
	return filepath.Join(os.TempDir(), name)
}

// isDevShmAvailable checks if /dev/shm is available
func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

// mmapFile memory maps a file
func mmapFile(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

// munmapImpl unmaps a memory-mapped region
func munmapImpl(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}
