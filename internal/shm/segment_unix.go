//go:build unix

/*
 *
 * Copyright 2025 The lapce-ai Authors
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

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

func init() {
	unmapMemory = unix.Munmap
}

// CreateSegment creates and maps a new segment under the given name with the
// given per-direction ring capacities. The file is created exclusively; an
// existing segment with the same name is an error (use RemoveSegment first
// when recreating after a crash, and bump the generation).
func CreateSegment(name string, c2sCap, s2cCap, generation uint64) (*Segment, error) {
	path := segmentPath(name)

	totalSize, c2sOff, s2cOff, err := CalculateSegmentLayout(c2sCap, s2cCap)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("create segment file %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(totalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("resize segment file: %w", err)
	}

	mem, err := mmapFile(file, int(totalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("mmap segment: %w", err)
	}

	seg := &Segment{File: file, Mem: mem, Path: path}
	seg.initHeader(totalSize, c2sOff, c2sCap, s2cOff, s2cCap, generation)
	return seg, nil
}

// OpenSegment maps an existing segment by name and validates its header.
func OpenSegment(name string) (*Segment, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat segment file: %w", err)
	}
	size := info.Size()
	if size < SegmentHeaderSize {
		file.Close()
		return nil, fmt.Errorf("segment file too small: %d bytes", size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mmap segment: %w", err)
	}

	seg := &Segment{File: file, Mem: mem, Path: path}
	if err := ValidateSegmentHeader(seg.Header()); err != nil {
		unix.Munmap(mem)
		file.Close()
		return nil, fmt.Errorf("invalid segment header: %w", err)
	}
	if uint64(size) < seg.Header().TotalSize() {
		unix.Munmap(mem)
		file.Close()
		return nil, fmt.Errorf("segment file shorter than header claims: %d < %d", size, seg.Header().TotalSize())
	}

	seg.Header().SetOpenerPID(uint32(os.Getpid()))
	seg.Header().SetOpenerReady()
	return seg, nil
}

// RemoveSegment unlinks the named segment. Mappings held by live processes
// stay valid until unmapped; the name becomes free for recreation.
func RemoveSegment(name string) error {
	err := os.Remove(segmentPath(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Unlink removes this segment's backing file.
func (s *Segment) Unlink() error {
	err := os.Remove(s.Path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// segmentPath maps a segment name to its backing file. /dev/shm is preferred
// on Linux since it is RAM-backed; elsewhere the temp dir is used.
func segmentPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", "lapce_shm_"+name)
	}
	return filepath.Join(os.TempDir(), "lapce_shm_"+name)
}

func mmapFile(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return data, nil
}

// mapping is a raw named shared mapping without segment layout semantics.
// The bootstrap rendezvous uses it directly.
type mapping struct {
	file    *os.File
	handle  uintptr // unused on Unix
	mem     []byte
	path    string
	created bool
}

func (m *mapping) close() error {
	var err error
	if m.mem != nil {
		err = multierr.Append(err, unix.Munmap(m.mem))
		m.mem = nil
	}
	if m.file != nil {
		err = multierr.Append(err, m.file.Close())
		m.file = nil
	}
	return err
}

func (m *mapping) unlink() error {
	err := os.Remove(m.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// createOrAttachMapping creates the named mapping with the given size, or
// attaches to an existing one of at least that size.
func createOrAttachMapping(name string, size uint64) (*mapping, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	created := err == nil
	if os.IsExist(err) {
		file, err = os.OpenFile(path, os.O_RDWR, 0)
	}
	if err != nil {
		return nil, fmt.Errorf("open mapping %s: %w", path, err)
	}

	if created {
		if err := file.Truncate(int64(size)); err != nil {
			file.Close()
			os.Remove(path)
			return nil, fmt.Errorf("resize mapping: %w", err)
		}
	} else {
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("stat mapping: %w", err)
		}
		if uint64(info.Size()) < size {
			file.Close()
			return nil, fmt.Errorf("mapping %s smaller than expected: %d < %d", path, info.Size(), size)
		}
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		if created {
			os.Remove(path)
		}
		return nil, err
	}
	return &mapping{file: file, mem: mem, path: path, created: created}, nil
}

// openExistingMapping attaches to a mapping created by another process.
func openExistingMapping(name string, size uint64) (*mapping, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open mapping %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat mapping: %w", err)
	}
	if uint64(info.Size()) < size {
		file.Close()
		return nil, fmt.Errorf("mapping %s smaller than expected: %d < %d", path, info.Size(), size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, err
	}
	return &mapping{file: file, mem: mem, path: path}, nil
}
