//go:build windows

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
	"unsafe"

	"golang.org/x/sys/windows"
)

func init() {
	unmapMemory = func(mem []byte) error {
		return windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&mem[0])))
	}
	closeSegmentHandle = func(h uintptr) error {
		return windows.CloseHandle(windows.Handle(h))
	}
}

// mappingName maps a segment name to a pagefile-backed mapping object name.
// Local\ scopes the object to the caller's session.
func mappingName(name string) string {
	return `Local\lapce_shm_` + name
}

// CreateSegment creates a named pagefile-backed mapping. Creation is
// exclusive: an existing mapping with the same name is an error.
func CreateSegment(name string, c2sCap, s2cCap, generation uint64) (*Segment, error) {
	totalSize, c2sOff, s2cOff, err := CalculateSegmentLayout(c2sCap, s2cCap)
	if err != nil {
		return nil, err
	}

	objName, err := windows.UTF16PtrFromString(mappingName(name))
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE,
		uint32(totalSize>>32), uint32(totalSize), objName)
	if err == windows.ERROR_ALREADY_EXISTS {
		if h != 0 {
			windows.CloseHandle(h)
		}
		return nil, fmt.Errorf("segment %s already exists: %w", name, os.ErrExist)
	}
	if err != nil {
		return nil, fmt.Errorf("create file mapping %s: %w", name, err)
	}

	mem, err := mapView(h, totalSize)
	if err != nil {
		windows.CloseHandle(h)
		return nil, err
	}

	seg := &Segment{Mem: mem, Path: mappingName(name), handle: uintptr(h)}
	seg.initHeader(totalSize, c2sOff, c2sCap, s2cOff, s2cCap, generation)
	return seg, nil
}

// OpenSegment opens and validates an existing named mapping.
func OpenSegment(name string) (*Segment, error) {
	objName, err := windows.UTF16PtrFromString(mappingName(name))
	if err != nil {
		return nil, err
	}
	h, err := windows.OpenFileMapping(windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, false, objName)
	if err != nil {
		return nil, fmt.Errorf("open file mapping %s: %w", name, err)
	}

	// Map the header first to learn the total size, then remap in full.
	hdrMem, err := mapView(h, SegmentHeaderSize)
	if err != nil {
		windows.CloseHandle(h)
		return nil, err
	}
	hdr := (*SegmentHeader)(unsafe.Pointer(&hdrMem[0]))
	totalSize := hdr.TotalSize()
	if err := ValidateSegmentHeader(hdr); err != nil {
		windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&hdrMem[0])))
		windows.CloseHandle(h)
		return nil, fmt.Errorf("invalid segment header: %w", err)
	}
	windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&hdrMem[0])))

	mem, err := mapView(h, totalSize)
	if err != nil {
		windows.CloseHandle(h)
		return nil, err
	}

	seg := &Segment{Mem: mem, Path: mappingName(name), handle: uintptr(h)}
	seg.Header().SetOpenerPID(uint32(os.Getpid()))
	seg.Header().SetOpenerReady()
	return seg, nil
}

// RemoveSegment is a no-op on Windows: named mappings vanish when the last
// handle closes, there is no unlink step.
func RemoveSegment(string) error { return nil }

// Unlink is a no-op on Windows; see RemoveSegment.
func (s *Segment) Unlink() error { return nil }

// mapping is a raw named shared mapping without segment layout semantics.
// The bootstrap rendezvous uses it directly.
type mapping struct {
	file    *os.File // always nil on Windows
	handle  uintptr
	mem     []byte
	path    string
	created bool
}

func (m *mapping) close() error {
	var err error
	if m.mem != nil {
		err = windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&m.mem[0])))
		m.mem = nil
	}
	if m.handle != 0 {
		if cerr := windows.CloseHandle(windows.Handle(m.handle)); err == nil {
			err = cerr
		}
		m.handle = 0
	}
	return err
}

// unlink is a no-op: named mappings vanish with their last handle.
func (m *mapping) unlink() error { return nil }

// createOrAttachMapping creates the named mapping with the given size, or
// attaches to the existing one.
func createOrAttachMapping(name string, size uint64) (*mapping, error) {
	objName, err := windows.UTF16PtrFromString(mappingName(name))
	if err != nil {
		return nil, err
	}
	h, err := windows.CreateFileMapping(windows.InvalidHandle, nil, windows.PAGE_READWRITE,
		uint32(size>>32), uint32(size), objName)
	created := err == nil
	if err == windows.ERROR_ALREADY_EXISTS {
		created = false
		err = nil
	}
	if err != nil {
		return nil, fmt.Errorf("create file mapping %s: %w", name, err)
	}
	mem, err := mapView(h, size)
	if err != nil {
		windows.CloseHandle(h)
		return nil, err
	}
	return &mapping{handle: uintptr(h), mem: mem, path: mappingName(name), created: created}, nil
}

// openExistingMapping attaches to a mapping created by another process.
func openExistingMapping(name string, size uint64) (*mapping, error) {
	objName, err := windows.UTF16PtrFromString(mappingName(name))
	if err != nil {
		return nil, err
	}
	h, err := windows.OpenFileMapping(windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, false, objName)
	if err != nil {
		return nil, fmt.Errorf("open file mapping %s: %w", name, err)
	}
	mem, err := mapView(h, size)
	if err != nil {
		windows.CloseHandle(h)
		return nil, err
	}
	return &mapping{handle: uintptr(h), mem: mem, path: mappingName(name)}, nil
}

func mapView(h windows.Handle, size uint64) ([]byte, error) {
	addr, err := windows.MapViewOfFile(h, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(size))
	if err != nil {
		return nil, fmt.Errorf("map view: %w", err)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}
