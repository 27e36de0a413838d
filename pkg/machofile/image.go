// Package machofile parses Mach-O binaries and exposes the subset of
// information the rest of lldbdap needs: the link-time __TEXT vmaddr, the
// LC_UUID build identifier, raw bytes for disassembly, and the DWARF data
// carried in the file.
//
// The approach mirrors aclements-go-obj's obj/macho.go: parse with the
// standard library's debug/macho, then walk load commands by hand for the
// handful of fields debug/macho doesn't surface directly (LC_UUID).
package machofile

import (
	"debug/dwarf"
	"debug/macho"
	"encoding/binary"
	"fmt"
	"os"
)

const (
	lcUUID        = 0x1b
	uuidCmdLength = 24
)

// Image is one parsed Mach-O binary: the file used as the debuggee.
type Image struct {
	Name string
	Path string

	// UUID is the LC_UUID build identifier, nil if the file carries none.
	UUID *[16]byte

	// VMAddrText is the link-time vmaddr of the __TEXT segment (or, absent
	// one, the first segment). Immutable once the Image is built.
	VMAddrText uint64

	file *macho.File
	raw  []byte
}

// Load reads and parses the Mach-O file at path.
func Load(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read Mach-O %s: %w", path, err)
	}
	return LoadBytes(path, raw)
}

// LoadBytes parses raw Mach-O bytes already read from path (or, in tests,
// synthesized in memory). path is kept only for Name/Path bookkeeping.
func LoadBytes(path string, raw []byte) (*Image, error) {
	f, err := macho.NewFile(sliceReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse Mach-O %s: %w", path, err)
	}

	vmaddr, err := textVMAddr(f)
	if err != nil {
		return nil, err
	}

	uuid, err := uuidFromLoadCommands(f)
	if err != nil {
		return nil, err
	}

	return &Image{
		Name:       baseName(path),
		Path:       path,
		UUID:       uuid,
		VMAddrText: vmaddr,
		file:       f,
		raw:        raw,
	}, nil
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

// textVMAddr returns the vmaddr of the __TEXT segment, or of the first
// segment if none is named __TEXT. Error if the file has no segments.
func textVMAddr(f *macho.File) (uint64, error) {
	var fallback uint64
	haveFallback := false
	for _, load := range f.Loads {
		seg, ok := load.(*macho.Segment)
		if !ok {
			continue
		}
		if !haveFallback {
			fallback = seg.Addr
			haveFallback = true
		}
		if seg.Name == "__TEXT" {
			return seg.Addr, nil
		}
	}
	if !haveFallback {
		return 0, fmt.Errorf("machofile: no segments found")
	}
	return fallback, nil
}

// uuidFromLoadCommands scans raw load commands for LC_UUID. debug/macho
// does not expose the UUID command, so this reads the generic LoadBytes
// representation every macho.Load exposes.
func uuidFromLoadCommands(f *macho.File) (*[16]byte, error) {
	for _, load := range f.Loads {
		raw := load.Raw()
		if len(raw) < 8 {
			continue
		}
		cmd := binary.LittleEndian.Uint32(raw[0:4])
		if cmd != lcUUID {
			continue
		}
		if len(raw) < uuidCmdLength {
			return nil, fmt.Errorf("machofile: truncated LC_UUID command")
		}
		var uuid [16]byte
		copy(uuid[:], raw[8:24])
		return &uuid, nil
	}
	return nil, nil
}

// DWARF returns the DWARF data embedded in the image.
func (img *Image) DWARF() (*dwarf.Data, error) {
	return img.file.DWARF()
}

// TextBytesAt returns n raw bytes starting at the local (file/link-time)
// address addr, read from whichever segment contains it. Used only for
// best-effort disassembly when logging breakpoint placement.
func (img *Image) TextBytesAt(addr uint64, n int) ([]byte, error) {
	for _, seg := range img.file.Segments() {
		if addr < seg.Addr || addr+uint64(n) > seg.Addr+seg.Memsz {
			continue
		}
		data, err := seg.Data()
		if err != nil {
			return nil, fmt.Errorf("machofile: read segment %s: %w", seg.Name, err)
		}
		off := addr - seg.Addr
		if off+uint64(n) > uint64(len(data)) {
			return nil, fmt.Errorf("machofile: address 0x%x out of segment bounds", addr)
		}
		return data[off : off+uint64(n)], nil
	}
	return nil, fmt.Errorf("machofile: address 0x%x not in any segment", addr)
}

// sliceReader adapts a byte slice to io.ReaderAt without copying.
type sliceReaderAt []byte

func sliceReader(b []byte) *sliceReaderAt {
	s := sliceReaderAt(b)
	return &s
}

func (s *sliceReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(*s)) {
		return 0, fmt.Errorf("machofile: offset %d out of range", off)
	}
	n := copy(p, (*s)[off:])
	if n < len(p) {
		return n, fmt.Errorf("machofile: short read at offset %d", off)
	}
	return n, nil
}
