package machofile

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	machoMagic64  = 0xfeedfacf
	cpuTypeARM64  = 0x0100000c
	mhExecute     = 2
	lcSegment64   = 0x19
	segCommandLen = 72
)

func buildSegmentCommand(vmaddr uint64, data []byte) []byte {
	buf := make([]byte, 0, segCommandLen+len(data))
	put32 := func(v uint32) { buf = binary.LittleEndian.AppendUint32(buf, v) }
	put64 := func(v uint64) { buf = binary.LittleEndian.AppendUint64(buf, v) }

	put32(lcSegment64)
	put32(uint32(segCommandLen))
	segname := make([]byte, 16)
	copy(segname, "__TEXT")
	buf = append(buf, segname...)
	put64(vmaddr)       // vmaddr
	put64(0x1000)       // vmsize
	put64(0)            // fileoff
	put64(uint64(len(data))) // filesize
	put32(7)            // maxprot
	put32(5)            // initprot
	put32(0)            // nsects
	put32(0)            // flags
	return buf
}

func buildUUIDCommand(uuid [16]byte) []byte {
	buf := make([]byte, 0, uuidCmdLength)
	buf = binary.LittleEndian.AppendUint32(buf, lcUUID)
	buf = binary.LittleEndian.AppendUint32(buf, uuidCmdLength)
	buf = append(buf, uuid[:]...)
	return buf
}

func buildMachO(vmaddr uint64, uuid *[16]byte, textData []byte) []byte {
	var commands [][]byte
	segCmd := buildSegmentCommand(vmaddr, textData)
	commands = append(commands, segCmd)
	if uuid != nil {
		commands = append(commands, buildUUIDCommand(*uuid))
	}

	var cmdsize uint32
	for _, c := range commands {
		cmdsize += uint32(len(c))
	}

	header := make([]byte, 0, 32)
	header = binary.LittleEndian.AppendUint32(header, machoMagic64)
	header = binary.LittleEndian.AppendUint32(header, cpuTypeARM64)
	header = binary.LittleEndian.AppendUint32(header, 0) // cpusubtype
	header = binary.LittleEndian.AppendUint32(header, mhExecute)
	header = binary.LittleEndian.AppendUint32(header, uint32(len(commands)))
	header = binary.LittleEndian.AppendUint32(header, cmdsize)
	header = binary.LittleEndian.AppendUint32(header, 0) // flags
	header = binary.LittleEndian.AppendUint32(header, 0) // reserved

	out := header
	for _, c := range commands {
		out = append(out, c...)
	}
	// textData is appended after the load commands. The segment's fileoff
	// is 0, so its file range starts at the header, not at textData; the
	// tests here only pass nil textData and never read segment contents.
	out = append(out, textData...)
	return out
}

func TestLoadBytesFindsTextVMAddr(t *testing.T) {
	data := buildMachO(0x1000, nil, nil)
	img, err := LoadBytes("/tmp/fake", data)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1000), img.VMAddrText)
	assert.Nil(t, img.UUID)
}

func TestLoadBytesExtractsUUID(t *testing.T) {
	uuid := [16]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x11, 0x12, 0x13, 0x14, 0x21, 0x22, 0x23, 0x24}
	data := buildMachO(0x2000, &uuid, nil)
	img, err := LoadBytes("/tmp/fake", data)
	require.NoError(t, err)
	require.NotNil(t, img.UUID)
	assert.Equal(t, uuid, *img.UUID)
}

func TestLoadBytesRejectsNonMachO(t *testing.T) {
	_, err := LoadBytes("/tmp/fake", []byte("not a mach-o file at all"))
	assert.Error(t, err)
}

func TestImageNameIsBaseName(t *testing.T) {
	data := buildMachO(0x1000, nil, nil)
	img, err := LoadBytes("/opt/app/MyApp", data)
	require.NoError(t, err)
	assert.Equal(t, "MyApp", img.Name)
	assert.Equal(t, "/opt/app/MyApp", img.Path)
}
