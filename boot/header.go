package boot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic "HdrS" in the setup header, and the minimum boot protocol this
// loader speaks (2.06 introduced cmdline_ptr).
const (
	headerMagic     = 0x53726448
	minProtocol     = 0x0206
	setupHeaderBase = 0x01F1
)

var (
	ErrSignatureNotMatch   = errors.New("bzImage setup header signature not found")
	ErrProtocolTooOld      = errors.New("boot protocol older than 2.06")
	ErrImageTooSmall       = errors.New("bzImage truncated")
)

// Header is the Linux x86 real-mode setup header, located at byte
// 0x01F1 of a bzImage and of the boot-parameter page.
//
// refs: https://www.kernel.org/doc/html/latest/x86/boot.html
type Header struct {
	SetupSects          uint8
	RootFlags           uint16
	SysSize             uint32
	RAMSize             uint16
	VidMode             uint16
	RootDev             uint16
	BootFlag            uint16
	Jump                uint16
	Magic               uint32
	Version             uint16
	RealModeSwitch      uint32
	StartSysSeg         uint16
	KernelVersion       uint16
	TypeOfLoader        uint8
	LoadFlags           uint8
	SetupMoveSize       uint16
	Code32Start         uint32
	RamdiskImage        uint32
	RamdiskSize         uint32
	BootsectKludge      uint32
	HeapEndPtr          uint16
	ExtLoaderVer        uint8
	ExtLoaderType       uint8
	CmdlinePtr          uint32
	InitrdAddrMax       uint32
	KernelAlignment     uint32
	RelocatableKernel   uint8
	MinAlignment        uint8
	XloadFlags          uint16
	CmdlineSize         uint32
	HardwareSubarch     uint32
	HardwareSubarchData uint64
	PayloadOffset       uint32
	PayloadLength       uint32
	SetupData           uint64
	PrefAddress         uint64
	InitSize            uint32
	HandoverOffset      uint32
	KernelInfoOffset    uint32
}

// LoadFlags bits.
const (
	LoadedHigh   = 1 << 0
	KeepSegments = 1 << 6
	CanUseHeap   = 1 << 7
)

// headerSize is the wire size of Header, fixed by the boot protocol.
const headerSize = 123

// ParseHeader reads and validates the setup header of a bzImage.
func ParseHeader(image []byte) (*Header, error) {
	if len(image) < setupHeaderBase+headerSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrImageTooSmall, len(image))
	}

	h := &Header{}

	reader := bytes.NewReader(image[setupHeaderBase:])
	if err := binary.Read(reader, binary.LittleEndian, h); err != nil {
		return nil, err
	}

	if h.Magic != headerMagic {
		return nil, ErrSignatureNotMatch
	}

	if h.Version < minProtocol {
		return nil, fmt.Errorf("%w: %#x", ErrProtocolTooOld, h.Version)
	}

	return h, nil
}

// Bytes serializes the header for placement at 0x01F1 of the
// boot-parameter page.
func (h *Header) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// KernelOffset reports where the protected-mode kernel starts inside
// the image: after (setup_sects+1) 512-byte sectors, where a stored
// zero means four.
func (h *Header) KernelOffset() int {
	sects := int(h.SetupSects)
	if sects == 0 {
		sects = 4
	}

	return (sects + 1) * 512
}
