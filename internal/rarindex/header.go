package rarindex

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Archive format versions.
const (
	VersionRAR4 = "RAR4"
	VersionRAR5 = "RAR5"
)

// Archive signatures.
var (
	sigRAR4 = []byte("Rar!\x1A\x07\x00")
	sigRAR5 = []byte("Rar!\x1A\x07\x01\x00")
)

// ErrHeaderParse indicates the volume signature or headers could not be
// parsed from the fetched prefix. Callers must fall back to "requires
// extraction" rather than guessing streamability.
var ErrHeaderParse = errors.New("rarindex: cannot parse volume header")

// Entry is one file header found in a volume.
type Entry struct {
	Name              string
	UncompressedSize  int64
	CompressedSize    int64
	DataOffset        int64 // offset of the file payload within this volume
	IsEncrypted       bool
	CompressionMethod int // 0 = stored
}

// VolumeHeader is the parsed header region of one RAR volume.
type VolumeHeader struct {
	Version string
	Entries []Entry
	// HeadersEncrypted is set when the archive uses encrypted headers
	// (RAR5 block type 4); entries cannot be enumerated in that case.
	HeadersEncrypted bool
}

const (
	rar5BlockFile      = 2
	rar5BlockCrypt     = 4
	rar5BlockEndOfArc  = 5
	rar5ExtraCryptType = 1

	rar4BlockFile = 0x74

	maxHeadSize = 2 * 1024 * 1024
)

// ParseVolumeHeader parses RAR5 or RAR4 headers from a bounded prefix of a
// volume. Parsing stops gracefully where the prefix is truncated; it fails
// with ErrHeaderParse when the signature does not match or no entry could be
// enumerated.
func ParseVolumeHeader(prefix []byte) (*VolumeHeader, error) {
	switch {
	case bytes.HasPrefix(prefix, sigRAR5):
		return parseRAR5(prefix)
	case bytes.HasPrefix(prefix, sigRAR4):
		return parseRAR4(prefix)
	default:
		return nil, fmt.Errorf("%w: unknown signature", ErrHeaderParse)
	}
}

func parseRAR5(prefix []byte) (*VolumeHeader, error) {
	vh := &VolumeHeader{Version: VersionRAR5}
	pos := int64(len(sigRAR5))
	limit := int64(len(prefix))

	for pos < limit {
		hdrStart := pos
		if pos+4 > limit {
			break
		}
		pos += 4 // header CRC

		headSize, n, err := readVarint(prefix[pos:])
		if err != nil {
			break
		}
		pos += n
		if headSize == 0 {
			break // end marker / padding
		}
		if headSize > maxHeadSize {
			return nil, fmt.Errorf("%w: suspicious header size %d at %d", ErrHeaderParse, headSize, hdrStart)
		}
		if pos+int64(headSize) > limit {
			break // truncated prefix
		}

		headData := prefix[pos : pos+int64(headSize)]
		pos += int64(headSize)

		cur := 0
		readVar := func() (uint64, error) {
			v, n, err := readVarint(headData[cur:])
			if err != nil {
				return 0, err
			}
			cur += int(n)
			return v, nil
		}

		blockType, err := readVar()
		if err != nil {
			return nil, fmt.Errorf("%w: block type: %s", ErrHeaderParse, err.Error())
		}
		flags, err := readVar()
		if err != nil {
			return nil, fmt.Errorf("%w: block flags: %s", ErrHeaderParse, err.Error())
		}

		var extraAreaSize, dataSize uint64
		if flags&0x0001 != 0 {
			if extraAreaSize, err = readVar(); err != nil {
				return nil, fmt.Errorf("%w: extra area size: %s", ErrHeaderParse, err.Error())
			}
		}
		if flags&0x0002 != 0 {
			if dataSize, err = readVar(); err != nil {
				return nil, fmt.Errorf("%w: data size: %s", ErrHeaderParse, err.Error())
			}
		}

		// Extra area sits at the end of the header.
		blockSpecificEnd := len(headData)
		if extraAreaSize > 0 {
			if extraAreaSize > uint64(blockSpecificEnd-cur) {
				return nil, fmt.Errorf("%w: extra area overflow", ErrHeaderParse)
			}
			blockSpecificEnd -= int(extraAreaSize)
		}

		switch blockType {
		case rar5BlockCrypt:
			vh.HeadersEncrypted = true
			return vh, nil

		case rar5BlockEndOfArc:
			return finishVolume(vh)

		case rar5BlockFile:
			entry, err := parseRAR5FileHeader(headData[cur:blockSpecificEnd], headData[blockSpecificEnd:], dataSize, pos)
			if err != nil {
				return nil, err
			}
			vh.Entries = append(vh.Entries, entry)
		}

		// Skip the data section; stop if it runs past the prefix.
		if dataSize > 0 {
			pos += int64(dataSize)
		}
	}

	return finishVolume(vh)
}

// parseRAR5FileHeader parses the block-specific region of a RAR5 file header.
// dataPos is the absolute offset right after the header, where the file
// payload begins.
func parseRAR5FileHeader(bs, extra []byte, dataSize uint64, dataPos int64) (Entry, error) {
	cur := 0
	readVar := func() (uint64, error) {
		v, n, err := readVarint(bs[cur:])
		if err != nil {
			return 0, err
		}
		cur += int(n)
		return v, nil
	}

	fileFlags, err := readVar()
	if err != nil {
		return Entry{}, fmt.Errorf("%w: file flags: %s", ErrHeaderParse, err.Error())
	}
	unpackedSize, err := readVar()
	if err != nil {
		return Entry{}, fmt.Errorf("%w: unpacked size: %s", ErrHeaderParse, err.Error())
	}
	if _, err = readVar(); err != nil { // attributes
		return Entry{}, fmt.Errorf("%w: attributes: %s", ErrHeaderParse, err.Error())
	}
	if fileFlags&0x0002 != 0 { // mtime
		if len(bs)-cur < 4 {
			return Entry{}, fmt.Errorf("%w: mtime truncated", ErrHeaderParse)
		}
		cur += 4
	}
	if fileFlags&0x0004 != 0 { // data CRC32
		if len(bs)-cur < 4 {
			return Entry{}, fmt.Errorf("%w: crc truncated", ErrHeaderParse)
		}
		cur += 4
	}
	compInfo, err := readVar()
	if err != nil {
		return Entry{}, fmt.Errorf("%w: compression info: %s", ErrHeaderParse, err.Error())
	}
	if _, err = readVar(); err != nil { // host OS
		return Entry{}, fmt.Errorf("%w: host os: %s", ErrHeaderParse, err.Error())
	}
	nameLen, err := readVar()
	if err != nil {
		return Entry{}, fmt.Errorf("%w: name length: %s", ErrHeaderParse, err.Error())
	}
	if nameLen == 0 || int(nameLen) > len(bs)-cur {
		return Entry{}, fmt.Errorf("%w: bad name length %d", ErrHeaderParse, nameLen)
	}
	name := string(bs[cur : cur+int(nameLen)])

	// Compression method lives in bits 7..9 of compression info.
	method := int((compInfo >> 7) & 0x7)

	return Entry{
		Name:              name,
		UncompressedSize:  int64(unpackedSize),
		CompressedSize:    int64(dataSize),
		DataOffset:        dataPos,
		IsEncrypted:       hasRAR5CryptRecord(extra),
		CompressionMethod: method,
	}, nil
}

// hasRAR5CryptRecord walks the extra-area records of a file header looking
// for a file encryption record.
func hasRAR5CryptRecord(extra []byte) bool {
	cur := 0
	for cur < len(extra) {
		size, n, err := readVarint(extra[cur:])
		if err != nil || size == 0 {
			return false
		}
		recStart := cur + int(n)
		recEnd := recStart + int(size)
		if recEnd > len(extra) {
			return false
		}
		recType, _, err := readVarint(extra[recStart:recEnd])
		if err != nil {
			return false
		}
		if recType == rar5ExtraCryptType {
			return true
		}
		cur = recEnd
	}
	return false
}

func parseRAR4(prefix []byte) (*VolumeHeader, error) {
	vh := &VolumeHeader{Version: VersionRAR4}
	// The 7-byte signature is itself the marker block.
	pos := int64(len(sigRAR4))
	limit := int64(len(prefix))

	for pos < limit {
		hdrStart := pos
		if pos+7 > limit {
			break
		}
		blockType := prefix[pos+2]
		flags := binary.LittleEndian.Uint16(prefix[pos+3 : pos+5])
		size := int64(binary.LittleEndian.Uint16(prefix[pos+5 : pos+7]))
		pos += 7

		var addSize int64
		if flags&0x8000 != 0 {
			if pos+4 > limit {
				break
			}
			addSize = int64(binary.LittleEndian.Uint32(prefix[pos : pos+4]))
			pos += 4
		}
		if size < 7 {
			return nil, fmt.Errorf("%w: bad block size %d at %d", ErrHeaderParse, size, hdrStart)
		}

		if blockType == rar4BlockFile {
			entry, packSize, err := parseRAR4FileHeader(prefix, hdrStart, flags, limit)
			if err != nil {
				if errors.Is(err, io.ErrUnexpectedEOF) {
					break // truncated prefix
				}
				return nil, err
			}
			vh.Entries = append(vh.Entries, entry)
			// File payload follows the header.
			pos = entry.DataOffset + packSize
			continue
		}

		pos = hdrStart + size + addSize
	}

	return finishVolume(vh)
}

// parseRAR4FileHeader parses a RAR4 file block. The fixed part after the
// 7-byte block header is: packSize(4) unpSize(4) hostOS(1) crc(4) time(4)
// version(1) method(1) nameSize(2) attrs(4).
func parseRAR4FileHeader(prefix []byte, hdrStart int64, flags uint16, limit int64) (Entry, int64, error) {
	// In file blocks the add-size field is the pack-size field of the
	// fixed part, so the fixed part always starts right after the 7-byte
	// block header.
	fixedStart := hdrStart + 7
	if fixedStart+25 > limit {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}
	fixed := prefix[fixedStart : fixedStart+25]

	packSize := int64(binary.LittleEndian.Uint32(fixed[0:4]))
	unpSize := int64(binary.LittleEndian.Uint32(fixed[4:8]))
	method := fixed[18]
	nameSize := int64(binary.LittleEndian.Uint16(fixed[19:21]))

	nameStart := fixedStart + 25
	if nameStart+nameSize > limit {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}
	name := string(prefix[nameStart : nameStart+nameSize])

	headerSize := int64(7 + 25 + nameSize)
	if flags&0x0400 != 0 { // salt present
		headerSize += 8
	}

	if method < 0x30 || method > 0x35 {
		return Entry{}, 0, fmt.Errorf("%w: bad compression method %#x for %q", ErrHeaderParse, method, name)
	}

	return Entry{
		Name:              name,
		UncompressedSize:  unpSize,
		CompressedSize:    packSize,
		DataOffset:        hdrStart + headerSize,
		IsEncrypted:       flags&0x0004 != 0,
		CompressionMethod: int(method - 0x30),
	}, packSize, nil
}

func finishVolume(vh *VolumeHeader) (*VolumeHeader, error) {
	if len(vh.Entries) == 0 && !vh.HeadersEncrypted {
		return nil, fmt.Errorf("%w: no file headers in prefix", ErrHeaderParse)
	}
	return vh, nil
}

// readVarint reads a RAR5 variable-length integer from a byte slice.
func readVarint(b []byte) (uint64, int64, error) {
	var val uint64
	var n int64
	for i := 0; i < len(b) && i < 10; i++ {
		c := b[i]
		val |= uint64(c&0x7F) << (7 * i)
		n++
		if c&0x80 == 0 {
			return val, n, nil
		}
	}
	if n == 0 {
		return 0, 0, io.ErrUnexpectedEOF
	}
	return 0, n, errors.New("varint too long or truncated")
}
