package provision

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

const magicGGUF = "GGUF"

// Header is the fixed-size prefix of a GGUF file.
type Header struct {
	Version     uint32
	TensorCount uint64
	KVCount     uint64
}

// ReadHeader reads and validates the GGUF header at the start of r.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [24]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, fmt.Errorf("read gguf header: %w", err)
	}
	if string(buf[:4]) != magicGGUF {
		return Header{}, fmt.Errorf("invalid magic: %q", string(buf[:4]))
	}
	h := Header{
		Version:     binary.LittleEndian.Uint32(buf[4:8]),
		TensorCount: binary.LittleEndian.Uint64(buf[8:16]),
		KVCount:     binary.LittleEndian.Uint64(buf[16:24]),
	}
	if h.Version < 2 || h.Version > 3 {
		return Header{}, fmt.Errorf("unsupported gguf version %d", h.Version)
	}
	return h, nil
}

// CheckFile validates the GGUF header of the file at path.
func CheckFile(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	return ReadHeader(f)
}
