package compress

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const rpmLeadSize = 96

var rpmHeaderMagic = []byte{0x8e, 0xad, 0xe8, 0x01}

// newRpmReader strips the RPM lead and headers so the payload, usually a
// compressed cpio archive, can be detected by the next bidding round.
func newRpmReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	if _, err := io.CopyN(io.Discard, br, rpmLeadSize); err != nil {
		return nil, fmt.Errorf("rpm lead: %w", err)
	}
	// The signature header is padded to 8 bytes, the main header is not.
	if err := skipRpmHeader(br, true); err != nil {
		return nil, fmt.Errorf("rpm signature: %w", err)
	}
	if err := skipRpmHeader(br, false); err != nil {
		return nil, fmt.Errorf("rpm header: %w", err)
	}
	return io.NopCloser(br), nil
}

func skipRpmHeader(r io.Reader, pad bool) error {
	var intro [16]byte
	if _, err := io.ReadFull(r, intro[:]); err != nil {
		return err
	}
	if !bytes.Equal(intro[:4], rpmHeaderMagic) {
		return fmt.Errorf("bad magic %x", intro[:4])
	}
	nindex := int64(binary.BigEndian.Uint32(intro[8:12]))
	hsize := int64(binary.BigEndian.Uint32(intro[12:16]))
	size := 16*nindex + hsize
	if pad {
		size += (8 - (16+size)%8) % 8
	}
	_, err := io.CopyN(io.Discard, r, size)
	return err
}
