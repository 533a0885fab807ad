package pager

import (
	"encoding/binary"

	"storagecore/dberr"
)

// fileHeader is the layout of page 1 (spec.md §6.3): a 16-byte magic, the
// page size, format version, text encoding, the two cookies, the free-list
// trunk pointer the btree package owns, the total page count, and a
// reserved-bytes-per-page suffix excluded from cell/free-space math so a
// codec trailer can be added later without reshaping every page.
type fileHeader struct {
	magic           [16]byte
	pageSize        uint16
	formatVersion   uint8
	textEncoding    uint8
	schemaCookie    uint32
	userCookie      uint32
	freeListTrunk   uint32
	totalPageCount  uint32
	reservedPerPage uint8
}

var headerMagic = [16]byte{'s', 't', 'o', 'r', 'a', 'g', 'e', 'c', 'o', 'r', 'e', '.', 'v', '1', 0, 0}

const (
	formatVersion = 1

	hdrMagicOff          = 0
	hdrPageSizeOff       = 16
	hdrFormatVersionOff  = 18
	hdrTextEncodingOff   = 19
	hdrSchemaCookieOff   = 20
	hdrUserCookieOff     = 24
	hdrFreeListTrunkOff  = 28
	hdrTotalPageCountOff = 32
	hdrReservedPerPgOff  = 36
	headerEncodedSize    = 37
)

func encodeHeader(h fileHeader, into []byte) {
	copy(into[hdrMagicOff:hdrMagicOff+16], h.magic[:])
	binary.LittleEndian.PutUint16(into[hdrPageSizeOff:], h.pageSize)
	into[hdrFormatVersionOff] = h.formatVersion
	into[hdrTextEncodingOff] = h.textEncoding
	binary.LittleEndian.PutUint32(into[hdrSchemaCookieOff:], h.schemaCookie)
	binary.LittleEndian.PutUint32(into[hdrUserCookieOff:], h.userCookie)
	binary.LittleEndian.PutUint32(into[hdrFreeListTrunkOff:], h.freeListTrunk)
	binary.LittleEndian.PutUint32(into[hdrTotalPageCountOff:], h.totalPageCount)
	into[hdrReservedPerPgOff] = h.reservedPerPage
}

func decodeHeader(b []byte) (fileHeader, error) {
	if len(b) < headerEncodedSize {
		return fileHeader{}, dberr.New(dberr.Corrupt, "pager: header page too short")
	}
	var h fileHeader
	copy(h.magic[:], b[hdrMagicOff:hdrMagicOff+16])
	if h.magic != headerMagic {
		return fileHeader{}, dberr.New(dberr.Corrupt, "pager: header magic mismatch")
	}
	h.pageSize = binary.LittleEndian.Uint16(b[hdrPageSizeOff:])
	h.formatVersion = b[hdrFormatVersionOff]
	h.textEncoding = b[hdrTextEncodingOff]
	h.schemaCookie = binary.LittleEndian.Uint32(b[hdrSchemaCookieOff:])
	h.userCookie = binary.LittleEndian.Uint32(b[hdrUserCookieOff:])
	h.freeListTrunk = binary.LittleEndian.Uint32(b[hdrFreeListTrunkOff:])
	h.totalPageCount = binary.LittleEndian.Uint32(b[hdrTotalPageCountOff:])
	h.reservedPerPage = b[hdrReservedPerPgOff]
	return h, nil
}
