package pager

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"storagecore/dberr"
)

// The journal is a rollback log: the first Write to each page in a write
// transaction appends that page's pre-image here, before the page can reach
// the main file. A commit that completes removes the
// journal; a crash that interrupts a commit leaves it behind, and the next
// open replays it back onto the main file before anything else runs. This
// mirrors the approach the pack's minisql reference takes to journal
// checksums (crc32 over each record seeded from the header) rather than
// inventing a bespoke format.
const journalMagic = uint32(0x53434a31) // "SCJ1"

type journalHeader struct {
	magic      uint32
	pageCount  uint32
	pageSize   uint32
	randomSeed uint32
	sectorSize uint32
}

const journalHeaderSize = 4 + 4 + 4 + 4 + 4

func writeJournalHeader(w io.Writer, h journalHeader) error {
	var buf [journalHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.pageCount)
	binary.LittleEndian.PutUint32(buf[8:12], h.pageSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.randomSeed)
	binary.LittleEndian.PutUint32(buf[16:20], h.sectorSize)
	_, err := w.Write(buf[:])
	return err
}

func readJournalHeader(r io.Reader) (journalHeader, error) {
	var buf [journalHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return journalHeader{}, err
	}
	h := journalHeader{
		magic:      binary.LittleEndian.Uint32(buf[0:4]),
		pageCount:  binary.LittleEndian.Uint32(buf[4:8]),
		pageSize:   binary.LittleEndian.Uint32(buf[8:12]),
		randomSeed: binary.LittleEndian.Uint32(buf[12:16]),
		sectorSize: binary.LittleEndian.Uint32(buf[16:20]),
	}
	if h.magic != journalMagic {
		return journalHeader{}, dberr.New(dberr.Corrupt, "pager: journal header magic mismatch")
	}
	return h, nil
}

// journalChecksum hashes a page's bytes seeded with the header's random
// value, so a journal record checksum can only validate against its own
// journal header, not a stray record from an earlier, unrelated journal.
func journalChecksum(seed uint32, pageNumber uint32, data []byte) uint32 {
	h := crc32.NewIEEE()
	var seedBuf [8]byte
	binary.LittleEndian.PutUint32(seedBuf[0:4], seed)
	binary.LittleEndian.PutUint32(seedBuf[4:8], pageNumber)
	h.Write(seedBuf[:])
	h.Write(data)
	return h.Sum32()
}

// writeJournalRecord appends one (page number, page bytes, checksum) record.
func writeJournalRecord(w io.Writer, seed uint32, pageNumber uint32, data []byte) error {
	var numBuf [4]byte
	binary.LittleEndian.PutUint32(numBuf[:], pageNumber)
	if _, err := w.Write(numBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	var sumBuf [4]byte
	binary.LittleEndian.PutUint32(sumBuf[:], journalChecksum(seed, pageNumber, data))
	_, err := w.Write(sumBuf[:])
	return err
}

// writeJournalSentinel writes the zero page-number record marking the end of
// a well-formed journal.
func writeJournalSentinel(w io.Writer) error {
	var zero [4]byte
	_, err := w.Write(zero[:])
	return err
}

type journalRecord struct {
	pageNumber uint32
	data       []byte
}

// readJournalRecord reads one record, or reports ok=false at the sentinel or
// at a truncated/corrupt trailing record (a partial write from a crash mid
// append, which recovery treats as "nothing more to replay" rather than an
// error per the header-and-checksum-chain validation the core uses to decide
// whether a journal is trustworthy).
func readJournalRecord(r io.Reader, seed uint32, pageSize int) (journalRecord, bool) {
	var numBuf [4]byte
	if _, err := io.ReadFull(r, numBuf[:]); err != nil {
		return journalRecord{}, false
	}
	pageNumber := binary.LittleEndian.Uint32(numBuf[:])
	if pageNumber == 0 {
		return journalRecord{}, false
	}
	data := make([]byte, pageSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return journalRecord{}, false
	}
	var sumBuf [4]byte
	if _, err := io.ReadFull(r, sumBuf[:]); err != nil {
		return journalRecord{}, false
	}
	want := binary.LittleEndian.Uint32(sumBuf[:])
	if journalChecksum(seed, pageNumber, data) != want {
		return journalRecord{}, false
	}
	return journalRecord{pageNumber: pageNumber, data: data}, true
}
