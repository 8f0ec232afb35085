package fat32

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/kctherootkey/likeos64/ustr"
)

// dirEntSize is the fixed size of every raw 32-byte FAT directory
// entry, long-name or short-name alike.
const dirEntSize = 32

const (
	direntFree     = 0x00 // rest of directory is unused
	direntErased   = 0xE5 // this entry was deleted
	direntErasedE5 = 0x05 // escaped literal 0xE5 first byte

	attrReadOnly = 0x01
	attrHidden   = 0x02
	attrSystem   = 0x04
	attrVolumeID = 0x08
	attrDir      = 0x10
	attrArchive  = 0x20
	attrLongName = attrReadOnly | attrHidden | attrSystem | attrVolumeID

	lfnLastFlag = 0x40
	lfnOrdMask  = 0x3F
)

// shortEntry is a parsed 8.3 directory entry.
type shortEntry struct {
	slot      int // entry index within the directory this came from
	nameRaw   [11]byte
	attr      uint8
	clusHi    uint16
	clusLo    uint16
	size      uint32
}

func (s *shortEntry) isDir() bool    { return s.attr&attrDir != 0 }
func (s *shortEntry) cluster() uint32 { return uint32(s.clusHi)<<16 | uint32(s.clusLo) }

func (s *shortEntry) shortName() string {
	base := strings.TrimRight(string(s.nameRaw[0:8]), " ")
	ext := strings.TrimRight(string(s.nameRaw[8:11]), " ")
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func parseShortEntry(slot int, raw []byte) *shortEntry {
	s := &shortEntry{slot: slot, attr: raw[11]}
	copy(s.nameRaw[:], raw[0:11])
	s.clusHi = binary.LittleEndian.Uint16(raw[20:22])
	s.clusLo = binary.LittleEndian.Uint16(raw[26:28])
	s.size = binary.LittleEndian.Uint32(raw[28:32])
	return s
}

func encodeShortEntry(s *shortEntry) []byte {
	raw := make([]byte, dirEntSize)
	copy(raw[0:11], s.nameRaw[:])
	raw[11] = s.attr
	binary.LittleEndian.PutUint16(raw[20:22], s.clusHi)
	binary.LittleEndian.PutUint16(raw[26:28], s.clusLo)
	binary.LittleEndian.PutUint32(raw[28:32], s.size)
	return raw
}

func lfnChecksum(nameRaw [11]byte) byte {
	var sum byte
	for _, c := range nameRaw {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}

var utf16codec = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// decodeLFNChunk pulls the 13 UTF-16 code units out of one raw LFN
// entry (5 + 6 + 2, per the Microsoft layout) and decodes them with
// x/text/encoding/unicode, stopping at the first NUL/0xFFFF pad unit.
func decodeLFNChunk(raw []byte) string {
	var units []byte
	units = append(units, raw[1:11]...)
	units = append(units, raw[14:26]...)
	units = append(units, raw[28:32]...)

	// trim at the first NUL (0x0000) or pad (0xFFFF) code unit.
	for i := 0; i+1 < len(units); i += 2 {
		u := binary.LittleEndian.Uint16(units[i:])
		if u == 0x0000 || u == 0xFFFF {
			units = units[:i]
			break
		}
	}
	dec := utf16codec.NewDecoder()
	out, err := dec.Bytes(units)
	if err != nil {
		return ""
	}
	return string(out)
}

// encodeLFNEntries splits name into as many 13-UTF16-unit LFN entries
// as needed, ordered last-to-first the way they're written to disk
// (highest sequence number first), each carrying chksum of the
// accompanying short entry.
func encodeLFNEntries(name string, chksum byte) [][]byte {
	enc := utf16codec.NewEncoder()
	units, err := enc.Bytes([]byte(name))
	if err != nil {
		units = nil
	}
	// pad with a NUL then 0xFFFF to a multiple of 13 UTF-16 units (26 bytes)
	units = append(units, 0x00, 0x00)
	for len(units)%26 != 0 {
		units = append(units, 0xFF, 0xFF)
	}
	n := len(units) / 26
	entries := make([][]byte, n)
	for i := 0; i < n; i++ {
		chunk := units[i*26 : i*26+26]
		raw := make([]byte, dirEntSize)
		ord := uint8(i + 1)
		if i == n-1 {
			ord |= lfnLastFlag
		}
		raw[0] = ord
		copy(raw[1:11], chunk[0:10])
		raw[11] = attrLongName
		raw[12] = 0
		raw[13] = chksum
		copy(raw[14:26], chunk[10:22])
		binary.LittleEndian.PutUint16(raw[26:28], 0)
		copy(raw[28:32], chunk[22:26])
		// entries[0] must be the LAST (highest-ordinal) entry, written
		// first on disk, so reverse the index.
		entries[n-1-i] = raw
	}
	return entries
}

// dirRecord is one resolved directory entry: its long name (if any
// LFN entries preceded the short entry, else the short name
// reconstructed), and the short entry itself.
type dirRecord struct {
	name  ustr.Ustr
	short *shortEntry
	// firstSlot/lastSlot span every raw 32-byte slot (LFN run plus the
	// short entry) this record occupies, for unlink/rename in-place
	// rewrites.
	firstSlot, lastSlot int
}

// parseDirCluster decodes every record out of one cluster's raw bytes,
// accumulating LFN chunks until the short entry that terminates a run.
// Returns records plus whether a direntFree terminator was hit (the
// caller uses this to stop scanning following clusters in the chain).
func parseDirCluster(data []byte, clusterSlotBase int) ([]dirRecord, bool) {
	var out []dirRecord
	var lfnChunks []string
	lfnStart := -1
	n := len(data) / dirEntSize
	stop := false
	for i := 0; i < n; i++ {
		raw := data[i*dirEntSize : (i+1)*dirEntSize]
		first := raw[0]
		if first == direntFree {
			stop = true
			break
		}
		if first == direntErased {
			lfnChunks = nil
			lfnStart = -1
			continue
		}
		attr := raw[11]
		if attr == attrLongName {
			if lfnStart < 0 {
				lfnStart = clusterSlotBase + i
			}
			lfnChunks = append(lfnChunks, decodeLFNChunk(raw))
			continue
		}
		se := parseShortEntry(clusterSlotBase+i, raw)
		if se.attr&attrVolumeID != 0 {
			lfnChunks = nil
			lfnStart = -1
			continue
		}
		var name string
		if len(lfnChunks) > 0 {
			var b strings.Builder
			for j := len(lfnChunks) - 1; j >= 0; j-- {
				b.WriteString(lfnChunks[j])
			}
			name = b.String()
		} else {
			name = se.shortName()
		}
		first_slot := lfnStart
		if first_slot < 0 {
			first_slot = se.slot
		}
		out = append(out, dirRecord{
			name:      ustr.Ustr(name),
			short:     se,
			firstSlot: first_slot,
			lastSlot:  se.slot,
		})
		lfnChunks = nil
		lfnStart = -1
	}
	return out, stop
}

func shortNameRaw(short string) [11]byte {
	var raw [11]byte
	for i := range raw {
		raw[i] = ' '
	}
	if short == "." || short == ".." {
		copy(raw[0:len(short)], []byte(short))
		return raw
	}
	base, ext, _ := strings.Cut(strings.ToUpper(short), ".")
	copy(raw[0:8], []byte(base))
	copy(raw[8:11], []byte(ext))
	return raw
}

// needsLFN reports whether name can't be represented as a bare
// uppercase-only 8.3 short name and therefore needs LFN entries plus a
// generated short alias.
func needsLFN(name string) bool {
	if name == "" || len(name) > 12 {
		return true
	}
	base, ext, hasExt := strings.Cut(name, ".")
	if hasExt && (len(base) > 8 || len(ext) > 3) {
		return true
	}
	if !hasExt && len(base) > 8 {
		return true
	}
	for _, c := range name {
		if c >= 'a' && c <= 'z' {
			return true
		}
		if bytes.IndexByte([]byte(" +,;=[]"), byte(c)) >= 0 {
			return true
		}
	}
	return false
}

// genShortAlias builds an 8.3 alias for name, appending a "~N"
// collision suffix (per spec.md §4.7's short-alias generation rule)
// until taken reports false for the candidate.
func genShortAlias(name string, taken func([11]byte) bool) [11]byte {
	base, ext := strings.ToUpper(name), ""
	if i := strings.LastIndexByte(base, '.'); i >= 0 {
		base, ext = base[:i], base[i+1:]
	}
	base, ext = sanitizeShort(base), sanitizeShort(ext)
	if len(ext) > 3 {
		ext = ext[:3]
	}
	for n := 1; n < 1000000; n++ {
		suffix := itoaSuffix(n)
		b := base
		maxBase := 8 - len(suffix)
		if maxBase < 1 {
			maxBase = 1
		}
		if len(b) > maxBase {
			b = b[:maxBase]
		}
		cand := shortNameRaw(b + suffix + "." + ext)
		if !taken(cand) {
			return cand
		}
	}
	return shortNameRaw("~BADNAME")
}

func sanitizeShort(name string) string {
	var b strings.Builder
	for _, c := range name {
		if c == ' ' || c == '.' {
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func itoaSuffix(n int) string {
	return "~" + strconv.Itoa(n)
}
