package canonical

import (
	"encoding/binary"

	"github.com/mwillis775/grabnet/pkg/hashsign"
)

type reader struct {
	b   []byte
	pos int
}

func (r *reader) need(n int) bool { return r.pos+n <= len(r.b) }

func (r *reader) u8(field string) (uint8, error) {
	if !r.need(1) {
		return 0, errTruncated(field)
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) u16(field string) (uint16, error) {
	if !r.need(2) {
		return 0, errTruncated(field)
	}
	v := binary.LittleEndian.Uint16(r.b[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *reader) u32(field string) (uint32, error) {
	if !r.need(4) {
		return 0, errTruncated(field)
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) u64(field string) (uint64, error) {
	if !r.need(8) {
		return 0, errTruncated(field)
	}
	v := binary.LittleEndian.Uint64(r.b[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *reader) hash(field string) (hashsign.Hash, error) {
	if !r.need(hashsign.HashSize) {
		return hashsign.Hash{}, errTruncated(field)
	}
	var h hashsign.Hash
	copy(h[:], r.b[r.pos:r.pos+hashsign.HashSize])
	r.pos += hashsign.HashSize
	return h, nil
}

func (r *reader) string16(field string) (string, error) {
	n, err := r.u16(field)
	if err != nil {
		return "", err
	}
	if !r.need(int(n)) {
		return "", errTruncated(field)
	}
	s := string(r.b[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// Decode parses the fixed binary layout produced by Encode. It is the
// inverse of Encode: Decode(Encode(m)) reproduces m field-for-field (§8
// "Serialize then deserialize a manifest → byte-equal to original").
func Decode(b []byte) (*Manifest, error) {
	r := &reader{b: b}
	m := &Manifest{}

	fileCount, err := r.u32("file_count")
	if err != nil {
		return nil, err
	}
	m.Files = make([]FileEntry, 0, fileCount)
	for i := uint32(0); i < fileCount; i++ {
		var f FileEntry
		if f.Path, err = r.string16("path"); err != nil {
			return nil, err
		}
		if f.ContentHash, err = r.hash("content_hash"); err != nil {
			return nil, err
		}
		if f.Size, err = r.u64("size"); err != nil {
			return nil, err
		}
		if f.MimeType, err = r.string16("mime_type"); err != nil {
			return nil, err
		}
		chunkCount, err := r.u32("chunk_count")
		if err != nil {
			return nil, err
		}
		f.Chunks = make([]hashsign.Hash, 0, chunkCount)
		for j := uint32(0); j < chunkCount; j++ {
			h, err := r.hash("chunk_hash")
			if err != nil {
				return nil, err
			}
			f.Chunks = append(f.Chunks, h)
		}
		compression, err := r.u8("compression")
		if err != nil {
			return nil, err
		}
		if compression != uint8(CompressionNone) && compression != uint8(CompressionGzip) {
			return nil, &Error{Code: CodeBadCompression}
		}
		f.Compression = Compression(compression)
		m.Files = append(m.Files, f)
	}

	if m.Entry, err = r.string16("entry"); err != nil {
		return nil, err
	}

	cleanURLs, err := r.u8("clean_urls")
	if err != nil {
		return nil, err
	}
	m.Routes.CleanURLs = cleanURLs != 0

	hasSPA, err := r.u8("has_spa_fallback")
	if err != nil {
		return nil, err
	}
	if hasSPA != 0 {
		m.Routes.HasSPAFallback = true
		if m.Routes.SPAFallback, err = r.string16("spa_fallback"); err != nil {
			return nil, err
		}
	}

	headerCount, err := r.u32("header_rule_count")
	if err != nil {
		return nil, err
	}
	m.Headers = make([]HeaderRule, 0, headerCount)
	for i := uint32(0); i < headerCount; i++ {
		var h HeaderRule
		if h.Glob, err = r.string16("glob"); err != nil {
			return nil, err
		}
		if h.Name, err = r.string16("name"); err != nil {
			return nil, err
		}
		if h.Value, err = r.string16("value"); err != nil {
			return nil, err
		}
		m.Headers = append(m.Headers, h)
	}

	return m, nil
}
