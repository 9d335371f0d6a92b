package canonical

import (
	"bytes"
	"encoding/binary"
	"math"
)

func putU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putString16(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return errFieldTooLong("string field")
	}
	putU16(buf, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

// Encode serializes m into the fixed binary layout specified in §6. The
// result is deterministic: byte-identical manifests always produce
// byte-identical output, and distinct manifests differ with overwhelming
// probability once hashed (§8 invariant 3).
func Encode(m *Manifest) ([]byte, error) {
	buf := &bytes.Buffer{}

	if len(m.Files) > math.MaxUint32 {
		return nil, errFieldTooLong("file_count")
	}
	putU32(buf, uint32(len(m.Files)))

	for _, f := range m.Files {
		if err := putString16(buf, f.Path); err != nil {
			return nil, err
		}
		buf.Write(f.ContentHash[:])
		putU64(buf, f.Size)
		if err := putString16(buf, f.MimeType); err != nil {
			return nil, err
		}
		if len(f.Chunks) > math.MaxUint32 {
			return nil, errFieldTooLong("chunk_count")
		}
		putU32(buf, uint32(len(f.Chunks)))
		for _, h := range f.Chunks {
			buf.Write(h[:])
		}
		buf.WriteByte(byte(f.Compression))
	}

	if err := putString16(buf, m.Entry); err != nil {
		return nil, err
	}

	if m.Routes.CleanURLs {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}

	if m.Routes.HasSPAFallback {
		buf.WriteByte(1)
		if err := putString16(buf, m.Routes.SPAFallback); err != nil {
			return nil, err
		}
	} else {
		buf.WriteByte(0)
	}

	if len(m.Headers) > math.MaxUint32 {
		return nil, errFieldTooLong("header_rule_count")
	}
	putU32(buf, uint32(len(m.Headers)))
	for _, h := range m.Headers {
		if err := putString16(buf, h.Glob); err != nil {
			return nil, err
		}
		if err := putString16(buf, h.Name); err != nil {
			return nil, err
		}
		if err := putString16(buf, h.Value); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}
