package artifacts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sort"
	"unicode/utf8"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// ErrNotPNG is returned for input that does not start with the PNG signature.
var ErrNotPNG = errors.New("not a PNG image")

type chunk struct {
	typ  string
	data []byte
}

// IsPNG reports whether data starts with the PNG signature.
func IsPNG(data []byte) bool {
	return bytes.HasPrefix(data, pngSignature)
}

// EmbedText returns a copy of img with one text chunk per field inserted right after
// IHDR. ASCII values are written as tEXt, anything else as uncompressed iTXt.
// Existing text chunks with the same keywords are dropped.
func EmbedText(img []byte, fields map[string]string) ([]byte, error) {
	chunks, err := splitChunks(img)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 || chunks[0].typ != "IHDR" {
		return nil, fmt.Errorf("%w: IHDR is not the first chunk", ErrNotPNG)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		if len(k) == 0 || len(k) > 79 {
			return nil, fmt.Errorf("invalid text keyword %q", k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Grow(len(img) + 64*len(keys))
	buf.Write(pngSignature)
	writeChunk(&buf, chunks[0])
	for _, k := range keys {
		writeChunk(&buf, textChunk(k, fields[k]))
	}
	for _, c := range chunks[1:] {
		if kw, _, ok := parseText(c); ok {
			if _, replaced := fields[kw]; replaced {
				continue
			}
		}
		writeChunk(&buf, c)
	}
	return buf.Bytes(), nil
}

// ReadText returns every tEXt and iTXt entry of img keyed by keyword.
func ReadText(img []byte) (map[string]string, error) {
	chunks, err := splitChunks(img)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]string)
	for _, c := range chunks {
		if kw, text, ok := parseText(c); ok {
			fields[kw] = text
		}
	}
	return fields, nil
}

func splitChunks(img []byte) ([]chunk, error) {
	if !IsPNG(img) {
		return nil, ErrNotPNG
	}
	var chunks []chunk
	rest := img[len(pngSignature):]
	for len(rest) > 0 {
		if len(rest) < 12 {
			return nil, fmt.Errorf("%w: truncated chunk header", ErrNotPNG)
		}
		length := binary.BigEndian.Uint32(rest[:4])
		if uint64(length)+12 > uint64(len(rest)) {
			return nil, fmt.Errorf("%w: chunk length %d exceeds data", ErrNotPNG, length)
		}
		typ := string(rest[4:8])
		data := rest[8 : 8+length]
		sum := binary.BigEndian.Uint32(rest[8+length : 12+length])
		if crc32.ChecksumIEEE(rest[4:8+length]) != sum {
			return nil, fmt.Errorf("%w: bad CRC in %s chunk", ErrNotPNG, typ)
		}
		chunks = append(chunks, chunk{typ: typ, data: data})
		rest = rest[12+length:]
		if typ == "IEND" {
			break
		}
	}
	return chunks, nil
}

func writeChunk(buf *bytes.Buffer, c chunk) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(c.data)))
	copy(hdr[4:], c.typ)
	buf.Write(hdr[:])
	buf.Write(c.data)

	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(c.data)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	buf.Write(sum[:])
}

func textChunk(keyword, text string) chunk {
	if isASCII(text) {
		data := make([]byte, 0, len(keyword)+1+len(text))
		data = append(data, keyword...)
		data = append(data, 0)
		data = append(data, text...)
		return chunk{typ: "tEXt", data: data}
	}
	// keyword, NUL, compression flag, compression method, language tag NUL, translated keyword NUL, text
	data := make([]byte, 0, len(keyword)+5+len(text))
	data = append(data, keyword...)
	data = append(data, 0, 0, 0, 0, 0)
	data = append(data, text...)
	return chunk{typ: "iTXt", data: data}
}

func parseText(c chunk) (keyword, text string, ok bool) {
	switch c.typ {
	case "tEXt":
		i := bytes.IndexByte(c.data, 0)
		if i <= 0 {
			return "", "", false
		}
		return string(c.data[:i]), latin1(c.data[i+1:]), true
	case "iTXt":
		i := bytes.IndexByte(c.data, 0)
		if i <= 0 || len(c.data) < i+3 {
			return "", "", false
		}
		if c.data[i+1] != 0 {
			// compressed iTXt is never written by this package
			return "", "", false
		}
		rest := c.data[i+3:]
		lang := bytes.IndexByte(rest, 0)
		if lang < 0 {
			return "", "", false
		}
		rest = rest[lang+1:]
		translated := bytes.IndexByte(rest, 0)
		if translated < 0 {
			return "", "", false
		}
		body := rest[translated+1:]
		if !utf8.Valid(body) {
			return "", "", false
		}
		return string(c.data[:i]), string(body), true
	default:
		return "", "", false
	}
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 || s[i] == 0 {
			return false
		}
	}
	return true
}

func latin1(b []byte) string {
	if isASCII(string(b)) {
		return string(b)
	}
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}
