package loader

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// decodeBytes converts file content to UTF-8, auto-detecting the source
// encoding. Valid UTF-8 passes through untouched; detection failures
// fall back to the raw bytes.
func decodeBytes(data []byte) string {
	// BOM handling before detection
	if bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) {
		return string(data[3:])
	}
	if bytes.HasPrefix(data, []byte{0xFF, 0xFE}) || bytes.HasPrefix(data, []byte{0xFE, 0xFF}) {
		dec := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewDecoder()
		if out, _, err := transform.Bytes(dec, data); err == nil {
			return string(out)
		}
	}

	if utf8.Valid(data) {
		return string(data)
	}

	detector := chardet.NewTextDetector()
	result, err := detector.DetectBest(data)
	if err != nil {
		return string(data)
	}

	enc, err := ianaindex.IANA.Encoding(normalizeCharset(result.Charset))
	if err != nil || enc == nil {
		return string(data)
	}

	out, _, err := transform.Bytes(enc.NewDecoder(), data)
	if err != nil {
		return string(data)
	}
	return string(out)
}

// normalizeCharset maps chardet names onto IANA registry names.
func normalizeCharset(name string) string {
	switch strings.ToUpper(name) {
	case "GB-18030", "GB18030", "GBK", "GB2312":
		return "GB18030"
	case "BIG5":
		return "Big5"
	default:
		return name
	}
}
