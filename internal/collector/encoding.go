package collector

import (
	"bytes"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

// decodeText 把未知编码的账单字节流解码为 UTF-8
// 探测顺序：BOM → UTF-8 → GB18030 (兼容 GBK) → Latin-1 兜底
func decodeText(data []byte) (string, string) {
	if bytes.HasPrefix(data, []byte{0xEF, 0xBB, 0xBF}) {
		return string(data[3:]), "utf-8-bom"
	}
	if utf8.Valid(data) {
		return string(data), "utf-8"
	}

	if decoded, _, err := transform.Bytes(simplifiedchinese.GB18030.NewDecoder(), data); err == nil {
		if utf8.Valid(decoded) {
			return string(decoded), "gb18030"
		}
	}

	// Latin-1 任何字节序列都可解码，仅作兜底
	decoded, _, _ := transform.Bytes(charmap.ISO8859_1.NewDecoder(), data)
	return string(decoded), "latin-1"
}
