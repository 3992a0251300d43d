// Package decode turns raw mail header and body bytes into plain text.
//
// Decoding is lenient: malformed encoded words and escapes are left in the
// output as literal text instead of failing the message.
package decode

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/household-autoconfirm/model"
)

var (
	encodedWordPattern = regexp.MustCompile(`=\?([^?\s]+)\?([BbQq])\?([^?\s]*)\?=`)
	softBreakPattern   = regexp.MustCompile(`=(\r?\n|$)`)
	escapePattern      = regexp.MustCompile(`=([0-9A-Fa-f]{2})`)
)

// Decode decodes the subject header and the body of msg.
func Decode(msg model.RawMessage) model.DecodedMessage {
	return model.DecodedMessage{
		Subject: Subject(msg.Header),
		Body:    DecodeQuotedPrintable(string(msg.Body)),
	}
}

// DecodeHeaderWord decodes every RFC 2047 encoded word found in raw. Text
// outside encoded words is returned unchanged, and whitespace separating two
// encoded words is dropped.
func DecodeHeaderWord(raw string) string {
	matches := encodedWordPattern.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return raw
	}

	var b strings.Builder
	last := 0
	prevDecoded := false
	for _, m := range matches {
		gap := raw[last:m[0]]
		decoded, ok := decodeWord(raw[m[2]:m[3]], raw[m[4]:m[5]], raw[m[6]:m[7]])
		if !(prevDecoded && ok && strings.TrimSpace(gap) == "") {
			b.WriteString(gap)
		}
		if ok {
			b.WriteString(decoded)
		} else {
			b.WriteString(raw[m[0]:m[1]])
		}
		prevDecoded = ok
		last = m[1]
	}
	b.WriteString(raw[last:])
	return b.String()
}

// DecodeQuotedPrintable removes soft line breaks and replaces =XX escapes
// with the byte they denote. Anything else passes through untouched.
func DecodeQuotedPrintable(raw string) string {
	text := softBreakPattern.ReplaceAllString(raw, "")
	return escapePattern.ReplaceAllStringFunc(text, func(esc string) string {
		return string([]byte{unhex(esc[1])<<4 | unhex(esc[2])})
	})
}

// Subject returns the decoded Subject field of a raw header block, or an
// empty string when the header carries none.
func Subject(header []byte) string {
	if len(header) == 0 {
		return ""
	}

	block := header
	if !bytes.HasSuffix(block, []byte("\r\n\r\n")) && !bytes.HasSuffix(block, []byte("\n\n")) {
		block = append(append([]byte{}, block...), "\r\n\r\n"...)
	}

	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(block)))
	if err != nil {
		return DecodeHeaderWord(scanSubject(header))
	}
	return DecodeHeaderWord(strings.TrimSpace(unfold(h.Get("Subject"))))
}

// SplitRawMessage splits a raw email message into header and body parts.
func SplitRawMessage(raw []byte) (header, body []byte) {
	if len(raw) == 0 {
		return nil, nil
	}

	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return raw[:idx], raw[idx+4:]
	}
	if idx := bytes.Index(raw, []byte("\n\n")); idx >= 0 {
		return raw[:idx], raw[idx+2:]
	}

	return raw, nil
}

func decodeWord(cs, encoding, text string) (string, bool) {
	var data []byte
	switch encoding {
	case "B", "b":
		decoded, err := base64.StdEncoding.DecodeString(text)
		if err != nil {
			return "", false
		}
		data = decoded
	case "Q", "q":
		data = decodeQ(text)
	default:
		return "", false
	}
	return toUTF8(cs, data), true
}

func decodeQ(text string) []byte {
	out := make([]byte, 0, len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c == '_':
			out = append(out, ' ')
		case c == '=' && i+2 < len(text) && isHex(text[i+1]) && isHex(text[i+2]):
			out = append(out, unhex(text[i+1])<<4|unhex(text[i+2]))
			i += 2
		default:
			out = append(out, c)
		}
	}
	return out
}

// toUTF8 converts data from cs. Unknown charsets keep the raw bytes.
func toUTF8(cs string, data []byte) string {
	switch strings.ToLower(cs) {
	case "utf-8", "us-ascii":
		return string(data)
	}
	r, err := charset.Reader(cs, bytes.NewReader(data))
	if err != nil {
		return string(data)
	}
	converted, err := io.ReadAll(r)
	if err != nil {
		return string(data)
	}
	return string(converted)
}

var unfolder = strings.NewReplacer("\r\n ", " ", "\r\n\t", " ", "\n ", " ", "\n\t", " ")

func unfold(s string) string {
	return unfolder.Replace(s)
}

func scanSubject(header []byte) string {
	for _, line := range strings.Split(unfold(string(header)), "\n") {
		name, value, ok := strings.Cut(line, ":")
		if ok && strings.EqualFold(strings.TrimSpace(name), "Subject") {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10
	}
	return 0
}
