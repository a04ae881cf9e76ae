// Package message turns raw RFC 5322 bytes into the fields an alert needs.
// Parsing is best-effort: the only failure is a message that cannot be read
// at all, reported as a *ParseError wrapping ErrSkip.
package message

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"mailwatch/internal/mailbox"
)

// NoContent replaces the body when a message has neither a text nor an HTML part.
const NoContent = "(no text content)"

var ErrSkip = errors.New("message: skipped")

// ParseError scopes a failure to one message.
type ParseError struct {
	Ref mailbox.MessageRef
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Ref.Key(), e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parsed is a decoded message. It is read-only after Parse returns.
type Parsed struct {
	Ref       mailbox.MessageRef
	Key       string
	MessageID string
	Subject   string
	From      string // lower-cased address
	FromName  string
	Date      time.Time // zero when missing or unparsable
	DateRaw   string
	Text      string // first text/plain part, else the HTML part, else NoContent
	HTML      string
}

// Domain returns the sender's domain, or "" when the address has none.
func (p Parsed) Domain() string {
	if i := strings.LastIndexByte(p.From, '@'); i >= 0 {
		return p.From[i+1:]
	}
	return ""
}

// Parser decodes raw messages. The zero value is usable.
type Parser struct {
	// MaxPartBytes caps how much of each body part is read. 0 means 1 MiB.
	MaxPartBytes int64
}

const maxDepth = 8

type bodies struct {
	text, html string
	hasText    bool
	hasHTML    bool
}

// Parse decodes raw. It returns *ParseError only when raw is not a message.
func (p *Parser) Parse(ref mailbox.MessageRef, raw []byte) (Parsed, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return Parsed{}, &ParseError{Ref: ref, Err: fmt.Errorf("%w: %v", ErrSkip, err)}
	}

	out := Parsed{
		Ref:       ref,
		Key:       ref.Key(),
		MessageID: strings.Trim(strings.TrimSpace(msg.Header.Get("Message-Id")), "<>"),
		Subject:   strings.TrimSpace(DecodeHeader(msg.Header.Get("Subject"))),
		DateRaw:   strings.TrimSpace(msg.Header.Get("Date")),
	}
	out.From, out.FromName = parseFrom(msg.Header.Get("From"))
	if d, err := mail.ParseDate(out.DateRaw); err == nil {
		out.Date = d
	}

	var b bodies
	p.walk(textproto.MIMEHeader(msg.Header), msg.Body, 0, &b)
	switch {
	case b.hasText:
		out.Text = b.text
	case b.hasHTML:
		out.Text = b.html
	default:
		out.Text = NoContent
	}
	out.HTML = b.html
	return out, nil
}

func (p *Parser) limit() int64 {
	if p.MaxPartBytes > 0 {
		return p.MaxPartBytes
	}
	return 1 << 20
}

func (p *Parser) walk(h textproto.MIMEHeader, body io.Reader, depth int, out *bodies) {
	if depth > maxDepth || (out.hasText && out.hasHTML) {
		return
	}
	mediaType, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		mediaType, params = "text/plain", nil
	}
	if disp, _, _ := mime.ParseMediaType(h.Get("Content-Disposition")); disp == "attachment" {
		return
	}

	switch {
	case strings.HasPrefix(mediaType, "multipart/"):
		boundary := params["boundary"]
		if boundary == "" {
			return
		}
		mr := multipart.NewReader(body, boundary)
		for {
			part, err := mr.NextRawPart()
			if err != nil {
				// io.EOF or a truncated multipart; keep what we have.
				return
			}
			p.walk(part.Header, part, depth+1, out)
		}
	case mediaType == "text/plain":
		if !out.hasText {
			out.text, out.hasText = p.decodeBody(body, h.Get("Content-Transfer-Encoding"), params["charset"]), true
		}
	case mediaType == "text/html":
		if !out.hasHTML {
			out.html, out.hasHTML = p.decodeBody(body, h.Get("Content-Transfer-Encoding"), params["charset"]), true
		}
	}
}

// decodeBody undoes the transfer encoding and converts to UTF-8. A broken
// encoding keeps whatever was decoded before the error.
func (p *Parser) decodeBody(r io.Reader, transferEncoding, charset string) string {
	var dec io.Reader
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		dec = base64.NewDecoder(base64.StdEncoding, r)
	case "quoted-printable":
		dec = quotedprintable.NewReader(r)
	default:
		dec = r
	}
	b, _ := io.ReadAll(io.LimitReader(dec, p.limit()))
	return strings.TrimSpace(normalizeNewlines(DecodeText(b, charset)))
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// DecodeText converts b to UTF-8, trying the declared charset, then UTF-8,
// then Latin-1. Latin-1 maps every byte, so the chain always yields text.
func DecodeText(b []byte, charset string) string {
	cs := strings.ToLower(strings.TrimSpace(charset))
	if cs != "" && cs != "utf-8" && cs != "utf8" && cs != "us-ascii" {
		if enc, err := htmlindex.Get(cs); err == nil {
			if out, _, err := transform.Bytes(enc.NewDecoder(), b); err == nil {
				return string(out)
			}
		}
	}
	if utf8.Valid(b) {
		return string(b)
	}
	if out, err := charmap.ISO8859_1.NewDecoder().Bytes(b); err == nil {
		return string(out)
	}
	return strings.ToValidUTF8(string(b), "�")
}

var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(strings.ToLower(charset))
		if err == nil {
			return transform.NewReader(input, enc.NewDecoder()), nil
		}
		// Unknown labels such as unknown-8bit go through the UTF-8 then
		// Latin-1 chain instead of failing the whole header.
		b, err := io.ReadAll(input)
		if err != nil {
			return nil, err
		}
		return strings.NewReader(DecodeText(b, "")), nil
	},
}

// DecodeHeader decodes RFC 2047 encoded-words. When decoding fails the raw
// value is returned, converted to UTF-8 through the DecodeText chain.
func DecodeHeader(v string) string {
	if v == "" {
		return ""
	}
	if s, err := wordDecoder.DecodeHeader(v); err == nil {
		return DecodeText([]byte(s), "utf-8")
	}
	return DecodeText([]byte(v), "")
}

func parseFrom(v string) (addr, name string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", ""
	}
	ap := mail.AddressParser{WordDecoder: wordDecoder}
	if a, err := ap.Parse(v); err == nil {
		return strings.ToLower(a.Address), a.Name
	}
	// Malformed From: keep the decoded text, and pull out an address if one is bracketed.
	dec := DecodeHeader(v)
	if i, j := strings.LastIndexByte(dec, '<'), strings.LastIndexByte(dec, '>'); i >= 0 && j > i {
		return strings.ToLower(strings.TrimSpace(dec[i+1 : j])), strings.Trim(strings.TrimSpace(dec[:i]), `"`)
	}
	if strings.Contains(dec, "@") && !strings.ContainsAny(dec, " \t") {
		return strings.ToLower(dec), ""
	}
	return "", dec
}
