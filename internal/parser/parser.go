// Package parser turns raw RFC 5322 messages into core.Email values.
// Parsing is best effort: malformed MIME degrades to partial extraction and
// is reported through Email.ParseWarnings.
package parser

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/mikey/phishguard/internal/core"
	"github.com/mikey/phishguard/internal/utils"
	"go.uber.org/zap"
)

// Defaults
const (
	DefaultSniffBytes   = 4096
	DefaultMaxBodyBytes = 1 << 20
	DefaultMaxDepth     = 10
)

// binarySampleBytes is how much of the input is checked for binary content
const binarySampleBytes = 4096

var looseAddress = regexp.MustCompile(`<([^<>\s]+@[^<>\s]+)>|([^\s<>,;"']+@[^\s<>,;"']+)`)

// Options bounds the work done per message
type Options struct {
	// SniffBytes is the attachment prefix kept for type detection.
	SniffBytes int
	// MaxBodyBytes caps the decoded body text.
	MaxBodyBytes int
	// MaxDepth caps multipart nesting.
	MaxDepth int
}

// DefaultOptions returns the default parser bounds
func DefaultOptions() Options {
	return Options{
		SniffBytes:   DefaultSniffBytes,
		MaxBodyBytes: DefaultMaxBodyBytes,
		MaxDepth:     DefaultMaxDepth,
	}
}

// Parser implements core.EmailParser on top of go-message
type Parser struct {
	opts   Options
	text   *utils.TextProcessor
	logger *zap.Logger
}

// NewParser creates a new Parser
func NewParser(opts Options, text *utils.TextProcessor, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	if text == nil {
		text = utils.NewTextProcessor(logger)
	}
	if opts.SniffBytes <= 0 {
		opts.SniffBytes = DefaultSniffBytes
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	return &Parser{opts: opts, text: text, logger: logger}
}

// extraction collects the pieces of a message while its parts are walked
type extraction struct {
	plain    []string
	html     []string
	links    *linkSet
	atts     []core.Attachment
	warnings []string
}

func (x *extraction) warn(format string, args ...any) {
	x.warnings = append(x.warnings, fmt.Sprintf(format, args...))
}

// Parse implements core.EmailParser
func (p *Parser) Parse(raw []byte) (*core.Email, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, core.Errorf(core.KindParse, "message is empty")
	}
	if looksBinary(raw) {
		return nil, core.Errorf(core.KindParse, "input is not a text email")
	}

	x := &extraction{links: newLinkSet()}
	entity, err := message.Read(bytes.NewReader(raw))
	switch {
	case err == nil:
	case entity != nil && (message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)):
		x.warn("top-level part: %v", err)
	default:
		p.logger.Debug("Header parse failed, treating input as body", zap.Error(err))
		x.warn("headers could not be parsed, input treated as body: %v", err)
		x.plain = append(x.plain, string(raw))
		x.links.addText(string(raw))
		return p.build(nil, x), nil
	}

	p.walk(entity, 0, x)
	return p.build(entity, x), nil
}

func (p *Parser) walk(e *message.Entity, depth int, x *extraction) {
	if depth > p.opts.MaxDepth {
		x.warn("multipart nesting deeper than %d skipped", p.opts.MaxDepth)
		return
	}

	if mr := e.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil && part != nil && (message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)) {
				x.warn("part %d: %v", depth+1, err)
			} else if err != nil {
				x.warn("multipart structure truncated: %v", err)
				return
			}
			p.walk(part, depth+1, x)
		}
	}

	mediaType, _, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}
	mediaType = strings.ToLower(mediaType)
	disposition, _, _ := e.Header.ContentDisposition()
	ah := mail.AttachmentHeader{Header: e.Header}
	filename, _ := ah.Filename()

	isText := mediaType == "text/plain" || mediaType == "text/html"
	if strings.EqualFold(disposition, "attachment") || !isText || (filename != "" && mediaType != "text/plain") {
		x.atts = append(x.atts, p.readAttachment(e, filename, x))
		return
	}

	body, err := io.ReadAll(e.Body)
	if err != nil {
		x.warn("%s part truncated: %v", mediaType, err)
	}
	if mediaType == "text/html" {
		doc := htmlToText(string(body))
		x.html = append(x.html, doc.text)
		for _, a := range doc.anchors {
			x.links.add(a)
		}
		x.links.addText(doc.outside)
		return
	}
	x.plain = append(x.plain, string(body))
	x.links.addText(string(body))
}

func (p *Parser) readAttachment(e *message.Entity, filename string, x *extraction) core.Attachment {
	declared := e.Header.Get("Content-Type")
	if mt, _, err := e.Header.ContentType(); err == nil && mt != "" {
		declared = strings.ToLower(mt)
	}

	hash := sha256.New()
	head := &headWriter{limit: p.opts.SniffBytes}
	size, err := io.Copy(io.MultiWriter(hash, head), e.Body)
	if err != nil {
		x.warn("attachment %q truncated: %v", filename, err)
	}

	return core.Attachment{
		Filename:     filename,
		DeclaredType: declared,
		Size:         size,
		SHA256:       hex.EncodeToString(hash.Sum(nil)),
		Head:         head.buf,
	}
}

func (p *Parser) build(entity *message.Entity, x *extraction) *core.Email {
	email := &core.Email{
		Headers:     core.NewHeader(nil),
		Links:       x.links.list,
		Attachments: x.atts,
	}

	if entity != nil {
		email.Headers = p.headers(entity, x)
		p.sender(entity, email, x)
		mh := mail.Header{Header: entity.Header}
		subject, err := mh.Subject()
		if err != nil {
			x.warn("subject could not be decoded: %v", err)
			subject = entity.Header.Get("Subject")
		}
		email.Subject = p.text.SanitizeUTF8(strings.TrimSpace(subject))
	}

	body := strings.Join(x.plain, "\n")
	if strings.TrimSpace(body) == "" && len(x.html) > 0 {
		body = strings.Join(x.html, "\n")
		email.HTMLBody = true
	}
	body, truncated := p.text.ProcessText(p.text.CollapseBlankLines(body), p.opts.MaxBodyBytes)
	if truncated {
		x.warn("body truncated to %d bytes", p.opts.MaxBodyBytes)
	}
	email.Body = body
	email.ParseWarnings = x.warnings
	return email
}

func (p *Parser) headers(e *message.Entity, x *extraction) core.Header {
	var fields []core.HeaderField
	it := e.Header.Fields()
	for it.Next() {
		name := it.Key()
		if rawField, err := it.Raw(); err == nil {
			if colon := bytes.IndexByte(rawField, ':'); colon > 0 {
				name = strings.TrimSpace(string(rawField[:colon]))
			}
		}
		value, err := it.Text()
		if err != nil {
			x.warn("header %s could not be decoded: %v", name, err)
			value = it.Value()
		}
		fields = append(fields, core.HeaderField{Name: name, Value: p.text.SanitizeUTF8(value)})
	}
	return core.NewHeader(fields)
}

func (p *Parser) sender(e *message.Entity, email *core.Email, x *extraction) {
	mh := mail.Header{Header: e.Header}
	from, err := mh.Text("From")
	if err != nil {
		from = e.Header.Get("From")
	}
	email.Sender = strings.TrimSpace(from)
	if email.Sender == "" {
		return
	}

	addrs, err := mh.AddressList("From")
	if err == nil && len(addrs) > 0 {
		email.SenderAddress = strings.ToLower(addrs[0].Address)
		email.SenderName = addrs[0].Name
		return
	}

	x.warn("From header could not be parsed as an address")
	m := looseAddress.FindStringSubmatch(email.Sender)
	if m == nil {
		return
	}
	addr := m[1]
	if addr == "" {
		addr = m[2]
	}
	email.SenderAddress = strings.ToLower(addr)
	if lt := strings.IndexByte(email.Sender, '<'); lt > 0 {
		email.SenderName = strings.Trim(strings.TrimSpace(email.Sender[:lt]), `"`)
	}
}

// headWriter keeps the first limit bytes written to it
type headWriter struct {
	buf   []byte
	limit int
}

func (w *headWriter) Write(b []byte) (int, error) {
	if room := w.limit - len(w.buf); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		w.buf = append(w.buf, b[:room]...)
	}
	return len(b), nil
}

// looksBinary reports whether the start of raw is clearly not message text
func looksBinary(raw []byte) bool {
	sample := raw
	if len(sample) > binarySampleBytes {
		sample = sample[:binarySampleBytes]
	}
	if bytes.IndexByte(sample, 0) >= 0 {
		return true
	}
	control := 0
	for _, b := range sample {
		if b < 0x20 && b != '\t' && b != '\n' && b != '\r' && b != '\f' && b != 0x1b {
			control++
		}
	}
	return control*10 > len(sample)
}
