package detect

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"mime"
	"strings"

	"github.com/h2non/filetype"
	"github.com/mikey/phishguard/internal/core"
)

// Attachment indicators
const (
	IndicatorDisguisedExecutable = "disguised_executable"
	IndicatorDangerousExtension  = "dangerous_extension"
	IndicatorDoubleExtension     = "double_extension"
	IndicatorEncryptedArchive    = "encrypted_archive"
	IndicatorMacroDocument       = "macro_enabled_document"
	IndicatorTypeMismatch        = "type_mismatch"
	IndicatorEmptyAttachment     = "empty_attachment"
	IndicatorOversizedAttachment = "oversized_attachment"
)

// Attachment weights
const (
	WeightDisguisedExecutable = 1.00
	WeightDangerousExtension  = 0.80
	WeightDoubleExtension     = 0.70
	WeightEncryptedArchive    = 0.60
	WeightMacroDocument       = 0.50
	WeightTypeMismatch        = 0.30
	WeightEmptyAttachment     = 0.10
	WeightOversizedAttachment = 0.10
)

var (
	zipLocalHeader = []byte("PK\x03\x04")
	oleMagic       = []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}
	vbaProject     = []byte("vbaProject.bin")
	scriptMarkers  = [][]byte{
		[]byte("wscript."),
		[]byte("createobject("),
		[]byte("powershell -"),
		[]byte("<hta:application"),
	}
)

var executableTypes = map[string]struct{}{
	"exe": {}, "elf": {}, "dll": {}, "macho": {}, "dex": {}, "class": {},
}

var zipFamily = []string{"zip", "openxmlformats", "java-archive", "epub", "x-zip"}

var oleFamily = []string{"msword", "vnd.ms-", "x-ole-storage", "x-msi"}

// sniffResult is the content-derived type of an attachment prefix
type sniffResult struct {
	ext        string
	mime       string
	executable bool
	ole        bool
}

// AttachmentAnalyzer determines attachment types from magic bytes and flags
// payloads that disagree with their names
type AttachmentAnalyzer struct {
	weights   map[string]float64
	dangerous map[string]struct{}
	decoy     map[string]struct{}
	macro     map[string]struct{}
	large     int64
}

// NewAttachmentAnalyzer creates an attachment analyzer from the rule pack
func NewAttachmentAnalyzer(rules *Rules) *AttachmentAnalyzer {
	return &AttachmentAnalyzer{
		weights:   copyWeights(rules.Attachment.Weights),
		dangerous: lowerSet(rules.Attachment.DangerousExtensions),
		decoy:     lowerSet(rules.Attachment.DecoyExtensions),
		macro:     lowerSet(rules.Attachment.MacroExtensions),
		large:     rules.Attachment.LargeAttachmentBytes,
	}
}

// Category implements core.Detector
func (a *AttachmentAnalyzer) Category() core.Category {
	return core.CategoryAttachment
}

// Detect implements core.Detector
func (a *AttachmentAnalyzer) Detect(ctx context.Context, email *core.Email) ([]core.Finding, error) {
	set := newFindingSet(core.CategoryAttachment, a.weights)
	for i, att := range email.Attachments {
		if err := ctx.Err(); err != nil {
			return set.findings(), err
		}
		a.inspect(set, fmt.Sprintf("%d:%s", i, att.Filename), att)
	}
	return set.findings(), nil
}

func (a *AttachmentAnalyzer) inspect(set *findingSet, key string, att core.Attachment) {
	name := att.Filename
	if name == "" {
		name = "(unnamed)"
	}
	exts := extensions(att.Filename)
	last := ""
	if len(exts) > 0 {
		last = exts[len(exts)-1]
	}
	_, dangerousExt := a.dangerous[last]
	kind := sniff(att.Head)

	if kind.executable && !dangerousExt {
		set.add(IndicatorDisguisedExecutable, key,
			fmt.Sprintf("%s contains %s content despite its name", name, kind.ext))
	}
	if dangerousExt {
		set.add(IndicatorDangerousExtension, key, fmt.Sprintf("%s has the executable extension .%s", name, last))
	}
	if len(exts) >= 2 {
		_, decoy := a.decoy[exts[len(exts)-2]]
		if decoy && dangerousExt {
			set.add(IndicatorDoubleExtension, key,
				fmt.Sprintf("%s hides .%s behind .%s", name, last, exts[len(exts)-2]))
		}
	}
	if encryptedZip(att.Head) {
		set.add(IndicatorEncryptedArchive, key, fmt.Sprintf("%s is a password-protected archive", name))
	}
	_, macroExt := a.macro[last]
	if macroExt || kind.ole || (kind.ext != "" && bytes.Contains(att.Head, vbaProject)) {
		set.add(IndicatorMacroDocument, key, fmt.Sprintf("%s can carry macros", name))
	}
	if !kind.executable && typeMismatch(att.DeclaredType, kind.mime) {
		set.add(IndicatorTypeMismatch, key,
			fmt.Sprintf("%s is declared as %s but looks like %s", name, att.DeclaredType, kind.mime))
	}

	switch {
	case att.Size == 0:
		set.add(IndicatorEmptyAttachment, key, fmt.Sprintf("%s is empty", name))
	case a.large > 0 && att.Size > a.large:
		set.add(IndicatorOversizedAttachment, key,
			fmt.Sprintf("%s is %d bytes, above %d", name, att.Size, a.large))
	}
}

// sniff inspects only the bounded prefix captured by the parser
func sniff(head []byte) sniffResult {
	var r sniffResult
	if len(head) == 0 {
		return r
	}

	if t, err := filetype.Match(head); err == nil && t != filetype.Unknown {
		r.ext = t.Extension
		r.mime = t.MIME.Value
	}
	switch {
	case r.ext == "" && bytes.HasPrefix(head, []byte("MZ")):
		r.ext, r.mime = "exe", "application/vnd.microsoft.portable-executable"
	case r.ext == "" && bytes.HasPrefix(head, []byte("\x7fELF")):
		r.ext, r.mime = "elf", "application/x-executable"
	}
	if _, ok := executableTypes[r.ext]; ok {
		r.executable = true
	}
	if !r.executable && isScript(head) {
		r.ext, r.mime, r.executable = "script", "text/x-script", true
	}
	if bytes.HasPrefix(head, oleMagic) {
		r.ole = true
	}
	return r
}

func isScript(head []byte) bool {
	if bytes.IndexByte(head, 0) >= 0 {
		return false
	}
	trimmed := bytes.TrimLeft(head, " \t\r\n\ufeff")
	if bytes.HasPrefix(trimmed, []byte("#!")) {
		return true
	}
	lower := bytes.ToLower(trimmed)
	if bytes.HasPrefix(lower, []byte("@echo off")) {
		return true
	}
	for _, marker := range scriptMarkers {
		if bytes.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// encryptedZip reports whether any ZIP local file header in head has the
// encryption bit of its general purpose flags set
func encryptedZip(head []byte) bool {
	offset := 0
	for {
		idx := bytes.Index(head[offset:], zipLocalHeader)
		if idx < 0 {
			return false
		}
		start := offset + idx
		if start+8 > len(head) {
			return false
		}
		if binary.LittleEndian.Uint16(head[start+6:start+8])&0x1 == 1 {
			return true
		}
		offset = start + len(zipLocalHeader)
	}
}

func typeMismatch(declared, sniffed string) bool {
	if sniffed == "" || declared == "" {
		return false
	}
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		mt = strings.ToLower(strings.TrimSpace(declared))
	}
	if mt == "application/octet-stream" || mt == sniffed {
		return false
	}
	if major(mt) == "image" && major(sniffed) == "image" {
		return false
	}
	if inFamily(mt, zipFamily) && inFamily(sniffed, zipFamily) {
		return false
	}
	if inFamily(mt, oleFamily) && inFamily(sniffed, oleFamily) {
		return false
	}
	return true
}

func major(mediaType string) string {
	if slash := strings.IndexByte(mediaType, '/'); slash >= 0 {
		return mediaType[:slash]
	}
	return mediaType
}

func inFamily(mediaType string, family []string) bool {
	for _, marker := range family {
		if strings.Contains(mediaType, marker) {
			return true
		}
	}
	return false
}

// extensions returns the lower-cased dot-separated suffixes of a filename
func extensions(filename string) []string {
	base := strings.ToLower(strings.TrimSpace(filename))
	if slash := strings.LastIndexAny(base, `/\`); slash >= 0 {
		base = base[slash+1:]
	}
	parts := strings.Split(strings.Trim(base, ". "), ".")
	if len(parts) < 2 {
		return nil
	}
	var exts []string
	for _, p := range parts[1:] {
		if p = strings.TrimSpace(p); p != "" {
			exts = append(exts, p)
		}
	}
	return exts
}
