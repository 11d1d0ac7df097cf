// Package extractor turns raw document bytes into plain text plus optional
// per-page text and metadata (C4). Extraction is pure: it never touches
// anything but the bytes it is handed.
package extractor

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

// Result is the output of one extraction call.
type Result struct {
	Text     string
	Pages    []string
	Metadata map[string]string
	Err      string
}

// Extract dispatches on fileType (case-insensitive, leading dot tolerated)
// and extracts text from the given bytes.
func Extract(data []byte, fileType string) Result {
	ft := strings.ToLower(strings.TrimPrefix(fileType, "."))

	switch ft {
	case "pdf":
		return extractPDF(data)
	case "docx":
		return extractDOCX(data)
	case "xlsx":
		return extractXLSX(data)
	case "txt", "md", "csv", "json":
		return extractText(data, ft)
	default:
		return Result{Metadata: map[string]string{}, Err: "unsupported"}
	}
}

func withNoTextError(r Result) Result {
	if r.Err == "" && strings.TrimSpace(r.Text) == "" {
		r.Err = "no text content"
	}
	return r
}

func extractPDF(data []byte) Result {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{Metadata: map[string]string{}, Err: fmt.Sprintf("pdf extraction failed: %v", err)}
	}

	var pages []string
	var full []string

	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			text = ""
		}
		pages = append(pages, text)
		full = append(full, text)
	}

	meta := map[string]string{
		"page_count": strconv.Itoa(reader.NumPage()),
	}

	return withNoTextError(Result{
		Text:     strings.Join(full, "\n\n"),
		Pages:    pages,
		Metadata: meta,
	})
}

func extractDOCX(data []byte) Result {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Result{Metadata: map[string]string{}, Err: fmt.Sprintf("docx extraction failed: %v", err)}
	}
	defer r.Close()

	content := r.Editable().GetContent()

	// The docx library hands back a single run of document.xml-derived text;
	// paragraph and table-row boundaries are preserved as the library's own
	// newline conventions, so we pass it through rather than re-parsing XML.
	text := content

	return withNoTextError(Result{
		Text:     text,
		Pages:    nil,
		Metadata: map[string]string{},
	})
}

func extractXLSX(data []byte) Result {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return Result{Metadata: map[string]string{}, Err: fmt.Sprintf("xlsx extraction failed: %v", err)}
	}
	defer f.Close()

	sheets := f.GetSheetList()
	var sheetTexts []string
	var pages []string

	for _, name := range sheets {
		rows, err := f.GetRows(name)
		if err != nil {
			continue
		}

		var lines []string
		lines = append(lines, "## Sheet: "+name)

		var kept [][]string
		for _, row := range rows {
			nonEmpty := false
			for _, cell := range row {
				if strings.TrimSpace(cell) != "" {
					nonEmpty = true
					break
				}
			}
			if nonEmpty {
				kept = append(kept, row)
			}
		}

		if len(kept) > 0 {
			lines = append(lines, strings.Join(kept[0], " | "))
			if len(kept) > 1 {
				sep := make([]string, len(strings.Split(strings.Join(kept[0], " | "), " | ")))
				for i := range sep {
					sep[i] = "---"
				}
				lines = append(lines, strings.Join(sep, " | "))
			}
			for _, row := range kept[1:] {
				lines = append(lines, strings.Join(row, " | "))
			}
		}

		sheetText := strings.Join(lines, "\n")
		sheetTexts = append(sheetTexts, sheetText)
		pages = append(pages, sheetText)
	}

	meta := map[string]string{
		"sheet_count": strconv.Itoa(len(sheets)),
		"sheet_names": strings.Join(sheets, ","),
	}

	return withNoTextError(Result{
		Text:     strings.Join(sheetTexts, "\n\n"),
		Pages:    pages,
		Metadata: meta,
	})
}

// encodingAttempt order mirrors the spec's decode chain: utf-8, utf-8-sig,
// latin-1, cp1252 — first that decodes cleanly wins.
var encodingAttempts = []struct {
	name string
	try  func([]byte) (string, bool)
}{
	{"utf-8", tryUTF8},
	{"utf-8-sig", tryUTF8SIG},
	{"latin-1", tryLatin1},
	{"cp1252", tryCP1252},
}

func tryUTF8(data []byte) (string, bool) {
	if !utf8.Valid(data) {
		return "", false
	}
	return string(data), true
}

func tryUTF8SIG(data []byte) (string, bool) {
	trimmed := bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})
	if !utf8.Valid(trimmed) {
		return "", false
	}
	return string(trimmed), true
}

func tryLatin1(data []byte) (string, bool) {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return "", false
	}
	return string(out), true
}

func tryCP1252(data []byte) (string, bool) {
	out, err := charmap.Windows1252.NewDecoder().Bytes(data)
	if err != nil {
		return "", false
	}
	return string(out), true
}

func extractText(data []byte, fileType string) Result {
	// Strip a UTF-16 BOM before the byte-oriented attempts; unusual for
	// these file types but cheap to guard against.
	if bytes.HasPrefix(data, []byte{0xFF, 0xFE}) || bytes.HasPrefix(data, []byte{0xFE, 0xFF}) {
		if out, err := unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM).NewDecoder().Bytes(data); err == nil {
			return textResult(string(out), "utf-16", fileType)
		}
	}

	for _, attempt := range encodingAttempts {
		if text, ok := attempt.try(data); ok {
			return textResult(text, attempt.name, fileType)
		}
	}

	return Result{Metadata: map[string]string{}, Err: "Could not decode file with any supported encoding"}
}

func textResult(text, encoding, fileType string) Result {
	meta := map[string]string{
		"encoding":   encoding,
		"file_type":  fileType,
		"char_count": strconv.Itoa(len(text)),
		"line_count": strconv.Itoa(strings.Count(text, "\n") + 1),
	}
	return withNoTextError(Result{Text: text, Metadata: meta})
}
