// Package docparse extracts plain text from uploaded documents so it can be
// fed to the coach as untrusted context.
package docparse

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"
)

// MaxTextChars caps stored extracted text.
const MaxTextChars = 50_000

const truncatedMarker = "\n[...truncated]"

// MaxUploadBytes is the largest accepted upload.
const MaxUploadBytes = 10 << 20

var ErrUnsupported = errors.New("unsupported document type")

type kind string

const (
	kindPDF   kind = "pdf"
	kindText  kind = "txt"
	kindDoc   kind = "doc"
	kindDocx  kind = "docx"
	kindPpt   kind = "ppt"
	kindPptx  kind = "pptx"
	kindXls   kind = "xls"
	kindXlsx  kind = "xlsx"
	kindImage kind = "image"
)

var kinds = map[string]kind{
	"application/pdf":    kindPDF,
	"text/plain":         kindText,
	"application/msword": kindDoc,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   kindDocx,
	"application/vnd.ms-powerpoint":                                             kindPpt,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": kindPptx,
	"application/vnd.ms-excel":                                                  kindXls,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         kindXlsx,
	"image/jpeg": kindImage,
	"image/jpg":  kindImage,
	"image/png":  kindImage,
}

var extensions = map[string][]string{
	"application/pdf":    {".pdf"},
	"text/plain":         {".txt"},
	"application/msword": {".doc"},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   {".docx"},
	"application/vnd.ms-powerpoint":                                             {".ppt"},
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": {".pptx"},
	"application/vnd.ms-excel":                                                  {".xls"},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         {".xlsx"},
	"image/jpeg": {".jpg", ".jpeg"},
	"image/jpg":  {".jpg", ".jpeg"},
	"image/png":  {".png"},
}

func normalizeType(contentType string) string {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct
}

// IsAllowedType reports whether the MIME type is accepted at all.
func IsAllowedType(contentType string) bool {
	_, ok := extensions[normalizeType(contentType)]
	return ok
}

// IsAllowed reports whether an upload with this MIME type and file name is
// accepted. The extension must agree with the MIME type.
func IsAllowed(contentType, fileName string) bool {
	exts, ok := extensions[normalizeType(contentType)]
	if !ok {
		return false
	}
	ext := strings.ToLower(path.Ext(fileName))
	for _, e := range exts {
		if e == ext {
			return true
		}
	}
	return false
}

// IsParseable reports whether text can be extracted from this MIME type.
func IsParseable(contentType string) bool {
	k, ok := kinds[normalizeType(contentType)]
	return ok && k != kindImage
}

// SupportedExtensions lists every accepted file extension.
func SupportedExtensions() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, exts := range extensions {
		for _, e := range exts {
			if _, ok := seen[e]; !ok {
				seen[e] = struct{}{}
				out = append(out, e)
			}
		}
	}
	sort.Strings(out)
	return out
}

// Extract returns the document text, capped by Cap. Images and unknown
// types yield ErrUnsupported.
func Extract(data []byte, contentType string) (string, error) {
	k, ok := kinds[normalizeType(contentType)]
	if !ok || k == kindImage {
		return "", ErrUnsupported
	}

	var (
		text string
		err  error
	)
	switch k {
	case kindText:
		if !utf8.Valid(data) {
			data = bytes.ToValidUTF8(data, []byte("�"))
		}
		text = string(data)
	case kindPDF:
		text, err = extractPDF(data)
	case kindDoc, kindDocx:
		// Legacy .doc files are not zip containers and fail here.
		text, err = extractDocx(data)
	case kindPpt, kindPptx:
		text, err = extractPptx(data)
	case kindXls, kindXlsx:
		text, err = extractSpreadsheet(data)
	}
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", k, err)
	}
	return Cap(strings.TrimSpace(text)), nil
}

// Cap truncates text to MaxTextChars runes and appends a marker when it cuts.
func Cap(text string) string {
	if utf8.RuneCountInString(text) <= MaxTextChars {
		return text
	}
	r := []rune(text)
	return string(r[:MaxTextChars]) + truncatedMarker
}

func extractPDF(data []byte) (text string, err error) {
	// The pdf reader panics on some malformed inputs.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func extractDocx(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			return xmlText(f, "p")
		}
	}
	return "", errors.New("word/document.xml not found")
}

func extractPptx(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	type slide struct {
		n int
		f *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		name := f.Name
		if !strings.HasPrefix(name, "ppt/slides/slide") || !strings.HasSuffix(name, ".xml") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "ppt/slides/slide"), ".xml"))
		if err != nil {
			continue
		}
		slides = append(slides, slide{n: n, f: f})
	}
	if len(slides) == 0 {
		return "", errors.New("no slides found")
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].n < slides[j].n })

	var parts []string
	for _, s := range slides {
		text, err := xmlText(s.f, "p")
		if err != nil {
			return "", err
		}
		parts = append(parts, fmt.Sprintf("--- Slide: %d ---\n%s", s.n, text))
	}
	return strings.Join(parts, "\n\n"), nil
}

// xmlText concatenates the character data of every <t> element, starting a
// new line at the end of each paragraph element named para.
func xmlText(f *zip.File, para string) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()

	dec := xml.NewDecoder(rc)
	var (
		b      strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				b.WriteByte('\t')
			case "br":
				b.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case para:
				b.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}

func extractSpreadsheet(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	defer f.Close()

	var sheets []string
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return "", err
		}
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.WriteAll(rows); err != nil {
			return "", err
		}
		sheets = append(sheets, fmt.Sprintf("--- Sheet: %s ---\n%s", name, strings.TrimRight(buf.String(), "\n")))
	}
	return strings.Join(sheets, "\n\n"), nil
}
