package export

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"
)

const contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`

const rootRelsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`

// docWriter accumulates WordprocessingML paragraphs.
type docWriter struct {
	body strings.Builder
}

func (w *docWriter) para(text string, bold bool, size int) {
	w.body.WriteString("<w:p><w:r>")
	if bold || size > 0 {
		w.body.WriteString("<w:rPr>")
		if bold {
			w.body.WriteString("<w:b/>")
		}
		if size > 0 {
			fmt.Fprintf(&w.body, `<w:sz w:val="%d"/>`, size)
		}
		w.body.WriteString("</w:rPr>")
	}
	w.body.WriteString(`<w:t xml:space="preserve">`)
	_ = xml.EscapeText(&w.body, []byte(text))
	w.body.WriteString("</w:t></w:r></w:p>")
}

func (w *docWriter) heading(text string) { w.para(text, true, 28) }
func (w *docWriter) text(text string)    { w.para(text, false, 0) }

func (w *docWriter) document() string {
	return `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` +
		`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>` +
		w.body.String() +
		`</w:body></w:document>`
}

func buildDOCX(data TemplateData) ([]byte, error) {
	var w docWriter
	w.para(data.Title, true, 40)
	meta := "Closed " + data.ClosedAt.Format("Jan 2, 2006")
	if data.Category != "" {
		meta = data.Category + " | " + meta
	}
	w.text(meta)
	if data.Description != "" {
		w.text(data.Description)
	}

	w.heading("Outcome")
	w.text(data.Outcome)
	if data.ConsensusReached {
		w.text("Consensus reached: yes")
	} else {
		w.text("Consensus reached: no")
	}

	w.heading("Variance")
	w.text(fmt.Sprintf("Judgments: %d", data.ScoreCount))
	w.text("Mean score: " + data.Mean)
	w.text("Standard deviation: " + data.StdDev)
	w.text("Coefficient of variation: " + data.CV)
	if data.HighNoise {
		w.para("High noise: the committee disagreed beyond the configured threshold.", true, 0)
	}

	w.heading("Judgments")
	if len(data.Judgments) == 0 {
		w.text("No judgments were submitted.")
	}
	for _, j := range data.Judgments {
		w.para(fmt.Sprintf("%s scored %d", j.Judge, j.Score), true, 0)
		w.text(j.Rationale)
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	parts := []struct{ name, body string }{
		{"[Content_Types].xml", contentTypesXML},
		{"_rels/.rels", rootRelsXML},
		{"word/document.xml", w.document()},
	}
	for _, part := range parts {
		f, err := zw.Create(part.name)
		if err != nil {
			return nil, err
		}
		if _, err := f.Write([]byte(part.body)); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
