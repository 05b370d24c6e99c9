package mapper

import (
	"encoding/xml"
	"io"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Document is a parsed mapper file: one namespace and its named statements.
type Document struct {
	Namespace  string
	Statements []Statement
}

// Statement is one <select|insert|update|delete id="..."> element. Dynamic
// elements nested inside it (<if>, <where>, ...) contribute their text.
type Statement struct {
	ID   string
	Kind string
	SQL  string
	Line int
}

// #{name} binds a parameter; ${name} is spliced in as text and stays visible.
var bindMarker = regexp.MustCompile(`#\{[^}]*\}`)

var statementTags = map[string]bool{"select": true, "insert": true, "update": true, "delete": true}

// ParseXML reads a mapper document.
func ParseXML(r io.Reader) (*Document, error) {
	dec := xml.NewDecoder(r)
	dec.Strict = false
	doc := &Document{}

	var (
		current *Statement
		text    strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "parse mapper xml")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			name := strings.ToLower(t.Name.Local)
			switch {
			case name == "mapper":
				doc.Namespace = attr(t, "namespace")
			case current == nil && statementTags[name]:
				line, _ := dec.InputPos()
				current = &Statement{ID: attr(t, "id"), Kind: strings.ToUpper(name), Line: line}
				text.Reset()
			}
		case xml.CharData:
			if current != nil {
				text.Write(t)
				text.WriteByte(' ')
			}
		case xml.EndElement:
			if current != nil && strings.EqualFold(t.Name.Local, current.Kind) {
				current.SQL = bindMarker.ReplaceAllString(strings.Join(strings.Fields(text.String()), " "), "?")
				if current.ID == "" {
					return nil, errors.Errorf("line %d: %s element without id", current.Line, strings.ToLower(current.Kind))
				}
				doc.Statements = append(doc.Statements, *current)
				current = nil
			}
		}
	}
	if doc.Namespace == "" {
		return nil, errors.New("mapper element with a namespace is required")
	}
	return doc, nil
}

func attr(el xml.StartElement, name string) string {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}
