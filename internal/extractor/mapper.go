package extractor

import (
	"bytes"

	"sql-guard/internal/mapper"
	"sql-guard/internal/model"

	"github.com/pkg/errors"
)

// MapperExtractor reads mapper XML files. Every statement element becomes a
// segment whose call site is namespace.id.
type MapperExtractor struct{}

func NewMapperExtractor() *MapperExtractor {
	return &MapperExtractor{}
}

func (e *MapperExtractor) Extract(filePath string, content []byte) ([]model.SQLSegment, error) {
	if !bytes.Contains(content, []byte("<mapper")) {
		return nil, nil
	}
	doc, err := mapper.ParseXML(bytes.NewReader(content))
	if err != nil {
		return nil, errors.Wrap(err, filePath)
	}
	segments := make([]model.SQLSegment, 0, len(doc.Statements))
	for _, st := range doc.Statements {
		segments = append(segments, model.SQLSegment{
			SQL:      st.SQL,
			CallSite: doc.Namespace + "." + st.ID,
			Location: model.Location{FilePath: filePath, Line: st.Line},
			Language: "xml",
		})
	}
	return segments, nil
}
