package extractor

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"sql-guard/internal/model"

	"github.com/pkg/errors"
)

// RegexExtractor finds quoted SQL literals line by line. In Go sources the
// enclosing function names the call site.
type RegexExtractor struct{}

func NewRegexExtractor() *RegexExtractor {
	return &RegexExtractor{}
}

// Non-greedy to stop at the first closing quote; RE2 has no backreferences.
var (
	doubleQuoteSQL = regexp.MustCompile(`"(?i)(?:SELECT|INSERT|UPDATE|DELETE|REPLACE)\b.*?"`)
	singleQuoteSQL = regexp.MustCompile(`'(?i)(?:SELECT|INSERT|UPDATE|DELETE|REPLACE)\b.*?'`)
	backTickSQL    = regexp.MustCompile("`(?i)(?:SELECT|INSERT|UPDATE|DELETE|REPLACE)\\b.*?`")

	goFunc = regexp.MustCompile(`^func\s+(?:\(\s*(?:\w+\s+)?\*?(\w+)(?:\[[^\]]*\])?\s*\)\s*)?(\w+)`)
)

func (e *RegexExtractor) Extract(filePath string, content []byte) ([]model.SQLSegment, error) {
	var segments []model.SQLSegment
	lang := strings.TrimPrefix(strings.ToLower(filepath.Ext(filePath)), ".")

	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	callSite := ""
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()

		if lang == "go" {
			if m := goFunc.FindStringSubmatch(line); m != nil {
				callSite = m[2]
				if m[1] != "" {
					callSite = m[1] + "." + m[2]
				}
			}
		}

		for _, re := range []*regexp.Regexp{doubleQuoteSQL, singleQuoteSQL, backTickSQL} {
			for _, match := range re.FindAllString(line, -1) {
				if len(match) < 2 {
					continue
				}
				segments = append(segments, model.SQLSegment{
					SQL:      match[1 : len(match)-1],
					CallSite: callSite,
					Location: model.Location{FilePath: filePath, Line: lineNo},
					Language: lang,
				})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "read %s", filePath)
	}
	return segments, nil
}

// Manager selects the extractor by file extension.
type Manager struct {
	extractors map[string]model.Extractor
	fallback   model.Extractor
}

func NewManager() *Manager {
	return &Manager{
		extractors: make(map[string]model.Extractor),
		fallback:   NewRegexExtractor(),
	}
}

// Default registers the regex extractor for common source languages and the
// mapper extractor for XML.
func Default() *Manager {
	m := NewManager()
	regex := NewRegexExtractor()
	for _, ext := range []string{"go", "py", "java", "kt", "cpp", "js", "ts"} {
		m.Register(ext, regex)
	}
	m.Register("xml", NewMapperExtractor())
	return m
}

func (m *Manager) Register(ext string, extr model.Extractor) {
	m.extractors[strings.ToLower(strings.TrimPrefix(ext, "."))] = extr
}

// Extensions lists the registered extensions.
func (m *Manager) Extensions() []string {
	exts := make([]string, 0, len(m.extractors))
	for ext := range m.extractors {
		exts = append(exts, ext)
	}
	return exts
}

func (m *Manager) Extract(filePath string) ([]model.SQLSegment, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filePath), "."))
	if extr, ok := m.extractors[ext]; ok {
		return extr.Extract(filePath, content)
	}
	return m.fallback.Extract(filePath, content)
}
