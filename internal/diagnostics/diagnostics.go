// Package diagnostics turns raw build tool output into structured error
// records grouped by source file.
//
// Matching is keyword based and permissive. The result is a hint for the fix
// service, not an exact account of what went wrong.
package diagnostics

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// Category classifies a single diagnostic.
type Category string

const (
	FileError    Category = "file_error"
	ConfigError  Category = "config_error"
	GeneralError Category = "general_error"
)

// DefaultDescriptor is the build descriptor name used by Parse.
const DefaultDescriptor = "pom.xml"

var (
	// [ERROR] /src/main/java/Foo.java:[12,4] cannot find symbol
	fileErrorPattern = regexp.MustCompile(`^\[ERROR\]\s+(\S+\.[A-Za-z0-9]+):(?:\[(\d+)(?:,(\d+))?\])?\s*(.*)$`)
	errorMarkers     = []string{"[ERROR]", "[FATAL]", "ERROR:", "error:", "FATAL:"}
)

// ErrorRecord is one compiler diagnostic.
type ErrorRecord struct {
	File     string   `json:"file,omitempty"`
	Line     int      `json:"line,omitempty"`
	Column   int      `json:"column,omitempty"`
	Message  string   `json:"message"`
	Category Category `json:"category"`
}

// Report groups records by file in first-seen order.
type Report struct {
	FileErrors    map[string][]string `json:"fileErrors"`
	Files         []string            `json:"-"`
	GeneralErrors []string            `json:"generalErrors"`
	Records       []ErrorRecord       `json:"-"`
}

func newReport() *Report {
	return &Report{
		FileErrors:    make(map[string][]string),
		GeneralErrors: []string{},
	}
}

// Empty reports whether nothing was recognised.
func (r *Report) Empty() bool {
	return len(r.Files) == 0 && len(r.GeneralErrors) == 0
}

// Count returns the total number of recognised messages.
func (r *Report) Count() int {
	n := len(r.GeneralErrors)
	for _, msgs := range r.FileErrors {
		n += len(msgs)
	}
	return n
}

// Lines flattens the report back into readable lines, files first.
func (r *Report) Lines() []string {
	out := make([]string, 0, r.Count())
	for _, f := range r.Files {
		for _, msg := range r.FileErrors[f] {
			out = append(out, f+": "+msg)
		}
	}
	return append(out, r.GeneralErrors...)
}

func (r *Report) addFile(file, msg string) {
	if _, ok := r.FileErrors[file]; !ok {
		r.Files = append(r.Files, file)
	}
	r.FileErrors[file] = append(r.FileErrors[file], msg)
}

// Parser recognises diagnostics for a given build descriptor name.
type Parser struct {
	descriptor string
}

// NewParser returns a parser bucketing descriptor related lines under
// descriptor. An empty name falls back to DefaultDescriptor.
func NewParser(descriptor string) *Parser {
	if descriptor == "" {
		descriptor = DefaultDescriptor
	}
	return &Parser{descriptor: descriptor}
}

// Parse parses raw output using the default descriptor.
func Parse(output string) *Report {
	return NewParser("").Parse(output)
}

// ParseValue accepts anything. Only strings and string slices yield records.
func ParseValue(v any) *Report {
	return NewParser("").ParseValue(v)
}

// ParseValue accepts anything. Only strings and string slices yield records.
func (p *Parser) ParseValue(v any) *Report {
	switch t := v.(type) {
	case string:
		return p.Parse(t)
	case []string:
		return p.ParseLines(t)
	case []byte:
		return p.Parse(string(t))
	default:
		return newReport()
	}
}

// Parse splits output into lines and parses them.
func (p *Parser) Parse(output string) *Report {
	if output == "" {
		return newReport()
	}
	return p.ParseLines(strings.Split(output, "\n"))
}

// ParseLines parses already split output.
func (p *Parser) ParseLines(lines []string) *Report {
	report := newReport()
	for _, raw := range lines {
		line := strings.TrimSpace(strings.TrimRight(raw, "\r"))
		if line == "" {
			continue
		}

		if rec, ok := p.parseFileError(line); ok {
			report.addFile(rec.File, rec.Message)
			report.Records = append(report.Records, rec)
			continue
		}

		if !hasErrorMarker(line) {
			continue
		}

		msg := stripMarker(line)
		if msg == "" {
			continue
		}

		if strings.Contains(line, p.descriptor) {
			report.addFile(p.descriptor, msg)
			report.Records = append(report.Records, ErrorRecord{File: p.descriptor, Message: msg, Category: ConfigError})
			continue
		}

		report.GeneralErrors = append(report.GeneralErrors, msg)
		report.Records = append(report.Records, ErrorRecord{Message: msg, Category: GeneralError})
	}
	return report
}

func (p *Parser) parseFileError(line string) (ErrorRecord, bool) {
	m := fileErrorPattern.FindStringSubmatch(line)
	if m == nil {
		return ErrorRecord{}, false
	}

	file := path.Base(strings.ReplaceAll(m[1], `\`, "/"))
	rec := ErrorRecord{File: file, Category: FileError}
	if file == p.descriptor {
		rec.Category = ConfigError
	}

	msg := strings.TrimSpace(m[4])
	if m[2] != "" {
		rec.Line, _ = strconv.Atoi(m[2])
		if m[3] != "" {
			rec.Column, _ = strconv.Atoi(m[3])
		}
		msg = fmt.Sprintf("Line %d: %s", rec.Line, msg)
	}
	rec.Message = msg
	return rec, true
}

func hasErrorMarker(line string) bool {
	for _, m := range errorMarkers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}

func stripMarker(line string) string {
	for _, m := range []string{"[ERROR]", "[FATAL]"} {
		if strings.HasPrefix(line, m) {
			return strings.TrimSpace(strings.TrimPrefix(line, m))
		}
	}
	return line
}

// ErrorLines returns the raw lines carrying an error marker, in order.
func ErrorLines(lines []string) []string {
	var out []string
	for _, raw := range lines {
		line := strings.TrimSpace(strings.TrimRight(raw, "\r"))
		if line != "" && hasErrorMarker(line) {
			out = append(out, line)
		}
	}
	return out
}
