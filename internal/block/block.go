// Package block upserts marker-delimited blocks into line-oriented text
// documents without interpreting anything outside the markers.
package block

import (
	"errors"
	"fmt"
	"strings"
)

// NamespacePlaceholder is substituted with the namespace in marker templates.
const NamespacePlaceholder = "{namespace}"

// ErrMalformedBlock is wrapped by every MalformedBlockError.
var ErrMalformedBlock = errors.New("malformed block")

// MalformedBlockError reports unbalanced or duplicated markers for a namespace.
type MalformedBlockError struct {
	Namespace string
	Line      int // 1-based; 0 when the problem is at end of document
	Reason    string
}

func (e *MalformedBlockError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("malformed block for namespace %q at line %d: %s", e.Namespace, e.Line, e.Reason)
	}
	return fmt.Sprintf("malformed block for namespace %q: %s", e.Namespace, e.Reason)
}

func (e *MalformedBlockError) Unwrap() error { return ErrMalformedBlock }

// Document is an ordered sequence of text lines.
type Document []string

// ParseDocument splits text into lines. A single trailing newline does not
// produce an empty final line.
func ParseDocument(text string) Document {
	if text == "" {
		return Document{}
	}
	text = strings.TrimSuffix(text, "\n")
	return Document(strings.Split(text, "\n"))
}

// String joins the lines with newlines. No trailing newline is added.
func (d Document) String() string {
	return strings.Join(d, "\n")
}

// Markers holds the begin/end marker templates.
type Markers struct {
	Begin string `yaml:"begin_marker"`
	End   string `yaml:"end_marker"`
}

// DefaultMarkers returns the datamate section markers.
func DefaultMarkers() Markers {
	return Markers{
		Begin: "# section-datamate-" + NamespacePlaceholder + "-begin",
		End:   "# section-datamate-" + NamespacePlaceholder + "-end",
	}
}

// Validate checks that both templates are usable single-line markers.
func (m Markers) Validate() error {
	for name, tmpl := range map[string]string{"begin": m.Begin, "end": m.End} {
		if !strings.Contains(tmpl, NamespacePlaceholder) {
			return fmt.Errorf("%s marker %q must contain %s", name, tmpl, NamespacePlaceholder)
		}
		if strings.ContainsAny(tmpl, "\r\n") {
			return fmt.Errorf("%s marker %q must be a single line", name, tmpl)
		}
		if strings.TrimSpace(tmpl) != tmpl {
			return fmt.Errorf("%s marker %q must not have surrounding whitespace", name, tmpl)
		}
	}
	if m.Begin == m.End {
		return fmt.Errorf("begin and end markers must differ")
	}
	return nil
}

// For returns the concrete begin and end marker lines for namespace.
func (m Markers) For(namespace string) (begin, end string) {
	return strings.ReplaceAll(m.Begin, NamespacePlaceholder, namespace),
		strings.ReplaceAll(m.End, NamespacePlaceholder, namespace)
}

// span locates the single block for a namespace. start and end are the
// indexes of the marker lines; found is false when no block exists.
type span struct {
	start, end int
	found      bool
}

func locate(doc Document, begin, end, namespace string) (span, error) {
	var s span
	inside := false
	for i, raw := range doc {
		line := strings.TrimRight(raw, " \t\r")
		switch line {
		case begin:
			if inside {
				return span{}, &MalformedBlockError{Namespace: namespace, Line: i + 1, Reason: "begin marker inside an open block"}
			}
			if s.found {
				return span{}, &MalformedBlockError{Namespace: namespace, Line: i + 1, Reason: "duplicate block"}
			}
			inside = true
			s.start = i
		case end:
			if !inside {
				return span{}, &MalformedBlockError{Namespace: namespace, Line: i + 1, Reason: "end marker without begin marker"}
			}
			inside = false
			s.end = i
			s.found = true
		}
	}
	if inside {
		return span{}, &MalformedBlockError{Namespace: namespace, Reason: fmt.Sprintf("begin marker at line %d is never closed", s.start+1)}
	}
	return s, nil
}

// Upsert returns a new document in which the block for namespace holds
// exactly body. An existing block is removed from its position; the new
// block is appended at the end, separated from preceding content by one
// blank line. Lines outside the block are kept verbatim and in order.
func Upsert(doc Document, m Markers, namespace string, body []string) (Document, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace is empty")
	}
	begin, end := m.For(namespace)

	s, err := locate(doc, begin, end, namespace)
	if err != nil {
		return nil, err
	}

	out := make(Document, 0, len(doc)+len(body)+3)
	if s.found {
		out = append(out, doc[:s.start]...)
		out = append(out, doc[s.end+1:]...)
	} else {
		out = append(out, doc...)
	}

	if len(out) > 0 && strings.TrimSpace(out[len(out)-1]) != "" {
		out = append(out, "")
	}

	out = append(out, begin)
	out = append(out, body...)
	out = append(out, end)
	return out, nil
}

// Extract returns the lines between the namespace markers.
func Extract(doc Document, m Markers, namespace string) ([]string, bool, error) {
	begin, end := m.For(namespace)
	s, err := locate(doc, begin, end, namespace)
	if err != nil {
		return nil, false, err
	}
	if !s.found {
		return nil, false, nil
	}
	body := make([]string, s.end-s.start-1)
	copy(body, doc[s.start+1:s.end])
	return body, true, nil
}
