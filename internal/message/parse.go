// Package message parses the semi-structured text submitted to the router:
//
//	<message>
//	    <tags>
//	        "tag": "Machine Learning,Data Processing"
//	    </tags>
//	    <data>
//	        "data": {'question': 'What is machine learning?'}
//	    </data>
//	</message>
//
// ParseDocument produces the section AST; Parse extracts tag names and
// decodes the data body into a Payload.
package message

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMalformed = errors.New("malformed message")

const (
	openTags  = "<tags>"
	closeTags = "</tags>"
	openData  = "<data>"
	closeData = "</data>"
)

// Parsed is the routable content of one message.
type Parsed struct {
	Tags        []string
	Payload     Payload
	RawFallback bool
}

// Parse extracts the tag list and payload. It returns an error wrapping
// ErrMalformed when either section is missing or cannot be read. A data body
// that does not decode is carried as a raw-string payload instead.
func Parse(raw string) (*Parsed, error) {
	doc, err := ParseDocument(raw)
	if err != nil {
		return nil, err
	}
	tags := doc.Tags()
	if tags == nil {
		return nil, fmt.Errorf("%w: missing %s section", ErrMalformed, openTags)
	}
	data := doc.Data()
	if data == nil {
		return nil, fmt.Errorf("%w: missing %s section", ErrMalformed, openData)
	}
	payload, ok := DecodePayload(data.Body)
	return &Parsed{
		Tags:        append([]string{}, tags.Names...),
		Payload:     payload,
		RawFallback: !ok,
	}, nil
}

// ParseDocument scans raw for <tags> and <data> sections. A section marker
// that does not open a readable section is skipped and scanning resumes
// after it. The first such error is returned only when no readable section
// of that kind is found.
func ParseDocument(raw string) (*Document, error) {
	c := &cursor{src: raw}
	doc := &Document{}
	var tagsErr, dataErr error
	for {
		name, ok := c.seekSection()
		if !ok {
			break
		}
		resume := c.pos
		var (
			sec Section
			err error
		)
		switch name {
		case openTags:
			sec, err = c.tagsSection()
			if err != nil && tagsErr == nil {
				tagsErr = err
			}
		case openData:
			sec, err = c.dataSection()
			if err != nil && dataErr == nil {
				dataErr = err
			}
		}
		if err != nil {
			c.pos = resume
			continue
		}
		doc.Sections = append(doc.Sections, sec)
	}
	if doc.Tags() == nil && tagsErr != nil {
		return nil, tagsErr
	}
	if doc.Data() == nil && dataErr != nil {
		return nil, dataErr
	}
	return doc, nil
}

// SplitTags splits a comma-separated tag list, trimming blanks and dropping
// empty names.
func SplitTags(value string) []string {
	out := []string{}
	for _, part := range strings.Split(value, ",") {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

type cursor struct {
	src string
	pos int
}

func (c *cursor) seekSection() (string, bool) {
	rest := c.src[c.pos:]
	ti := strings.Index(rest, openTags)
	di := strings.Index(rest, openData)
	switch {
	case ti < 0 && di < 0:
		c.pos = len(c.src)
		return "", false
	case di < 0 || (ti >= 0 && ti < di):
		c.pos += ti + len(openTags)
		return openTags, true
	default:
		c.pos += di + len(openData)
		return openData, true
	}
}

func (c *cursor) tagsSection() (*TagsSection, error) {
	key, err := c.key("tag", "tags")
	if err != nil {
		return nil, err
	}
	value, err := c.tagString()
	if err != nil {
		return nil, err
	}
	if err := c.closeTag(closeTags); err != nil {
		return nil, err
	}
	return &TagsSection{Key: key, Value: value, Names: SplitTags(value)}, nil
}

func (c *cursor) dataSection() (*DataSection, error) {
	key, err := c.key("data")
	if err != nil {
		return nil, err
	}
	c.skipSpace()
	body, err := c.braced()
	if err != nil {
		return nil, err
	}
	if err := c.closeTag(closeData); err != nil {
		return nil, err
	}
	return &DataSection{Key: key, Body: body}, nil
}

func (c *cursor) skipSpace() {
	for c.pos < len(c.src) {
		switch c.src[c.pos] {
		case ' ', '\t', '\n', '\r':
			c.pos++
		default:
			return
		}
	}
}

// key reads `"name" :` and checks name against the accepted keys.
func (c *cursor) key(accepted ...string) (string, error) {
	c.skipSpace()
	if c.pos >= len(c.src) || (c.src[c.pos] != '"' && c.src[c.pos] != '\'') {
		return "", c.errorf("expected quoted key")
	}
	quote := c.src[c.pos]
	end := strings.IndexByte(c.src[c.pos+1:], quote)
	if end < 0 {
		return "", c.errorf("unterminated key")
	}
	key := c.src[c.pos+1 : c.pos+1+end]
	c.pos += end + 2
	found := false
	for _, a := range accepted {
		if strings.EqualFold(strings.TrimSpace(key), a) {
			found = true
			break
		}
	}
	if !found {
		return "", c.errorf("unexpected key %q", key)
	}
	c.skipSpace()
	if c.pos >= len(c.src) || c.src[c.pos] != ':' {
		return "", c.errorf("expected ':' after key %q", key)
	}
	c.pos++
	return key, nil
}

// tagString reads the tag list, quoted with double or single quotes like
// keys are. A missing closing quote is tolerated when the section end
// follows.
func (c *cursor) tagString() (string, error) {
	c.skipSpace()
	if c.pos >= len(c.src) || (c.src[c.pos] != '"' && c.src[c.pos] != '\'') {
		return "", c.errorf("expected quoted tag list")
	}
	start := c.pos + 1
	rest := c.src[start:]
	quote := strings.IndexByte(rest, c.src[c.pos])
	closeAt := strings.Index(rest, closeTags)
	switch {
	case quote >= 0 && (closeAt < 0 || quote < closeAt):
		c.pos = start + quote + 1
		return rest[:quote], nil
	case closeAt >= 0:
		c.pos = start + closeAt
		return strings.TrimSpace(rest[:closeAt]), nil
	default:
		return "", c.errorf("unterminated tag list")
	}
}

// braced reads a balanced {...} literal. Braces inside single- or
// double-quoted strings do not count.
func (c *cursor) braced() (string, error) {
	if c.pos >= len(c.src) || c.src[c.pos] != '{' {
		return "", c.errorf("expected '{'")
	}
	start := c.pos
	depth := 0
	var quote byte
	for i := c.pos; i < len(c.src); i++ {
		ch := c.src[i]
		if quote != 0 {
			switch ch {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch ch {
		case '"', '\'':
			quote = ch
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				c.pos = i + 1
				return c.src[start:c.pos], nil
			}
		}
	}
	return "", c.errorf("unbalanced braces in data section")
}

func (c *cursor) closeTag(tag string) error {
	c.skipSpace()
	if !strings.HasPrefix(c.src[c.pos:], tag) {
		return c.errorf("expected %s", tag)
	}
	c.pos += len(tag)
	return nil
}

func (c *cursor) errorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", ErrMalformed, fmt.Sprintf(format, args...), c.pos)
}
