package message

import (
	"encoding/json"
	"strings"

	"github.com/titanous/json5"
)

// RawKey holds the undecoded body when a data section is not a readable
// object literal.
const RawKey = "raw"

// Payload is the decoded data object forwarded to agents.
type Payload map[string]any

// Raw reports the fallback string, if the payload is one.
func (p Payload) Raw() (string, bool) {
	if len(p) != 1 {
		return "", false
	}
	s, ok := p[RawKey].(string)
	return s, ok
}

// DecodePayload decodes a braced data body. Strict JSON is tried first, then
// JSON5 (trailing commas, unquoted keys, comments). If both fail the body is
// normalized (single-quoted strings become double-quoted, Python
// True/False/None become JSON literals) and both decoders run again. When
// every attempt fails the body is returned as {"raw": body} and ok is false.
func DecodePayload(body string) (p Payload, ok bool) {
	candidates := []string{body}
	if normalized := normalize(body); normalized != body {
		candidates = append(candidates, normalized)
	}
	for _, candidate := range candidates {
		if out, err := decodeObject(json.Unmarshal, candidate); err == nil {
			return out, true
		}
		if out, err := decodeObject(json5.Unmarshal, candidate); err == nil {
			return out, true
		}
	}
	return Payload{RawKey: body}, false
}

func decodeObject(unmarshal func([]byte, any) error, body string) (Payload, error) {
	var out map[string]any
	if err := unmarshal([]byte(body), &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return Payload(out), nil
}

var pyLiterals = map[string]string{
	"True":  "true",
	"False": "false",
	"None":  "null",
}

// normalize rewrites single-quoted strings as double-quoted ones and
// True/False/None outside strings as JSON literals.
func normalize(body string) string {
	var b strings.Builder
	b.Grow(len(body))
	var quote byte
	for i := 0; i < len(body); i++ {
		ch := body[i]
		if quote != 0 {
			switch {
			case ch == '\\' && i+1 < len(body):
				i++
				if quote == '\'' && body[i] == '\'' {
					b.WriteByte('\'')
				} else {
					b.WriteByte(ch)
					b.WriteByte(body[i])
				}
			case ch == quote:
				b.WriteByte('"')
				quote = 0
			case ch == '"' && quote == '\'':
				b.WriteString(`\"`)
			default:
				b.WriteByte(ch)
			}
			continue
		}
		if ch == '"' || ch == '\'' {
			quote = ch
			b.WriteByte('"')
			continue
		}
		if isIdentStart(ch) && (i == 0 || !isIdentPart(body[i-1])) {
			j := i
			for j < len(body) && isIdentPart(body[j]) {
				j++
			}
			word := body[i:j]
			if repl, ok := pyLiterals[word]; ok {
				word = repl
			}
			b.WriteString(word)
			i = j - 1
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}

func isIdentStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isIdentPart(ch byte) bool {
	return isIdentStart(ch) || (ch >= '0' && ch <= '9')
}

// Clone returns a deep copy of p. Nested objects and arrays are copied;
// scalars are shared.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return Payload(cloneValue(map[string]any(p)).(map[string]any))
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case Payload:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}
