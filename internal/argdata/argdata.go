// Package argdata builds the ordered (key, literal) argument lists attached
// to backend commands such as set_args, and the JSON object bodies sent
// alongside "execute" requests.
package argdata

import (
	"fmt"
	"strconv"
	"strings"
)

// Arg is a single key/literal pair. Literal is the pre-quoted JSON text for
// the value: a string argument's Literal already carries the surrounding
// quotes, a boolean argument's Literal is the bare word true or false. This
// mirrors the reference convention of quoting at the point the argument is
// built, not at the point it is sent.
type Arg struct {
	Key     string
	Literal string
}

// List is an ordered sequence of arguments. Order is preserved because
// some backends are sensitive to argument ordering in their set_args
// handling; List never reorders or deduplicates.
type List []Arg

// AppendString appends a string-valued argument, quoting and escaping val
// for embedding as a JSON string literal.
func (l List) AppendString(key, val string) List {
	return append(l, Arg{Key: key, Literal: quoteJSON(val)})
}

// AppendBool appends a boolean-valued argument.
func (l List) AppendBool(key string, val bool) List {
	return append(l, Arg{Key: key, Literal: strconv.FormatBool(val)})
}

// AppendInt appends an integer-valued argument.
func (l List) AppendInt(key string, val int64) List {
	return append(l, Arg{Key: key, Literal: strconv.FormatInt(val, 10)})
}

// Clone returns an independent copy of the list.
func (l List) Clone() List {
	if l == nil {
		return nil
	}
	out := make(List, len(l))
	copy(out, l)
	return out
}

// Object renders the list as a JSON object body, e.g. {"store_port":"123"}.
// An empty list renders as {}.
func (l List) Object() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, a := range l {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(quoteJSON(a.Key))
		b.WriteByte(':')
		b.WriteString(a.Literal)
	}
	b.WriteByte('}')
	return b.String()
}

// QuoteString renders s as a double-quoted JSON string literal, for
// callers that need a single pre-quoted value outside of a full
// argument list (e.g. a result string forwarded verbatim).
func QuoteString(s string) string {
	return quoteJSON(s)
}

// RequestBody renders a backend "execute" request: {"execute":"<cmd>"}
// when args is empty, or {"execute":"<cmd>","arguments":{...}} otherwise.
func RequestBody(cmd string, args List) string {
	if len(args) == 0 {
		return `{"execute":` + quoteJSON(cmd) + `}`
	}
	return `{"execute":` + quoteJSON(cmd) + `,"arguments":` + args.Object() + `}`
}

// quoteJSON renders s as a double-quoted JSON string literal.
func quoteJSON(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			if r < 0x20 {
				fmt.Fprintf(&b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}
