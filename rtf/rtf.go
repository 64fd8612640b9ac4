// Package rtf converts rich-text message bodies into plain text, or into
// HTML when the document encapsulates HTML (\fromhtml1, as written by
// Outlook).
package rtf

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

var ErrDecode = errors.New("rtf decode failed")

// Result is a decoded body. HTML is set when Content is HTML.
type Result struct {
	Content string
	HTML    bool
}

var skipDestinations = map[string]bool{
	"fonttbl":            true,
	"colortbl":           true,
	"stylesheet":         true,
	"info":               true,
	"pict":               true,
	"object":             true,
	"header":             true,
	"footer":             true,
	"headerl":            true,
	"headerr":            true,
	"footerl":            true,
	"footerr":            true,
	"listtable":          true,
	"listoverridetable":  true,
	"rsidtbl":            true,
	"generator":          true,
	"themedata":          true,
	"colorschememapping": true,
	"datastore":          true,
	"latentstyles":       true,
	"xmlnstbl":           true,
	"filetbl":            true,
	"revtbl":             true,
}

var symbols = map[string]string{
	"par":       "\n",
	"line":      "\n",
	"sect":      "\n",
	"page":      "\n",
	"row":       "\n",
	"tab":       "\t",
	"cell":      "\t",
	"emdash":    "—",
	"endash":    "–",
	"lquote":    "‘",
	"rquote":    "’",
	"ldblquote": "“",
	"rdblquote": "”",
	"bullet":    "•",
	"emspace":   " ",
	"enspace":   " ",
}

var codepages = map[int]encoding.Encoding{
	437:  charmap.CodePage437,
	850:  charmap.CodePage850,
	866:  charmap.CodePage866,
	1250: charmap.Windows1250,
	1251: charmap.Windows1251,
	1252: charmap.Windows1252,
	1253: charmap.Windows1253,
	1254: charmap.Windows1254,
	1255: charmap.Windows1255,
	1256: charmap.Windows1256,
	1257: charmap.Windows1257,
	1258: charmap.Windows1258,
}

type group struct {
	skip     bool
	htmlTag  bool
	htmlRTF  bool
	starNext bool
	uc       int
}

type decoder struct {
	data     []byte
	pos      int
	out      strings.Builder
	stack    []group
	cur      group
	fromHTML bool
	codepage encoding.Encoding
	skipN    int
	pending  []uint16
}

// Decode converts an RTF document.
func Decode(data []byte) (Result, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n\x00")
	if !bytes.HasPrefix(trimmed, []byte(`{\rtf`)) {
		return Result{}, fmt.Errorf("%w: missing {\\rtf header", ErrDecode)
	}

	d := &decoder{
		data:     bytes.TrimRight(trimmed, "\x00"),
		cur:      group{uc: 1},
		codepage: charmap.Windows1252,
	}
	if err := d.run(); err != nil {
		return Result{}, err
	}

	content := d.out.String()
	if !d.fromHTML {
		content = strings.TrimSpace(content)
	}
	return Result{Content: content, HTML: d.fromHTML}, nil
}

func (d *decoder) run() error {
	for d.pos < len(d.data) {
		c := d.data[d.pos]
		switch c {
		case '{':
			d.flushUnicode()
			d.stack = append(d.stack, d.cur)
			d.cur.starNext = false
			d.pos++
		case '}':
			d.flushUnicode()
			if len(d.stack) == 0 {
				return fmt.Errorf("%w: unbalanced group at offset %d", ErrDecode, d.pos)
			}
			d.cur = d.stack[len(d.stack)-1]
			d.stack = d.stack[:len(d.stack)-1]
			d.pos++
			if len(d.stack) == 0 {
				// Trailing bytes after the document group are ignored.
				return nil
			}
		case '\\':
			if err := d.control(); err != nil {
				return err
			}
		case '\r', '\n':
			d.pos++
		default:
			d.pos++
			d.text(string(c))
		}
	}
	if len(d.stack) != 0 {
		return fmt.Errorf("%w: %d unclosed groups", ErrDecode, len(d.stack))
	}
	return nil
}

func (d *decoder) control() error {
	d.pos++
	if d.pos >= len(d.data) {
		return fmt.Errorf("%w: dangling backslash", ErrDecode)
	}

	c := d.data[d.pos]
	switch {
	case isLetter(c):
		return d.word()
	case c == '\'':
		if d.pos+2 >= len(d.data) {
			return fmt.Errorf("%w: truncated hex escape", ErrDecode)
		}
		v, err := strconv.ParseUint(string(d.data[d.pos+1:d.pos+3]), 16, 8)
		if err != nil {
			return fmt.Errorf("%w: bad hex escape at offset %d", ErrDecode, d.pos)
		}
		d.pos += 3
		d.hexByte(byte(v))
	case c == '*':
		d.pos++
		d.cur.starNext = true
	case c == '\\' || c == '{' || c == '}':
		d.pos++
		d.text(string(c))
	case c == '~':
		d.pos++
		d.text(" ")
	case c == '_':
		d.pos++
		d.text("-")
	case c == '\r' || c == '\n':
		d.pos++
		d.text("\n")
	default:
		// \- optional hyphen, \| formula character and friends.
		d.pos++
	}
	return nil
}

func (d *decoder) word() error {
	start := d.pos
	for d.pos < len(d.data) && isLetter(d.data[d.pos]) {
		d.pos++
	}
	name := string(d.data[start:d.pos])

	hasParam := false
	param := 0
	if d.pos < len(d.data) && (d.data[d.pos] == '-' || isDigit(d.data[d.pos])) {
		pstart := d.pos
		d.pos++
		for d.pos < len(d.data) && isDigit(d.data[d.pos]) {
			d.pos++
		}
		v, err := strconv.Atoi(string(d.data[pstart:d.pos]))
		if err != nil {
			return fmt.Errorf("%w: bad parameter for \\%s", ErrDecode, name)
		}
		hasParam, param = true, v
	}
	if d.pos < len(d.data) && d.data[d.pos] == ' ' {
		d.pos++
	}

	star := d.cur.starNext
	d.cur.starNext = false

	if star {
		if d.fromHTML && (name == "htmltag" || name == "mhtmltag") {
			d.cur.htmlTag = true
			return nil
		}
		d.cur.skip = true
		return nil
	}
	if skipDestinations[name] {
		d.cur.skip = true
		return nil
	}

	switch name {
	case "fromhtml":
		d.fromHTML = !hasParam || param != 0
	case "htmltag", "mhtmltag":
		if d.fromHTML {
			d.cur.htmlTag = true
		}
	case "htmlrtf":
		d.cur.htmlRTF = !hasParam || param != 0
	case "ansicpg":
		if enc, ok := codepages[param]; ok {
			d.codepage = enc
		}
	case "uc":
		if hasParam && param >= 0 {
			d.cur.uc = param
		}
	case "u":
		if !hasParam {
			return nil
		}
		if param < 0 {
			param += 65536
		}
		d.unicode(uint16(param))
		d.skipN = d.cur.uc
	default:
		if s, ok := symbols[name]; ok {
			d.text(s)
		}
	}
	return nil
}

func (d *decoder) visible() bool {
	if d.cur.skip {
		return false
	}
	if d.fromHTML {
		return d.cur.htmlTag || !d.cur.htmlRTF
	}
	return true
}

func (d *decoder) text(s string) {
	if d.skipN > 0 {
		d.skipN--
		return
	}
	d.flushUnicode()
	if !d.visible() {
		return
	}
	d.out.WriteString(s)
}

func (d *decoder) hexByte(b byte) {
	if d.skipN > 0 {
		d.skipN--
		return
	}
	d.flushUnicode()
	if !d.visible() {
		return
	}
	decoded, err := d.codepage.NewDecoder().Bytes([]byte{b})
	if err != nil {
		d.out.WriteRune('�')
		return
	}
	d.out.Write(decoded)
}

// unicode buffers UTF-16 code units so surrogate pairs split across two
// \u words decode to one rune.
func (d *decoder) unicode(u uint16) {
	d.pending = append(d.pending, u)
	if !utf16.IsSurrogate(rune(u)) || len(d.pending) == 2 {
		d.flushUnicode()
	}
}

func (d *decoder) flushUnicode() {
	if len(d.pending) == 0 {
		return
	}
	units := d.pending
	d.pending = nil
	if !d.visible() {
		return
	}
	d.out.WriteString(string(utf16.Decode(units)))
}

func isLetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
