package rewrite

import (
	"html"
	"path"
	"regexp"
	"strings"
)

// imgTag matches a whole <img> tag. Quoted attribute values may contain '>'.
var imgTag = regexp.MustCompile(`(?i)<img\b(?:[^>"']|"[^"]*"|'[^']*')*>`)

// attrPattern matches one name=value pair. Quoted values are consumed whole,
// so text inside a value (e.g. this.src='...' in onerror) is never an
// attribute of its own.
var attrPattern = regexp.MustCompile(`([a-zA-Z_:][-a-zA-Z0-9_:.]*)\s*=\s*("[^"]*"|'[^']*'|[^\s"'>]+)`)

var sizedName = regexp.MustCompile(`(?i)(-\d+x\d+)\.(jpe?g|png|webp)$`)

type attr struct {
	name  string // lower-cased
	value string // unquoted and unescaped
	start int    // offset of the name in the tag
	end   int    // offset just past the value
}

type tag struct {
	raw   string
	attrs []attr
}

func parseTag(raw string) tag {
	t := tag{raw: raw}
	for _, m := range attrPattern.FindAllStringSubmatchIndex(raw, -1) {
		value := raw[m[4]:m[5]]
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') {
			value = value[1 : len(value)-1]
		}
		t.attrs = append(t.attrs, attr{
			name:  strings.ToLower(raw[m[2]:m[3]]),
			value: html.UnescapeString(value),
			start: m[0],
			end:   m[1],
		})
	}
	return t
}

func (t tag) get(name string) (attr, bool) {
	for _, a := range t.attrs {
		if a.name == name {
			return a, true
		}
	}
	return attr{}, false
}

// edit is a replacement of raw[start:end].
type edit struct {
	start, end int
	text       string
}

// apply rewrites raw with non-overlapping edits given in any order.
func apply(raw string, edits []edit) string {
	if len(edits) == 0 {
		return raw
	}
	// insertion sort: a tag has at most a handful of edits
	for i := 1; i < len(edits); i++ {
		for j := i; j > 0 && edits[j].start < edits[j-1].start; j-- {
			edits[j], edits[j-1] = edits[j-1], edits[j]
		}
	}

	var b strings.Builder
	last := 0
	for _, e := range edits {
		b.WriteString(raw[last:e.start])
		b.WriteString(e.text)
		last = e.end
	}
	b.WriteString(raw[last:])
	return b.String()
}

func formatAttr(name, value string) string {
	return name + `="` + html.EscapeString(value) + `"`
}

// srcsetEntry is one candidate of a srcset attribute.
type srcsetEntry struct {
	url        string
	descriptor string
}

func parseSrcset(v string) []srcsetEntry {
	var out []srcsetEntry
	for _, part := range strings.Split(v, ",") {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		e := srcsetEntry{url: fields[0]}
		if len(fields) > 1 {
			e.descriptor = strings.Join(fields[1:], " ")
		}
		out = append(out, e)
	}
	return out
}

func formatSrcset(entries []srcsetEntry) string {
	parts := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.descriptor == "" {
			parts = append(parts, e.url)
			continue
		}
		parts = append(parts, e.url+" "+e.descriptor)
	}
	return strings.Join(parts, ", ")
}

// swapExt replaces the extension of a URL or path with ext.
func swapExt(u, ext string) string {
	return strings.TrimSuffix(u, path.Ext(u)) + ext
}

func lowerExt(u string) string {
	return strings.ToLower(path.Ext(u))
}

func isRaster(u string) bool {
	switch lowerExt(u) {
	case ".jpg", ".jpeg", ".png":
		return true
	default:
		return false
	}
}

// jsEscape escapes a value for a single-quoted JavaScript string.
func jsEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", `\r`, "<", `\x3c`).Replace(s)
}
