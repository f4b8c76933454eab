package render

import (
	"regexp"
	"strings"
)

// allowedAttrs lists, per tag, the attributes that survive sanitization.
// Every other attribute on an allowed tag is dropped; tags not in this map
// are stripped entirely (their content is kept, the tags are not).
var allowedAttrs = map[string]map[string]bool{
	"a":      {"href": true, "title": true},
	"b":      {},
	"strong": {},
	"i":      {},
	"em":     {},
	"br":     {},
	"span":   {"class": true},
	"p":      {},
}

var attrPattern = regexp.MustCompile(`([a-zA-Z-]+)\s*=\s*"([^"]*)"`)

// Sanitize strips any tag not on the allow-list and any attribute not
// allow-listed for its tag, and neutralizes javascript: URIs and inline
// event handlers on the attributes that remain. It is a defense-in-depth
// pass applied to fully-rendered output; Validate is what rejects a
// template outright at authoring time.
func Sanitize(s string) string {
	var b strings.Builder
	i := 0
	for i < len(s) {
		if s[i] != '<' {
			b.WriteByte(s[i])
			i++
			continue
		}
		end := strings.IndexByte(s[i:], '>')
		if end == -1 {
			b.WriteString(s[i:])
			break
		}
		end += i
		raw := s[i+1 : end]
		closing := strings.HasPrefix(raw, "/")
		body := strings.TrimPrefix(raw, "/")
		fields := strings.Fields(body)

		name := ""
		if len(fields) > 0 {
			name = strings.ToLower(strings.TrimSuffix(fields[0], "/"))
		}

		if allowed, ok := allowedAttrs[name]; ok {
			if closing {
				b.WriteString("</" + name + ">")
			} else {
				b.WriteString("<" + name + sanitizeAttrs(body, allowed) + ">")
			}
		}
		i = end + 1
	}
	return b.String()
}

func sanitizeAttrs(tagBody string, allowed map[string]bool) string {
	var b strings.Builder
	for _, m := range attrPattern.FindAllStringSubmatch(tagBody, -1) {
		key, value := strings.ToLower(m[1]), m[2]
		if !allowed[key] {
			continue
		}
		if key == "href" && isUnsafeURI(value) {
			value = "#"
		}
		b.WriteString(" " + key + `="` + value + `"`)
	}
	return b.String()
}

func isUnsafeURI(v string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(v))
	return strings.HasPrefix(trimmed, "javascript:") || strings.HasPrefix(trimmed, "data:text/html")
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// StripTags removes every HTML tag (unlike Sanitize, with no allow-list)
// and collapses runs of whitespace, the fallback used to derive plain text
// from rendered HTML when a template has no explicit text variant.
func StripTags(s string) string {
	var b strings.Builder
	i := 0
	for i < len(s) {
		if s[i] != '<' {
			b.WriteByte(s[i])
			i++
			continue
		}
		end := strings.IndexByte(s[i:], '>')
		if end == -1 {
			break
		}
		i += end + 1
	}
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(b.String(), " "))
}
