package registry

import (
	"regexp"
	"strings"
)

// Namespacing projects backend-local identifiers into the gateway's flat,
// collision-free namespace. Tool and prompt names are prefixed verbatim;
// resource URIs are sanitized first. The projection is reversed through the
// registry index, never by string surgery on the namespaced form.

const namespaceSep = "_"

var nonAlnumRun = regexp.MustCompile(`[^A-Za-z0-9]+`)

// Namespace prefixes a backend-local name with its backend ID.
func Namespace(backendID, original string) string {
	return backendID + namespaceSep + original
}

// SanitizeURI rewrites a URI into the namespaced identifier alphabet: every
// run of characters outside [A-Za-z0-9] collapses to a single underscore.
func SanitizeURI(uri string) string {
	return nonAlnumRun.ReplaceAllString(uri, namespaceSep)
}

// NamespaceURI builds the gateway-surface identifier for a backend resource URI.
func NamespaceURI(backendID, uri string) string {
	return backendID + namespaceSep + SanitizeURI(uri)
}

// NamespaceTemplate sanitizes the literal portions of an RFC 6570 URI template
// while keeping variable expressions intact, then prefixes the backend ID.
// The result is both the template's registry identifier and the pattern shown
// to clients: expanding it with plain alphanumeric values yields a URI the
// gateway can route back through template matching.
func NamespaceTemplate(backendID, uriTemplate string) string {
	var b strings.Builder
	b.WriteString(backendID)
	b.WriteString(namespaceSep)
	for _, seg := range splitTemplate(uriTemplate) {
		if seg.variable {
			b.WriteString(seg.text)
		} else {
			b.WriteString(SanitizeURI(seg.text))
		}
	}
	return b.String()
}

// templateSegment is one literal or variable-expression chunk of a URI template.
type templateSegment struct {
	text     string // literal text, or the full "{...}" expression
	variable bool
}

// splitTemplate cuts a URI template into literal and variable segments.
// Unterminated braces are treated as literals.
func splitTemplate(tmpl string) []templateSegment {
	var segs []templateSegment
	for len(tmpl) > 0 {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			segs = append(segs, templateSegment{text: tmpl})
			break
		}
		closing := strings.IndexByte(tmpl[open:], '}')
		if closing < 0 {
			segs = append(segs, templateSegment{text: tmpl})
			break
		}
		if open > 0 {
			segs = append(segs, templateSegment{text: tmpl[:open]})
		}
		segs = append(segs, templateSegment{text: tmpl[open : open+closing+1], variable: true})
		tmpl = tmpl[open+closing+1:]
	}
	return segs
}

// templateVarNames extracts the variable names of a template in order of
// appearance, without modifier suffixes.
func templateVarNames(tmpl string) []string {
	var names []string
	for _, seg := range splitTemplate(tmpl) {
		if !seg.variable {
			continue
		}
		expr := strings.Trim(seg.text, "{}")
		// strip operator prefix (+, #, ., /, ;, ?, &)
		expr = strings.TrimLeft(expr, "+#./;?&")
		for _, name := range strings.Split(expr, ",") {
			name = strings.TrimSuffix(name, "*")
			if i := strings.IndexByte(name, ':'); i >= 0 {
				name = name[:i]
			}
			if name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}
