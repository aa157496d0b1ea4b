package registry

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/yosida95/uritemplate/v3"
)

// templateEntry is one compiled resource template. Matching happens in the
// namespaced identifier alphabet: the pattern binds variables from the
// backend-stripped, sanitized URI, and expand rebuilds the backend-facing URI
// from the bound values.
type templateEntry struct {
	backend    string
	original   string
	namespaced string

	expand     *uritemplate.Template
	pattern    *regexp.Regexp
	varNames   []string
	literalLen int
	order      int
}

var templateVarValue = `([A-Za-z0-9]+)`

func compileTemplate(backend, raw string) (*templateEntry, error) {
	expand, err := uritemplate.New(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing template: %w", err)
	}

	var pattern strings.Builder
	pattern.WriteString("^")
	literalLen := 0
	for _, seg := range splitTemplate(raw) {
		if seg.variable {
			pattern.WriteString(templateVarValue)
			continue
		}
		sanitized := SanitizeURI(seg.text)
		literalLen += len(sanitized)
		pattern.WriteString(regexp.QuoteMeta(sanitized))
	}
	pattern.WriteString("$")

	re, err := regexp.Compile(pattern.String())
	if err != nil {
		return nil, fmt.Errorf("compiling template pattern: %w", err)
	}

	return &templateEntry{
		backend:    backend,
		original:   raw,
		namespaced: NamespaceTemplate(backend, raw),
		expand:     expand,
		pattern:    re,
		varNames:   templateVarNames(raw),
		literalLen: literalLen,
	}, nil
}

// rebuildTemplatesLocked replaces the backend's compiled templates with the
// committed entry set, keeping listing order as registration order. Callers
// hold the write lock.
func (r *Registry) rebuildTemplatesLocked(backend string, entries []Entry) {
	kept := dropBackendTemplates(r.templates, backend)
	for _, e := range entries {
		compiled, err := compileTemplate(backend, e.Original)
		if err != nil {
			continue
		}
		compiled.order = r.templateOrder
		r.templateOrder++
		kept = append(kept, compiled)
	}
	r.templates = kept
}

func dropBackendTemplates(templates []*templateEntry, backend string) []*templateEntry {
	kept := templates[:0]
	for _, t := range templates {
		if t.backend != backend {
			kept = append(kept, t)
		}
	}
	return kept
}

// ResolveURI maps a namespaced URI back to (backend, original URI). Direct
// resource entries win; otherwise registered templates are tried. When more
// than one template matches, the one with the most literal characters wins,
// and registration order breaks ties.
func (r *Registry) ResolveURI(uri string) (backend string, original string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, found := r.entries[KindResources][uri]; found {
		return e.Backend, e.Original, true
	}

	var best *templateEntry
	var bestValues []string
	for _, t := range r.templates {
		stripped, hasPrefix := strings.CutPrefix(uri, t.backend+namespaceSep)
		if !hasPrefix {
			continue
		}
		m := t.pattern.FindStringSubmatch(stripped)
		if m == nil || len(m)-1 != len(t.varNames) {
			continue
		}
		if best == nil || t.literalLen > best.literalLen ||
			(t.literalLen == best.literalLen && t.order < best.order) {
			best = t
			bestValues = m[1:]
		}
	}
	if best == nil {
		return "", "", false
	}

	values := uritemplate.Values{}
	for i, name := range best.varNames {
		values[name] = uritemplate.String(bestValues[i])
	}
	expanded, err := best.expand.Expand(values)
	if err != nil {
		return "", "", false
	}
	return best.backend, expanded, true
}
