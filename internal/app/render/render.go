// Package render projects facade Records into client-facing documents with
// aliased fields, embedded sub-objects, and hypermedia links resolved from
// URI templates.
package render

import (
	"fmt"
	"strings"

	"github.com/harborpoint/storefront-api/internal/app/domain/record"
)

// Rule is one field projection rule. Rules evaluate in slice order; a later
// rule writing the same output key overwrites the earlier value.
type Rule struct {
	// Out is the output document key.
	Out string
	// In is the source record key. Empty means Out reads the same-named
	// source field.
	In string
	// Embedded, when non-nil, projects a nested document from the same
	// source record. Embedded documents never carry links.
	Embedded []Rule
}

// Direct projects a source field under its own name.
func Direct(name string) Rule { return Rule{Out: name} }

// Alias projects source field in under output key out.
func Alias(out, in string) Rule { return Rule{Out: out, In: in} }

// Embedded projects a nested document under out by applying rules to the
// same source record.
func Embedded(out string, rules ...Rule) Rule { return Rule{Out: out, Embedded: rules} }

// Link describes one hypermedia link. Either Href holds a literal URI
// template with {field} placeholders, or Resource/Method name a route to be
// resolved through the routing collaborator and then substituted the same
// way.
type Link struct {
	Rel      string
	Href     string
	Resource string
	Method   string
}

// Self builds the conventional self link from an href template.
func Self(href string) Link { return Link{Rel: "self", Href: href} }

// PathResolver is the routing collaborator: it maps a (resource, method)
// reference onto a URI-template path.
type PathResolver interface {
	ResolvePath(resource, method string) (string, error)
}

// PathResolverFunc adapts a function to a PathResolver.
type PathResolverFunc func(resource, method string) (string, error)

// ResolvePath calls f.
func (f PathResolverFunc) ResolvePath(resource, method string) (string, error) {
	return f(resource, method)
}

// Projector applies field and link specs to Records. It is stateless apart
// from the routing collaborator's static path table, so a single instance
// serves all requests.
type Projector struct {
	resolver PathResolver
}

// New creates a Projector. resolver may be nil when no resource-reference
// links are in use.
func New(resolver PathResolver) *Projector {
	return &Projector{resolver: resolver}
}

// Project maps rec onto an output document. Projection is total: absent
// source fields project to nil, unresolvable link references degrade to an
// empty href, and a nil rec yields a document of all-nil fields. The source
// record is never mutated.
func (p *Projector) Project(rec *record.Record, fields []Rule, links []Link) *record.Record {
	out := record.New()

	for _, rule := range fields {
		key := rule.Out
		switch {
		case rule.Embedded != nil:
			out.Set(key, p.Project(rec, rule.Embedded, nil))
		default:
			src := rule.In
			if src == "" {
				src = key
			}
			out.Set(key, rec.Get(src))
		}
	}

	if len(links) > 0 {
		rendered := make([]interface{}, 0, len(links))
		for _, link := range links {
			rendered = append(rendered, p.renderLink(rec, link))
		}
		out.Set("links", rendered)
	}

	return out
}

func (p *Projector) renderLink(rec *record.Record, link Link) *record.Record {
	href := link.Href
	if href == "" && link.Resource != "" && p.resolver != nil {
		resolved, err := p.resolver.ResolvePath(link.Resource, link.Method)
		if err == nil {
			href = resolved
		}
	}

	// absolute URIs pass through untouched
	if !strings.Contains(href, "://") {
		href = ExpandTemplate(href, rec)
	}

	return record.New().Set("rel", link.Rel).Set("href", href)
}

// ExpandTemplate substitutes every {field} placeholder in template with the
// record's value for that field, rendering absent fields as empty strings.
func ExpandTemplate(template string, rec *record.Record) string {
	var b strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:open])
		field := rest[open+1 : open+closing]
		b.WriteString(rec.GetString(field))
		rest = rest[open+closing+1:]
	}
}

// ExpandTemplateStrict behaves like ExpandTemplate but fails when a
// referenced field is absent from the record. Resources that declare a
// placeholder mandatory use this instead of the lenient default.
func ExpandTemplateStrict(template string, rec *record.Record) (string, error) {
	var b strings.Builder
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		closing := strings.IndexByte(rest[open:], '}')
		if closing < 0 {
			return "", fmt.Errorf("malformed template %q: unterminated placeholder", template)
		}
		b.WriteString(rest[:open])
		field := rest[open+1 : open+closing]
		if !rec.Has(field) {
			return "", fmt.Errorf("malformed template %q: record has no field %q", template, field)
		}
		b.WriteString(rec.GetString(field))
		rest = rest[open+closing+1:]
	}
}

// FirstHref returns the href of the document's first link, or empty. Used
// for Location headers on 201 responses.
func FirstHref(doc *record.Record) string {
	links := doc.GetList("links")
	if len(links) == 0 {
		return ""
	}
	first, ok := links[0].(*record.Record)
	if !ok {
		return ""
	}
	return first.GetString("href")
}

// RewriteAliases renames aliased keys of an incoming client document back to
// their source field names, so mutations accept the same shape the API
// serves.
func RewriteAliases(doc *record.Record, fields []Rule) *record.Record {
	out := record.New()
	aliases := make(map[string]string)
	for _, rule := range fields {
		if rule.In != "" && rule.Embedded == nil {
			aliases[rule.Out] = rule.In
		}
	}
	for _, key := range doc.Keys() {
		if src, ok := aliases[key]; ok {
			out.Set(src, doc.Get(key))
			continue
		}
		out.Set(key, doc.Get(key))
	}
	return out
}
