// Package htmlform detects fillable fields in HTML documents and writes
// values back into an in-memory parse tree.
package htmlform

import (
	"context"
	"fmt"
	stdhtml "html"
	"io"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"

	domain "github.com/formbridge/api/internal/domain"
)

// skippedInputTypes lists input types that are never fill targets.
var skippedInputTypes = map[string]struct{}{
	"hidden": {},
	"submit": {},
	"button": {},
	"reset":  {},
	"image":  {},
	"file":   {},
}

// Scanner extracts field descriptors from form markup. All harvested text is
// stripped to plain text before it enters a descriptor.
type Scanner struct {
	policy *bluemonday.Policy
}

// NewScanner constructs a Scanner.
func NewScanner() *Scanner {
	return &Scanner{policy: bluemonday.StrictPolicy()}
}

// Scan walks every input, select, and textarea in document order and returns
// one descriptor per fillable control.
func (s *Scanner) Scan(ctx context.Context, r io.Reader) ([]domain.TargetField, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("htmlform: parse document: %w", err)
	}

	fields := make([]domain.TargetField, 0, 16)
	doc.Find("input, select, textarea").Each(func(_ int, sel *goquery.Selection) {
		node := sel.Get(0)
		field, ok := s.describe(doc, sel, node)
		if !ok {
			return
		}
		fields = append(fields, field)
	})
	return fields, nil
}

func (s *Scanner) describe(doc *goquery.Document, sel *goquery.Selection, node *html.Node) (domain.TargetField, bool) {
	fieldType, ok := controlType(sel, node)
	if !ok {
		return domain.TargetField{}, false
	}

	field := domain.TargetField{
		Type:        fieldType,
		Name:        sel.AttrOr("name", ""),
		ID:          sel.AttrOr("id", ""),
		Placeholder: s.clean(sel.AttrOr("placeholder", "")),
		AriaLabel:   s.clean(sel.AttrOr("aria-label", "")),
		Title:       s.clean(sel.AttrOr("title", "")),
	}
	field.Selector = selectorFor(sel, node, fieldType, field.ID, field.Name)
	field.Label = s.resolveLabel(doc, sel, field.ID)
	_, field.Required = sel.Attr("required")
	field.Min = floatAttr(sel, "min")
	field.Max = floatAttr(sel, "max")
	field.DataAttrs = dataAttrs(node)

	if node.Data == "select" {
		field.Options = selectOptions(s, sel)
	}
	return field, true
}

// controlType classifies the element, dropping controls that cannot receive a
// fill. Unrecognised input types pass through untyped validation downstream.
func controlType(sel *goquery.Selection, node *html.Node) (domain.FieldType, bool) {
	switch node.Data {
	case "select":
		if _, multiple := sel.Attr("multiple"); multiple {
			return domain.FieldTypeSelectMultiple, true
		}
		return domain.FieldTypeSelectOne, true
	case "textarea":
		return domain.FieldTypeTextarea, true
	default:
		typ := strings.ToLower(strings.TrimSpace(sel.AttrOr("type", "text")))
		if typ == "" {
			typ = "text"
		}
		if _, skip := skippedInputTypes[typ]; skip {
			return "", false
		}
		return domain.FieldType(typ), true
	}
}

// selectorFor prefers the stable handles: the element id, then its name, then
// a structural nth-of-type path from body. Radio group members share a name,
// so their selectors carry the value attribute as a qualifier.
func selectorFor(sel *goquery.Selection, node *html.Node, fieldType domain.FieldType, id, name string) string {
	if id != "" {
		return "#" + id
	}
	if name != "" {
		if value, ok := sel.Attr("value"); ok && fieldType == domain.FieldTypeRadio {
			return fmt.Sprintf("%s[name=%q][value=%q]", node.Data, name, value)
		}
		return fmt.Sprintf("%s[name=%q]", node.Data, name)
	}
	return structuralPath(node)
}

func structuralPath(node *html.Node) string {
	segments := make([]string, 0, 8)
	for n := node; n != nil && n.Type == html.ElementNode && n.Data != "body" && n.Data != "html"; n = n.Parent {
		segments = append([]string{fmt.Sprintf("%s:nth-of-type(%d)", n.Data, nthOfType(n))}, segments...)
	}
	return "body > " + strings.Join(segments, " > ")
}

func nthOfType(node *html.Node) int {
	n := 1
	for sib := node.PrevSibling; sib != nil; sib = sib.PrevSibling {
		if sib.Type == html.ElementNode && sib.Data == node.Data {
			n++
		}
	}
	return n
}

// resolveLabel tries the labelling mechanisms in order: explicit label[for],
// a wrapping label element, aria-label, then aria-labelledby references.
func (s *Scanner) resolveLabel(doc *goquery.Document, sel *goquery.Selection, id string) string {
	if id != "" {
		if text := s.clean(doc.Find(fmt.Sprintf("label[for=%q]", id)).First().Text()); text != "" {
			return text
		}
	}
	if wrapped := sel.Closest("label"); wrapped.Length() > 0 {
		if text := s.clean(wrapped.Text()); text != "" {
			return text
		}
	}
	if text := s.clean(sel.AttrOr("aria-label", "")); text != "" {
		return text
	}
	if refs := strings.Fields(sel.AttrOr("aria-labelledby", "")); len(refs) > 0 {
		parts := make([]string, 0, len(refs))
		for _, ref := range refs {
			if text := s.clean(doc.Find("#" + ref).First().Text()); text != "" {
				parts = append(parts, text)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	return ""
}

func selectOptions(s *Scanner, sel *goquery.Selection) []domain.FieldOption {
	options := make([]domain.FieldOption, 0, 8)
	sel.Find("option").Each(func(_ int, opt *goquery.Selection) {
		text := s.clean(opt.Text())
		value, hasValue := opt.Attr("value")
		if !hasValue {
			value = text
		}
		_, selected := opt.Attr("selected")
		options = append(options, domain.FieldOption{Value: value, Text: text, Selected: selected})
	})
	return options
}

func dataAttrs(node *html.Node) map[string]string {
	var attrs map[string]string
	for _, attr := range node.Attr {
		if !strings.HasPrefix(attr.Key, "data-") {
			continue
		}
		if attrs == nil {
			attrs = make(map[string]string, 4)
		}
		attrs[strings.TrimPrefix(attr.Key, "data-")] = attr.Val
	}
	return attrs
}

func floatAttr(sel *goquery.Selection, name string) *float64 {
	raw, ok := sel.Attr(name)
	if !ok {
		return nil
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return nil
	}
	return &parsed
}

// clean reduces markup-bearing text to a single-line plain string.
func (s *Scanner) clean(text string) string {
	sanitized := stdhtml.UnescapeString(s.policy.Sanitize(text))
	return strings.Join(strings.Fields(sanitized), " ")
}
