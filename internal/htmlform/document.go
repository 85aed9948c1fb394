package htmlform

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	domain "github.com/formbridge/api/internal/domain"
)

// Document holds a mutable parse tree of one form page. It satisfies the fill
// engine's target contract and can serialize its current state back to HTML.
// A Document is not safe for concurrent use.
type Document struct {
	doc *goquery.Document
}

// ParseDocument builds a Document from raw HTML.
func ParseDocument(data []byte) (*Document, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("htmlform: parse document: %w", err)
	}
	return &Document{doc: doc}, nil
}

// Resolve reports the current state of the first element matching selector.
// A selector that matches nothing reports found=false without an error; the
// error return covers malformed selectors only.
func (d *Document) Resolve(_ context.Context, selector string) (domain.TargetState, bool, error) {
	sel, err := d.find(selector)
	if err != nil {
		return domain.TargetState{}, false, err
	}
	first := sel.First()
	if first.Length() == 0 {
		return domain.TargetState{}, false, nil
	}

	switch first.Get(0).Data {
	case "select":
		value := ""
		if opt := first.Find("option[selected]").First(); opt.Length() > 0 {
			value = optionValue(opt)
		}
		return domain.TargetState{Value: value}, true, nil
	case "textarea":
		return domain.TargetState{Value: strings.TrimSpace(first.Text())}, true, nil
	default:
		_, checked := first.Attr("checked")
		return domain.TargetState{Value: first.AttrOr("value", ""), Checked: checked}, true, nil
	}
}

// SetValue writes value into the first element matching selector. Selects
// move their selected marker to the option whose value matches.
func (d *Document) SetValue(_ context.Context, selector string, value string) error {
	first, err := d.findOne(selector)
	if err != nil {
		return err
	}

	switch first.Get(0).Data {
	case "select":
		var matched *goquery.Selection
		first.Find("option").Each(func(_ int, opt *goquery.Selection) {
			opt.RemoveAttr("selected")
			if matched == nil && optionValue(opt) == value {
				matched = opt
			}
		})
		if matched == nil {
			return fmt.Errorf("htmlform: select %q has no option with value %q", selector, value)
		}
		matched.SetAttr("selected", "selected")
	case "textarea":
		first.SetText(value)
	default:
		first.SetAttr("value", value)
	}
	return nil
}

// SetChecked toggles the checked marker on the first element matching selector.
func (d *Document) SetChecked(_ context.Context, selector string, checked bool) error {
	first, err := d.findOne(selector)
	if err != nil {
		return err
	}
	if checked {
		first.SetAttr("checked", "checked")
	} else {
		first.RemoveAttr("checked")
	}
	return nil
}

// SelectRadio checks the member of the named radio group whose value attribute
// matches, unchecking the rest. It reports false when no member matches.
func (d *Document) SelectRadio(_ context.Context, name string, value string) (bool, error) {
	group, err := d.find(fmt.Sprintf(`input[type="radio"][name=%q]`, name))
	if err != nil {
		return false, err
	}

	var match *goquery.Selection
	group.Each(func(_ int, radio *goquery.Selection) {
		if match == nil && radio.AttrOr("value", "") == value {
			match = radio
		}
	})
	if match == nil {
		return false, nil
	}

	group.RemoveAttr("checked")
	match.SetAttr("checked", "checked")
	return true, nil
}

// Render serializes the document's current state.
func (d *Document) Render() ([]byte, error) {
	out, err := d.doc.Html()
	if err != nil {
		return nil, fmt.Errorf("htmlform: render: %w", err)
	}
	return []byte(out), nil
}

// Clone returns an independent copy of the document in its current state.
func (d *Document) Clone() (*Document, error) {
	data, err := d.Render()
	if err != nil {
		return nil, err
	}
	return ParseDocument(data)
}

func (d *Document) find(selector string) (*goquery.Selection, error) {
	matcher, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("htmlform: selector %q: %w", selector, err)
	}
	return d.doc.FindMatcher(matcher), nil
}

func (d *Document) findOne(selector string) (*goquery.Selection, error) {
	sel, err := d.find(selector)
	if err != nil {
		return nil, err
	}
	first := sel.First()
	if first.Length() == 0 {
		return nil, fmt.Errorf("htmlform: no element matches %q", selector)
	}
	return first, nil
}

// optionValue follows the HTML rule that an option without a value attribute
// takes its text as value.
func optionValue(opt *goquery.Selection) string {
	if value, ok := opt.Attr("value"); ok {
		return value
	}
	return strings.TrimSpace(opt.Text())
}
