package transform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/conneroisu/kiln/internal/errors"
)

// Validation rule identifiers.
const (
	RuleMissingDoctype  = "missing-doctype"
	RuleMissingTitle    = "missing-title"
	RuleEmptyTitle      = "empty-title"
	RuleImgAlt          = "img-alt"
	RuleDuplicateID     = "duplicate-id"
	RuleObsoleteElement = "obsolete-element"
	RuleNestedAnchor    = "nested-anchor"
	RuleStrayEndTag     = "stray-end-tag"
	RuleUnclosedElement = "unclosed-element"
	RuleMalformed       = "malformed"
)

// Violation is one problem found in an HTML document.
type Violation struct {
	Line    int
	Rule    string
	Message string
}

func (v Violation) String() string {
	return fmt.Sprintf("line %d: %s (%s)", v.Line, v.Message, v.Rule)
}

var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

// Elements whose end tag may be omitted.
var optionalEndTag = map[string]bool{
	"html": true, "head": true, "body": true, "p": true, "li": true,
	"dt": true, "dd": true, "option": true, "optgroup": true, "tr": true,
	"td": true, "th": true, "thead": true, "tbody": true, "tfoot": true,
	"colgroup": true, "caption": true, "rb": true, "rt": true, "rtc": true,
	"rp": true,
}

var obsoleteElements = map[string]bool{
	"acronym": true, "applet": true, "basefont": true, "big": true,
	"blink": true, "center": true, "dir": true, "font": true, "frame": true,
	"frameset": true, "isindex": true, "marquee": true, "noframes": true,
	"strike": true, "tt": true,
}

type openElement struct {
	name string
	line int
}

type htmlChecker struct {
	violations  []Violation
	stack       []openElement
	ids         map[string]int
	sawDoctype  bool
	sawElement  bool
	sawTitle    bool
	inTitle     bool
	titleLine   int
	titleText   strings.Builder
	reportedDoc bool
}

// CheckHTML returns every violation found in an HTML document, ordered by
// line.
func CheckHTML(data []byte) []Violation {
	c := &htmlChecker{ids: make(map[string]int)}
	z := html.NewTokenizer(bytes.NewReader(data))
	line := 1

	for {
		tt := z.Next()
		raw := z.Raw()
		newlines := bytes.Count(raw, []byte("\n"))

		if tt == html.ErrorToken {
			if err := z.Err(); err != io.EOF {
				c.add(line, RuleMalformed, "%s", err.Error())
			}

			break
		}

		c.token(tt, z.Token(), line)
		line += newlines
	}

	c.finish()

	return c.violations
}

func (c *htmlChecker) add(line int, rule, format string, args ...interface{}) {
	c.violations = append(c.violations, Violation{
		Line:    line,
		Rule:    rule,
		Message: fmt.Sprintf(format, args...),
	})
}

func (c *htmlChecker) token(tt html.TokenType, tok html.Token, line int) {
	switch tt {
	case html.DoctypeToken:
		if !c.sawElement {
			c.sawDoctype = true
		}

	case html.TextToken:
		if c.inTitle {
			c.titleText.WriteString(tok.Data)
		}
		if strings.TrimSpace(tok.Data) != "" {
			c.requireDoctype(line)
		}

	case html.StartTagToken, html.SelfClosingTagToken:
		c.requireDoctype(line)
		c.sawElement = true
		c.startTag(tok, line, tt == html.SelfClosingTagToken)

	case html.EndTagToken:
		c.endTag(tok.Data, line)
	}
}

func (c *htmlChecker) requireDoctype(line int) {
	if !c.sawDoctype && !c.reportedDoc {
		c.reportedDoc = true
		c.add(line, RuleMissingDoctype, "document must start with <!DOCTYPE html>")
	}
}

func (c *htmlChecker) startTag(tok html.Token, line int, selfClosing bool) {
	name := tok.Data

	if obsoleteElements[name] {
		c.add(line, RuleObsoleteElement, "<%s> is obsolete", name)
	}

	if name == "img" {
		if _, ok := attr(tok, "alt"); !ok {
			c.add(line, RuleImgAlt, "<img> must have an alt attribute")
		}
	}

	if id, ok := attr(tok, "id"); ok && id != "" {
		if first, dup := c.ids[id]; dup {
			c.add(line, RuleDuplicateID, "duplicate id %q, first declared on line %d", id, first)
		} else {
			c.ids[id] = line
		}
	}

	if name == "a" && c.isOpen("a") {
		c.add(line, RuleNestedAnchor, "<a> must not be nested inside another <a>")
	}

	if selfClosing || voidElements[name] {
		return
	}

	if name == "title" {
		c.inTitle = true
		c.titleLine = line
		c.titleText.Reset()
	}

	c.stack = append(c.stack, openElement{name: name, line: line})
}

func (c *htmlChecker) endTag(name string, line int) {
	if name == "title" && c.inTitle {
		c.inTitle = false
		c.sawTitle = true
		if strings.TrimSpace(c.titleText.String()) == "" {
			c.add(c.titleLine, RuleEmptyTitle, "<title> must not be empty")
		}
	}

	idx := -1
	for i := len(c.stack) - 1; i >= 0; i-- {
		if c.stack[i].name == name {
			idx = i

			break
		}
	}

	if idx < 0 {
		c.add(line, RuleStrayEndTag, "end tag </%s> has no matching start tag", name)

		return
	}

	for _, open := range c.stack[idx+1:] {
		if !optionalEndTag[open.name] {
			c.add(open.line, RuleUnclosedElement, "<%s> is not closed before </%s>", open.name, name)
		}
	}

	c.stack = c.stack[:idx]
}

func (c *htmlChecker) finish() {
	for _, open := range c.stack {
		if !optionalEndTag[open.name] {
			c.add(open.line, RuleUnclosedElement, "<%s> is never closed", open.name)
		}
	}

	c.requireDoctype(1)

	if !c.sawTitle {
		c.add(1, RuleMissingTitle, "document must have a <title>")
	}

	sortViolations(c.violations)
}

func (c *htmlChecker) isOpen(name string) bool {
	for _, open := range c.stack {
		if open.name == name {
			return true
		}
	}

	return false
}

func attr(tok html.Token, key string) (string, bool) {
	for _, a := range tok.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}

	return "", false
}

func sortViolations(vs []Violation) {
	// insertion sort keeps equal lines in discovery order
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j].Line < vs[j-1].Line; j-- {
			vs[j], vs[j-1] = vs[j-1], vs[j]
		}
	}
}

// ValidateHTML fails the batch when any HTML document has violations. Every
// violation of every document is reported in one ValidationError.
func ValidateHTML() Step {
	return NewStep("validate", func(ctx context.Context, files []*File) ([]*File, error) {
		var details []string
		var first *File
		firstLine := 0
		failed := 0

		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if f.Ext() != ".html" {
				continue
			}

			violations := CheckHTML(f.Data)
			if len(violations) == 0 {
				continue
			}

			failed++
			if first == nil {
				first = f
				firstLine = violations[0].Line
			}
			for _, v := range violations {
				details = append(details, fmt.Sprintf("%s:%d %s: %s", f.Source, v.Line, v.Rule, v.Message))
			}
		}

		if first == nil {
			return files, nil
		}

		err := errors.NewValidationError(first.Source,
			fmt.Sprintf("%d violation(s) in %d document(s)", len(details), failed),
			details...)
		err.Line = firstLine

		return nil, err
	})
}
