package transform

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/beevik/etree"
	"github.com/tdewolff/minify/v2"

	"github.com/conneroisu/kiln/internal/errors"
)

// Presentation attributes removed from sprite icons so that pages can style
// them with CSS.
var spriteStripAttrs = []string{"fill", "stroke", "style"}

// StripPresentation removes the named attributes from every element of each
// SVG file.
func StripPresentation(attrs ...string) Step {
	if len(attrs) == 0 {
		attrs = spriteStripAttrs
	}

	return PerFile("strip", func(_ context.Context, f *File) (*File, error) {
		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(f.Data); err != nil {
			return nil, errors.NewTransformError(f.Source, "invalid svg", err)
		}

		root := doc.Root()
		if root == nil {
			return nil, errors.NewTransformError(f.Source, "svg has no root element", nil)
		}

		for _, el := range append([]*etree.Element{root}, root.FindElements(".//*")...) {
			for _, a := range attrs {
				el.RemoveAttr(a)
			}
		}

		out, err := doc.WriteToBytes()
		if err != nil {
			return nil, errors.NewTransformError(f.Source, "serialise svg", err)
		}
		f.Data = out

		return f, nil
	})
}

// SymbolSprite merges every SVG in the batch into a single document named
// name. Each icon becomes a <symbol> whose id is the icon's file name without
// extension, so pages reference it as <use href="sprite.svg#id">. Symbols are
// ordered by id. An empty batch produces no sprite; the task removes the
// sprite of an earlier run.
func SymbolSprite(name string) Step {
	return NewStep("sprite", func(ctx context.Context, files []*File) ([]*File, error) {
		if len(files) == 0 {
			return nil, nil
		}

		sorted := append([]*File(nil), files...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base() < sorted[j].Base() })

		doc := etree.NewDocument()
		doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
		sprite := doc.CreateElement("svg")
		sprite.CreateAttr("xmlns", "http://www.w3.org/2000/svg")
		sprite.CreateAttr("xmlns:xlink", "http://www.w3.org/1999/xlink")

		ids := make(map[string]string)

		for _, f := range sorted {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			id := f.Base()
			if prev, dup := ids[id]; dup {
				return nil, errors.NewTransformError(f.Source,
					fmt.Sprintf("symbol id %q already used by %s", id, prev), nil)
			}
			ids[id] = f.Source

			icon := etree.NewDocument()
			if err := icon.ReadFromBytes(f.Data); err != nil {
				return nil, errors.NewTransformError(f.Source, "invalid svg", err)
			}

			root := icon.Root()
			if root == nil || root.Tag != "svg" {
				return nil, errors.NewTransformError(f.Source, "root element is not <svg>", nil)
			}

			symbol := sprite.CreateElement("symbol")
			symbol.CreateAttr("id", id)
			if vb := viewBox(root); vb != "" {
				symbol.CreateAttr("viewBox", vb)
			}

			for _, child := range root.ChildElements() {
				symbol.AddChild(child.Copy())
			}
		}

		doc.Indent(2)

		out, err := doc.WriteToBytes()
		if err != nil {
			return nil, errors.NewTransformError(name, "serialise sprite", err)
		}

		return []*File{{Path: name, Source: name, Data: out}}, nil
	})
}

func viewBox(root *etree.Element) string {
	if vb := root.SelectAttrValue("viewBox", ""); vb != "" {
		return vb
	}

	w := strings.TrimSuffix(root.SelectAttrValue("width", ""), "px")
	h := strings.TrimSuffix(root.SelectAttrValue("height", ""), "px")
	if w == "" || h == "" {
		return ""
	}

	return "0 0 " + w + " " + h
}

// MinifySVG minifies every SVG file in the batch.
func MinifySVG(m *minify.M) Step {
	if m == nil {
		m = NewSVGMinifier()
	}

	return PerFile("minify-svg", func(_ context.Context, f *File) (*File, error) {
		if f.Ext() != ".svg" {
			return f, nil
		}

		out, err := m.Bytes("image/svg+xml", f.Data)
		if err != nil {
			return nil, errors.NewTransformError(f.Source, "svg minification failed", err)
		}
		f.Data = out

		return f, nil
	})
}
