// Package xmlquery reads loosely specified XML responses by element local
// name, ignoring namespace prefixes.
package xmlquery

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
)

var bom = []byte("\xef\xbb\xbf")

// Node is an element of a parsed document. A nil *Node is an absent element:
// its lookups return nil and its texts are empty.
type Node struct {
	n *xmlquery.Node
}

// Parse builds the element tree of data and returns its root element. A
// leading UTF-8 BOM is ignored.
func Parse(data []byte) (*Node, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(bytes.TrimPrefix(data, bom)))
	if err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode {
			return &Node{n: c}, nil
		}
	}
	return nil, errors.New("parse xml: no root element")
}

// Name is the local name of the element.
func (n *Node) Name() string {
	if n == nil {
		return ""
	}
	return n.n.Data
}

// Text is the trimmed character data of the element and its descendants.
func (n *Node) Text() string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.n.InnerText())
}

// Find returns the first element named name in document order, including n
// itself, or nil.
func (n *Node) Find(name string) *Node {
	return n.one("descendant-or-self::*", name)
}

// FindAll returns every element named name below n in document order.
func (n *Node) FindAll(name string) []*Node {
	if n == nil || !validName(name) {
		return nil
	}
	found, err := xmlquery.QueryAll(n.n, "descendant::*"+localName(name))
	if err != nil {
		return nil
	}
	out := make([]*Node, 0, len(found))
	for _, f := range found {
		out = append(out, &Node{n: f})
	}
	return out
}

// Value returns the text of the first element named name, or "".
func (n *Node) Value(name string) string {
	return n.Find(name).Text()
}

// Path follows a chain of names, each step the first matching descendant.
func (n *Node) Path(names ...string) *Node {
	cur := n
	for _, name := range names {
		cur = cur.one("descendant::*", name)
	}
	return cur
}

// Child returns the first direct child named name, or nil.
func (n *Node) Child(name string) *Node {
	return n.one("*", name)
}

// ChildText returns the text of the first direct child named name, or "".
func (n *Node) ChildText(name string) string {
	return n.Child(name).Text()
}

func (n *Node) one(axis, name string) *Node {
	if n == nil || !validName(name) {
		return nil
	}
	found, err := xmlquery.Query(n.n, axis+localName(name))
	if err != nil || found == nil {
		return nil
	}
	return &Node{n: found}
}

func localName(name string) string {
	return "[local-name()='" + name + "']"
}

// validName keeps caller input out of the XPath expression syntax.
func validName(name string) bool {
	return name != "" && !strings.ContainsAny(name, "'\"[]()/ ")
}
