// Package dom is a small headless document over golang.org/x/net/html.
//
// It keeps the parts of a browser page the client core relies on: lookup by
// id, data-id attributes, class lists, text content, scroll metrics of a
// container and custom events dispatched on the body.
package dom

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// DefaultLineHeight is the height in pixels each element child contributes to
// its parent's scroll height.
const DefaultLineHeight = 40

type scrollState struct {
	top          int
	clientHeight int
}

// CustomEvent is an event dispatched on the document body.
type CustomEvent struct {
	Name   string
	Detail json.RawMessage
}

// Document wraps a parsed HTML tree. Methods that read or mutate nodes do not
// lock; callers group them inside Update or View.
type Document struct {
	mu         sync.Mutex
	root       *html.Node
	body       *html.Node
	scroll     map[*html.Node]*scrollState
	LineHeight int

	lmu       sync.Mutex
	listeners map[string][]func(CustomEvent)
	events    []CustomEvent
}

// New returns an empty html/head/body document.
func New() *Document {
	doc, _ := Parse(strings.NewReader("<!DOCTYPE html><html><head></head><body></body></html>"))
	return doc
}

// Parse reads a full page or a fragment; fragments end up inside <body>.
func Parse(r io.Reader) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	d := &Document{
		root:       root,
		scroll:     make(map[*html.Node]*scrollState),
		LineHeight: DefaultLineHeight,
		listeners:  make(map[string][]func(CustomEvent)),
	}
	d.body = findFirst(root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == atom.Body
	})
	if d.body == nil {
		return nil, fmt.Errorf("parse html: document has no body")
	}
	return d, nil
}

// Update runs fn with exclusive access to the tree.
func (d *Document) Update(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn()
}

// View runs fn with exclusive access to the tree; fn must not mutate it.
func (d *Document) View(fn func()) {
	d.Update(fn)
}

func (d *Document) Body() *html.Node { return d.body }

// GetElementByID returns the first element with the given id, or nil.
func (d *Document) GetElementByID(id string) *html.Node {
	if id == "" {
		return nil
	}
	return findFirst(d.root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && Attr(n, "id") == id
	})
}

// QueryDataID returns the first element under root carrying data-id=id.
func QueryDataID(root *html.Node, id string) *html.Node {
	return findFirst(root, func(n *html.Node) bool {
		return n != root && n.Type == html.ElementNode && Attr(n, "data-id") == id
	})
}

// FindByClass returns the first descendant of root with the class.
func FindByClass(root *html.Node, class string) *html.Node {
	return findFirst(root, func(n *html.Node) bool {
		return n != root && HasClass(n, class)
	})
}

// HTML renders the body's children.
func (d *Document) HTML() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return InnerHTML(d.body)
}

// Render writes the whole document.
func (d *Document) Render(w io.Writer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return html.Render(w, d.root)
}

// InnerHTML renders n's children.
func InnerHTML(n *html.Node) string {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		_ = html.Render(&buf, c)
	}
	return buf.String()
}

func findFirst(n *html.Node, match func(*html.Node) bool) *html.Node {
	if n == nil {
		return nil
	}
	if match(n) {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, match); found != nil {
			return found
		}
	}
	return nil
}

// CreateElement builds a detached element. attrs are key/value pairs.
func CreateElement(tag string, attrs ...string) *html.Node {
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		SetAttr(n, attrs[i], attrs[i+1])
	}
	return n
}

func Attr(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func SetAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func RemoveAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			continue
		}
		out = append(out, a)
	}
	n.Attr = out
}

func ID(n *html.Node) string     { return Attr(n, "id") }
func DataID(n *html.Node) string { return Attr(n, "data-id") }

func classes(n *html.Node) []string {
	return strings.Fields(Attr(n, "class"))
}

func HasClass(n *html.Node, class string) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	for _, c := range classes(n) {
		if c == class {
			return true
		}
	}
	return false
}

// ToggleClass adds or removes class depending on on.
func ToggleClass(n *html.Node, class string, on bool) {
	list := classes(n)
	out := list[:0]
	present := false
	for _, c := range list {
		if c == class {
			present = true
			if !on {
				continue
			}
		}
		out = append(out, c)
	}
	if on && !present {
		out = append(out, class)
	}
	if len(out) == 0 {
		RemoveAttr(n, "class")
		return
	}
	SetAttr(n, "class", strings.Join(out, " "))
}

// Text returns the concatenated text content of n.
func Text(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// SetText replaces all children of n with a single text node.
func SetText(n *html.Node, text string) {
	for n.FirstChild != nil {
		n.RemoveChild(n.FirstChild)
	}
	if text != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
}

// Remove detaches n from its parent. Detached nodes are ignored.
func Remove(n *html.Node) {
	if n != nil && n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// DataChildren returns the direct element children of n that carry data-id.
func DataChildren(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && DataID(c) != "" {
			out = append(out, c)
		}
	}
	return out
}

func elementChildren(n *html.Node) int {
	count := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			count++
		}
	}
	return count
}

func (d *Document) scrollOf(n *html.Node) *scrollState {
	s, ok := d.scroll[n]
	if !ok {
		s = &scrollState{}
		d.scroll[n] = s
	}
	return s
}

// ScrollHeight is the content height of n.
func (d *Document) ScrollHeight(n *html.Node) int {
	return elementChildren(n) * d.LineHeight
}

func (d *Document) ClientHeight(n *html.Node) int { return d.scrollOf(n).clientHeight }

func (d *Document) SetClientHeight(n *html.Node, h int) {
	d.scrollOf(n).clientHeight = h
	d.SetScrollTop(n, d.ScrollTop(n))
}

func (d *Document) ScrollTop(n *html.Node) int { return d.scrollOf(n).top }

// SetScrollTop clamps top into [0, scrollHeight-clientHeight] like a browser.
func (d *Document) SetScrollTop(n *html.Node, top int) {
	s := d.scrollOf(n)
	maxTop := d.ScrollHeight(n) - s.clientHeight
	if maxTop < 0 {
		maxTop = 0
	}
	if top > maxTop {
		top = maxTop
	}
	if top < 0 {
		top = 0
	}
	s.top = top
}

// DistanceFromBottom is scrollHeight - scrollTop - clientHeight.
func (d *Document) DistanceFromBottom(n *html.Node) int {
	return d.ScrollHeight(n) - d.ScrollTop(n) - d.ClientHeight(n)
}

// AddEventListener registers fn for custom events named name on the body.
func (d *Document) AddEventListener(name string, fn func(CustomEvent)) {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	d.listeners[name] = append(d.listeners[name], fn)
}

// Dispatch fires a custom event on the body.
func (d *Document) Dispatch(name string, detail json.RawMessage) {
	if len(detail) == 0 {
		detail = json.RawMessage(`{}`)
	}
	ev := CustomEvent{Name: name, Detail: detail}

	d.lmu.Lock()
	d.events = append(d.events, ev)
	fns := append([]func(CustomEvent){}, d.listeners[name]...)
	d.lmu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Events returns every custom event dispatched so far.
func (d *Document) Events() []CustomEvent {
	d.lmu.Lock()
	defer d.lmu.Unlock()
	return append([]CustomEvent(nil), d.events...)
}

// Attached reports whether n is still part of a document tree.
func Attached(n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p.Type == html.DocumentNode {
			return true
		}
	}
	return false
}
