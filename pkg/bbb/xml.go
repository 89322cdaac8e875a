package bbb

import (
	"encoding/xml"
	"io"
	"strings"
)

// Node is a generic XML element tree. BBB response envelopes have no fixed
// schema beyond <response><returncode>, so the mediator works on the raw
// tree: finding fields, grafting children, rewriting meeting IDs.
type Node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []*Node    `xml:",any"`
	Text     string     `xml:",chardata"`
}

// NewNode returns an element with the given tag and children.
func NewNode(tag string, children ...*Node) *Node {
	return &Node{XMLName: xml.Name{Local: tag}, Children: children}
}

// TextNode returns a leaf element with the given tag and text content.
func TextNode(tag, text string) *Node {
	return &Node{XMLName: xml.Name{Local: tag}, Text: text}
}

// ParseXML decodes an XML document into a Node tree. Indentation whitespace
// between child elements is dropped so that parse/encode round-trips stay
// comparable.
func ParseXML(r io.Reader) (*Node, error) {
	var node Node
	if err := xml.NewDecoder(r).Decode(&node); err != nil {
		return nil, err
	}
	node.normalize()
	return &node, nil
}

// ParseXMLString decodes an XML document held in a string.
func ParseXMLString(s string) (*Node, error) {
	return ParseXML(strings.NewReader(s))
}

func (n *Node) normalize() {
	if len(n.Children) > 0 {
		n.Text = ""
	} else {
		n.Text = strings.TrimSpace(n.Text)
	}
	for _, child := range n.Children {
		child.normalize()
	}
}

// Tag returns the local element name.
func (n *Node) Tag() string {
	return n.XMLName.Local
}

// Reroot renames the element, keeping attributes and children.
func (n *Node) Reroot(tag string) *Node {
	n.XMLName = xml.Name{Local: tag, Space: ""}
	return n
}

// Append adds child elements.
func (n *Node) Append(children ...*Node) *Node {
	n.Children = append(n.Children, children...)
	return n
}

// Find returns the first element matching a slash-separated relative path
// such as "meetings/meeting", or nil.
func (n *Node) Find(path string) *Node {
	matches := n.findAll(strings.Split(path, "/"), true)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}

// FindAll returns every element matching a slash-separated relative path.
func (n *Node) FindAll(path string) []*Node {
	return n.findAll(strings.Split(path, "/"), false)
}

// FindText returns the text of the first element matching path, or "".
func (n *Node) FindText(path string) string {
	if match := n.Find(path); match != nil {
		return match.Text
	}
	return ""
}

func (n *Node) findAll(path []string, first bool) []*Node {
	var matches []*Node
	for _, child := range n.Children {
		if child.XMLName.Local != path[0] {
			continue
		}
		if len(path) == 1 {
			matches = append(matches, child)
		} else {
			matches = append(matches, child.findAll(path[1:], first)...)
		}
		if first && len(matches) > 0 {
			return matches
		}
	}
	return matches
}

// FixMeetingID replaces the text of every meetingID element in the subtree
// whose value equals search. Backends echo scoped IDs in a handful of tags;
// this maps them back to the tenant's original ID.
func (n *Node) FixMeetingID(search, replace string) {
	for _, child := range n.Children {
		tag := child.XMLName.Local
		if (tag == "meetingID" || tag == "meetingId") && child.Text == search {
			child.Text = replace
		}
		child.FixMeetingID(search, replace)
	}
}

// Encode serializes the tree as an indented XML document without a
// declaration header.
func (n *Node) Encode() ([]byte, error) {
	return xml.MarshalIndent(n, "", "  ")
}

// EncodeString serializes the tree, swallowing the (impossible for trees we
// build ourselves) marshal error.
func (n *Node) EncodeString() string {
	raw, err := n.Encode()
	if err != nil {
		return ""
	}
	return string(raw)
}

// SuccessResponse builds a <response> envelope with returncode SUCCESS and
// the given extra children.
func SuccessResponse(children ...*Node) *Node {
	node := NewNode("response", TextNode("returncode", "SUCCESS"))
	return node.Append(children...)
}

// ErrorResponse builds a <response> envelope with returncode FAILED and the
// given messageKey and message.
func ErrorResponse(messageKey, message string) *Node {
	return NewNode("response",
		TextNode("returncode", "FAILED"),
		TextNode("messageKey", messageKey),
		TextNode("message", message),
	)
}
