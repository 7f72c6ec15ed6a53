package wire

import (
	"encoding/binary"
)

// Content kind markers in the binary node format.
const (
	contentNone     byte = 0
	contentBytes    byte = 1
	contentChildren byte = 2
)

const (
	// MaxContentSize caps a single node's byte content (1MB, matching the
	// transport frame limit).
	MaxContentSize = 1024 * 1024
	// maxDepth caps node tree nesting to keep hostile input from recursing.
	maxDepth = 32
)

// BinaryCodec is the reference node codec: length-prefixed tags, attributes,
// and content with no token dictionary. A dictionary-compressed codec can be
// swapped in behind the Codec interface without touching the session engine.
//
// Wire format per node:
//
//	[1B tag len][tag]
//	[1B attr count]{[1B key len][key][2B value len][value]}*
//	[1B content kind][content...]
//
// where content is either absent (0), [4B len][bytes] (1), or
// [2B count][child nodes] (2).
type BinaryCodec struct{}

// NewBinaryCodec returns the reference codec.
func NewBinaryCodec() *BinaryCodec {
	return &BinaryCodec{}
}

// Encode serializes a node tree to its wire representation.
func (c *BinaryCodec) Encode(node *Node) ([]byte, error) {
	if node == nil {
		return nil, encodeErr("nil node")
	}
	return c.encodeNode(nil, node, 0)
}

func (c *BinaryCodec) encodeNode(buf []byte, node *Node, depth int) ([]byte, error) {
	if depth >= maxDepth {
		return nil, encodeErr("node tree deeper than %d levels", maxDepth)
	}
	if len(node.Tag) == 0 || len(node.Tag) > 255 {
		return nil, encodeErr("tag length %d out of range [1,255]", len(node.Tag))
	}
	if len(node.Attrs) > 255 {
		return nil, encodeErr("too many attributes: %d", len(node.Attrs))
	}
	if len(node.Content) > 0 && len(node.Children) > 0 {
		return nil, encodeErr("node %q has both byte content and children", node.Tag)
	}

	buf = append(buf, byte(len(node.Tag)))
	buf = append(buf, node.Tag...)

	buf = append(buf, byte(len(node.Attrs)))
	for key, value := range node.Attrs {
		if len(key) == 0 || len(key) > 255 {
			return nil, encodeErr("attribute key length %d out of range [1,255]", len(key))
		}
		if len(value) > 65535 {
			return nil, encodeErr("attribute %q value too long: %d", key, len(value))
		}
		buf = append(buf, byte(len(key)))
		buf = append(buf, key...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
		buf = append(buf, value...)
	}

	switch {
	case len(node.Content) > 0:
		if len(node.Content) > MaxContentSize {
			return nil, encodeErr("content of %q exceeds %d bytes", node.Tag, MaxContentSize)
		}
		buf = append(buf, contentBytes)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(node.Content)))
		buf = append(buf, node.Content...)
	case len(node.Children) > 0:
		if len(node.Children) > 65535 {
			return nil, encodeErr("too many children under %q: %d", node.Tag, len(node.Children))
		}
		buf = append(buf, contentChildren)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(node.Children)))
		for _, child := range node.Children {
			var err error
			buf, err = c.encodeNode(buf, child, depth+1)
			if err != nil {
				return nil, err
			}
		}
	default:
		buf = append(buf, contentNone)
	}

	return buf, nil
}

// Decode parses a wire representation back into a node tree. Trailing bytes
// after the root node are rejected.
func (c *BinaryCodec) Decode(data []byte) (*Node, error) {
	node, rest, err := c.decodeNode(data, 0)
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, decodeErr("%d trailing bytes after root node", len(rest))
	}
	return node, nil
}

func (c *BinaryCodec) decodeNode(data []byte, depth int) (*Node, []byte, error) {
	if depth >= maxDepth {
		return nil, nil, decodeErr("node tree deeper than %d levels", maxDepth)
	}
	if len(data) < 1 {
		return nil, nil, decodeErr("truncated tag length")
	}

	tagLen := int(data[0])
	if tagLen == 0 {
		return nil, nil, decodeErr("zero-length tag")
	}
	data = data[1:]
	if len(data) < tagLen {
		return nil, nil, decodeErr("truncated tag")
	}
	node := &Node{Tag: string(data[:tagLen])}
	data = data[tagLen:]

	if len(data) < 1 {
		return nil, nil, decodeErr("truncated attribute count")
	}
	attrCount := int(data[0])
	data = data[1:]

	if attrCount > 0 {
		node.Attrs = make(map[string]string, attrCount)
	}
	for i := 0; i < attrCount; i++ {
		if len(data) < 1 {
			return nil, nil, decodeErr("truncated attribute key length")
		}
		keyLen := int(data[0])
		data = data[1:]
		if keyLen == 0 || len(data) < keyLen {
			return nil, nil, decodeErr("truncated attribute key")
		}
		key := string(data[:keyLen])
		data = data[keyLen:]

		if len(data) < 2 {
			return nil, nil, decodeErr("truncated attribute value length")
		}
		valueLen := int(binary.BigEndian.Uint16(data[:2]))
		data = data[2:]
		if len(data) < valueLen {
			return nil, nil, decodeErr("truncated attribute value")
		}
		node.Attrs[key] = string(data[:valueLen])
		data = data[valueLen:]
	}

	if len(data) < 1 {
		return nil, nil, decodeErr("truncated content kind")
	}
	kind := data[0]
	data = data[1:]

	switch kind {
	case contentNone:

	case contentBytes:
		if len(data) < 4 {
			return nil, nil, decodeErr("truncated content length")
		}
		contentLen := int(binary.BigEndian.Uint32(data[:4]))
		data = data[4:]
		if contentLen > MaxContentSize {
			return nil, nil, decodeErr("content length %d exceeds %d", contentLen, MaxContentSize)
		}
		if len(data) < contentLen {
			return nil, nil, decodeErr("truncated content")
		}
		node.Content = make([]byte, contentLen)
		copy(node.Content, data[:contentLen])
		data = data[contentLen:]

	case contentChildren:
		if len(data) < 2 {
			return nil, nil, decodeErr("truncated child count")
		}
		childCount := int(binary.BigEndian.Uint16(data[:2]))
		data = data[2:]
		node.Children = make([]*Node, 0, min(childCount, 64))
		for i := 0; i < childCount; i++ {
			child, rest, err := c.decodeNode(data, depth+1)
			if err != nil {
				return nil, nil, err
			}
			node.Children = append(node.Children, child)
			data = rest
		}

	default:
		return nil, nil, decodeErr("unknown content kind %d", kind)
	}

	return node, data, nil
}
