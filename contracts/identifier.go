package contracts

import (
	"fmt"
	"regexp"
	"strings"
)

// IdentifierDelimiter separates the parts of an identifier name.
const IdentifierDelimiter = "_"

var invalidLogNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Identifier names a node of the distributed system.
type Identifier struct {
	// Prefix is prepended to FullName, usually an environment or product name.
	Prefix string
	// Type is the node kind, for example "Consumer" or "Producer".
	Type string
	// ID distinguishes nodes of the same type.
	ID string
}

// NewIdentifier creates an identifier of the given type.
func NewIdentifier(prefix, nodeType, id string) Identifier {
	return Identifier{Prefix: prefix, Type: nodeType, ID: id}
}

// ConsumerIdentifier identifies a consumer node.
func ConsumerIdentifier(prefix, id string) Identifier {
	return NewIdentifier(prefix, "Consumer", id)
}

// ProducerIdentifier identifies the producer node.
func ProducerIdentifier(prefix string) Identifier {
	return NewIdentifier(prefix, "Producer", "Producer")
}

// String returns the node ID.
func (i Identifier) String() string {
	return i.ID
}

// FullName is the prefixed node name.
func (i Identifier) FullName() string {
	return fmt.Sprintf("%s%s%s%s", i.Prefix, i.Type, IdentifierDelimiter, i.ID)
}

// RpcName is the name of the queue the node listens on for RPC calls.
func (i Identifier) RpcName() string {
	return strings.Join([]string{"RPC", i.Type, i.ID}, IdentifierDelimiter)
}

// LogName is FullName with characters unsuitable for file names replaced.
func (i Identifier) LogName() string {
	name := invalidLogNameChars.ReplaceAllString(i.FullName(), IdentifierDelimiter)
	name = strings.TrimRight(name, ".")
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return name
}
