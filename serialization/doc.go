// Package serialization turns mmate-rpc values into opaque binary blobs.
//
// The wire format is encoding/gob: it is self-describing, so a blob carries
// its own field layout and both sides only need to agree on Go types, not on a
// schema file. Concrete types that travel inside interface-typed values must
// be registered once through a Registry.
package serialization
