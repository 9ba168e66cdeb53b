package cubdb

import (
	"github.com/cubdb-go/cubdb/btree"
	"github.com/cubdb-go/cubdb/codec"
)

// Comparator orders keys; the default is byte-lexicographic
// (bytes.Compare). A caller storing structured keys (e.g. a composite
// tuple) supplies one that compares after decoding, or encodes keys so
// their byte order already matches the intended total order.
type Comparator = btree.Comparator

// Codec marshals and unmarshals the opaque values a caller stores.
// Put/Get/Fetch/Select all go through whichever Codec a DB was opened
// with; the engine itself never inspects value bytes.
type Codec = codec.Codec

// Encodable is the capability a caller exercises to store arbitrary Go
// values rather than raw []byte: a Codec for values, plus a Comparator
// for the total order over keys. Either may be left nil, in which case
// Open falls back to codec.JSONCodec and bytes.Compare respectively.
type Encodable struct {
	Codec      Codec
	Comparator Comparator
}
