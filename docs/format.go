package docs

import (
	"bytes"
	"encoding/binary"
	"math"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/jmank88/ubjson"
	"github.com/nichtich/ukv/storage/engine"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.mongodb.org/mongo-driver/bson"
)

// Format identifies a document wire format. FormatMsgpack doubles as
// the internal stored format: documents land on disk as MessagePack.
type Format int

const (
	// FormatJSON is plain JSON
	FormatJSON Format = iota
	// FormatJSONPatch is an RFC 6902 operation list
	FormatJSONPatch
	// FormatJSONMergePatch is an RFC 7396 merge patch
	FormatJSONMergePatch
	// FormatMsgpack is MessagePack, also the internal stored format
	FormatMsgpack
	// FormatBSON is BSON
	FormatBSON
	// FormatCBOR is CBOR
	FormatCBOR
	// FormatUBJSON is UBJSON
	FormatUBJSON
	// FormatBinary is the raw binary form of a leaf value
	FormatBinary
)

// FormatInternal is the format documents are stored in.
const FormatInternal = FormatMsgpack

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatJSONPatch:
		return "json_patch"
	case FormatJSONMergePatch:
		return "json_merge_patch"
	case FormatMsgpack:
		return "msgpack"
	case FormatBSON:
		return "bson"
	case FormatCBOR:
		return "cbor"
	case FormatUBJSON:
		return "ubjson"
	case FormatBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// IsPatch reports whether the format describes a modification rather
// than a value.
func (f Format) IsPatch() bool {
	return f == FormatJSONPatch || f == FormatJSONMergePatch
}

// cborDec decodes CBOR maps onto string-keyed Go maps.
var cborDec cbor.DecMode

func init() {
	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()

	if err != nil {
		panic(err)
	}

	cborDec = dm
}

// bsonWrapKey carries non-document roots through BSON, which can only
// encode documents at the top level.
const bsonWrapKey = "$ukv"

// decodeDocument parses wire bytes in the given format into a canonical
// tree.
func decodeDocument(format Format, data []byte) (interface{}, error) {
	switch format {
	case FormatJSON:
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.UseNumber()

		var v interface{}

		if err := decoder.Decode(&v); err != nil {
			return nil, errors.Wrapf(engine.ErrArgs, "bad json: %s", err)
		}

		return normalize(v)
	case FormatMsgpack:
		var v interface{}

		if err := msgpack.Unmarshal(data, &v); err != nil {
			return nil, errors.Wrapf(engine.ErrArgs, "bad msgpack: %s", err)
		}

		return normalize(v)
	case FormatBSON:
		var m bson.M

		if err := bson.Unmarshal(data, &m); err != nil {
			return nil, errors.Wrapf(engine.ErrArgs, "bad bson: %s", err)
		}

		if wrapped, ok := m[bsonWrapKey]; ok && len(m) == 1 {
			return normalize(wrapped)
		}

		return normalize(m)
	case FormatCBOR:
		var v interface{}

		if err := cborDec.Unmarshal(data, &v); err != nil {
			return nil, errors.Wrapf(engine.ErrArgs, "bad cbor: %s", err)
		}

		return normalize(v)
	case FormatUBJSON:
		var v interface{}

		if err := ubjson.Unmarshal(data, &v); err != nil {
			return nil, errors.Wrapf(engine.ErrArgs, "bad ubjson: %s", err)
		}

		return normalize(v)
	case FormatBinary:
		leaf := make([]byte, len(data))
		copy(leaf, data)

		return leaf, nil
	default:
		return nil, errors.Wrapf(engine.ErrMissingFeature, "format %s cannot carry a document", format)
	}
}

// encodeDocument serializes a canonical tree into the given format.
func encodeDocument(format Format, doc interface{}) ([]byte, error) {
	switch format {
	case FormatJSON:
		data, err := json.Marshal(doc)

		if err != nil {
			return nil, errors.Wrapf(engine.ErrArgs, "could not encode json: %s", err)
		}

		return data, nil
	case FormatMsgpack:
		data, err := msgpack.Marshal(doc)

		if err != nil {
			return nil, errors.Wrapf(engine.ErrArgs, "could not encode msgpack: %s", err)
		}

		return data, nil
	case FormatBSON:
		root := doc

		if _, ok := doc.(map[string]interface{}); !ok {
			root = map[string]interface{}{bsonWrapKey: doc}
		}

		data, err := bson.Marshal(root)

		if err != nil {
			return nil, errors.Wrapf(engine.ErrArgs, "could not encode bson: %s", err)
		}

		return data, nil
	case FormatCBOR:
		data, err := cbor.Marshal(doc)

		if err != nil {
			return nil, errors.Wrapf(engine.ErrArgs, "could not encode cbor: %s", err)
		}

		return data, nil
	case FormatUBJSON:
		data, err := ubjson.Marshal(doc)

		if err != nil {
			return nil, errors.Wrapf(engine.ErrArgs, "could not encode ubjson: %s", err)
		}

		return data, nil
	case FormatBinary:
		return encodeBinaryLeaf(doc)
	default:
		return nil, errors.Wrapf(engine.ErrMissingFeature, "format %s cannot carry a document", format)
	}
}

// encodeBinaryLeaf renders a leaf value as raw bytes: strings and
// binaries verbatim, numbers as 8-byte little-endian words, booleans as
// one byte, null as an empty payload.
func encodeBinaryLeaf(doc interface{}) ([]byte, error) {
	switch x := doc.(type) {
	case nil:
		return []byte{}, nil
	case []byte:
		return x, nil
	case string:
		return []byte(x), nil
	case bool:
		if x {
			return []byte{1}, nil
		}

		return []byte{0}, nil
	case int64:
		var b [8]byte

		binary.LittleEndian.PutUint64(b[:], uint64(x))

		return b[:], nil
	case uint64:
		var b [8]byte

		binary.LittleEndian.PutUint64(b[:], x)

		return b[:], nil
	case float64:
		var b [8]byte

		binary.LittleEndian.PutUint64(b[:], math.Float64bits(x))

		return b[:], nil
	default:
		return nil, errors.Wrapf(engine.ErrMissingFeature, "binary form of %T", doc)
	}
}
