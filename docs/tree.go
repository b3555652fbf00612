package docs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/nichtich/ukv/storage/engine"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Documents are held in memory as a canonical tree: nil, bool, int64,
// uint64, float64, string, []byte, []interface{} and
// map[string]interface{}. Every codec decodes into its own favorite
// shapes; normalize folds them all onto the canonical set.
func normalize(v interface{}) (interface{}, error) {
	switch x := v.(type) {
	case nil, bool, int64, uint64, float64, string, []byte:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return uint64(x), nil
	case uint8:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case float32:
		return float64(x), nil
	case json.Number:
		return normalizeNumber(string(x))
	case map[string]interface{}:
		m := make(map[string]interface{}, len(x))

		for key, value := range x {
			normalized, err := normalize(value)

			if err != nil {
				return nil, err
			}

			m[key] = normalized
		}

		return m, nil
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(x))

		for key, value := range x {
			name, ok := key.(string)

			if !ok {
				return nil, errors.Wrapf(engine.ErrArgs, "document member name %v is not a string", key)
			}

			normalized, err := normalize(value)

			if err != nil {
				return nil, err
			}

			m[name] = normalized
		}

		return m, nil
	case []interface{}:
		s := make([]interface{}, len(x))

		for i, value := range x {
			normalized, err := normalize(value)

			if err != nil {
				return nil, err
			}

			s[i] = normalized
		}

		return s, nil
	case primitive.A:
		return normalize([]interface{}(x))
	case primitive.M:
		return normalize(map[string]interface{}(x))
	case primitive.D:
		return normalize(map[string]interface{}(x.Map()))
	case primitive.Binary:
		return x.Data, nil
	case primitive.Null:
		return nil, nil
	case primitive.DateTime:
		return int64(x), nil
	case primitive.Decimal128:
		return x.String(), nil
	default:
		return nil, errors.Wrapf(engine.ErrMissingFeature, "unsupported document node %T", v)
	}
}

func normalizeNumber(s string) (interface{}, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i, nil
	}

	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return u, nil
	}

	f, err := strconv.ParseFloat(s, 64)

	if err != nil {
		return nil, errors.Wrapf(engine.ErrArgs, "bad number %q", s)
	}

	return f, nil
}

// pointerTokens splits an RFC 6901 pointer into unescaped reference
// tokens. The empty pointer addresses the whole document.
func pointerTokens(pointer string) ([]string, error) {
	if pointer == "" {
		return nil, nil
	}

	if pointer[0] != '/' {
		return nil, errors.Wrapf(engine.ErrArgs, "bad json pointer %q", pointer)
	}

	parts := strings.Split(pointer[1:], "/")

	for i, part := range parts {
		part = strings.ReplaceAll(part, "~1", "/")
		part = strings.ReplaceAll(part, "~0", "~")
		parts[i] = part
	}

	return parts, nil
}

func escapeToken(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	token = strings.ReplaceAll(token, "/", "~1")

	return token
}

// fieldTokens turns a field path into reference tokens. A
// slash-prefixed field is a hierarchical pointer, anything else is one
// plain member name. The empty field denotes the whole document.
func fieldTokens(field string) ([]string, error) {
	if field == "" {
		return nil, nil
	}

	if field[0] == '/' {
		return pointerTokens(field)
	}

	return []string{field}, nil
}

// lookup resolves reference tokens against a tree. The second return is
// false if the path does not resolve.
func lookup(doc interface{}, tokens []string) (interface{}, bool) {
	node := doc

	for _, token := range tokens {
		switch x := node.(type) {
		case map[string]interface{}:
			child, ok := x[token]

			if !ok {
				return nil, false
			}

			node = child
		case []interface{}:
			i, err := strconv.Atoi(token)

			if err != nil || i < 0 || i >= len(x) {
				return nil, false
			}

			node = x[i]
		default:
			return nil, false
		}
	}

	return node, true
}

// insert sets the subtree at the token path, creating missing
// intermediate objects. It returns the updated document, which may
// differ from doc when the path is empty or doc was not a container.
func insert(doc interface{}, tokens []string, value interface{}) (interface{}, error) {
	if len(tokens) == 0 {
		return value, nil
	}

	container, ok := doc.(map[string]interface{})

	if !ok {
		if array, isArray := doc.([]interface{}); isArray {
			i, err := strconv.Atoi(tokens[0])

			if err != nil || i < 0 || i >= len(array) {
				return nil, errors.Wrapf(engine.ErrArgs, "bad array index %q", tokens[0])
			}

			child, err := insert(array[i], tokens[1:], value)

			if err != nil {
				return nil, err
			}

			array[i] = child

			return array, nil
		}

		// A scalar or missing node on the path is replaced by an
		// object so the field can be created.
		container = map[string]interface{}{}
	}

	child, err := insert(container[tokens[0]], tokens[1:], value)

	if err != nil {
		return nil, err
	}

	container[tokens[0]] = child

	return container, nil
}

// remove deletes the subtree at the token path. Removing a path that
// does not resolve has no effect.
func remove(doc interface{}, tokens []string) interface{} {
	if len(tokens) == 0 {
		return nil
	}

	switch x := doc.(type) {
	case map[string]interface{}:
		if len(tokens) == 1 {
			delete(x, tokens[0])

			return x
		}

		if child, ok := x[tokens[0]]; ok {
			x[tokens[0]] = remove(child, tokens[1:])
		}

		return x
	case []interface{}:
		i, err := strconv.Atoi(tokens[0])

		if err != nil || i < 0 || i >= len(x) {
			return x
		}

		if len(tokens) == 1 {
			return append(x[:i], x[i+1:]...)
		}

		x[i] = remove(x[i], tokens[1:])

		return x
	default:
		return doc
	}
}

// leafPaths appends the JSON-pointer path of every leaf under node to
// out. A scalar document contributes the empty pointer.
func leafPaths(node interface{}, prefix string, out map[string]struct{}) {
	switch x := node.(type) {
	case map[string]interface{}:
		if len(x) == 0 {
			out[prefix] = struct{}{}

			return
		}

		for key, value := range x {
			leafPaths(value, prefix+"/"+escapeToken(key), out)
		}
	case []interface{}:
		if len(x) == 0 {
			out[prefix] = struct{}{}

			return
		}

		for i, value := range x {
			leafPaths(value, prefix+"/"+strconv.Itoa(i), out)
		}
	default:
		out[prefix] = struct{}{}
	}
}

// sortedPaths flattens a path set into a sorted slice.
func sortedPaths(set map[string]struct{}) []string {
	paths := make([]string, 0, len(set))

	for path := range set {
		paths = append(paths, path)
	}

	sort.Strings(paths)

	return paths
}

// place addresses one stored value.
type place struct {
	collection uint64
	key        int64
}

func (p place) String() string {
	return fmt.Sprintf("%d/%d", p.collection, p.key)
}
