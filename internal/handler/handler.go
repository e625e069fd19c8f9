// Package handler implements the Default Handler Builder (spec §4.7): it
// turns a nested plain Go value (a record of methods, or a prefix-bound
// object) into the source.Handler the Source dispatches CALL/NOTIFY/CREATE
// through, enforcing the path-safety rules the specification requires even
// though Go has no prototype chain to guard.
package handler

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/webitel/stateful-rpc/internal/source"
)

// Node is the explicit recursive variant spec §4.7 calls for in a
// statically-typed reimplementation, replacing the reference's ad-hoc
// reflection over a dynamic object graph.
type Node struct {
	Record      map[string]Node
	Method      MethodFunc
	Constructor ConstructorFunc
	Source      *source.Source
	// AutoDispose tags a Constructor so the Source Channel it produces is
	// marked auto-dispose (spec §4.2/§4.7).
	AutoDispose bool
}

// MethodFunc is a plain callable reached by path resolution. facade exposes
// the invoking Source Channel and its context, replacing the reference's
// hidden `this` capture (spec §9).
type MethodFunc func(facade Facade, args []any) (any, error)

// ConstructorFunc builds a brand-new Source when reached via CREATE with
// zero prior args resolved from the path (the "class-like constructor"
// path of §4.7).
type ConstructorFunc func(facade Facade, args []any) (*source.Source, error)

// Facade is passed to a MethodFunc/ConstructorFunc in place of a captured
// `this`: read-only access to the invoking Source Channel and its context.
type Facade struct {
	Channel source.HandlerChannel
	Context any
}

// Forbidden segments mirror the reference's prototype-bridging denylist;
// Go has no prototype chain, but the same segment names are rejected for
// protocol-compatibility and because a Record might still legitimately be
// built by reflecting over a struct with such field names.
var forbidden = map[string]bool{
	"__proto__":          true,
	"constructor":        true,
	"prototype":          true,
	"hasOwnProperty":     true,
	"isPrototypeOf":      true,
	"propertyIsEnumerable": true,
	"toString":           true,
	"valueOf":            true,
}

// ErrForbiddenStep is returned (wrapped with the offending segment) when a
// path step names a forbidden segment.
var ErrForbiddenStep = errors.New("forbidden step")

// ErrForbiddenProp is returned when a step names no entry of its Record, or
// when the resolved target cannot serve the request (no Method for a call,
// no Constructor or Source for a create).
var ErrForbiddenProp = errors.New("forbidden prop")

// ErrNotObject is returned when a non-final path step does not resolve to
// a Record to keep walking into.
var ErrNotObject = errors.New("not object")

// Builder constructs source.Handler values from a root Node.
type Builder struct {
	prefix string
	cache  *lru.Cache[string, Node]
}

// New constructs a Builder. prefix, if non-empty, is prepended to the first
// path segment of every call before resolution (spec §4.7). cacheSize
// bounds the LRU of canonical path key (prefix applied) -> resolved Node
// lookups; 0 disables caching.
func New(prefix string, cacheSize int) (*Builder, error) {
	if prefix != "" && forbidden[prefix] {
		return nil, fmt.Errorf("handler: prefix %q is forbidden: %w", prefix, ErrForbiddenStep)
	}
	b := &Builder{prefix: prefix}
	if cacheSize > 0 {
		c, err := lru.New[string, Node](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("handler: building path cache: %w", err)
		}
		b.cache = c
	}
	return b, nil
}

// Build returns the source.Handler that walks root for every CALL/NOTIFY/
// CREATE.
func (b *Builder) Build(root Node) source.Handler {
	return func(ch source.HandlerChannel, path []any, args []any, isNew bool) (source.Result, error) {
		segs, err := toSegments(path)
		if err != nil {
			return source.Result{}, err
		}
		segs = b.withPrefix(segs)

		target, err := b.resolveCached(root, segs)
		if err != nil {
			return source.Result{}, fmt.Errorf("wrong path: %w", err)
		}

		facade := Facade{Channel: ch, Context: ch.Context()}

		switch {
		case isNew && len(args) == 0 && target.Source != nil:
			return source.SourceResult(target.Source), nil
		case isNew && target.Constructor != nil:
			src, err := target.Constructor(facade, args)
			if err != nil {
				return source.Result{}, err
			}
			res := source.SourceResult(src)
			res.AutoDispose = target.AutoDispose
			return res, nil
		case target.Method != nil:
			v, err := target.Method(facade, args)
			if err != nil {
				return source.Result{}, err
			}
			return source.ValueResult(v), nil
		default:
			return source.Result{}, fmt.Errorf("wrong path: %w", ErrForbiddenProp)
		}
	}
}

// withPrefix concatenates the configured prefix onto the first path
// segment, per spec §4.7.
func (b *Builder) withPrefix(segs []string) []string {
	if b.prefix == "" {
		return segs
	}
	if len(segs) == 0 {
		return []string{b.prefix}
	}
	out := append([]string{b.prefix + segs[0]}, segs[1:]...)
	return out
}

// resolveCached wraps resolve with the LRU lookup cache described in
// SPEC_FULL.md: repeated traffic against the same method path does not
// re-walk the object tree.
func (b *Builder) resolveCached(root Node, segs []string) (Node, error) {
	if b.cache == nil || len(segs) == 0 {
		return resolve(root, segs)
	}
	key := CanonicalPathKey(segs)
	if cached, ok := b.cache.Get(key); ok {
		return cached, nil
	}
	node, err := resolve(root, segs)
	if err != nil {
		return Node{}, err
	}
	b.cache.Add(key, node)
	return node, nil
}

// resolve walks root by segs, enforcing the forbidden-segment and
// own/enumerable/object-valued-target policy of spec §4.7.
func resolve(root Node, segs []string) (Node, error) {
	cur := root
	for i, seg := range segs {
		if forbidden[seg] {
			return Node{}, fmt.Errorf("%s: %w", seg, ErrForbiddenStep)
		}
		if cur.Record == nil {
			return Node{}, fmt.Errorf("%s: %w", seg, ErrNotObject)
		}
		next, ok := cur.Record[seg]
		if !ok {
			return Node{}, fmt.Errorf("%s: %w", seg, ErrForbiddenProp)
		}
		if i < len(segs)-1 && next.Record == nil {
			return Node{}, fmt.Errorf("%s: %w", seg, ErrNotObject)
		}
		cur = next
	}
	return cur, nil
}

// toSegments normalizes an event/call path into string segments, applying
// the string-coercion rule recommended by spec §9's open question on
// numeric-vs-string path segments.
func toSegments(path []any) ([]string, error) {
	out := make([]string, 0, len(path))
	for _, p := range path {
		switch v := p.(type) {
		case string:
			out = append(out, v)
		case int:
			out = append(out, strconv.Itoa(v))
		case int64:
			out = append(out, strconv.FormatInt(v, 10))
		case float64:
			out = append(out, strconv.FormatFloat(v, 'g', -1, 64))
		default:
			out = append(out, reflectString(v))
		}
	}
	return out, nil
}

func reflectString(v any) string {
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return ""
	}
	return fmt.Sprintf("%v", rv.Interface())
}

// CanonicalPathKey returns a JSON-array-like key for a non-empty path of
// string segments, each quoted with strconv.Quote. It keys the Builder's
// path cache; the Channel endpoint's event router uses eventkey.Canonical
// instead.
func CanonicalPathKey(segs []string) string {
	return "[" + strings.Join(quoteAll(segs), ",") + "]"
}

func quoteAll(segs []string) []string {
	out := make([]string, len(segs))
	for i, s := range segs {
		out[i] = strconv.Quote(s)
	}
	return out
}
