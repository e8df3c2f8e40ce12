// Package pathcodec rewrites path-bearing values between their live form,
// valid only inside one run's ephemeral roots, and a portable token form that
// can be persisted in cache metadata and re-attached to another run's roots.
//
// Token grammar (Version 1):
//
//	external       stored verbatim
//	root flag      <option><tag>:<rel>      e.g. -Lwork:pkg/lib
//	                                        one per path, e.g. -Wl,-rpath,work:a:work:b
//	dual root      <tag>:<rel>              e.g. ruby:ext/json/parser.o
//	single root    <rel>                    relative to the rule's only root
//	anchor         <anchor>/<rel>           e.g. rbpack-ruby/lib/libruby-static.a
package pathcodec

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Version identifies the token grammar. It is recorded next to every encoded
// document so a later grammar change can refuse older tokens.
const Version = 1

// Standard root tags.
const (
	TagWork = "work"
	TagRuby = "ruby"
)

// ErrAmbiguousToken is returned when a value that would be stored verbatim
// already looks like an encoded token and could not be told apart on decode.
var ErrAmbiguousToken = errors.New("value collides with path token syntax")

// Kind selects how a field's values are rewritten.
type Kind int

const (
	External Kind = iota
	RootFlag
	DualRoot
	SingleRoot
	Anchor
)

func (k Kind) String() string {
	switch k {
	case External:
		return "external"
	case RootFlag:
		return "root-flag"
	case DualRoot:
		return "dual-root"
	case SingleRoot:
		return "single-root"
	case Anchor:
		return "anchor"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Rule binds a Kind to the roots or anchor it rewrites against.
type Rule struct {
	Kind   Kind     `json:"kind"`
	Tags   []string `json:"tags,omitempty"`
	Anchor string   `json:"anchor,omitempty"`
}

func ExternalRule() Rule { return Rule{Kind: External} }
func RootFlagRule(tags ...string) Rule { return Rule{Kind: RootFlag, Tags: tags} }
func DualRootRule(tags ...string) Rule { return Rule{Kind: DualRoot, Tags: tags} }
func SingleRootRule(tag string) Rule { return Rule{Kind: SingleRoot, Tags: []string{tag}} }
func AnchorRule(name string) Rule { return Rule{Kind: Anchor, Anchor: name} }

// Roots maps a tag to the absolute root it stands for in the current run.
type Roots map[string]string

// Codec applies rules against one run's roots.
type Codec struct {
	Roots Roots
	// Anchors maps an anchor directory name to its current parent directory.
	Anchors map[string]string
}

// New returns a Codec with cleaned roots.
func New(roots Roots, anchors map[string]string) *Codec {
	c := &Codec{Roots: Roots{}, Anchors: map[string]string{}}
	for tag, root := range roots {
		c.Roots[tag] = filepath.Clean(root)
	}
	for name, parent := range anchors {
		c.Anchors[name] = filepath.Clean(parent)
	}
	return c
}

// Encode turns a live value into its token.
func (c *Codec) Encode(rule Rule, value string) (string, error) {
	if value == "" {
		return value, nil
	}
	switch rule.Kind {
	case External:
		return value, nil
	case RootFlag:
		return c.encodeFlag(rule, value)
	case DualRoot:
		tag, rel, ok := c.longestRoot(rule.Tags, value)
		if !ok {
			return c.verbatim(rule, value)
		}
		return tag + ":" + rel, nil
	case SingleRoot:
		root, err := c.root(rule.Tags)
		if err != nil {
			return "", err
		}
		if rel, ok := under(root, value); ok {
			if rel == "" {
				return ".", nil
			}
			return rel, nil
		}
		if !filepath.IsAbs(value) {
			return "", fmt.Errorf("%w: relative external path %q", ErrAmbiguousToken, value)
		}
		return value, nil
	case Anchor:
		return c.encodeAnchor(rule, value)
	}
	return "", fmt.Errorf("unknown path rule kind %v", rule.Kind)
}

// Decode turns a token back into a live value under the codec's roots.
func (c *Codec) Decode(rule Rule, token string) (string, error) {
	if token == "" {
		return token, nil
	}
	switch rule.Kind {
	case External:
		return token, nil
	case RootFlag:
		return c.decodeFlag(rule, token)
	case DualRoot:
		for _, tag := range rule.Tags {
			if rest, ok := strings.CutPrefix(token, tag+":"); ok {
				root, found := c.Roots[tag]
				if !found {
					return "", fmt.Errorf("no root for tag %q", tag)
				}
				return join(root, rest), nil
			}
		}
		return token, nil
	case SingleRoot:
		if filepath.IsAbs(token) {
			return token, nil
		}
		root, err := c.root(rule.Tags)
		if err != nil {
			return "", err
		}
		if token == "." {
			return root, nil
		}
		return join(root, token), nil
	case Anchor:
		if filepath.IsAbs(token) {
			return token, nil
		}
		parent, ok := c.Anchors[rule.Anchor]
		if !ok {
			return "", fmt.Errorf("no parent directory for anchor %q", rule.Anchor)
		}
		return filepath.Join(parent, filepath.FromSlash(token)), nil
	}
	return "", fmt.Errorf("unknown path rule kind %v", rule.Kind)
}

// EncodeList encodes each element, preserving order.
func (c *Codec) EncodeList(rule Rule, values []string) ([]string, error) {
	return mapList(values, func(v string) (string, error) { return c.Encode(rule, v) })
}

// DecodeList decodes each element, preserving order.
func (c *Codec) DecodeList(rule Rule, tokens []string) ([]string, error) {
	return mapList(tokens, func(v string) (string, error) { return c.Decode(rule, v) })
}

func mapList(in []string, fn func(string) (string, error)) ([]string, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]string, len(in))
	for i, v := range in {
		r, err := fn(v)
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// encodeFlag rewrites every path in a flag that starts at a path boundary and
// lies under one of the rule's roots. A flag may carry several paths, as in
// -Wl,-rpath,/a:/b.
func (c *Codec) encodeFlag(rule Rule, flag string) (string, error) {
	for i := range len(flag) {
		if !pathStart(flag, i) {
			continue
		}
		if tag := markerAt(rule.Tags, flag, i); tag != "" {
			return "", fmt.Errorf("%w: %q contains %q", ErrAmbiguousToken, flag, tag+":")
		}
	}

	var b strings.Builder
	for i := 0; i < len(flag); {
		if !pathStart(flag, i) || (flag[i] != '/' && flag[i] != filepath.Separator) {
			b.WriteByte(flag[i])
			i++
			continue
		}
		end := segmentEnd(flag, i)
		if tag, rel, ok := c.longestRoot(rule.Tags, flag[i:end]); ok {
			b.WriteString(tag + ":" + rel)
		} else {
			b.WriteString(flag[i:end])
		}
		i = end
	}
	return b.String(), nil
}

func (c *Codec) decodeFlag(rule Rule, token string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(token); {
		tag := ""
		if pathStart(token, i) {
			tag = markerAt(rule.Tags, token, i)
		}
		if tag == "" {
			b.WriteByte(token[i])
			i++
			continue
		}
		root, ok := c.Roots[tag]
		if !ok {
			return "", fmt.Errorf("no root for tag %q", tag)
		}
		from := i + len(tag) + 1
		end := segmentEnd(token, from)
		b.WriteString(join(root, token[from:end]))
		i = end
	}
	return b.String(), nil
}

func (c *Codec) encodeAnchor(rule Rule, value string) (string, error) {
	if rule.Anchor == "" {
		return "", errors.New("anchor rule without anchor name")
	}
	if !filepath.IsAbs(value) {
		return "", fmt.Errorf("%w: relative path %q under anchor rule", ErrAmbiguousToken, value)
	}
	parts := strings.Split(filepath.ToSlash(filepath.Clean(value)), "/")
	for i, p := range parts {
		if i > 0 && p == rule.Anchor {
			return strings.Join(parts[i:], "/"), nil
		}
	}
	return value, nil
}

// verbatim guards values stored unchanged against being mistaken for tokens.
func (c *Codec) verbatim(rule Rule, value string) (string, error) {
	if idx, tag := c.findMarker(rule.Tags, value); idx >= 0 {
		return "", fmt.Errorf("%w: %q contains %q", ErrAmbiguousToken, value, tag+":")
	}
	return value, nil
}

func (c *Codec) findMarker(tags []string, s string) (int, string) {
	bestIdx, bestTag := -1, ""
	for _, tag := range tags {
		if idx := strings.Index(s, tag+":"); idx >= 0 && (bestIdx < 0 || idx < bestIdx) {
			bestIdx, bestTag = idx, tag
		}
	}
	return bestIdx, bestTag
}

func (c *Codec) longestRoot(tags []string, value string) (string, string, bool) {
	var bestTag, bestRel, bestRoot string
	found := false
	for _, tag := range tags {
		root, ok := c.Roots[tag]
		if !ok {
			continue
		}
		if rel, ok := under(root, value); ok && (!found || len(root) > len(bestRoot)) {
			bestTag, bestRel, bestRoot, found = tag, rel, root, true
		}
	}
	return bestTag, bestRel, found
}

func (c *Codec) root(tags []string) (string, error) {
	if len(tags) != 1 {
		return "", fmt.Errorf("single-root rule needs exactly one tag, got %d", len(tags))
	}
	root, ok := c.Roots[tags[0]]
	if !ok {
		return "", fmt.Errorf("no root for tag %q", tags[0])
	}
	return root, nil
}

// under reports whether value lies at or below root, comparing whole path
// components, and returns the slash-separated remainder.
func under(root, value string) (string, bool) {
	if !filepath.IsAbs(value) {
		return "", false
	}
	clean := filepath.Clean(value)
	if clean == root {
		return "", true
	}
	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if rest, ok := strings.CutPrefix(clean, prefix); ok {
		return filepath.ToSlash(rest), true
	}
	return "", false
}

// pathStart reports whether a path may begin at s[i]: at the start of the
// value, right after an option marker such as -L or -isystem, or after one of
// the separators , = :.
func pathStart(s string, i int) bool {
	if i == 0 {
		return true
	}
	if strings.IndexByte(",=:", s[i-1]) >= 0 {
		return true
	}
	return optionMarker(s[:i])
}

func optionMarker(s string) bool {
	if len(s) < 2 || s[0] != '-' {
		return false
	}
	letter := false
	for _, r := range s[1:] {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			letter = true
		case r == '-':
		default:
			return false
		}
	}
	return letter
}

// segmentEnd returns where the path starting at s[i] ends: at the next list
// separator or at the end of s.
func segmentEnd(s string, i int) int {
	if n := strings.IndexAny(s[i:], ",:"); n >= 0 {
		return i + n
	}
	return len(s)
}

func markerAt(tags []string, s string, i int) string {
	for _, tag := range tags {
		if strings.HasPrefix(s[i:], tag+":") {
			return tag
		}
	}
	return ""
}

func join(root, rel string) string {
	if rel == "" {
		return root
	}
	return filepath.Join(root, filepath.FromSlash(rel))
}
