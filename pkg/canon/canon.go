// Package canon implements deterministic byte canonicalization for the
// artifact types xchecker writes (YAML, Markdown, plain text) plus RFC 8785
// JSON Canonicalization Scheme (JCS) emission for receipts and status
// documents, and BLAKE3 content hashing over canonicalized bytes.
package canon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/githubnext/xchecker/pkg/logger"
	"github.com/githubnext/xchecker/pkg/stringutil"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

var log = logger.New("canon")

// FileType selects which normalization rules Canonicalize applies.
type FileType int

const (
	// Plain normalizes line endings and ensures a trailing newline only.
	Plain FileType = iota
	// Markdown additionally strips trailing per-line whitespace and
	// collapses runs of blank lines.
	Markdown
	// YAML parses and re-emits with recursively sorted mapping keys.
	YAML
)

// Version identifies the canonicalization ruleset in effect, reported in
// receipts as canonicalization_version.
const Version = "yaml-v1,md-v1"

// Backend identifies the JSON emission scheme used for receipts and status
// documents.
const Backend = "jcs-rfc8785"

// Canonicalize normalizes data according to fileType. YAML input that fails
// to parse returns a structured error; other file types never fail.
func Canonicalize(data []byte, fileType FileType) ([]byte, error) {
	switch fileType {
	case YAML:
		return canonicalizeYAML(data)
	case Markdown:
		return canonicalizeMarkdown(data), nil
	default:
		return canonicalizePlain(data), nil
	}
}

func normalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return s
}

func canonicalizePlain(data []byte) []byte {
	s := normalizeLineEndings(string(data))
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return []byte{}
	}
	return []byte(s + "\n")
}

func canonicalizeMarkdown(data []byte) []byte {
	s := normalizeLineEndings(string(data))
	// NormalizeWhitespace trims trailing whitespace per line and ensures a
	// single trailing newline.
	s = stringutil.NormalizeWhitespace(s)

	lines := strings.Split(s, "\n")
	var out []string
	blankRun := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blankRun++
			if blankRun > 1 {
				continue
			}
		} else {
			blankRun = 0
		}
		out = append(out, line)
	}
	collapsed := strings.Join(out, "\n")
	collapsed = strings.TrimRight(collapsed, "\n")
	if collapsed == "" {
		return []byte{}
	}
	return []byte(collapsed + "\n")
}

func canonicalizeYAML(data []byte) ([]byte, error) {
	s := normalizeLineEndings(string(data))
	if strings.TrimSpace(s) == "" {
		return []byte{}, nil
	}

	var node yaml.Node
	if err := yaml.Unmarshal([]byte(s), &node); err != nil {
		return nil, fmt.Errorf("canon: malformed yaml: %w", err)
	}
	if len(node.Content) == 0 {
		return []byte{}, nil
	}

	sortYAMLNode(node.Content[0])

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(node.Content[0]); err != nil {
		return nil, fmt.Errorf("canon: re-emit yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("canon: close yaml encoder: %w", err)
	}

	out := strings.TrimRight(buf.String(), "\n") + "\n"
	return []byte(out), nil
}

// sortYAMLNode recursively sorts mapping-node keys (Unicode code-point
// order) in place and descends into sequences and nested mappings.
func sortYAMLNode(n *yaml.Node) {
	if n == nil {
		return
	}
	switch n.Kind {
	case yaml.MappingNode:
		type kv struct {
			key, val *yaml.Node
		}
		pairs := make([]kv, 0, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			pairs = append(pairs, kv{n.Content[i], n.Content[i+1]})
		}
		sort.SliceStable(pairs, func(i, j int) bool {
			return pairs[i].key.Value < pairs[j].key.Value
		})
		content := make([]*yaml.Node, 0, len(n.Content))
		for _, p := range pairs {
			sortYAMLNode(p.val)
			content = append(content, p.key, p.val)
		}
		n.Content = content
	case yaml.SequenceNode:
		for _, c := range n.Content {
			sortYAMLNode(c)
		}
	case yaml.DocumentNode:
		for _, c := range n.Content {
			sortYAMLNode(c)
		}
	}
}

// Hash returns the 64-character lowercase hex BLAKE3 digest of data's
// canonical form for fileType.
func Hash(data []byte, fileType FileType) (string, error) {
	canonical, err := Canonicalize(data, fileType)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(canonical)
	hexDigest := fmt.Sprintf("%x", sum)
	log.Printf("hashed %d canonical bytes (type=%d) -> %s", len(canonical), fileType, hexDigest[:8])
	return hexDigest, nil
}

// MarshalJCS serializes v as compact JSON with object keys sorted in
// Unicode code-point order, per RFC 8785. It works by marshaling v through
// Go's standard encoder once to obtain a generic value tree, then
// re-marshaling that tree: encoding/json already emits map[string]any keys
// in sorted byte order and compact (whitespace-free) output, which on
// UTF-8 encoded keys coincides with code-point order. Both marshal passes
// go through marshalNoEscape so `<`, `>`, and `&` are emitted literally
// instead of as </>/& — RFC 8785 §4.B requires minimal
// string escaping, and json.Marshal's HTML-escaping default violates that.
func MarshalJCS(v any) ([]byte, error) {
	first, err := marshalNoEscape(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	var generic any
	if err := json.Unmarshal(first, &generic); err != nil {
		return nil, fmt.Errorf("canon: normalize: %w", err)
	}
	final, err := marshalNoEscape(generic)
	if err != nil {
		return nil, fmt.Errorf("canon: re-marshal: %w", err)
	}
	return final, nil
}

// marshalNoEscape behaves like json.Marshal but leaves '<', '>', and '&'
// unescaped, matching RFC 8785's minimal-escaping requirement.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
