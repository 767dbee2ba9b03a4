package core

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mattn/go-shellwords"
	"gopkg.in/yaml.v3"
)

var envNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// EnvVar is one environment assignment. Secure entries carry an encrypted
// payload that cannot be decrypted here; they are kept for reporting only.
type EnvVar struct {
	Name   string `json:"name,omitempty"`
	Value  string `json:"value,omitempty"`
	Secure bool   `json:"secure,omitempty"`
}

// EnvVars is an ordered environment mapping. A nil EnvVars means "not set",
// which matters when jobs are merged with their templates.
//
// In YAML it may be written as a mapping, a list of KEY=value strings, or a
// single shell-quoted string such as `A=1 B="x y"`.
type EnvVars []EnvVar

func (e *EnvVars) UnmarshalYAML(n *yaml.Node) error {
	out, err := decodeEnv(n)
	if err != nil {
		return err
	}
	*e = out
	return nil
}

func decodeEnv(n *yaml.Node) (EnvVars, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return decodeEnv(n.Alias)
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return nil, nil
		}
		return ParseEnvString(n.Value)
	case yaml.SequenceNode:
		out := EnvVars{}
		for _, item := range n.Content {
			if item.Kind == yaml.MappingNode {
				if secure, ok := secureValue(item); ok {
					out = append(out, EnvVar{Value: secure, Secure: true})
					continue
				}
			}
			if item.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: env entry must be a KEY=value string", item.Line)
			}
			vars, err := ParseEnvString(item.Value)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", item.Line, err)
			}
			out = append(out, vars...)
		}
		return out, nil
	case yaml.MappingNode:
		out := EnvVars{}
		for i := 0; i+1 < len(n.Content); i += 2 {
			k, v := n.Content[i], n.Content[i+1]
			if !envNameRe.MatchString(k.Value) {
				return nil, fmt.Errorf("line %d: invalid env name %q", k.Line, k.Value)
			}
			if v.Kind == yaml.MappingNode {
				if secure, ok := secureValue(v); ok {
					out = append(out, EnvVar{Name: k.Value, Value: secure, Secure: true})
					continue
				}
			}
			if v.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("line %d: env %s must be a scalar", v.Line, k.Value)
			}
			out = append(out, EnvVar{Name: k.Value, Value: v.Value})
		}
		return out, nil
	}
	return nil, fmt.Errorf("line %d: unsupported env form", n.Line)
}

func secureValue(n *yaml.Node) (string, bool) {
	if len(n.Content) == 2 && n.Content[0].Value == "secure" {
		return n.Content[1].Value, true
	}
	return "", false
}

// ParseEnvString splits a shell-quoted list of assignments.
func ParseEnvString(s string) (EnvVars, error) {
	words, err := shellwords.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("parse env %q: %w", s, err)
	}
	out := make(EnvVars, 0, len(words))
	for _, w := range words {
		name, value, ok := strings.Cut(w, "=")
		if !ok || !envNameRe.MatchString(name) {
			return nil, fmt.Errorf("env entry %q is not KEY=value", w)
		}
		out = append(out, EnvVar{Name: name, Value: value})
	}
	return out, nil
}

// Lookup returns the value of a plain (non-secure) variable.
func (e EnvVars) Lookup(name string) (string, bool) {
	for _, v := range e {
		if !v.Secure && v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

// Map returns the plain variables as a map.
func (e EnvVars) Map() map[string]string {
	m := make(map[string]string, len(e))
	for _, v := range e {
		if !v.Secure {
			m[v.Name] = v.Value
		}
	}
	return m
}

// SecureCount is the number of encrypted entries.
func (e EnvVars) SecureCount() int {
	n := 0
	for _, v := range e {
		if v.Secure {
			n++
		}
	}
	return n
}

// String renders plain variables as `A=1 B=2`, quoting when needed.
func (e EnvVars) String() string {
	parts := make([]string, 0, len(e))
	for _, v := range e {
		if v.Secure {
			continue
		}
		val := v.Value
		if val == "" || strings.ContainsAny(val, " \t\"'$") {
			val = fmt.Sprintf("%q", val)
		}
		parts = append(parts, v.Name+"="+val)
	}
	return strings.Join(parts, " ")
}

// MergeEnv layers mappings left to right. A later layer wins on key
// collision but the key keeps the position where it first appeared.
// Secure entries are carried over unchanged. Merging only nil layers
// yields nil.
func MergeEnv(layers ...EnvVars) EnvVars {
	var out EnvVars
	index := map[string]int{}
	for _, layer := range layers {
		if layer == nil {
			continue
		}
		if out == nil {
			out = EnvVars{}
		}
		for _, v := range layer {
			if v.Secure && v.Name == "" {
				out = append(out, v)
				continue
			}
			if i, ok := index[v.Name]; ok {
				out[i] = v
				continue
			}
			index[v.Name] = len(out)
			out = append(out, v)
		}
	}
	return out
}
