// Package compat applies per-provider JSON shape filters and hooks to request
// and response payloads. Filters are declarative whitelist/flatten/unwrap/
// supply-defaults operations on the raw JSON tree; hooks are named transformers
// for quirks a declarative rule cannot express.
package compat

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// FilterRule is one declarative operation on the payload tree.
type FilterRule struct {
	// Op is one of "whitelist", "flatten", "unwrap", "supply-defaults".
	Op string `json:"op"`

	// Path addresses the target node in gjson syntax. Empty means the root.
	Path string `json:"path"`

	// Keys lists the allowed keys for whitelist, or the single child to
	// promote for unwrap.
	Keys []string `json:"keys"`

	// Defaults holds the values supplied when absent.
	Defaults map[string]any `json:"defaults"`
}

// Bundle is a provider's full shape-filter specification.
type Bundle struct {
	// ProviderMatch narrows the bundle to the listed provider ids. Empty
	// means any provider.
	ProviderMatch []string `json:"providerMatch"`

	// ProtocolMatch narrows the bundle to the listed provider protocols.
	// Empty means any protocol.
	ProtocolMatch []string `json:"protocolMatch"`

	// Request and Response are the filter chains per direction.
	Request  []FilterRule `json:"request"`
	Response []FilterRule `json:"response"`

	// RequestHooks and ResponseHooks name the transformers to run after the
	// filter chain of each direction.
	RequestHooks  []string `json:"requestHooks"`
	ResponseHooks []string `json:"responseHooks"`
}

// LoadBundle reads a bundle specification from a JSON file.
func LoadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("compat: read shape filters: %w", err)
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("compat: parse shape filters %s: %w", path, err)
	}
	return &b, nil
}

// Matches reports whether the bundle applies to the given target.
func (b *Bundle) Matches(providerID, protocol string) bool {
	if len(b.ProviderMatch) > 0 && !contains(b.ProviderMatch, providerID) {
		return false
	}
	if len(b.ProtocolMatch) > 0 && !contains(b.ProtocolMatch, protocol) {
		return false
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Apply runs the filter chain over the payload. Rules addressing absent paths
// are skipped, which keeps flatten and unwrap idempotent.
func Apply(payload []byte, rules []FilterRule) ([]byte, error) {
	var err error
	for _, rule := range rules {
		switch rule.Op {
		case "whitelist":
			payload, err = applyWhitelist(payload, rule)
		case "flatten":
			payload, err = applyFlatten(payload, rule)
		case "unwrap":
			payload, err = applyUnwrap(payload, rule)
		case "supply-defaults":
			payload, err = applyDefaults(payload, rule)
		default:
			err = fmt.Errorf("compat: unknown filter op %q", rule.Op)
		}
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func nodeAt(payload []byte, path string) gjson.Result {
	if path == "" {
		return gjson.ParseBytes(payload)
	}
	return gjson.GetBytes(payload, path)
}

// applyWhitelist deletes every key of the object at Path not listed in Keys.
func applyWhitelist(payload []byte, rule FilterRule) ([]byte, error) {
	node := nodeAt(payload, rule.Path)
	if !node.Exists() || !node.IsObject() {
		return payload, nil
	}
	allowed := make(map[string]bool, len(rule.Keys))
	for _, k := range rule.Keys {
		allowed[k] = true
	}
	var err error
	node.ForEach(func(key, _ gjson.Result) bool {
		if allowed[key.String()] {
			return true
		}
		target := key.String()
		if rule.Path != "" {
			target = rule.Path + "." + target
		}
		payload, err = sjson.DeleteBytes(payload, target)
		return err == nil
	})
	return payload, err
}

// applyFlatten merges the children of the object at Path into its parent and
// removes the wrapper key.
func applyFlatten(payload []byte, rule FilterRule) ([]byte, error) {
	if rule.Path == "" {
		return nil, fmt.Errorf("compat: flatten requires a path")
	}
	node := gjson.GetBytes(payload, rule.Path)
	if !node.Exists() || !node.IsObject() {
		return payload, nil
	}
	parent := parentPath(rule.Path)
	var err error
	node.ForEach(func(key, value gjson.Result) bool {
		target := key.String()
		if parent != "" {
			target = parent + "." + target
		}
		payload, err = sjson.SetRawBytes(payload, target, []byte(value.Raw))
		return err == nil
	})
	if err != nil {
		return nil, err
	}
	return sjson.DeleteBytes(payload, rule.Path)
}

// applyUnwrap replaces the node at Path with its child named Keys[0].
func applyUnwrap(payload []byte, rule FilterRule) ([]byte, error) {
	if rule.Path == "" || len(rule.Keys) != 1 {
		return nil, fmt.Errorf("compat: unwrap requires a path and exactly one key")
	}
	child := gjson.GetBytes(payload, rule.Path+"."+rule.Keys[0])
	if !child.Exists() {
		return payload, nil
	}
	return sjson.SetRawBytes(payload, rule.Path, []byte(child.Raw))
}

// applyDefaults sets each default value at Path when the key is absent.
func applyDefaults(payload []byte, rule FilterRule) ([]byte, error) {
	var err error
	for key, value := range rule.Defaults {
		target := key
		if rule.Path != "" {
			target = rule.Path + "." + target
		}
		if gjson.GetBytes(payload, target).Exists() {
			continue
		}
		payload, err = sjson.SetBytes(payload, target, value)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func parentPath(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[:i]
		}
	}
	return ""
}
