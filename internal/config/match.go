package config

import (
	"errors"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"testscope/internal/match"
)

// ErrInvalidMatch is returned for a match entry that cannot be decoded.
var ErrInvalidMatch = errors.New("invalid match")

// MatchSpec decodes a match.Spec from YAML:
//
//	match: api                      # literal substring
//	match: "*"                      # everything
//	match: {pattern: '\.json$'}     # regexp
//	match: {resource_type: "xhr,fetch", method: GET, url: api}
//	match: [api, {pattern: '^https://cdn'}]   # any of
type MatchSpec struct {
	Spec match.Spec
}

type matchObject struct {
	Pattern      string     `yaml:"pattern,omitempty"`
	ResourceType string     `yaml:"resource_type,omitempty"`
	Method       string     `yaml:"method,omitempty"`
	URL          *MatchSpec `yaml:"url,omitempty"`
}

func (m *MatchSpec) UnmarshalYAML(value *yaml.Node) error {
	spec, err := decodeMatch(value)
	if err != nil {
		return err
	}
	m.Spec = spec
	return nil
}

func decodeMatch(node *yaml.Node) (match.Spec, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil, nil
		}
		if node.Value == "*" {
			return match.Any{}, nil
		}
		return match.Literal(node.Value), nil
	case yaml.SequenceNode:
		list := match.AnyOf{}
		for _, child := range node.Content {
			spec, err := decodeMatch(child)
			if err != nil {
				return nil, err
			}
			if spec != nil {
				list = append(list, spec)
			}
		}
		return list, nil
	case yaml.MappingNode:
		var obj matchObject
		if err := node.Decode(&obj); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidMatch, node.Line, err)
		}
		var urlSpec match.Spec
		if obj.URL != nil {
			urlSpec = obj.URL.Spec
		}
		if obj.Pattern != "" {
			re, err := regexp.Compile(obj.Pattern)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidMatch, node.Line, err)
			}
			if urlSpec != nil {
				return nil, fmt.Errorf("%w: line %d: pattern and url are exclusive", ErrInvalidMatch, node.Line)
			}
			urlSpec = match.Pattern{Re: re}
			if obj.ResourceType == "" && obj.Method == "" {
				return urlSpec, nil
			}
		}
		return match.Composite{ResourceType: obj.ResourceType, Method: obj.Method, URL: urlSpec}, nil
	default:
		return nil, fmt.Errorf("%w: line %d: unsupported yaml node", ErrInvalidMatch, node.Line)
	}
}

func (m MatchSpec) MarshalYAML() (interface{}, error) {
	return encodeMatch(m.Spec)
}

func encodeMatch(spec match.Spec) (interface{}, error) {
	switch s := spec.(type) {
	case nil:
		return nil, nil
	case match.Any:
		return "*", nil
	case match.Literal:
		return string(s), nil
	case match.Pattern:
		if s.Re == nil {
			return nil, fmt.Errorf("%w: empty pattern", ErrInvalidMatch)
		}
		return matchObject{Pattern: s.Re.String()}, nil
	case match.Composite:
		obj := matchObject{ResourceType: s.ResourceType, Method: s.Method}
		if s.URL != nil {
			obj.URL = &MatchSpec{Spec: s.URL}
		}
		return obj, nil
	case match.AnyOf:
		out := make([]interface{}, 0, len(s))
		for _, item := range s {
			v, err := encodeMatch(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %T cannot be written to yaml", ErrInvalidMatch, spec)
	}
}
