package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/riven-blade/kcl/pkg/codegen"
)

// Document is the evaluated result of an invocation: the entry package's
// declarations in symbol order, fully resolved to concrete values.
type Document struct {
	Keys   []string
	Values []any
}

// orderedMap preserves key order of evaluated map values.
type orderedMap struct {
	keys   []string
	values []any
}

type evaluator struct {
	lib   *Library
	table map[string]map[string]codegen.Value
	memo  map[[2]string]any
	stack map[[2]string]bool
}

// Invoke evaluates the library's entry package into a Document. Evaluation
// checks ctx between symbols so a deadline set by the caller is honored even
// for large documents.
func (l *Library) Invoke(ctx context.Context) (*Document, error) {
	ev := &evaluator{
		lib:   l,
		table: map[string]map[string]codegen.Value{},
		memo:  map[[2]string]any{},
		stack: map[[2]string]bool{},
	}
	for _, pkg := range l.Pkgs {
		syms := map[string]codegen.Value{}
		for _, s := range pkg.Symbols {
			syms[s.Name] = s.Code
		}
		ev.table[pkg.Name] = syms
	}

	var entry *Package
	for i := range l.Pkgs {
		if l.Pkgs[i].Name == l.Entry {
			entry = &l.Pkgs[i]
			break
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("library has no entry package %q", l.Entry)
	}

	doc := &Document{}
	for _, sym := range entry.Symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := ev.eval(entry.Name, sym.Name, sym.Code)
		if err != nil {
			return nil, err
		}
		doc.Keys = append(doc.Keys, sym.Name)
		doc.Values = append(doc.Values, v)
	}
	return doc, nil
}

func (ev *evaluator) eval(pkg, name string, code codegen.Value) (any, error) {
	switch v := code.(type) {
	case codegen.IntValue:
		return v.V, nil
	case codegen.FloatValue:
		return v.V, nil
	case codegen.StringValue:
		return v.V, nil
	case codegen.BoolValue:
		return v.V, nil
	case codegen.ListValue:
		out := make([]any, 0, len(v.Elems))
		for _, el := range v.Elems {
			ev2, err := ev.eval(pkg, name, el)
			if err != nil {
				return nil, err
			}
			out = append(out, ev2)
		}
		return out, nil
	case codegen.MapValue:
		out := &orderedMap{}
		for i, key := range v.Keys {
			ev2, err := ev.eval(pkg, name, v.Values[i])
			if err != nil {
				return nil, err
			}
			out.keys = append(out.keys, key)
			out.values = append(out.values, ev2)
		}
		return out, nil
	case codegen.LocalRef:
		return ev.resolve(pkg, v.Name)
	case codegen.ExternRef:
		return ev.resolve(v.Pkg, v.Name)
	case nil:
		return nil, fmt.Errorf("symbol %q in package %q has no code", name, pkg)
	default:
		return nil, fmt.Errorf("unsupported code value %T for %q in package %q", code, name, pkg)
	}
}

func (ev *evaluator) resolve(pkg, name string) (any, error) {
	key := [2]string{pkg, name}
	if v, ok := ev.memo[key]; ok {
		return v, nil
	}
	if ev.stack[key] {
		return nil, fmt.Errorf("cyclic reference through %s.%s", pkg, name)
	}

	syms, ok := ev.table[pkg]
	if !ok {
		return nil, fmt.Errorf("reference to unlinked package %q", pkg)
	}
	code, ok := syms[name]
	if !ok {
		return nil, fmt.Errorf("undefined symbol %q in package %q", name, pkg)
	}

	ev.stack[key] = true
	v, err := ev.eval(pkg, name, code)
	delete(ev.stack, key)
	if err != nil {
		return nil, err
	}
	ev.memo[key] = v
	return v, nil
}

// YAML renders the document as a YAML mapping in declaration order.
func (d *Document) YAML() (string, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for i, key := range d.Keys {
		kn := &yaml.Node{Kind: yaml.ScalarNode, Value: key}
		vn, err := yamlNode(d.Values[i])
		if err != nil {
			return "", err
		}
		node.Content = append(node.Content, kn, vn)
	}
	out, err := yaml.Marshal(node)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func yamlNode(v any) (*yaml.Node, error) {
	switch t := v.(type) {
	case int64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.FormatInt(t, 10)}, nil
	case float64:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: strconv.FormatFloat(t, 'g', -1, 64)}, nil
	case string:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: t}, nil
	case bool:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: strconv.FormatBool(t)}, nil
	case []any:
		n := &yaml.Node{Kind: yaml.SequenceNode}
		for _, el := range t {
			en, err := yamlNode(el)
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content, en)
		}
		return n, nil
	case *orderedMap:
		n := &yaml.Node{Kind: yaml.MappingNode}
		for i, key := range t.keys {
			vn, err := yamlNode(t.values[i])
			if err != nil {
				return nil, err
			}
			n.Content = append(n.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Value: key}, vn)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("cannot serialize value of type %T", v)
	}
}

// JSON renders the document as a JSON object in declaration order.
func (d *Document) JSON() (string, error) {
	var buf bytes.Buffer
	if err := writeJSONObject(&buf, d.Keys, d.Values); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func writeJSONObject(buf *bytes.Buffer, keys []string, values []any) error {
	buf.WriteByte('{')
	for i, key := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, _ := json.Marshal(key)
		buf.Write(kb)
		buf.WriteByte(':')
		if err := writeJSONValue(buf, values[i]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func writeJSONValue(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case []any:
		buf.WriteByte('[')
		for i, el := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeJSONValue(buf, el); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case *orderedMap:
		return writeJSONObject(buf, t.keys, t.values)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
