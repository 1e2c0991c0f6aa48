// Package codegen lowers one package's ordered modules into a relocatable
// Object: a self-contained, encoded symbol sequence that no longer
// references the AST. Objects are what the package assembler caches and the
// link assembler merges into a loadable library.
package codegen

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/riven-blade/kcl/pkg/ast"
)

// ObjectFileSuffix is the fixed suffix of generated object files.
const ObjectFileSuffix = ".o"

// FormatVersion is bumped whenever the encoded object layout changes;
// readers reject objects from a different version.
const FormatVersion = 1

const objectMagic = "KCLOBJ"

// Object is the lowered form of one package.
type Object struct {
	Magic   string
	Version int
	Pkg     string
	// Symbols preserve module order, then declaration order within each
	// module. Layout is part of the object contract.
	Symbols []Symbol
}

// Symbol is one lowered declaration.
type Symbol struct {
	Name string
	Code Value
}

// Value is a lowered code value. Unlike ast.Expr it carries no positions
// and references are fully qualified by package path.
type Value interface{ valueNode() }

type IntValue struct{ V int64 }

type FloatValue struct{ V float64 }

type StringValue struct{ V string }

type BoolValue struct{ V bool }

type ListValue struct{ Elems []Value }

// MapValue keeps declaration key order.
type MapValue struct {
	Keys   []string
	Values []Value
}

// LocalRef names a symbol in the same package.
type LocalRef struct{ Name string }

// ExternRef names a symbol in another package by its full package path.
type ExternRef struct {
	Pkg  string
	Name string
}

func (IntValue) valueNode()    {}
func (FloatValue) valueNode()  {}
func (StringValue) valueNode() {}
func (BoolValue) valueNode()   {}
func (ListValue) valueNode()   {}
func (MapValue) valueNode()    {}
func (LocalRef) valueNode()    {}
func (ExternRef) valueNode()   {}

func init() {
	gob.Register(IntValue{})
	gob.Register(FloatValue{})
	gob.Register(StringValue{})
	gob.Register(BoolValue{})
	gob.Register(ListValue{})
	gob.Register(MapValue{})
	gob.Register(LocalRef{})
	gob.Register(ExternRef{})
}

// Interner is the name-allocation table used while lowering one package.
// It is not safe for concurrent use: the assembler gives every compilation
// task its own instance instead of sharing one behind a lock.
type Interner struct {
	names map[string]string
}

// NewInterner returns an empty interner.
func NewInterner() *Interner {
	return &Interner{names: map[string]string{}}
}

// Intern returns the canonical instance of name, so that repeated symbol
// and key strings inside one object share storage.
func (in *Interner) Intern(name string) string {
	if canon, ok := in.names[name]; ok {
		return canon
	}
	in.names[name] = name
	return name
}

// GenerateObject lowers the ordered modules of pkg into an Object using the
// given per-task interner. Conflicting redefinitions of a symbol across the
// package's modules are rejected here, not at resolution: the parser accepts
// them, lowering cannot.
func GenerateObject(pkg ast.PkgPath, mods []*ast.Module, in *Interner) (*Object, error) {
	obj := &Object{
		Magic:   objectMagic,
		Version: FormatVersion,
		Pkg:     pkg.Name(),
	}

	declared := map[string]string{} // symbol name -> defining file
	for _, mod := range mods {
		aliases := map[string]string{}
		for _, imp := range mod.Imports {
			aliases[imp.Alias] = imp.Path
		}

		for _, d := range mod.Decls {
			name := in.Intern(d.Name)
			if prev, ok := declared[name]; ok {
				return nil, fmt.Errorf(
					"duplicate declaration %q in package %s (%s, previously %s)",
					name, pkg.Name(), mod.Filename, prev)
			}
			declared[name] = mod.Filename

			code, err := lowerExpr(d.Value, aliases, in)
			if err != nil {
				return nil, fmt.Errorf("lowering %q in package %s: %w", name, pkg.Name(), err)
			}
			obj.Symbols = append(obj.Symbols, Symbol{Name: name, Code: code})
		}
	}

	return obj, nil
}

func lowerExpr(e ast.Expr, aliases map[string]string, in *Interner) (Value, error) {
	switch v := e.(type) {
	case *ast.IntLit:
		return IntValue{V: v.Value}, nil
	case *ast.FloatLit:
		return FloatValue{V: v.Value}, nil
	case *ast.StringLit:
		return StringValue{V: v.Value}, nil
	case *ast.BoolLit:
		return BoolValue{V: v.Value}, nil
	case *ast.ListLit:
		out := ListValue{Elems: make([]Value, 0, len(v.Elems))}
		for _, el := range v.Elems {
			low, err := lowerExpr(el, aliases, in)
			if err != nil {
				return nil, err
			}
			out.Elems = append(out.Elems, low)
		}
		return out, nil
	case *ast.MapLit:
		out := MapValue{
			Keys:   make([]string, 0, len(v.Keys)),
			Values: make([]Value, 0, len(v.Values)),
		}
		for i, key := range v.Keys {
			low, err := lowerExpr(v.Values[i], aliases, in)
			if err != nil {
				return nil, err
			}
			out.Keys = append(out.Keys, in.Intern(key))
			out.Values = append(out.Values, low)
		}
		return out, nil
	case *ast.Ref:
		if v.Alias == "" {
			return LocalRef{Name: in.Intern(v.Name)}, nil
		}
		pkg, ok := aliases[v.Alias]
		if !ok {
			return nil, fmt.Errorf("unknown import alias %q", v.Alias)
		}
		return ExternRef{Pkg: in.Intern(pkg), Name: in.Intern(v.Name)}, nil
	default:
		return nil, fmt.Errorf("cannot lower expression of type %T", e)
	}
}

// WriteObject encodes obj to path.
func WriteObject(path string, obj *Object) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(obj); err != nil {
		return err
	}
	return f.Sync()
}

// ReadObject decodes the object at path, verifying its header.
func ReadObject(path string) (*Object, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var obj Object
	if err := gob.NewDecoder(f).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decoding object %s: %w", path, err)
	}
	if obj.Magic != objectMagic {
		return nil, fmt.Errorf("%s is not an object file", path)
	}
	if obj.Version != FormatVersion {
		return nil, fmt.Errorf("object %s has format version %d, want %d", path, obj.Version, FormatVersion)
	}
	return &obj, nil
}
