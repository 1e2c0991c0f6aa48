// Package runtime loads a linked library and invokes its entry package,
// producing the program's final document as YAML or JSON text.
package runtime

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/riven-blade/kcl/pkg/codegen"
)

// LibSuffix is the fixed suffix of linked library files.
const LibSuffix = ".klib"

// FormatVersion of the library layout; readers reject other versions.
const FormatVersion = 1

const libraryMagic = "KCLLIB"

// Library is one dynamically loadable unit: the merged objects of every
// package reachable from the entry package, in link order.
type Library struct {
	Magic   string
	Version int

	// Entry is the package whose symbols form the final document.
	Entry string

	// Pkgs holds the linked packages. Dependencies come first in lexical
	// package-path order, the entry package last, so entry symbols resolve
	// against everything they import.
	Pkgs []Package
}

// Package is one linked package's symbol block.
type Package struct {
	Name    string
	Symbols []codegen.Symbol
}

// WriteLibrary encodes lib to path.
func WriteLibrary(path string, lib *Library) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(lib); err != nil {
		return err
	}
	return f.Sync()
}

// LoadLibrary decodes and verifies the library at path.
func LoadLibrary(path string) (*Library, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lib Library
	if err := gob.NewDecoder(f).Decode(&lib); err != nil {
		return nil, fmt.Errorf("decoding library %s: %w", path, err)
	}
	if lib.Magic != libraryMagic {
		return nil, fmt.Errorf("%s is not a linked library", path)
	}
	if lib.Version != FormatVersion {
		return nil, fmt.Errorf("library %s has format version %d, want %d", path, lib.Version, FormatVersion)
	}
	return &lib, nil
}

// NewLibrary assembles a library value from linked packages. The caller is
// responsible for link ordering.
func NewLibrary(entry string, pkgs []Package) *Library {
	return &Library{
		Magic:   libraryMagic,
		Version: FormatVersion,
		Entry:   entry,
		Pkgs:    pkgs,
	}
}
