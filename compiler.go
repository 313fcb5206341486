package devloop

import (
	"fmt"
)

// DefaultCompiledSuffix is the default filename suffix of compiled units in
// module output roots.
const DefaultCompiledSuffix = ".bc"

// Compiler is the external compilation collaborator. The dev-mode core never
// parses or compiles source itself; it only decides when and on what input
// compilation is triggered.
type Compiler interface {
	// Compile compiles the given source files, grouped by file extension,
	// for the compilation unit rooted at sourceRoot. Output lands in the
	// unit's output root. A failed compile leaves the previous output
	// untouched.
	Compile(sourceRoot string, filesByExtension map[string][]string) error

	// FindSourcePath maps a compiled unit back to the source file that
	// produced it, searching the given source roots.
	FindSourcePath(compiledUnit string, sourceRoots []string, outputRoot string) (string, bool)

	// HandledExtensions returns the source file extensions this compiler
	// handles, dot included.
	HandledExtensions() []string
}

// CompileError wraps a compiler failure with the source root it occurred in.
// It is surfaced on the status display and to the test subsystem, and stays
// outstanding until a scan compiles the offending files successfully.
type CompileError struct {
	SourceRoot string
	Err        error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile failed in %s: %v", e.SourceRoot, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }
