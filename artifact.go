package devloop

import (
	"fmt"
	"strings"
)

// ArtifactType tags how an artifact's resolved paths should be interpreted.
type ArtifactType string

const (
	// TypeArchive marks an artifact resolved to one or more zip archives.
	TypeArchive ArtifactType = "archive"
	// TypeDirectory marks an artifact resolved to extracted directories.
	TypeDirectory ArtifactType = "directory"
	// TypeOther marks artifacts that contribute no resolvable resources
	// (native libraries, documentation bundles and the like).
	TypeOther ArtifactType = "other"
)

// ArtifactKey identifies an artifact independently of its version.
type ArtifactKey struct {
	Group string
	Name  string
}

// String renders the key in "group:name" form.
func (k ArtifactKey) String() string {
	return k.Group + ":" + k.Name
}

// ParseArtifactKey parses a "group:name" string into an ArtifactKey.
func ParseArtifactKey(s string) (ArtifactKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ArtifactKey{}, fmt.Errorf("%w: %q", ErrMalformedKey, s)
	}
	return ArtifactKey{Group: parts[0], Name: parts[1]}, nil
}

// Artifact is one resolved dependency of the application. The dependency
// model owns these; the dev-mode core only reads them.
type Artifact struct {
	Key     ArtifactKey
	Version string
	Type    ArtifactType

	// Paths are the resolved filesystem locations, archives or directories
	// depending on Type. An artifact may resolve to more than one path.
	Paths []string

	// Classification flags. These can also be supplied externally through
	// Config key sets; the effective flag is the OR of both sources.
	Reloadable     bool
	ParentFirst    bool
	LesserPriority bool
	Removed        bool

	// RemovedResources lists resource names hidden from this artifact's
	// elements even when the artifact itself is not removed.
	RemovedResources []string
}

// ApplicationModel is the read-only dependency model the layer set walks.
type ApplicationModel struct {
	// Dependencies is the full dependency set used for augmentation
	// (build-time) layers.
	Dependencies []Artifact

	// RuntimeDependencies is the subset needed by the running application.
	RuntimeDependencies []Artifact
}

// AdditionalArchive is an extra application archive supplied outside the
// dependency model, either build-time tooling or hot-reloadable user code.
type AdditionalArchive struct {
	Paths         []string
	HotReloadable bool
}

// CompilationUnit describes one compilable unit of a module: where its
// sources live, where compiled units are written, and where resources are
// mirrored to.
type CompilationUnit struct {
	SourceRoots []string
	// OutputRoot is the directory the external compiler writes compiled
	// units into.
	OutputRoot string

	ResourceRoots []string
	// ResourceOutputRoot is where changed resources are mirrored. When
	// empty, OutputRoot doubles as the resource root and no mirroring
	// happens.
	ResourceOutputRoot string
}

// ModuleInfo is one project module with a main compilation unit and an
// optional test unit.
type ModuleInfo struct {
	Name string
	Main *CompilationUnit
	Test *CompilationUnit
}

// DevContext is the set of modules a dev-mode process watches.
type DevContext struct {
	Modules []*ModuleInfo

	// ApplicationRoots are the module output roots that make up the
	// in-development application itself, used by the layer set.
	ApplicationRoots []string
}

// unitSelector picks a compilation unit (main or test) off a module.
// A selector may return nil when the module has no such unit.
type unitSelector func(*ModuleInfo) *CompilationUnit

func mainUnit(m *ModuleInfo) *CompilationUnit { return m.Main }
func testUnit(m *ModuleInfo) *CompilationUnit { return m.Test }
