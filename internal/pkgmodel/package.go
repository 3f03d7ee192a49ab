// Package pkgmodel defines the package descriptor, manifest, and the
// diff/queue algebra used by the manifest controller to decide what to
// uninstall, download, and install on a given tick.
package pkgmodel

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/nano-agent/orchestrator/internal/orchtools"
)

// Type distinguishes a service binary from a shared object dependency.
type Type string

const (
	TypeService      Type = "Service"
	TypeSharedObject Type = "SharedObject"
)

// OrchestrationServiceName is the orchestrator's own package name. It is
// never listed for removal by filterUntrackedPackages, because it can
// only be replaced through the self-update path.
const OrchestrationServiceName = "orchestration"

// nameRe restricts package names to the identifier alphabet the spec
// requires; a name outside this alphabet is a load-level failure.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ValidName reports whether name is an allowed package identifier.
func ValidName(name string) bool {
	return name != "" && nameRe.MatchString(name)
}

// Package is an immutable descriptor of one installable artifact.
type Package struct {
	Name         string                 `json:"name"`
	Version      string                 `json:"version,omitempty"`
	DownloadPath string                 `json:"download-path"`
	RelativePath string                 `json:"relative-path,omitempty"`
	ChecksumType orchtools.ChecksumType `json:"checksum-type"`
	Checksum     string                 `json:"checksum"`
	Kind         Type                   `json:"package-type"`
	Require      []string               `json:"require,omitempty"`
	Installable  Installable            `json:"-"`
}

// Installable records whether a package may be installed, or the reason
// it must be skipped.
type Installable struct {
	OK      bool
	Message string // set iff !OK
}

// Err constructs a skip-marker Installable carrying a diagnostic message.
func Err(message string) Installable { return Installable{OK: false, Message: message} }

// Ok is the default, installable marker.
var Ok = Installable{OK: true}

// wirePackage is the JSON-on-the-wire shape: forward- and
// backward-compatible, with status/message folded into Installable.
type wirePackage struct {
	Name         string   `json:"name"`
	Version      string   `json:"version,omitempty"`
	DownloadPath string   `json:"download-path"`
	RelativePath string   `json:"relative-path,omitempty"`
	ChecksumType string   `json:"checksum-type"`
	Checksum     string   `json:"checksum"`
	Kind         string   `json:"package-type"`
	Require      []string `json:"require,omitempty"`
	Status       *bool    `json:"status,omitempty"`
	Message      string   `json:"message,omitempty"`
}

// UnmarshalJSON validates the checksum type, package type, and name
// alphabet at load time, and materializes status=false as Err(message).
func (p *Package) UnmarshalJSON(data []byte) error {
	var w wirePackage
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("decode package: %w", err)
	}

	if !ValidName(w.Name) {
		return fmt.Errorf("package name %q contains disallowed characters", w.Name)
	}

	ct := orchtools.ChecksumType(w.ChecksumType)
	if !orchtools.ValidChecksumType(ct) {
		return fmt.Errorf("package %q: unknown checksum-type %q", w.Name, w.ChecksumType)
	}

	var kind Type
	switch Type(w.Kind) {
	case TypeService, TypeSharedObject:
		kind = Type(w.Kind)
	default:
		return fmt.Errorf("package %q: unknown package-type %q", w.Name, w.Kind)
	}

	installable := Ok
	if w.Status != nil && !*w.Status {
		installable = Err(w.Message)
	}

	*p = Package{
		Name:         w.Name,
		Version:      w.Version,
		DownloadPath: w.DownloadPath,
		RelativePath: w.RelativePath,
		ChecksumType: ct,
		Checksum:     w.Checksum,
		Kind:         kind,
		Require:      w.Require,
		Installable:  installable,
	}
	return nil
}

// MarshalJSON round-trips Installable back into status/message.
func (p Package) MarshalJSON() ([]byte, error) {
	w := wirePackage{
		Name:         p.Name,
		Version:      p.Version,
		DownloadPath: p.DownloadPath,
		RelativePath: p.RelativePath,
		ChecksumType: string(p.ChecksumType),
		Checksum:     p.Checksum,
		Kind:         string(p.Kind),
		Require:      p.Require,
	}
	if !p.Installable.OK {
		f := false
		w.Status = &f
		w.Message = p.Installable.Message
	}
	return json.Marshal(w)
}

// Equal implements the spec's load-bearing equality: two packages are
// equal iff their checksum type and checksum match, regardless of name,
// path, or any other field. This is how the diff layer recognizes "same
// artifact under a possibly different filename".
func (p Package) Equal(other Package) bool {
	return p.ChecksumType == other.ChecksumType && p.Checksum == other.Checksum
}

// Manifest maps package name to descriptor.
type Manifest map[string]Package

// LoadManifest reads a manifest JSON file. A missing file is reported as
// an error; callers that want "treat missing as empty" should check
// orchtools.FileExists first.
func LoadManifest(path string) (Manifest, error) {
	return orchtools.JSONToObject[Manifest](path)
}

// SaveManifest atomically replaces the manifest file at path.
func SaveManifest(m Manifest, path string) error {
	return orchtools.ObjectToJSON(m, path)
}

// Clone returns a shallow copy of the manifest (package values are
// themselves immutable, so a shallow copy is sufficient).
func (m Manifest) Clone() Manifest {
	out := make(Manifest, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
