package pkgmodel

// FilterUntrackedPackages returns the set of packages present in current
// but missing from newManifest, and removes from newManifest any entry
// that is unchanged (equal checksum) relative to its current
// counterpart — so the caller is left with only the packages that
// actually need installation.
//
// The orchestrator's own package is never returned for uninstall: it can
// only be replaced through the self-update path, never removed outright.
func FilterUntrackedPackages(current Manifest, newManifest Manifest) Manifest {
	toUninstall := make(Manifest)

	for name, cur := range current {
		nw, stillPresent := newManifest[name]
		if !stillPresent {
			if name != OrchestrationServiceName {
				toUninstall[name] = cur
			}
			continue
		}
		if cur.Equal(nw) {
			delete(newManifest, name)
		}
	}

	return toUninstall
}

// CorruptedEntry records a package whose most recent install attempt
// failed, keyed by name with its checksum at the time of failure.
type CorruptedEntry struct {
	Name     string
	Checksum string
}

// Corrupted maps package name to its corrupted-checksum record.
type Corrupted map[string]CorruptedEntry

// FilterCorruptedPackages drops from newManifest any entry whose (name,
// checksum) matches a corrupted entry, and expires corrupted entries
// whose name appears in newManifest with a different checksum (new
// content might succeed where the old one failed).
func FilterCorruptedPackages(newManifest Manifest, corrupted Corrupted) {
	for name, pkg := range newManifest {
		entry, known := corrupted[name]
		if !known {
			continue
		}
		if entry.Checksum == pkg.Checksum {
			delete(newManifest, name)
		} else {
			delete(corrupted, name)
		}
	}
}
