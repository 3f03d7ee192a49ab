package pkgmodel

import (
	"fmt"
	"sort"
)

// accessControlApp and accessControlKernel, if present in the updated
// set, must always install last (in that order) because everything else
// may depend on them being already in place.
const (
	accessControlApp    = "accessControlApp"
	accessControlKernel = "accessControlKernel"
)

// BuildInstallationQueue topologically sorts the packages named in
// updated (using Kahn's algorithm) so that a package's `Require`
// dependencies — when they are themselves part of this tick's updated
// set — are installed first. A cycle is reported as an error.
//
// current and newManifest are not read: dependencies are resolved
// against updated alone.
func BuildInstallationQueue(updated Manifest, current, newManifest Manifest) ([]Package, error) {
	inUpdated := func(name string) bool {
		_, ok := updated[name]
		return ok
	}

	adj := make(map[string][]string) // name -> deps that are also being updated
	all := make(map[string]bool, len(updated))
	for name := range updated {
		all[name] = true
	}

	for name, pkg := range updated {
		if name == accessControlApp || name == accessControlKernel {
			continue // scheduled manually, last
		}
		var deps []string
		for _, req := range pkg.Require {
			if inUpdated(req) && req != accessControlApp && req != accessControlKernel {
				deps = append(deps, req)
			}
		}
		if len(deps) > 0 {
			adj[name] = deps
		}
	}

	ordered, err := topoSort(all, adj)
	if err != nil {
		return nil, err
	}

	queue := make([]Package, 0, len(updated))
	for _, name := range ordered {
		if name == accessControlApp || name == accessControlKernel {
			continue
		}
		queue = append(queue, updated[name])
	}

	if pkg, ok := updated[accessControlApp]; ok {
		queue = append(queue, pkg)
	}
	if pkg, ok := updated[accessControlKernel]; ok {
		queue = append(queue, pkg)
	}

	return queue, nil
}

// topoSort runs Kahn's algorithm over adj (name -> its dependencies)
// restricted to the universe in all, breaking ties deterministically by
// name so the resulting order is stable across runs with the same input.
func topoSort(all map[string]bool, adj map[string][]string) ([]string, error) {
	inDegree := make(map[string]int, len(all))
	dependents := make(map[string][]string) // dep -> names that require it

	for name := range all {
		inDegree[name] = 0
	}
	// The two access-control packages are excluded from the graph itself
	// (they're scheduled manually), so don't count them in topoSort's universe.
	delete(inDegree, accessControlApp)
	delete(inDegree, accessControlKernel)

	for name, deps := range adj {
		for _, dep := range deps {
			inDegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	var result []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, node)

		deps := dependents[node]
		sort.Strings(deps)
		for _, dep := range deps {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
				sort.Strings(queue)
			}
		}
	}

	if len(result) != len(inDegree) {
		return nil, fmt.Errorf("dependency cycle detected: resolved %d of %d packages", len(result), len(inDegree))
	}
	return result, nil
}
