package harness

import (
	"fmt"
	"sort"
	"strings"
)

// orderTests sorts specs by priority, keeping declaration order for ties,
// then moves every test after the tests it depends on. Tests that cannot be
// placed are appended at the end and listed in problems with a skip reason.
// excluded names tests dropped by the group filter, so a dependency on one
// is reported as filtered out rather than unknown.
func orderTests(specs []*TestSpec, excluded map[string]bool) (ordered []*TestSpec, problems map[string]string) {
	problems = make(map[string]string)

	sorted := make([]*TestSpec, len(specs))
	copy(sorted, specs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	known := make(map[string]bool, len(sorted))
	for _, spec := range sorted {
		known[spec.Name] = true
	}
	for _, spec := range sorted {
		var missing, filtered []string
		for _, dep := range spec.DependsOn {
			switch {
			case known[dep]:
			case excluded[dep]:
				filtered = append(filtered, dep)
			default:
				missing = append(missing, dep)
			}
		}
		switch {
		case len(missing) > 0:
			problems[spec.Name] = fmt.Sprintf("depends on unknown test %s", strings.Join(missing, ", "))
		case len(filtered) > 0:
			problems[spec.Name] = fmt.Sprintf("depends on %s, excluded by the group filter", strings.Join(filtered, ", "))
		}
	}

	placed := make(map[string]bool, len(sorted))
	remaining := sorted
	for len(remaining) > 0 {
		progress := false
		next := remaining[:0:0]
		for _, spec := range remaining {
			if depsPlaced(spec, known, placed) {
				ordered = append(ordered, spec)
				placed[spec.Name] = true
				progress = true
				continue
			}
			next = append(next, spec)
		}
		remaining = next
		if !progress {
			for _, spec := range remaining {
				if _, ok := problems[spec.Name]; !ok {
					problems[spec.Name] = "dependency cycle through " + strings.Join(spec.DependsOn, ", ")
				}
				ordered = append(ordered, spec)
			}
			break
		}
	}
	return ordered, problems
}

func depsPlaced(spec *TestSpec, known, placed map[string]bool) bool {
	for _, dep := range spec.DependsOn {
		if known[dep] && !placed[dep] {
			return false
		}
	}
	return true
}
