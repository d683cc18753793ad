// Package sweep computes which of a target's historical snapshots are
// eligible for garbage collection under a keep-N policy with a
// double-excess safety trigger (spec.md §4.4).
package sweep

import "regexp"

// managedPattern matches jroll's own snapshot naming scheme; only
// snapshots matching it are ever swept (spec.md §3, §4.4).
var managedPattern = regexp.MustCompile(`^jroll\.\d{4}-\d{2}-\d{2}\.\d{2}:\d{2}:\d{2}$`)

// Options mirrors the deploy --sweep/--no-sweep flags.
type Options struct {
	Sweep   bool
	NoSweep bool
}

// Plan selects snapshots to destroy from a target's newest-first snapshot
// list. base is never destroyed, regardless of its position.
func Plan(snapshots []string, base string, keep int, opts Options) []string {
	if opts.NoSweep {
		return nil
	}

	managed := filterManaged(snapshots)
	if keep == 0 {
		return nil
	}

	var candidates []string
	if keep < len(managed) {
		for _, s := range managed[keep:] {
			if s == base {
				continue
			}
			candidates = append(candidates, s)
		}
	}

	if len(candidates) == 0 {
		return nil
	}

	doubleExcess := len(managed) > 2*keep
	if !opts.Sweep && !doubleExcess {
		return nil
	}

	// candidates is newest-first (a suffix of managed); execution deletes
	// oldest first (spec.md §4.4).
	reversed := make([]string, len(candidates))
	for i, s := range candidates {
		reversed[len(candidates)-1-i] = s
	}
	return reversed
}

func filterManaged(snapshots []string) []string {
	var managed []string
	for _, s := range snapshots {
		if managedPattern.MatchString(s) {
			managed = append(managed, s)
		}
	}
	return managed
}

// IsManagedName reports whether name matches jroll's snapshot naming
// scheme, the only names Plan ever selects for destruction.
func IsManagedName(name string) bool {
	return managedPattern.MatchString(name)
}
