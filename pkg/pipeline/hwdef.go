package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"sort"
)

// HWDefFile is the override file name inside a build workspace.
const HWDefFile = "extra_hwdef.dat"

// Partition splits the define universe into the selected and unselected
// defines. Both results are sorted and every define of universe lands in
// exactly one of them; selected names outside the universe are ignored.
func Partition(universe []string, selected map[string]struct{}) (enabled, disabled []string) {
	for _, d := range uniqueSorted(universe) {
		if _, ok := selected[d]; ok {
			enabled = append(enabled, d)
		} else {
			disabled = append(disabled, d)
		}
	}
	return enabled, disabled
}

// RenderHWDef returns the override file contents: every define undefined
// first, then the enabled defines set to 1, then the disabled ones set to 0.
// Later lines win for the same symbol, so the undef block must come first.
func RenderHWDef(universe []string, selected map[string]struct{}) []byte {
	enabled, disabled := Partition(universe, selected)
	var b bytes.Buffer
	for _, d := range uniqueSorted(universe) {
		fmt.Fprintf(&b, "undef %s\n", d)
	}
	for _, d := range enabled {
		fmt.Fprintf(&b, "define %s 1\n", d)
	}
	for _, d := range disabled {
		fmt.Fprintf(&b, "define %s 0\n", d)
	}
	return b.Bytes()
}

func writeHWDef(path string, universe []string, selected map[string]struct{}) error {
	return os.WriteFile(path, RenderHWDef(universe, selected), 0o644)
}

func uniqueSorted(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
