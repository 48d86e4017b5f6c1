package hostsfile

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/treykane/chrome-server/internal/model"
	"github.com/treykane/chrome-server/internal/util"
)

// Format renders rules as a routing file, one line per target with its keys
// sorted. Output parses back to the same rules.
func Format(rules map[string]model.Address) string {
	byTarget := map[string][]string{}
	for key, target := range rules {
		t := targetString(target)
		byTarget[t] = append(byTarget[t], key)
	}
	targets := make([]string, 0, len(byTarget))
	width := 0
	for t, keys := range byTarget {
		sort.Strings(keys)
		targets = append(targets, t)
		width = max(width, len(t))
	}
	sort.Strings(targets)

	var b strings.Builder
	for _, t := range targets {
		fmt.Fprintf(&b, "%-*s  %s\n", width, t, strings.Join(byTarget[t], " "))
	}
	return b.String()
}

// Write renders rules to w with a header comment.
func Write(w io.Writer, rules map[string]model.Address, header string) error {
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimSpace(header), "\n") {
		if line != "" {
			b.WriteString("# " + line + "\n")
		}
	}
	b.WriteString(Format(rules))
	_, err := io.WriteString(w, b.String())
	return err
}

func targetString(a model.Address) string {
	if a.Protocol == "" || a.Protocol == util.ProtocolHTTP {
		return a.HostPort()
	}
	return a.String()
}
