package loggroups

import (
	"fmt"
	"sort"
	"strings"
)

const usageInstructions = `The sidebar already shows this list — reference it instead of re-listing
names in chat. The user can run /refresh to reload the catalog. Use exact
log group names from this list when calling fetch_logs or search_logs.`

// RenderSystemPrompt emits the log-group section of the system prompt.
// At or below 500 groups the full sorted list is included; above that a
// categorized summary with a proportional sample is used instead.
func (ix *Index) RenderSystemPrompt() string {
	ix.mu.RLock()
	groups := make([]string, len(ix.groups))
	for i, g := range ix.groups {
		groups[i] = g.Name
	}
	lastRefresh := ix.lastRefresh
	state := ix.state
	ix.mu.RUnlock()

	var b strings.Builder
	b.WriteString("## Available Log Groups\n\n")

	if state != StateReady {
		fmt.Fprintf(&b, "Log group catalog not loaded (state: %s). Call list_log_groups to discover groups.\n", state)
		return b.String()
	}

	fmt.Fprintf(&b, "Total: %d log groups (last refreshed %s)\n\n",
		len(groups), lastRefresh.Format("2006-01-02 15:04:05 UTC"))

	if len(groups) <= fullListThreshold {
		sorted := make([]string, len(groups))
		copy(sorted, groups)
		sort.Strings(sorted)
		for _, name := range sorted {
			b.WriteString("- ")
			b.WriteString(name)
			b.WriteByte('\n')
		}
	} else {
		renderSummary(&b, groups)
	}

	b.WriteByte('\n')
	b.WriteString(usageInstructions)
	b.WriteByte('\n')
	return b.String()
}

// renderSummary writes the top-15 categories plus a proportional sample of
// up to 100 names.
func renderSummary(b *strings.Builder, names []string) {
	byCategory := make(map[string][]string)
	for _, name := range names {
		cat := categorize(name)
		byCategory[cat] = append(byCategory[cat], name)
	}

	cats := make([]catCount, 0, len(byCategory))
	for cat, members := range byCategory {
		cats = append(cats, catCount{cat, len(members)})
	}
	sort.Slice(cats, func(i, j int) bool {
		if cats[i].count != cats[j].count {
			return cats[i].count > cats[j].count
		}
		return cats[i].name < cats[j].name
	})

	b.WriteString("### Top categories\n\n")
	top := cats
	if len(top) > 15 {
		top = top[:15]
	}
	for _, c := range top {
		fmt.Fprintf(b, "- %s — %d groups\n", c.name, c.count)
	}

	b.WriteString("\n### Representative sample\n\n")
	for _, name := range sampleProportional(cats, byCategory, sampleLimit) {
		b.WriteString("- ")
		b.WriteString(name)
		b.WriteByte('\n')
	}
}

type catCount struct {
	name  string
	count int
}

// sampleProportional draws names from each category in proportion to its
// size, at least one per category while room remains.
func sampleProportional(cats []catCount, byCategory map[string][]string, limit int) []string {
	total := 0
	for _, c := range cats {
		total += c.count
	}
	if total == 0 {
		return nil
	}

	var sample []string
	for _, c := range cats {
		if len(sample) >= limit {
			break
		}
		quota := limit * c.count / total
		if quota < 1 {
			quota = 1
		}
		members := byCategory[c.name]
		sort.Strings(members)
		if quota > len(members) {
			quota = len(members)
		}
		if remaining := limit - len(sample); quota > remaining {
			quota = remaining
		}
		sample = append(sample, members[:quota]...)
	}
	return sample
}
