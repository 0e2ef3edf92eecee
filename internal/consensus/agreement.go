package consensus

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DefaultSimilarity is the normalized Levenshtein similarity at which two
// statements count as the same conclusion.
const DefaultSimilarity = 0.85

var folder = cases.Fold()

// normalize puts a statement in comparable form: NFC, case folded,
// whitespace collapsed, trailing punctuation dropped.
func normalize(s string) string {
	s = norm.NFC.String(s)
	s = folder.String(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) && r != ')' && r != ']'
	})
}

// similarity returns 1 - levenshtein(a, b) / max(len(a), len(b)), counted in
// runes. Both inputs are expected to be normalized.
func similarity(dmp *diffmatchpatch.DiffMatchPatch, a, b string) float64 {
	if a == b {
		return 1
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	diffs := dmp.DiffMain(a, b, false)
	return 1 - float64(dmp.DiffLevenshtein(diffs))/float64(longest)
}

// cluster is one conclusion and the agents that stated it.
type cluster struct {
	text   string // first wording seen
	key    string // normalized form of text
	agents map[string]struct{}
}

// agreements groups statements across agents and returns those stated by at
// least two distinct agents, plus any agreements an agent reported
// explicitly, sorted.
func agreements(payloads []payload, threshold float64) []string {
	dmp := diffmatchpatch.New()
	var clusters []*cluster
	var out []string
	for _, p := range payloads {
		out = append(out, p.explicitAgreements()...)
		for _, stmt := range p.statements() {
			key := normalize(stmt)
			if key == "" {
				continue
			}
			c := match(dmp, clusters, key, threshold)
			if c == nil {
				c = &cluster{text: stmt, key: key, agents: make(map[string]struct{})}
				clusters = append(clusters, c)
			}
			c.agents[p.agent] = struct{}{}
		}
	}

	for _, c := range clusters {
		if len(c.agents) >= 2 {
			out = append(out, c.text)
		}
	}
	return sortUnique(out)
}

func match(dmp *diffmatchpatch.DiffMatchPatch, clusters []*cluster, key string, threshold float64) *cluster {
	var best *cluster
	bestScore := threshold
	for _, c := range clusters {
		score := similarity(dmp, c.key, key)
		if score >= bestScore {
			if best == nil || score > bestScore {
				best, bestScore = c, score
			}
		}
	}
	return best
}

// verdictFields are scalar fields whose values must agree across agents.
var verdictFields = []string{"status", "verdict", "decision", "recommendation", "audit_verdict", "unlock_decision"}

// conflicts merges explicit conflict lists with disagreeing verdict fields.
func conflicts(payloads []payload) []string {
	var out []string
	for _, p := range payloads {
		out = append(out, p.explicitConflicts()...)
	}

	for _, field := range verdictFields {
		values := make(map[string]string) // agent -> raw value
		distinct := make(map[string]struct{})
		for _, p := range payloads {
			if !p.structured() {
				continue
			}
			v, ok := verdict(p.data, field)
			if !ok {
				continue
			}
			values[p.agent] = v
			distinct[normalize(v)] = struct{}{}
		}
		if len(distinct) < 2 {
			continue
		}
		agents := make([]string, 0, len(values))
		for a := range values {
			agents = append(agents, a)
		}
		sort.Strings(agents)
		parts := make([]string, len(agents))
		for i, a := range agents {
			parts[i] = a + "=" + values[a]
		}
		out = append(out, field+" disagrees: "+strings.Join(parts, ", "))
	}
	return sortUnique(out)
}

// verdict reads a scalar field either at the top level or under an object of
// the same name with a "status" or "decision" member.
func verdict(data map[string]any, field string) (string, bool) {
	switch v := data[field].(type) {
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return s, true
		}
	case bool:
		if v {
			return "true", true
		}
		return "false", true
	case map[string]any:
		for _, k := range []string{"status", "decision", "verdict"} {
			if s, ok := v[k].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s), true
			}
		}
	}
	return "", false
}

// sortUnique sorts by normalized form and drops entries that normalize to
// the same text, keeping the first wording.
func sortUnique(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		k := normalize(s)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return normalize(out[i]) < normalize(out[j])
	})
	return out
}
