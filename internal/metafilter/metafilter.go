// Package metafilter extracts metadata signals from queries and applies them
// to retrieval candidates as score boosts or hard filters.
package metafilter

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/sentiwiki/agent/internal/retrieval"
)

// Boost factors per matched signal. Factors multiply the fused score, so a
// candidate matching several signals compounds.
const (
	missionBoost    = 1.4
	instrumentBoost = 1.3
	productBoost    = 1.25
	docTypeBoost    = 1.2
	structureBoost  = 1.15
	lengthBoost     = 1.05

	// Candidates tagged with a mission the query did not ask about.
	mismatchPenalty = 0.5

	// Chunk length band considered a complete, focused passage.
	optimalMinChars = 200
	optimalMaxChars = 2000
)

// QueryType classifies what shape of answer the query wants
type QueryType string

const (
	QueryTypeProcedure     QueryType = "procedure"
	QueryTypeDefinition    QueryType = "definition"
	QueryTypeSpecification QueryType = "specification"
	QueryTypeGeneral       QueryType = "general"
)

// Signals holds everything extracted from one query
type Signals struct {
	Missions    []string
	Instruments []string
	Products    []string
	QueryType   QueryType
}

// missionAliases maps lowercase query tokens to canonical mission names.
var missionAliases = map[string]string{
	"sentinel-1":  "Sentinel-1",
	"sentinel 1":  "Sentinel-1",
	"sentinel1":   "Sentinel-1",
	"s1":          "Sentinel-1",
	"sentinel-2":  "Sentinel-2",
	"sentinel 2":  "Sentinel-2",
	"sentinel2":   "Sentinel-2",
	"s2":          "Sentinel-2",
	"sentinel-3":  "Sentinel-3",
	"sentinel 3":  "Sentinel-3",
	"sentinel3":   "Sentinel-3",
	"s3":          "Sentinel-3",
	"sentinel-4":  "Sentinel-4",
	"sentinel 4":  "Sentinel-4",
	"s4":          "Sentinel-4",
	"sentinel-5":  "Sentinel-5",
	"sentinel 5":  "Sentinel-5",
	"s5":          "Sentinel-5",
	"sentinel-5p": "Sentinel-5P",
	"sentinel 5p": "Sentinel-5P",
	"s5p":         "Sentinel-5P",
	"sentinel-6":  "Sentinel-6",
	"sentinel 6":  "Sentinel-6",
	"s6":          "Sentinel-6",
	"chime":       "CHIME",
}

// instrumentNames are matched as whole words, case-insensitive.
var instrumentNames = []string{"SAR", "OLCI", "SLSTR", "MSI", "SRAL", "MWR", "TROPOMI"}

var productPattern = regexp.MustCompile(`(?i)\b(L1C|L2A|L1B|L1|L2|L3|Level[- ]?[0-3][A-C]?)\b`)

var queryTypeMarkers = map[QueryType][]string{
	QueryTypeProcedure:     {"how to", "how do", "steps", "procedure", "process", "calibrate", "configure"},
	QueryTypeDefinition:    {"what is", "what are", "define", "definition", "meaning", "explain"},
	QueryTypeSpecification: {"specification", "resolution", "accuracy", "frequency", "bandwidth", "requirement", "parameters"},
}

// Extract derives retrieval signals from a raw query. It never fails; a
// query with no recognizable signals yields empty Signals with
// QueryTypeGeneral.
func Extract(query string) Signals {
	lower := strings.ToLower(query)

	sig := Signals{QueryType: classifyQueryType(lower)}

	seen := map[string]bool{}
	for _, alias := range sortedAliases() {
		if containsToken(lower, alias) {
			canonical := missionAliases[alias]
			if !seen[canonical] {
				seen[canonical] = true
				sig.Missions = append(sig.Missions, canonical)
			}
		}
	}

	for _, name := range instrumentNames {
		if containsToken(lower, strings.ToLower(name)) {
			sig.Instruments = append(sig.Instruments, name)
		}
	}

	for _, m := range productPattern.FindAllString(query, -1) {
		product := strings.ToUpper(strings.ReplaceAll(m, " ", "-"))
		dup := false
		for _, p := range sig.Products {
			if p == product {
				dup = true
				break
			}
		}
		if !dup {
			sig.Products = append(sig.Products, product)
		}
	}

	return sig
}

// Filters returns the hard pre-search metadata filters implied by the
// signals. Only mission narrows reliably enough to filter on.
func (s Signals) Filters() map[string]string {
	if len(s.Missions) != 1 {
		return nil
	}
	return map[string]string{"mission": s.Missions[0]}
}

// Empty reports whether no usable signal was extracted
func (s Signals) Empty() bool {
	return len(s.Missions) == 0 && len(s.Instruments) == 0 && len(s.Products) == 0 &&
		s.QueryType == QueryTypeGeneral
}

// Apply rescores the candidates against the signals and returns a new sorted
// slice. The input slice and its elements are never modified. With hardFilter
// set, candidates tagged with a mission the query did not ask about are
// dropped instead of down-weighted.
func Apply(sig Signals, candidates []retrieval.Candidate, hardFilter bool) []retrieval.Candidate {
	out := make([]retrieval.Candidate, 0, len(candidates))

	for _, c := range candidates {
		factor := float32(1.0)
		var reasons []string

		switch missionMatch(sig, c) {
		case matchYes:
			factor *= missionBoost
			reasons = append(reasons, "mission")
		case matchContradicts:
			if hardFilter {
				continue
			}
			factor *= mismatchPenalty
			reasons = append(reasons, "mission-mismatch")
		}

		if instrumentMatches(sig, c) {
			factor *= instrumentBoost
			reasons = append(reasons, "instrument")
		}
		if productMatches(sig, c) {
			factor *= productBoost
			reasons = append(reasons, "product")
		}
		if docTypeMatches(sig, c) {
			factor *= docTypeBoost
			reasons = append(reasons, "document-type")
		}
		if sig.QueryType == QueryTypeProcedure && looksProcedural(c.Content) {
			factor *= structureBoost
			reasons = append(reasons, "procedural-structure")
		}
		if n := len(c.Content); n >= optimalMinChars && n <= optimalMaxChars {
			factor *= lengthBoost
			reasons = append(reasons, "length")
		}

		if factor != 1.0 {
			c.FusedScore *= factor
			c.BoostApplied = true
			c.BoostReason = strings.Join(reasons, ",")
		}
		out = append(out, c)
	}

	retrieval.SortCandidates(out)
	return out
}

type matchResult int

const (
	matchNone matchResult = iota
	matchYes
	matchContradicts
)

func missionMatch(sig Signals, c retrieval.Candidate) matchResult {
	if len(sig.Missions) == 0 {
		return matchNone
	}
	tagged := c.Metadata["mission"]
	if tagged == "" {
		return matchNone
	}
	for _, m := range sig.Missions {
		if strings.EqualFold(tagged, m) {
			return matchYes
		}
	}
	return matchContradicts
}

func instrumentMatches(sig Signals, c retrieval.Candidate) bool {
	if len(sig.Instruments) == 0 {
		return false
	}
	haystack := strings.ToLower(c.Title + " " + retrieval.JoinHeadingPath(c.HeadingPath) + " " + c.Content)
	for _, inst := range sig.Instruments {
		if containsToken(haystack, strings.ToLower(inst)) {
			return true
		}
	}
	return false
}

func productMatches(sig Signals, c retrieval.Candidate) bool {
	if len(sig.Products) == 0 {
		return false
	}
	haystack := strings.ToLower(c.Title + " " + c.Content)
	for _, p := range sig.Products {
		if containsToken(haystack, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func docTypeMatches(sig Signals, c retrieval.Candidate) bool {
	docType := strings.ToLower(c.Metadata["document_type"])
	if docType == "" {
		return false
	}
	switch sig.QueryType {
	case QueryTypeProcedure:
		return strings.Contains(docType, "manual") || strings.Contains(docType, "guide")
	case QueryTypeSpecification:
		return strings.Contains(docType, "specification") || strings.Contains(docType, "technical")
	default:
		return false
	}
}

// looksProcedural detects numbered steps or bullet lists
func looksProcedural(content string) bool {
	steps := 0
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 3 {
			continue
		}
		if line[0] >= '1' && line[0] <= '9' && (line[1] == '.' || line[1] == ')') {
			steps++
		} else if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
			steps++
		}
	}
	return steps >= 2
}

func classifyQueryType(lower string) QueryType {
	// Specification markers outrank definition so "what is the resolution
	// of X" lands on specification.
	for _, qt := range []QueryType{QueryTypeProcedure, QueryTypeSpecification, QueryTypeDefinition} {
		for _, marker := range queryTypeMarkers[qt] {
			if strings.Contains(lower, marker) {
				return qt
			}
		}
	}
	return QueryTypeGeneral
}

// containsToken reports whether needle occurs in haystack on word boundaries
func containsToken(haystack, needle string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], needle)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(needle)
		beforeOK := start == 0 || !isWordChar(haystack[start-1])
		afterOK := end == len(haystack) || !isWordChar(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

var aliasOrder struct {
	once sync.Once
	list []string
}

// sortedAliases returns mission aliases longest first so extraction order is
// deterministic across runs.
func sortedAliases() []string {
	aliasOrder.once.Do(func() {
		for alias := range missionAliases {
			aliasOrder.list = append(aliasOrder.list, alias)
		}
		sort.Slice(aliasOrder.list, func(i, j int) bool {
			a, b := aliasOrder.list[i], aliasOrder.list[j]
			if len(a) != len(b) {
				return len(a) > len(b)
			}
			return a < b
		})
	})
	return aliasOrder.list
}
