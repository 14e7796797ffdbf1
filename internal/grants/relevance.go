package grants

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Profile lists the terms an opportunity is matched against.
type Profile struct {
	Mission    []string
	Geographic []string
	Agencies   []string
	Categories []string
	// Award range the organisation can realistically absorb.
	MinAward int64
	MaxAward int64
}

// DefaultProfile describes a Pennsylvania provider of disability services.
var DefaultProfile = Profile{
	Mission: []string{
		"intellectual disability", "developmental disability", "autism", "mental health",
		"community living", "supported employment", "social enterprise", "vocational training",
		"vocational rehabilitation", "hcbs", "home and community based", "community integration",
		"residential services", "disability services", "day program", "workforce development disability",
		"transition services", "self-determination", "person-centered", "supported decision-making",
		"direct support professional",
	},
	Geographic: []string{"pennsylvania", "pa", "nationwide", "all states", "national", "united states", "us"},
	Agencies: []string{
		"hhs", "acl", "samhsa", "administration for community living",
		"department of health and human services", "department of education", "rsa",
		"rehabilitation services administration", "usda", "department of agriculture",
		"department of labor", "cms", "centers for medicare",
		"pa dhs", "pa odp", "pa ddc", "pennsylvania developmental disabilities council",
		"dced", "department of community and economic development",
	},
	Categories: []string{
		"health", "mental health", "disability", "community development", "education",
		"workforce", "housing", "agriculture", "social services",
	},
	MinAward: 5_000,
	MaxAward: 2_000_000,
}

// RelevanceThreshold is the minimum score that raises an alert.
const RelevanceThreshold = 40

type Relevance struct {
	Score           int
	Reasons         []string
	MatchedKeywords []string
}

var (
	patternMu    sync.Mutex
	patternCache = map[string]*regexp.Regexp{}
)

// containsTerm matches whole words so short terms like "pa" or "us" do not
// hit "impact" or "focus".
func containsTerm(text, term string) bool {
	patternMu.Lock()
	re, ok := patternCache[term]
	if !ok {
		re = regexp.MustCompile(`\b` + regexp.QuoteMeta(strings.ToLower(term)) + `\b`)
		patternCache[term] = re
	}
	patternMu.Unlock()
	return re.MatchString(text)
}

func matchAll(text string, terms []string) []string {
	matched := make([]string, 0)
	for _, term := range terms {
		if containsTerm(text, term) {
			matched = append(matched, term)
		}
	}
	return matched
}

// Score rates an opportunity from 0 to 100:
// geography +30, mission keywords +10 each up to 30, agency +20,
// award range fit +10, funding category +10.
func (p Profile) Score(opp Opportunity) Relevance {
	var parts []string
	for _, s := range []*string{&opp.Title, opp.Description, opp.Agency, opp.FundingCategory} {
		if s != nil && *s != "" {
			parts = append(parts, *s)
		}
	}
	text := strings.ToLower(strings.Join(parts, " "))

	var rel Relevance
	var keywords []string

	if geo := matchAll(text, p.Geographic); len(geo) > 0 {
		rel.Score += 30
		rel.Reasons = append(rel.Reasons, "Geographic match: "+strings.Join(geo, ", "))
		keywords = append(keywords, geo...)
	}

	if mission := matchAll(text, p.Mission); len(mission) > 0 {
		rel.Score += min(30, 10*len(mission))
		shown := mission
		if len(shown) > 5 {
			shown = shown[:5]
		}
		rel.Reasons = append(rel.Reasons, fmt.Sprintf("Mission match (%d keywords): %s", len(mission), strings.Join(shown, ", ")))
		keywords = append(keywords, mission...)
	}

	if agencies := matchAll(text, p.Agencies); len(agencies) > 0 {
		rel.Score += 20
		rel.Reasons = append(rel.Reasons, "Agency match: "+strings.Join(agencies, ", "))
		keywords = append(keywords, agencies...)
	}

	var floor int64
	if opp.AwardFloor != nil {
		floor = *opp.AwardFloor
	}
	if floor <= p.MaxAward && (opp.AwardCeiling == nil || *opp.AwardCeiling >= p.MinAward) {
		rel.Score += 10
		ceiling := "open"
		if opp.AwardCeiling != nil {
			ceiling = fmt.Sprintf("$%d", *opp.AwardCeiling)
		}
		rel.Reasons = append(rel.Reasons, fmt.Sprintf("Funding range fits: $%d-%s", floor, ceiling))
	}

	if opp.FundingCategory != nil {
		category := strings.ToLower(*opp.FundingCategory)
		if cats := matchAll(category, p.Categories); len(cats) > 0 {
			rel.Score += 10
			rel.Reasons = append(rel.Reasons, "Category match: "+strings.Join(cats, ", "))
			keywords = append(keywords, cats...)
		}
	}

	rel.Score = min(100, rel.Score)
	rel.MatchedKeywords = dedupe(keywords)
	return rel
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
