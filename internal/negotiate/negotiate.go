// Package negotiate implements the Capability Negotiator (C4): pairwise and
// N-ary protocol-version intersection and feature-diff computation.
//
// A pure function package with no storage dependency, per SPEC_FULL §3.4.
package negotiate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Capabilities is the negotiator's input shape, mirroring
// internal/session.Capabilities without importing that package (keeps
// negotiate a leaf with zero storage dependency).
type Capabilities struct {
	SessionID string
	Protocols map[string][]string // name -> ordered versions as advertised
	Features  map[string]struct{}
}

// Requirement names a protocol version every participant must support
// exactly, per spec §4.4.
type Requirement struct {
	Name    string
	Version string
}

// Incompatibility records a protocol name with no common version across
// participants.
type Incompatibility struct {
	Name           string
	PerSession     map[string][]string // sessionID -> versions advertised
	Suggestion     string
}

// Result is the negotiator's output (spec §4.4).
type Result struct {
	Compatible         bool
	SupportedProtocols map[string]string              // name -> chosen version
	CommonFeatures     []string
	MissingFeatures    map[string][]string             // sessionID -> missing features
	Incompatibilities  []Incompatibility
}

// Pairwise computes the negotiation result between exactly two sessions.
func Pairwise(a, b Capabilities, required []Requirement) Result {
	return compute([]Capabilities{a, b}, required)
}

// Pair is an unordered pair of session IDs, used as a Matrix key.
type Pair struct {
	A, B string
}

// Matrix computes the pairwise result for every unordered pair among
// sessions, the N-ary form described in spec §4.4.
func Matrix(sessions []Capabilities, required []Requirement) map[Pair]Result {
	out := make(map[Pair]Result)
	for i := 0; i < len(sessions); i++ {
		for j := i + 1; j < len(sessions); j++ {
			out[Pair{A: sessions[i].SessionID, B: sessions[j].SessionID}] = Pairwise(sessions[i], sessions[j], required)
		}
	}
	return out
}

func compute(participants []Capabilities, required []Requirement) Result {
	names := make(map[string]struct{})
	for _, p := range participants {
		for name := range p.Protocols {
			names[name] = struct{}{}
		}
	}

	supported := make(map[string]string)
	var incompatibilities []Incompatibility
	compatible := true

	sortedNames := sortedKeys(names)
	for _, name := range sortedNames {
		versionSets := make([][]string, len(participants))
		for i, p := range participants {
			versionSets[i] = p.Protocols[name]
		}
		common := intersect(versionSets)
		if len(common) == 0 {
			compatible = false
			perSession := make(map[string][]string, len(participants))
			for _, p := range participants {
				perSession[p.SessionID] = p.Protocols[name]
			}
			incompatibilities = append(incompatibilities, Incompatibility{
				Name:       name,
				PerSession: perSession,
				Suggestion: suggestionFor(name, participants),
			})
			continue
		}
		supported[name] = maxVersion(common)
	}

	for _, req := range required {
		for _, p := range participants {
			if !hasExactVersion(p.Protocols[req.Name], req.Version) {
				compatible = false
			}
		}
	}

	commonFeatures := intersectFeatures(participants)
	superset := commonFeaturesSuperset(participants)
	missing := make(map[string][]string, len(participants))
	for _, p := range participants {
		var miss []string
		for f := range superset {
			if _, ok := p.Features[f]; !ok {
				miss = append(miss, f)
			}
		}
		sort.Strings(miss)
		missing[p.SessionID] = miss
	}

	return Result{
		Compatible:         compatible,
		SupportedProtocols: supported,
		CommonFeatures:     commonFeatures,
		MissingFeatures:    missing,
		Incompatibilities:  incompatibilities,
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func intersect(sets [][]string) []string {
	if len(sets) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, set := range sets {
		seen := make(map[string]struct{})
		for _, v := range set {
			if _, dup := seen[v]; dup {
				continue
			}
			seen[v] = struct{}{}
			counts[v]++
		}
	}
	var out []string
	for v, c := range counts {
		if c == len(sets) {
			out = append(out, v)
		}
	}
	return out
}

func hasExactVersion(versions []string, want string) bool {
	for _, v := range versions {
		if v == want {
			return true
		}
	}
	return false
}

func maxVersion(versions []string) string {
	best := versions[0]
	for _, v := range versions[1:] {
		if compareVersions(v, best) > 0 {
			best = v
		}
	}
	return best
}

func compareVersions(a, b string) int {
	pa, pb := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < 3; i++ {
		na, nb := 0, 0
		if i < len(pa) {
			na, _ = strconv.Atoi(pa[i])
		}
		if i < len(pb) {
			nb, _ = strconv.Atoi(pb[i])
		}
		if na != nb {
			if na < nb {
				return -1
			}
			return 1
		}
	}
	return 0
}

func intersectFeatures(participants []Capabilities) []string {
	if len(participants) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, p := range participants {
		for f := range p.Features {
			counts[f]++
		}
	}
	var out []string
	for f, c := range counts {
		if c == len(participants) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

func commonFeaturesSuperset(participants []Capabilities) map[string]struct{} {
	union := make(map[string]struct{})
	for _, p := range participants {
		for f := range p.Features {
			union[f] = struct{}{}
		}
	}
	return union
}

func suggestionFor(name string, participants []Capabilities) string {
	// Suggest the participant with the lowest max version upgrade to the
	// highest max version seen, mirroring spec §4.4's example phrasing.
	var lowestSession, highestVersion string
	var lowestMax string
	for _, p := range participants {
		versions := p.Protocols[name]
		if len(versions) == 0 {
			continue
		}
		localMax := maxVersion(versions)
		if highestVersion == "" || compareVersions(localMax, highestVersion) > 0 {
			highestVersion = localMax
		}
		if lowestMax == "" || compareVersions(localMax, lowestMax) < 0 {
			lowestMax = localMax
			lowestSession = p.SessionID
		}
	}
	if lowestSession == "" || highestVersion == "" {
		return fmt.Sprintf("no participant advertises %s", name)
	}
	return fmt.Sprintf("upgrade session %s to version %s", lowestSession, highestVersion)
}
