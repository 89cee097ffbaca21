// Package portfolio produces the published Top-N ranking for a contest
// under issue-diversity constraints.
//
// General slots are filled by score under a per-issue cap so no single
// issue can monopolize the slate; a reserved tail guarantees minimal
// representation for underrepresented issue tags even when their absolute
// vote totals are low. Selection is a pure function over a score snapshot,
// so vote writers are never blocked.
package portfolio

import (
	"math"
	"sort"
	"time"

	"github.com/civicpulse/question-engine/internal/core/domain"
)

// Candidate is one active cluster eligible for ranking.
type Candidate struct {
	ClusterID          string
	RepresentativeID   string
	RepresentativeText string
	IssueTag           string
	Score              float64
	CreatedAt          time.Time
}

// Config holds the diversity tuning for a selection.
type Config struct {
	// CapFraction limits any single issue to this fraction of the general
	// slots. Values outside (0, 1) disable the cap.
	CapFraction float64

	// ReservedSlots is how many trailing positions are reserved for the
	// least-represented issue tags.
	ReservedSlots int
}

// Result is the selected ranking plus selection diagnostics.
type Result struct {
	Entries        []domain.RankEntry
	IssuesSelected int
	CapPerIssue    int
	Relaxed        bool
}

// SelectTop returns the ordered top-n entries for the candidates. Positions
// 1..len(Entries) form a total order with no gaps; when fewer than n
// clusters exist, all are returned without padding. Ties break by earlier
// creation timestamp, then cluster id, for full determinism.
func SelectTop(candidates []Candidate, n int, cfg Config) Result {
	if n <= 0 || len(candidates) == 0 {
		return Result{}
	}

	ordered := make([]Candidate, len(candidates))
	copy(ordered, candidates)
	sortCandidates(ordered)

	reserved := cfg.ReservedSlots
	if reserved < 0 {
		reserved = 0
	}

	if reserved > n {
		reserved = n
	}

	// The split is computed against the requested n, not the candidate
	// count: a contest smaller than the slate fills general slots in score
	// order and the reserved tail only ever takes leftovers.
	general := n - reserved

	maxPerIssue := capPerIssue(cfg.CapFraction, general)

	if general > len(ordered) {
		general = len(ordered)
	}

	targetN := n
	if len(ordered) < targetN {
		targetN = len(ordered)
	}

	selected := make([]int, 0, targetN)
	taken := make(map[int]struct{}, targetN)
	issueCounts := make(map[string]int)

	// General slots: global score order under the per-issue cap.
	for i, c := range ordered {
		if len(selected) >= general {
			break
		}

		if maxPerIssue > 0 && issueCounts[c.IssueTag] >= maxPerIssue {
			continue
		}

		selected = append(selected, i)
		taken[i] = struct{}{}
		issueCounts[c.IssueTag]++
	}

	// Relax the cap when the contest is too small to honor it.
	relaxed := false

	if len(selected) < general {
		relaxed = true

		for i, c := range ordered {
			if len(selected) >= general {
				break
			}

			if _, ok := taken[i]; ok {
				continue
			}

			selected = append(selected, i)
			taken[i] = struct{}{}
			issueCounts[c.IssueTag]++
		}
	}

	entries := make([]domain.RankEntry, 0, targetN)
	for _, i := range selected {
		entries = append(entries, rankEntry(ordered[i], len(entries)+1, domain.SlotGeneral))
	}

	// Reserved tail: highest-scoring leftovers from the issue tags with the
	// fewest clusters already on the slate. When underrepresented tags run
	// out, leftover general-eligible clusters fill the remainder rather
	// than leaving slots empty.
	for r := 0; r < reserved; r++ {
		i, ok := pickReserved(ordered, taken, issueCounts)
		if !ok {
			break
		}

		taken[i] = struct{}{}
		issueCounts[ordered[i].IssueTag]++

		entries = append(entries, rankEntry(ordered[i], len(entries)+1, domain.SlotMinorityReserved))
	}

	return Result{
		Entries:        entries,
		IssuesSelected: len(issueCounts),
		CapPerIssue:    maxPerIssue,
		Relaxed:        relaxed,
	}
}

// pickReserved finds the unselected candidate whose issue tag is least
// represented on the slate so far, breaking representation ties by score
// and then by the global deterministic order.
func pickReserved(ordered []Candidate, taken map[int]struct{}, issueCounts map[string]int) (int, bool) {
	bestIdx := -1
	bestRep := math.MaxInt

	for i, c := range ordered {
		if _, ok := taken[i]; ok {
			continue
		}

		rep := issueCounts[c.IssueTag]

		// ordered is already score-desc, so the first candidate seen at a
		// given representation level is the best one.
		if rep < bestRep {
			bestRep = rep
			bestIdx = i
		}
	}

	if bestIdx < 0 {
		return 0, false
	}

	return bestIdx, true
}

func capPerIssue(fraction float64, general int) int {
	if fraction <= 0 || fraction >= 1 || general <= 0 {
		return 0
	}

	maxPerIssue := int(math.Floor(fraction * float64(general)))
	if maxPerIssue < 1 {
		maxPerIssue = 1
	}

	return maxPerIssue
}

func sortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Score != cs[j].Score {
			return cs[i].Score > cs[j].Score
		}

		if !cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].CreatedAt.Before(cs[j].CreatedAt)
		}

		return cs[i].ClusterID < cs[j].ClusterID
	})
}

func rankEntry(c Candidate, position int, slot domain.SlotType) domain.RankEntry {
	return domain.RankEntry{
		ClusterID:          c.ClusterID,
		RepresentativeID:   c.RepresentativeID,
		RepresentativeText: c.RepresentativeText,
		Score:              c.Score,
		IssueTag:           c.IssueTag,
		Position:           position,
		Slot:               slot,
	}
}
