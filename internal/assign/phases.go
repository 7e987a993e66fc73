package assign

import (
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	"reelcast/server/internal/model"
)

type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	default:
		return "low"
	}
}

// Caps bounds how many images a chapter of each priority may receive.
type Caps struct {
	High   int
	Medium int
	Low    int
}

var (
	DefaultCaps = Caps{High: 2, Medium: 2, Low: 1}
	GlobalCaps  = Caps{High: 3, Medium: 3, Low: 2}
)

func (c Caps) For(p Priority) int {
	switch p {
	case PriorityHigh:
		return c.High
	case PriorityMedium:
		return c.Medium
	default:
		return c.Low
	}
}

const queryChapters = 3

// BroadQuery builds the single search issued per pass: the topic followed by
// keywords from the first few chapters. count is multiplier times the chapter
// count, capped.
func BroadQuery(topic string, chapters []model.ChapterInfo, multiplier, limit int) (query string, count int) {
	words := ExtractKeywords(topic, 6)
	seen := map[string]struct{}{}
	for _, w := range words {
		seen[w] = struct{}{}
	}
	for i, ch := range chapters {
		if i >= queryChapters {
			break
		}
		kw := ExtractKeywords(strings.Join(ch.Keywords, " "), 2)
		if len(kw) == 0 {
			kw = ExtractKeywords(ch.Text, 2)
		}
		for _, w := range kw {
			if _, dup := seen[w]; dup {
				continue
			}
			seen[w] = struct{}{}
			words = append(words, w)
		}
	}
	if len(words) == 0 && len(chapters) > 0 {
		words = ExtractKeywords(chapters[0].Text, 4)
	}
	if multiplier <= 0 {
		multiplier = 3
	}
	count = multiplier * len(chapters)
	if limit > 0 && count > limit {
		count = limit
	}
	return strings.Join(words, " "), count
}

var blockedTitleWords = []string{
	"logo", "placeholder", "watermark", "mockup", "mock-up", "icon", "clipart",
	"template", "banner", "sample", "vector", "copyright", "shutterstock", "getty",
}

var sizeSuffix = regexp.MustCompile(`([-_.](\d+x\d+|\d+w|\d+px|small|medium|large|thumb|thumbnail|scaled|original))+$`)

// DedupKey collapses resized variants of one picture: host plus directory
// plus the file stem with size suffixes removed. Query strings are ignored.
func DedupKey(raw string) string {
	if strings.HasPrefix(raw, "data:") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.ToLower(raw)
	}
	dir, file := path.Split(u.Path)
	stem := strings.TrimSuffix(file, path.Ext(file))
	stem = sizeSuffix.ReplaceAllString(strings.ToLower(stem), "")
	return strings.ToLower(u.Host) + dir + stem
}

// Filter drops duplicates, undersized images and empty or generic titles.
// Unknown dimensions (zero) are kept.
func Filter(cands []model.ImageCandidate, minDimension int) []model.ImageCandidate {
	seen := map[string]struct{}{}
	out := make([]model.ImageCandidate, 0, len(cands))
	for _, c := range cands {
		if c.URL == "" {
			continue
		}
		key := DedupKey(c.URL)
		if _, dup := seen[key]; dup {
			continue
		}
		if c.Width > 0 && c.Height > 0 && min(c.Width, c.Height) < minDimension {
			continue
		}
		if blockedTitle(c.Title) {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

func blockedTitle(title string) bool {
	t := strings.ToLower(strings.TrimSpace(title))
	if t == "" {
		return true
	}
	for _, w := range blockedTitleWords {
		if strings.Contains(t, w) {
			return true
		}
	}
	return false
}

// Score classifies every candidate against every chapter. Matches[i] is the
// exact keyword overlap with chapters[i].
func Score(cands []model.ImageCandidate, chapters []model.ChapterInfo) []model.ScoredImage {
	chKeys := make([][]string, len(chapters))
	for i, ch := range chapters {
		chKeys[i] = chapterKeywords(ch.Text, ch.Keywords, ch.VisualCues)
	}
	out := make([]model.ScoredImage, 0, len(cands))
	for _, c := range cands {
		kw := ExtractKeywords(c.Title, titleKeywordCap)
		s := model.ScoredImage{ImageCandidate: c, Keywords: kw, Matches: make([]int, len(chapters))}
		best := 0
		for i := range chapters {
			s.Matches[i] = overlap(kw, chKeys[i])
			best = max(best, s.Matches[i])
		}
		switch {
		case best >= 2:
			s.Strength = model.MatchStrong
		case best == 1:
			s.Strength = model.MatchMedium
		default:
			s.Strength = model.MatchWeak
		}
		out = append(out, s)
	}
	return out
}

// Priorities ranks chapters by duration against the average.
func Priorities(chapters []model.ChapterInfo) []Priority {
	out := make([]Priority, len(chapters))
	if len(chapters) == 0 {
		return out
	}
	var total float64
	for _, ch := range chapters {
		total += ch.Duration
	}
	avg := total / float64(len(chapters))
	for i, ch := range chapters {
		switch {
		case avg > 0 && ch.Duration >= 1.2*avg:
			out[i] = PriorityHigh
		case avg <= 0 || ch.Duration >= 0.8*avg:
			out[i] = PriorityMedium
		default:
			out[i] = PriorityLow
		}
	}
	return out
}

// Distribute assigns strong then medium images to the best-scoring chapter
// with room left, then lets weak images fill empty high-priority chapters
// when a loose keyword overlap exists. An image is never given to a chapter
// it has no overlap with.
func Distribute(scored []model.ScoredImage, chapters []model.ChapterInfo, caps Caps) []model.AssignmentResult {
	prio := Priorities(chapters)
	assigned := make([][]string, len(chapters))
	used := make(map[string]bool, len(scored))

	for _, strength := range []model.MatchStrength{model.MatchStrong, model.MatchMedium} {
		for _, img := range scored {
			if img.Strength != strength || used[img.ID] {
				continue
			}
			best := -1
			for i := range chapters {
				if img.Matches[i] == 0 || len(assigned[i]) >= caps.For(prio[i]) {
					continue
				}
				if best < 0 || better(img.Matches[i], prio[i], len(assigned[i]), img.Matches[best], prio[best], len(assigned[best])) {
					best = i
				}
			}
			if best >= 0 {
				assigned[best] = append(assigned[best], img.ID)
				used[img.ID] = true
			}
		}
	}

	chKeys := make([][]string, len(chapters))
	for i, ch := range chapters {
		chKeys[i] = chapterKeywords(ch.Text, ch.Keywords, ch.VisualCues)
	}
	for i := range chapters {
		if prio[i] != PriorityHigh || len(assigned[i]) > 0 {
			continue
		}
		pick, pickScore := -1, 0
		for j, img := range scored {
			if img.Strength != model.MatchWeak || used[img.ID] {
				continue
			}
			if s := looseOverlap(img.Keywords, chKeys[i]); s > pickScore {
				pick, pickScore = j, s
			}
		}
		if pick >= 0 {
			assigned[i] = append(assigned[i], scored[pick].ID)
			used[scored[pick].ID] = true
		}
	}

	out := make([]model.AssignmentResult, len(chapters))
	for i, ch := range chapters {
		out[i] = model.AssignmentResult{ChapterID: ch.ID, ImageIDs: assigned[i]}
		if out[i].ImageIDs == nil {
			out[i].ImageIDs = []string{}
		}
	}
	return out
}

// better orders candidate chapters: higher overlap, then higher priority,
// then fewer images so far. Remaining ties keep the earlier chapter.
func better(score int, p Priority, n int, bestScore int, bestP Priority, bestN int) bool {
	if score != bestScore {
		return score > bestScore
	}
	if p != bestP {
		return p > bestP
	}
	return n < bestN
}

type Report struct {
	EmptyHighPriority []string
	WeakOverStrong    bool
}

// Limits returns the per-chapter cap under caps.
func Limits(chapters []model.ChapterInfo, caps Caps) []int {
	prio := Priorities(chapters)
	out := make([]int, len(chapters))
	for i, p := range prio {
		out[i] = caps.For(p)
	}
	return out
}

func uniformLimits(n, limit int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = limit
	}
	return out
}

// Validate checks the distribution. Cap or uniqueness violations are errors;
// the rest is reported and logged.
func Validate(results []model.AssignmentResult, scored []model.ScoredImage, chapters []model.ChapterInfo, limits []int, logger *slog.Logger) (Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	prio := Priorities(chapters)
	strength := make(map[string]model.MatchStrength, len(scored))
	for _, s := range scored {
		strength[s.ID] = s.Strength
	}
	var rep Report
	seen := map[string]string{}
	weakUsed := false
	for i, r := range results {
		if limit := limitAt(limits, i); len(r.ImageIDs) > limit {
			return rep, fmt.Errorf("chapter %s has %d images, cap %d", r.ChapterID, len(r.ImageIDs), limit)
		}
		for _, id := range r.ImageIDs {
			if other, dup := seen[id]; dup {
				return rep, fmt.Errorf("image %s assigned to both %s and %s", id, other, r.ChapterID)
			}
			seen[id] = r.ChapterID
			if strength[id] == model.MatchWeak {
				weakUsed = true
			}
		}
		if i < len(prio) && prio[i] == PriorityHigh && len(r.ImageIDs) == 0 {
			rep.EmptyHighPriority = append(rep.EmptyHighPriority, r.ChapterID)
		}
	}
	if weakUsed {
		for _, s := range scored {
			if s.Strength == model.MatchStrong {
				if _, ok := seen[s.ID]; !ok {
					rep.WeakOverStrong = true
					break
				}
			}
		}
	}
	if len(rep.EmptyHighPriority) > 0 {
		sort.Strings(rep.EmptyHighPriority)
		logger.Warn("assignment_high_priority_empty", "chapters", rep.EmptyHighPriority)
	}
	if rep.WeakOverStrong {
		logger.Warn("assignment_weak_over_strong")
	}
	return rep, nil
}

// RoundRobin hands out candidates in order, up to perChapter each, chapter by
// chapter.
func RoundRobin(cands []model.ImageCandidate, chapters []model.ChapterInfo, perChapter int) []model.AssignmentResult {
	out := make([]model.AssignmentResult, len(chapters))
	next := 0
	for i, ch := range chapters {
		out[i] = model.AssignmentResult{ChapterID: ch.ID, ImageIDs: []string{}}
		for k := 0; k < perChapter && next < len(cands); k++ {
			out[i].ImageIDs = append(out[i].ImageIDs, cands[next].ID)
			next++
		}
	}
	return out
}
