package seek

import (
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Criteria selects which hooks are shown. A nil set leaves that dimension
// unrestricted; an empty non-nil set matches nothing.
type Criteria struct {
	Variants []string `json:"variant"`
	Modes    []int    `json:"mode"`
	Speeds   []int    `json:"speed"`
	Rating   *Range   `json:"rating,omitempty"`
}

// Range is an inclusive rating bracket.
type Range struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

type Partition struct {
	Visible []Hook `json:"visible"`
	Hidden  int    `json:"hidden"`
}

func (c Criteria) Match(h Hook) bool {
	if c.Variants != nil && !slices.Contains(c.Variants, h.Variant) {
		return false
	}
	if c.Modes != nil && !slices.Contains(c.Modes, h.Rated) {
		return false
	}
	if c.Speeds != nil && !slices.Contains(c.Speeds, h.Speed) {
		return false
	}
	if c.Rating != nil {
		if h.Rating == nil || *h.Rating < c.Rating.Min || *h.Rating > c.Rating.Max {
			return false
		}
	}
	return true
}

// Filter partitions hooks in a single pass. Tombstones are always visible.
// Among matching hooks only the first per Key is kept; later duplicates are
// dropped without counting as hidden.
func Filter(hooks []Hook, c Criteria) Partition {
	seen := make(map[Key]struct{})
	p := Partition{Visible: []Hook{}}
	for _, h := range hooks {
		if h.IsTombstone() {
			p.Visible = append(p.Visible, h)
			continue
		}
		if !c.Match(h) {
			p.Hidden++
			continue
		}
		k := h.Key()
		if _, dup := seen[k]; !dup {
			p.Visible = append(p.Visible, h)
		}
		seen[k] = struct{}{}
	}
	return p
}

// ParseCriteria reads variant, mode and speed comma lists and a "lo-hi"
// rating bracket. Missing parameters leave the dimension unrestricted.
func ParseCriteria(q url.Values) (Criteria, error) {
	var c Criteria
	if q.Has("variant") {
		c.Variants = splitList(q.Get("variant"))
	}
	var err error
	if q.Has("mode") {
		if c.Modes, err = parseInts(q.Get("mode")); err != nil {
			return Criteria{}, fmt.Errorf("%w: mode: %v", ErrBadCriteria, err)
		}
	}
	if q.Has("speed") {
		if c.Speeds, err = parseInts(q.Get("speed")); err != nil {
			return Criteria{}, fmt.Errorf("%w: speed: %v", ErrBadCriteria, err)
		}
	}
	if raw := q.Get("rating"); raw != "" {
		lo, hi, ok := strings.Cut(raw, "-")
		if !ok {
			return Criteria{}, fmt.Errorf("%w: rating: want lo-hi, got %q", ErrBadCriteria, raw)
		}
		minR, err1 := strconv.Atoi(strings.TrimSpace(lo))
		maxR, err2 := strconv.Atoi(strings.TrimSpace(hi))
		if err1 != nil || err2 != nil || minR > maxR {
			return Criteria{}, fmt.Errorf("%w: rating: %q", ErrBadCriteria, raw)
		}
		c.Rating = &Range{Min: minR, Max: maxR}
	}
	return c, nil
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseInts(s string) ([]int, error) {
	parts := splitList(s)
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// ParseIDs splits a comma separated id list into a set. Blank entries are skipped.
func ParseIDs(list string) map[ID]struct{} {
	ids := make(map[ID]struct{})
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			ids[ID(part)] = struct{}{}
		}
	}
	return ids
}
