// Package retention measures how many users stay active across date ranges
// using their message heatmaps.
package retention

import (
	"math"
	"sort"

	"github.com/devrev/streakd/internal/model"
	"github.com/devrev/streakd/internal/validation"
)

// DateRange is an inclusive range of YYYY-MM-DD days
type DateRange = validation.DateRange

// Result is the outcome of a retention query
type Result struct {
	RangeA        DateRange  `json:"range_a"`
	RangeB        *DateRange `json:"range_b,omitempty"`
	ActiveA       int        `json:"active_a"`
	ActiveB       int        `json:"active_b"`
	Retained      int        `json:"retained"`
	RetentionRate float64    `json:"retention_rate"`
	RetainedUsers []string   `json:"retained_users"`
}

// Compute returns retention for one range, or from range a to range b.
// A user is active in a range when a heatmap day inside it has at least
// one message. With a single range every active user counts as retained.
func Compute(users model.UserTable, a DateRange, b *DateRange) (*Result, error) {
	v := validation.NewValidator()
	if err := v.ValidateDateRange("range", a); err != nil {
		return nil, err
	}
	if b != nil {
		if err := v.ValidateDateRange("comparison range", *b); err != nil {
			return nil, err
		}
	}

	activeA := activeIn(users, a)
	res := &Result{RangeA: a, ActiveA: len(activeA)}

	if b == nil {
		res.ActiveB = len(activeA)
		res.RetainedUsers = sortedKeys(activeA)
		res.Retained = len(activeA)
		if res.Retained > 0 {
			res.RetentionRate = 100
		}
		return res, nil
	}

	activeB := activeIn(users, *b)
	rangeB := *b
	res.RangeB = &rangeB
	res.ActiveB = len(activeB)

	retained := make(map[string]struct{})
	for id := range activeA {
		if _, ok := activeB[id]; ok {
			retained[id] = struct{}{}
		}
	}
	res.RetainedUsers = sortedKeys(retained)
	res.Retained = len(retained)
	if res.ActiveA > 0 {
		res.RetentionRate = math.Round(float64(res.Retained)/float64(res.ActiveA)*10000) / 100
	}
	return res, nil
}

func activeIn(users model.UserTable, r DateRange) map[string]struct{} {
	active := make(map[string]struct{})
	for id, rec := range users {
		if rec != nil && rec.ActiveBetween(r.Start, r.End) {
			active[id] = struct{}{}
		}
	}
	return active
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
