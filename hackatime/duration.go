// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"path"
	"sort"
	"time"
)

// Gap-capped duration aggregation. Each event contributes the gap to its
// predecessor, capped at the idle timeout T. The first event of a timeline
// contributes zero. Negative gaps (clock skew) clamp to zero.

// sortByTime orders a timeline ascending by event time. Aggregation requires
// sorted input; store reads already come back ordered, but in-memory callers
// may not be.
func sortByTime(events []Heartbeat) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Time < events[j].Time
	})
}

// contribution returns the capped gap between consecutive events, in seconds.
func contribution(prev, cur float64, timeout time.Duration) float64 {
	gap := cur - prev
	if gap < 0 {
		return 0
	}
	capSecs := timeout.Seconds()
	if gap > capSecs {
		return capSecs
	}
	return gap
}

// TotalSeconds computes total active time for one user's timeline.
func TotalSeconds(events []Heartbeat, timeout time.Duration) float64 {
	sortByTime(events)
	total := 0.0
	for i := 1; i < len(events); i++ {
		total += contribution(events[i-1].Time, events[i].Time, timeout)
	}
	return total
}

// TotalSecondsPerUser splits a mixed timeline by user and aggregates each
// user's events independently, so one user's gaps never cap against another's.
func TotalSecondsPerUser(events []Heartbeat, timeout time.Duration) map[int64]float64 {
	byUser := map[int64][]Heartbeat{}
	for _, hb := range events {
		byUser[hb.UserID] = append(byUser[hb.UserID], hb)
	}
	out := make(map[int64]float64, len(byUser))
	for uid, tl := range byUser {
		out[uid] = TotalSeconds(tl, timeout)
	}
	return out
}

// DimensionFunc extracts a grouping key from a heartbeat. An empty key means
// the event has no value for that dimension and is bucketed under "".
type DimensionFunc func(*Heartbeat) string

func DimensionProject(hb *Heartbeat) string  { return deref(hb.Project) }
func DimensionLanguage(hb *Heartbeat) string { return deref(hb.Language) }
func DimensionEditor(hb *Heartbeat) string   { return deref(hb.Editor) }
func DimensionCategory(hb *Heartbeat) string { return deref(hb.Category) }
func DimensionOS(hb *Heartbeat) string       { return deref(hb.OperatingSystem) }

// DimensionEntity groups by file basename rather than full path.
func DimensionEntity(hb *Heartbeat) string {
	e := deref(hb.Entity)
	if e == "" {
		return ""
	}
	return path.Base(e)
}

// ByDimension computes per-group active seconds for one user's timeline.
// Gaps are measured over the whole timeline, not within each group; each
// event's contribution is attributed to that event's own group. The sum over
// all groups therefore equals TotalSeconds for the same inputs.
func ByDimension(events []Heartbeat, timeout time.Duration, dim DimensionFunc) map[string]float64 {
	sortByTime(events)
	out := map[string]float64{}
	for i := 1; i < len(events); i++ {
		c := contribution(events[i-1].Time, events[i].Time, timeout)
		out[dim(&events[i])] += c
	}
	if len(events) > 0 {
		// The first event contributes zero but still declares its group.
		key := dim(&events[0])
		if _, ok := out[key]; !ok {
			out[key] = 0
		}
	}
	return out
}

// DailyTotals buckets one user's active seconds by local calendar day in the
// given location, keyed "2006-01-02". An event's contribution lands on the
// day the event itself occurred, even when the capped gap straddles midnight.
func DailyTotals(events []Heartbeat, timeout time.Duration, loc *time.Location) map[string]float64 {
	sortByTime(events)
	out := map[string]float64{}
	for i := 1; i < len(events); i++ {
		c := contribution(events[i-1].Time, events[i].Time, timeout)
		day := localDay(events[i].Time, loc)
		out[day] += c
	}
	return out
}

// localDay formats a fractional epoch timestamp as a local calendar day key.
func localDay(epoch float64, loc *time.Location) string {
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).In(loc).Format("2006-01-02")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
