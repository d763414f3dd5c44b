// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package hackatime

import (
	"context"
	"time"
)

// SessionSpan is one contiguous working session reconstructed from the
// heartbeat stream: a run of events where no gap exceeds the idle timeout.
type SessionSpan struct {
	Start    float64 `json:"start"` // time of the first event
	End      float64 `json:"end"`   // time of the last event
	Duration float64 `json:"duration"`

	Files     []string          `json:"files,omitempty"` // entity basenames, first-seen order
	Projects  []string          `json:"projects,omitempty"`
	RepoURLs  map[string]string `json:"repo_urls,omitempty"` // project -> repository URL
	Editors   []string          `json:"editors,omitempty"`
	Languages []string          `json:"languages,omitempty"`
}

// ReconstructSessions clusters one user's sorted timeline into spans, breaking
// whenever the gap between consecutive events exceeds the idle timeout. A
// single event yields a zero-duration span. repoURLs may be nil.
func ReconstructSessions(events []Heartbeat, timeout time.Duration, repoURLs map[string]string) []SessionSpan {
	sortByTime(events)
	if len(events) == 0 {
		return nil
	}

	capSecs := timeout.Seconds()
	var spans []SessionSpan
	begin := 0
	for i := 1; i <= len(events); i++ {
		if i < len(events) && events[i].Time-events[i-1].Time <= capSecs {
			continue
		}
		spans = append(spans, buildSpan(events[begin:i], repoURLs))
		begin = i
	}
	return spans
}

func buildSpan(cluster []Heartbeat, repoURLs map[string]string) SessionSpan {
	span := SessionSpan{
		Start: cluster[0].Time,
		End:   cluster[len(cluster)-1].Time,
	}
	span.Duration = span.End - span.Start
	if span.Duration < 0 {
		span.Duration = 0
	}

	files := newOrderedSet()
	projects := newOrderedSet()
	editors := newOrderedSet()
	languages := newOrderedSet()
	for i := range cluster {
		hb := &cluster[i]
		files.add(DimensionEntity(hb))
		projects.add(deref(hb.Project))
		editors.add(deref(hb.Editor))
		languages.add(deref(hb.Language))
	}
	span.Files = files.values
	span.Projects = projects.values
	span.Editors = editors.values
	span.Languages = languages.values

	for _, p := range span.Projects {
		if url, ok := repoURLs[p]; ok {
			if span.RepoURLs == nil {
				span.RepoURLs = map[string]string{}
			}
			span.RepoURLs[p] = url
		}
	}
	return span
}

// SessionsForDay reconstructs a user's sessions for one local calendar day.
// The store is queried with a day widened by 24 hours on both sides so that
// timezone conversion never clips events, then events are filtered to the
// exact local day before clustering.
func (s *Service) SessionsForDay(ctx context.Context, userID int64, day time.Time, loc *time.Location) ([]SessionSpan, error) {
	if loc == nil {
		loc = time.UTC
	}
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	dayEnd := dayStart.AddDate(0, 0, 1)

	events, err := s.RangeQuery(ctx, QuerySpec{
		UserIDs: []int64{userID},
		Start:   float64(dayStart.Add(-24 * time.Hour).Unix()),
		End:     float64(dayEnd.Add(24 * time.Hour).Unix()),
	})
	if err != nil {
		return nil, err
	}

	startEpoch := float64(dayStart.Unix())
	endEpoch := float64(dayEnd.Unix())
	filtered := events[:0]
	for _, hb := range events {
		if hb.Time >= startEpoch && hb.Time < endEpoch {
			filtered = append(filtered, hb)
		}
	}

	repoURLs, err := s.RepoURLsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return ReconstructSessions(filtered, s.config.IdleTimeout, repoURLs), nil
}

// orderedSet keeps first-seen insertion order and skips blanks.
type orderedSet struct {
	seen   map[string]struct{}
	values []string
}

func newOrderedSet() *orderedSet {
	return &orderedSet{seen: map[string]struct{}{}}
}

func (o *orderedSet) add(v string) {
	if v == "" {
		return
	}
	if _, ok := o.seen[v]; ok {
		return
	}
	o.seen[v] = struct{}{}
	o.values = append(o.values, v)
}
