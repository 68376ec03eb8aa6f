package audit

import (
	"context"
	"sort"
	"time"

	"flowboard/internal/domain"
	"flowboard/internal/repo"
)

// TimelineEntry is one row of the merged per-process view. Exactly one of
// Action and Transition is set, discriminated by Kind.
type TimelineEntry struct {
	Kind       string                   `json:"kind" enum:"action,transition"`
	Timestamp  string                   `json:"timestamp" format:"date-time"`
	Action     *domain.AuditAction      `json:"action,omitempty"`
	Transition *domain.TransitionRecord `json:"transition,omitempty"`
}

// Timeline merges the action and transition streams for one process, sorted
// by timestamp descending.
func (l Logger) Timeline(ctx context.Context, processID string, includeTransitions, includeActions bool) ([]TimelineEntry, error) {
	var entries []TimelineEntry
	if includeTransitions {
		recs, err := l.Repo.TransitionHistory(ctx, processID)
		if err != nil {
			return nil, err
		}
		for i := range recs {
			rec := recs[i]
			entries = append(entries, TimelineEntry{Kind: "transition", Timestamp: rec.Timestamp, Transition: &rec})
		}
	}
	if includeActions {
		actions, err := l.Actions(ctx, Filter{EntityID: processID})
		if err != nil {
			return nil, err
		}
		for i := range actions {
			a := actions[i]
			entries = append(entries, TimelineEntry{Kind: "action", Timestamp: a.Timestamp, Action: &a})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp > entries[j].Timestamp })
	return entries, nil
}

// ActivitySummary aggregates both streams over a date range.
type ActivitySummary struct {
	TotalActions     int            `json:"total_actions"`
	TotalTransitions int            `json:"total_transitions"`
	ByActionType     map[string]int `json:"by_action_type,omitempty"`
	ByStatePair      map[string]int `json:"by_state_pair,omitempty"`
	DistinctActors   int            `json:"distinct_actors"`
}

func (l Logger) Summary(ctx context.Context, since, until string) (ActivitySummary, error) {
	out := ActivitySummary{ByActionType: map[string]int{}, ByStatePair: map[string]int{}}
	actors := map[string]bool{}

	actions, err := l.Actions(ctx, Filter{Since: since, Until: until})
	if err != nil {
		return out, err
	}
	for _, a := range actions {
		out.TotalActions++
		out.ByActionType[a.Type]++
		if a.PerformedBy != "" {
			actors[a.PerformedBy] = true
		}
	}
	recs, err := l.Repo.QueryTransitions(ctx, repo.TransitionQuery{Since: since, Until: until})
	if err != nil {
		return out, err
	}
	for _, rec := range recs {
		out.TotalTransitions++
		out.ByStatePair[rec.FromState+" -> "+rec.ToState]++
		if rec.TriggeredBy != "" {
			actors[rec.TriggeredBy] = true
		}
	}
	out.DistinctActors = len(actors)
	return out, nil
}

// StateMetric is the wall-clock residence time in one state.
type StateMetric struct {
	State   string  `json:"state"`
	Seconds float64 `json:"seconds"`
	Visits  int     `json:"visits"`
}

// StateMetrics computes residence time per visited state from consecutive
// transition timestamps. The segment before the first transition is anchored
// at the process creation time; the segment after the last transition is
// left open. A process with no transitions yields an empty set.
func (l Logger) StateMetrics(ctx context.Context, proc domain.Process) ([]StateMetric, error) {
	recs := proc.History
	if recs == nil {
		var err error
		recs, err = l.Repo.TransitionHistory(ctx, proc.ID)
		if err != nil {
			return nil, err
		}
	}
	if len(recs) == 0 {
		return []StateMetric{}, nil
	}
	type span struct {
		state      string
		start, end string
	}
	var spans []span
	spans = append(spans, span{state: recs[0].FromState, start: proc.CreatedAt, end: recs[0].Timestamp})
	for i := 0; i < len(recs)-1; i++ {
		spans = append(spans, span{state: recs[i].ToState, start: recs[i].Timestamp, end: recs[i+1].Timestamp})
	}
	totals := map[string]*StateMetric{}
	var order []string
	for _, s := range spans {
		start, err1 := time.Parse(time.RFC3339, s.start)
		end, err2 := time.Parse(time.RFC3339, s.end)
		if err1 != nil || err2 != nil {
			continue
		}
		m, ok := totals[s.state]
		if !ok {
			m = &StateMetric{State: s.state}
			totals[s.state] = m
			order = append(order, s.state)
		}
		m.Seconds += end.Sub(start).Seconds()
		m.Visits++
	}
	out := make([]StateMetric, 0, len(order))
	for _, state := range order {
		out = append(out, *totals[state])
	}
	return out, nil
}
