package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ppiankov/novagate/internal/model"
)

// QueryParams is the wire form of a query, shared by every transport.
// Times are RFC 3339; Status accepts a dashboard status or an action name.
type QueryParams struct {
	Status   string `json:"status,omitempty"`
	PolicyID string `json:"policy_id,omitempty"`
	Since    string `json:"since,omitempty"`
	Until    string `json:"until,omitempty"`
	Text     string `json:"q,omitempty"`
	Frozen   *bool  `json:"frozen,omitempty"`
	Offset   int    `json:"offset,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// QueryResult is one page of records.
type QueryResult struct {
	Records []model.DecisionRecord `json:"records"`
	Total   int                    `json:"total"`
	Offset  int                    `json:"offset"`
	Limit   int                    `json:"limit"`
}

// Parse validates the params into a Filter and a normalized Page.
func (q QueryParams) Parse() (Filter, Page, error) {
	var f Filter
	if q.Status != "" {
		action, err := model.ParseStatus(q.Status)
		if err != nil {
			return Filter{}, Page{}, err
		}
		f.Action = action
	}
	var err error
	if f.Since, err = parseBound("since", q.Since); err != nil {
		return Filter{}, Page{}, err
	}
	if f.Until, err = parseBound("until", q.Until); err != nil {
		return Filter{}, Page{}, err
	}
	f.PolicyID = q.PolicyID
	f.Text = q.Text
	f.Frozen = q.Frozen
	return f, Page{Offset: q.Offset, Limit: q.Limit}.Normalize(), nil
}

func parseBound(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: want RFC 3339", name, v)
	}
	return t.UTC(), nil
}

// ParseQueryValues reads QueryParams from URL-style key/value lookups.
func ParseQueryValues(get func(string) string) (QueryParams, error) {
	q := QueryParams{
		Status:   get("status"),
		PolicyID: get("policy_id"),
		Since:    get("since"),
		Until:    get("until"),
		Text:     get("q"),
	}
	if v := get("frozen"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return QueryParams{}, fmt.Errorf("invalid frozen %q", v)
		}
		q.Frozen = &b
	}
	for name, dst := range map[string]*int{"offset": &q.Offset, "limit": &q.Limit} {
		v := get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return QueryParams{}, fmt.Errorf("invalid %s %q", name, v)
		}
		*dst = n
	}
	return q, nil
}

// Run executes the query against l.
func (q QueryParams) Run(ctx context.Context, l *Log) (QueryResult, error) {
	f, p, err := q.Parse()
	if err != nil {
		return QueryResult{}, err
	}
	recs, total, err := l.Query(ctx, f, p)
	if err != nil {
		return QueryResult{}, err
	}
	if recs == nil {
		recs = []model.DecisionRecord{}
	}
	return QueryResult{Records: recs, Total: total, Offset: p.Offset, Limit: p.Limit}, nil
}
