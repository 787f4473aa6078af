package tracing

import (
	"context"
	"fmt"

	"github.com/sarchlab/iommu/datarecording"
)

// OpSummary totals the operations of one kind at one location in a session.
type OpSummary struct {
	Location string
	Op       string
	Count    int
	Pages    int
	Retries  int
}

// A TraceReader reads the sessions a DBTracer recorded.
type TraceReader struct {
	reader datarecording.DataReader
}

// NewTraceReader wraps a reader of a trace database.
func NewTraceReader(reader datarecording.DataReader) *TraceReader {
	reader.MapTable(SessionIndexTable, SessionRecord{})

	return &TraceReader{reader: reader}
}

// ListSessions returns the sessions in the order they were started.
func (r *TraceReader) ListSessions(ctx context.Context) ([]SessionRecord, error) {
	results, _, err := r.reader.Query(ctx, SessionIndexTable,
		datarecording.QueryParams{OrderBy: "SessionStart"})
	if err != nil {
		return nil, fmt.Errorf("reading sessions: %w", err)
	}

	sessions := make([]SessionRecord, 0, len(results))
	for _, s := range results {
		sessions = append(sessions, *s.(*SessionRecord))
	}

	return sessions, nil
}

// SummarizeSession groups the operations of a session by location and
// operation.
func (r *TraceReader) SummarizeSession(
	ctx context.Context,
	session SessionRecord,
) ([]OpSummary, error) {
	r.reader.MapTable(session.TableName, OpRecord{})

	groups, err := r.reader.Summarize(ctx, session.TableName,
		datarecording.GroupParams{
			GroupBy: []string{"Location", "Op"},
			Sum:     []string{"Pages", "Retries"},
		})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", session.TableName, err)
	}

	summaries := make([]OpSummary, 0, len(groups))
	for _, g := range groups {
		summaries = append(summaries, OpSummary{
			Location: g.Keys[0],
			Op:       g.Keys[1],
			Count:    g.Count,
			Pages:    int(g.Sums[0]),
			Retries:  int(g.Sums[1]),
		})
	}

	return summaries, nil
}
