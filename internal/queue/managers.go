package queue

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/signalpost/flagwire/internal/client"
	"github.com/signalpost/flagwire/internal/dedup"
	"github.com/signalpost/flagwire/internal/errs"
	"github.com/signalpost/flagwire/internal/metrics"
	"github.com/signalpost/flagwire/internal/model"
	"github.com/signalpost/flagwire/internal/pipeline"
	"github.com/signalpost/flagwire/internal/retry"
	"github.com/signalpost/flagwire/internal/store"
	"github.com/signalpost/flagwire/internal/utils/timeo"
)

// Poster is the delivery surface the queues send through; the network
// optimizer satisfies it.
type Poster interface {
	OptimizedRequest(ctx context.Context, url string, body map[string]any, headers map[string]string, priority int) (pipeline.Result, error)
}

// Summaries outrank raw events when both are waiting at the same host.
const (
	eventPriority   = 3
	summaryPriority = 5
)

// Deps are the shared collaborators both queue managers are built on.
type Deps struct {
	Poster   Poster
	Executor *retry.Executor
	Policy   retry.Policy
	Dedup    *dedup.Deduplicator
	Store    store.Store
	Metrics  *metrics.Metrics
	Clock    timeo.Clock
}

// EventQueue delivers telemetry events.
type EventQueue struct {
	*BatchQueue[model.EventRecord]
	clock timeo.Clock
}

func NewEventQueue(cfg model.BatchQueueConfig, endpoint string, deps Deps) *EventQueue {
	clock := deps.Clock
	if clock == nil {
		clock = timeo.Real()
	}
	q := New(Options[model.EventRecord]{
		Name:   "events",
		Config: cfg,
		Sender: func(ctx context.Context, batch []model.EventRecord) (*client.Response, error) {
			return postBatch(ctx, deps.Poster, endpoint, "events", batch, eventPriority)
		},
		KeyOf:    func(e model.EventRecord) string { return e.DedupKey },
		RawKeyOf: eventRawKey,
		Validate: validateEvent,
		Executor: deps.Executor,
		Policy:   deps.Policy,
		Dedup:    deps.Dedup,
		Store:    deps.Store,
		Metrics:  deps.Metrics,
		Clock:    clock,
	})
	return &EventQueue{BatchQueue: q, clock: clock}
}

// Record fills in identity and timestamp defaults before queueing.
func (q *EventQueue) Record(ctx context.Context, event model.EventRecord) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.RecordedAt.IsZero() {
		event.RecordedAt = q.clock.Now()
	}
	return q.Push(ctx, event)
}

func eventRawKey(payload []byte) string {
	return gjson.GetBytes(payload, "dedup_key").String()
}

func validateEvent(e model.EventRecord) error {
	if e.Name == "" {
		return errs.Validation("event name is required")
	}
	if e.UserID == "" && e.SessionID == "" {
		return errs.Validation("event needs a user or session id")
	}
	return nil
}

// SummaryQueue delivers flag-evaluation summaries. The dedup key collapses
// repeated evaluations of the same variation within one flush window.
type SummaryQueue struct {
	*BatchQueue[model.SummaryRecord]
	clock timeo.Clock
}

func NewSummaryQueue(cfg model.BatchQueueConfig, endpoint string, deps Deps) *SummaryQueue {
	clock := deps.Clock
	if clock == nil {
		clock = timeo.Real()
	}
	q := New(Options[model.SummaryRecord]{
		Name:   "summaries",
		Config: cfg,
		Sender: func(ctx context.Context, batch []model.SummaryRecord) (*client.Response, error) {
			return postBatch(ctx, deps.Poster, endpoint, "summaries", batch, summaryPriority)
		},
		KeyOf: model.SummaryRecord.DedupIdentity,
		RawKeyOf: func(payload []byte) string {
			parsed := gjson.GetManyBytes(payload, "experience_id", "behaviour_id", "variation_id")
			return parsed[0].String() + ":" + parsed[1].String() + ":" + parsed[2].String()
		},
		Validate: validateSummary,
		Executor: deps.Executor,
		Policy:   deps.Policy,
		Dedup:    deps.Dedup,
		Store:    deps.Store,
		Metrics:  deps.Metrics,
		Clock:    clock,
	})
	return &SummaryQueue{BatchQueue: q, clock: clock}
}

// Record fills in identity, count and timestamp defaults before queueing.
func (q *SummaryQueue) Record(ctx context.Context, summary model.SummaryRecord) error {
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	if summary.Count <= 0 {
		summary.Count = 1
	}
	if summary.RecordedAt.IsZero() {
		summary.RecordedAt = q.clock.Now()
	}
	return q.Push(ctx, summary)
}

func validateSummary(s model.SummaryRecord) error {
	if s.ExperienceID == "" || s.BehaviourID == "" || s.VariationID == "" {
		return errs.Validation("summary needs experience, behaviour and variation ids")
	}
	return nil
}

// postBatch wraps the drained batch in the wire envelope and sends it through
// the optimizer. The envelope keys match the payload optimizer's alias table.
func postBatch[T any](ctx context.Context, poster Poster, endpoint, field string, batch []T, priority int) (*client.Response, error) {
	encoded, err := json.Marshal(batch)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err, "encode batch")
	}
	var items []any
	if err := json.Unmarshal(encoded, &items); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "reshape batch")
	}
	body := map[string]any{
		field:   items,
		"count": len(batch),
	}
	result, err := poster.OptimizedRequest(ctx, endpoint, body, nil, priority)
	if err != nil {
		return nil, err
	}
	return result.Response, nil
}
