package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// LLMEvent holds the schema definition for the LLMEvent entity.
// One row per gateway call made on behalf of a Step: the provider/model
// actually used, token counts, and the computed cost.
type LLMEvent struct {
	ent.Schema
}

// Fields of the LLMEvent.
func (LLMEvent) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("llm_event_id").
			Unique().
			Immutable(),
		field.String("run_id").
			Immutable(),
		field.String("step_id").
			Optional().
			Nillable().
			Immutable(),
		field.String("tenant_id").
			Immutable(),
		field.String("requested_model").
			Immutable(),
		field.String("provider").
			Immutable().
			Comment("Provider that ultimately served the request, after failover"),
		field.String("model").
			Immutable().
			Comment("Provider-side model name after alias mapping"),
		field.Int("prompt_tokens"),
		field.Int("completion_tokens"),
		field.Float("cost_usd"),
		field.Int("latency_ms"),
		field.Enum("outcome").
			Values("success", "error", "circuit_open", "budget_exceeded", "rate_limited").
			Default("success"),
		field.String("error").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the LLMEvent.
func (LLMEvent) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("run", Run.Type).
			Ref("llm_events").
			Field("run_id").
			Unique().
			Required().
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.From("step", Step.Type).
			Ref("llm_events").
			Field("step_id").
			Unique().
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the LLMEvent.
func (LLMEvent) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("tenant_id", "created_at"),
		index.Fields("step_id"),
	}
}
