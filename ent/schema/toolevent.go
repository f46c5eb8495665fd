package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// ToolEvent holds the schema definition for the ToolEvent entity.
// One row per tool invocation dispatched on behalf of a Step.
type ToolEvent struct {
	ent.Schema
}

// Fields of the ToolEvent.
func (ToolEvent) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("tool_event_id").
			Unique().
			Immutable(),
		field.String("run_id").
			Immutable(),
		field.String("step_id").
			Immutable(),
		field.String("tenant_id").
			Immutable(),
		field.String("tool_name").
			Immutable(),
		field.JSON("input", map[string]interface{}{}).
			Optional(),
		field.JSON("output", map[string]interface{}{}).
			Optional(),
		field.Enum("outcome").
			Values("success", "error", "timeout").
			Default("success"),
		field.String("error").
			Optional().
			Nillable(),
		field.Int("latency_ms"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the ToolEvent.
func (ToolEvent) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("run", Run.Type).
			Ref("tool_events").
			Field("run_id").
			Unique().
			Required().
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.From("step", Step.Type).
			Ref("tool_events").
			Field("step_id").
			Unique().
			Required().
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the ToolEvent.
func (ToolEvent) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("step_id"),
		index.Fields("tenant_id", "created_at"),
	}
}
