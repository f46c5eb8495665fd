package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Run holds the schema definition for the Run entity.
// A Run is one execution of a Task's step DAG for a Tenant.
type Run struct {
	ent.Schema
}

// Fields of the Run.
func (Run) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("run_id").
			Unique().
			Immutable(),
		field.String("tenant_id").
			Immutable(),
		field.String("task_id").
			Immutable(),
		field.String("created_by").
			Optional().
			Nillable().
			Immutable().
			Comment("Caller identity that requested the Run, e.g. API key or user id"),
		field.Enum("status").
			Values("pending", "running", "completed", "failed", "cancelled", "timeout", "budget_exceeded").
			Default("pending"),
		field.Int64("token_budget").
			Comment("Token allowance for this Run; defaults from Task.default_token_budget at creation"),
		field.Int64("tokens_used").
			Default(0).
			Comment("Sum of every Step's tokens_used; breaching token_budget forces status=budget_exceeded"),
		field.Float("estimated_cost_usd").
			Default(0),
		field.String("current_step").
			Optional().
			Nillable().
			Comment("step_name of the step currently executing or last attempted"),
		field.JSON("input", map[string]interface{}{}).
			Optional(),
		field.JSON("output", map[string]interface{}{}).
			Optional(),
		field.String("error").
			Optional().
			Nillable(),
		field.Time("started_at").
			Optional().
			Nillable(),
		field.Time("finished_at").
			Optional().
			Nillable().
			Comment("Set once status reaches a terminal state"),
		field.Int("duration_seconds").
			Optional().
			Nillable().
			Comment("floor(finished_at - started_at), set alongside finished_at"),
		field.Time("deleted_at").
			Optional().
			Nillable().
			Comment("Soft-delete marker, excluded from normal queries"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the Run.
func (Run) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("tenant", Tenant.Type).
			Ref("runs").
			Field("tenant_id").
			Unique().
			Required().
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.From("task", Task.Type).
			Ref("runs").
			Field("task_id").
			Unique().
			Required().
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("steps", Step.Type),
		edge.To("llm_events", LLMEvent.Type),
		edge.To("tool_events", ToolEvent.Type),
	}
}

// Indexes of the Run.
func (Run) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("tenant_id", "status"),
		index.Fields("status", "created_at").
			Annotations(entsql.IndexWhere("deleted_at IS NULL")),
	}
}
