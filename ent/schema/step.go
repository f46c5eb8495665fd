package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Step holds the schema definition for the Step entity.
// A Step is one element of a Run's totally ordered step sequence (or a
// child of a parallel composite step). The orchestrator worker claims
// queued steps with SELECT ... FOR UPDATE SKIP LOCKED, tracked via
// locked_by and visible_at, and retries with backoff before routing to
// the dead-letter table.
type Step struct {
	ent.Schema
}

// Fields of the Step.
func (Step) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("step_id").
			Unique().
			Immutable(),
		field.String("run_id").
			Immutable(),
		field.String("step_name").
			Immutable().
			Comment("Display/reference name from the task definition"),
		field.Int("step_order").
			Immutable().
			Comment("Strict execution order within the run; (run_id, step_order) is unique"),
		field.Enum("step_type").
			Values("llm", "tool", "decision", "parallel").
			Immutable(),
		field.Enum("status").
			Values("queued", "running", "success", "failed", "retrying", "skipped").
			Default("queued"),
		field.JSON("input_data", map[string]interface{}{}).
			Optional(),
		field.JSON("output_data", map[string]interface{}{}).
			Optional(),
		field.String("error").
			Optional().
			Nillable(),
		field.Int("attempt_number").
			Default(0),
		field.Int("max_attempts").
			Default(3),
		field.Int64("tokens_used").
			Default(0),
		field.Float("cost_usd").
			Default(0),
		field.String("locked_by").
			Optional().
			Nillable().
			Comment("Owning worker/pod id while claimed"),
		field.Time("visible_at").
			Default(time.Now).
			Comment("Step is only claimable once now() >= visible_at; used for backoff delay and heartbeat visibility timeout"),
		field.Time("started_at").
			Optional().
			Nillable(),
		field.Time("finished_at").
			Optional().
			Nillable(),
		field.Time("deleted_at").
			Optional().
			Nillable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the Step.
func (Step) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("run", Run.Type).
			Ref("steps").
			Field("run_id").
			Unique().
			Required().
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("llm_events", LLMEvent.Type),
		edge.To("tool_events", ToolEvent.Type),
		edge.To("dead_letters", DeadLetter.Type),
	}
}

// Indexes of the Step.
func (Step) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("run_id", "step_order").
			Unique(),
		index.Fields("status", "visible_at").
			Annotations(entsql.IndexWhere("deleted_at IS NULL")),
		index.Fields("locked_by"),
	}
}
