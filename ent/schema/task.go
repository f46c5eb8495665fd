package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Task holds the schema definition for the Task entity.
// A Task is a reusable, versioned definition of a DAG of steps. Runs are
// created against a specific Task.
type Task struct {
	ent.Schema
}

// Fields of the Task.
func (Task) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("task_id").
			Unique().
			Immutable(),
		field.String("tenant_id").
			Immutable(),
		field.String("name"),
		field.Int("version").
			Default(1),
		field.JSON("definition", []map[string]interface{}{}).
			Comment("Ordered list of step specifications: name, type, step-type-specific fields"),
		field.Int64("default_token_budget").
			Default(0).
			Comment("Run.token_budget when a Run is created without an explicit override"),
		field.Int("timeout_seconds").
			Default(3600).
			Comment("Wall-clock budget for a Run of this Task; breach moves the Run to timeout"),
		field.Int("max_retries").
			Default(3).
			Comment("Default Step.max_attempts for steps that don't specify their own"),
		field.Enum("status").
			Values("active", "archived").
			Default("active"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the Task.
func (Task) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("tenant", Tenant.Type).
			Ref("tasks").
			Field("tenant_id").
			Unique().
			Required().
			Annotations(entsql.OnDelete(entsql.Cascade)),
		edge.To("runs", Run.Type),
	}
}

// Indexes of the Task.
func (Task) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("tenant_id", "name", "version").
			Unique(),
	}
}
