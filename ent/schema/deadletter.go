package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/dialect/entsql"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// DeadLetter holds the schema definition for the DeadLetter entity.
// A DeadLetter records a Step that exhausted max_attempts or failed
// non-retryably, preserving the
// payload and reason for later inspection or manual replay.
type DeadLetter struct {
	ent.Schema
}

// Fields of the DeadLetter.
func (DeadLetter) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("dead_letter_id").
			Unique().
			Immutable(),
		field.String("step_id").
			Immutable(),
		field.String("run_id").
			Immutable(),
		field.String("reason").
			Immutable(),
		field.Int("original_attempt").
			Immutable(),
		field.JSON("payload", map[string]interface{}{}).
			Optional().
			Immutable(),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
	}
}

// Edges of the DeadLetter.
func (DeadLetter) Edges() []ent.Edge {
	return []ent.Edge{
		edge.From("step", Step.Type).
			Ref("dead_letters").
			Field("step_id").
			Unique().
			Required().
			Annotations(entsql.OnDelete(entsql.Cascade)),
	}
}

// Indexes of the DeadLetter.
func (DeadLetter) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("run_id"),
	}
}
