package schema

import (
	"time"

	"entgo.io/ent"
	"entgo.io/ent/schema/edge"
	"entgo.io/ent/schema/field"
	"entgo.io/ent/schema/index"
)

// Tenant holds the schema definition for the Tenant entity.
// A Tenant owns Tasks and Runs and carries the monthly token budget and
// per-minute rate limit enforced by the gateway.
type Tenant struct {
	ent.Schema
}

// Fields of the Tenant.
func (Tenant) Fields() []ent.Field {
	return []ent.Field{
		field.String("id").
			StorageKey("tenant_id").
			Unique().
			Immutable(),
		field.String("name").
			Comment("Display name"),
		field.Int64("token_budget_monthly").
			Comment("Monthly token allowance"),
		field.Int64("token_used_current_month").
			Default(0).
			Comment("Reset at the start of each calendar month (UTC) by the reconciler"),
		field.Int("rate_limit_per_minute").
			Comment("Requests-per-minute cap enforced by the gateway"),
		field.Enum("status").
			Values("active", "suspended").
			Default("active"),
		field.Time("created_at").
			Default(time.Now).
			Immutable(),
		field.Time("updated_at").
			Default(time.Now).
			UpdateDefault(time.Now),
	}
}

// Edges of the Tenant.
func (Tenant) Edges() []ent.Edge {
	return []ent.Edge{
		edge.To("tasks", Task.Type),
		edge.To("runs", Run.Type),
	}
}

// Indexes of the Tenant.
func (Tenant) Indexes() []ent.Index {
	return []ent.Index{
		index.Fields("status"),
	}
}
