package privacy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/tombstone/dialect/sql"
	"github.com/syssam/tombstone/graph"
	"github.com/syssam/tombstone/privacy"
	"github.com/syssam/tombstone/schema/schematest"
)

func operation(t *testing.T, op privacy.Op, entity string, values sql.Record) *privacy.Operation {
	t.Helper()
	g, _, err := graph.Build(schematest.Blog())
	require.NoError(t, err)
	e, ok := g.Lookup(entity)
	require.True(t, ok)
	return &privacy.Operation{Op: op, Entity: e, Values: values}
}

// TestDecisionErrors tests the decision error types and formatting.
func TestDecisionErrors(t *testing.T) {
	tests := []struct {
		name      string
		decision  error
		wantAllow bool
		wantDeny  bool
		wantSkip  bool
	}{
		{name: "allow_decision", decision: privacy.Allow, wantAllow: true},
		{name: "deny_decision", decision: privacy.Deny, wantDeny: true},
		{name: "skip_decision", decision: privacy.Skip, wantSkip: true},
		{name: "allowf_formatted", decision: privacy.Allowf("user %s allowed", "admin"), wantAllow: true},
		{name: "denyf_formatted", decision: privacy.Denyf("user %s denied", "guest"), wantDeny: true},
		{name: "skipf_formatted", decision: privacy.Skipf("rule %d skipped", 1), wantSkip: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantAllow, errors.Is(tt.decision, privacy.Allow))
			assert.Equal(t, tt.wantDeny, errors.Is(tt.decision, privacy.Deny))
			assert.Equal(t, tt.wantSkip, errors.Is(tt.decision, privacy.Skip))
		})
	}
	assert.EqualError(t, privacy.Denyf("user %s denied", "guest"), "user guest denied: tombstone/privacy: deny rule")
}

func TestOp(t *testing.T) {
	assert.Equal(t, "OpQuery", privacy.OpQuery.String())
	assert.Equal(t, "OpSoftDelete|OpHardDelete|OpPurge", privacy.OpDelete.String())
	assert.Equal(t, "Op(0)", privacy.Op(0).String())
	assert.True(t, privacy.OpPurge.Is(privacy.OpDelete))
	assert.True(t, privacy.OpRestore.Is(privacy.OpMutation))
	assert.False(t, privacy.OpQuery.Is(privacy.OpMutation))
}

func TestPolicy(t *testing.T) {
	ctx := context.Background()
	purge := operation(t, privacy.OpPurge, "User", nil)
	query := operation(t, privacy.OpQuery, "User", nil)

	t.Run("empty_policy_allows", func(t *testing.T) {
		assert.NoError(t, privacy.Policy{}.Eval(ctx, purge))
	})

	t.Run("first_decision_wins", func(t *testing.T) {
		p := privacy.Policy{
			privacy.ContextRule(func(context.Context) error { return nil }),
			privacy.AllowOperationRule(privacy.OpQuery),
			privacy.AlwaysDenyRule(),
		}
		assert.NoError(t, p.Eval(ctx, query))
		assert.ErrorIs(t, p.Eval(ctx, purge), privacy.Deny)
	})

	t.Run("deny_operation", func(t *testing.T) {
		p := privacy.Policy{privacy.DenyOperationRule(privacy.OpHardDelete | privacy.OpPurge)}
		err := p.Eval(ctx, purge)
		assert.ErrorIs(t, err, privacy.Deny)
		assert.Contains(t, err.Error(), "operation OpPurge on User is not allowed")
		assert.NoError(t, p.Eval(ctx, query))
	})

	t.Run("on_entity", func(t *testing.T) {
		p := privacy.Policy{privacy.OnEntity(privacy.AlwaysDenyRule(), "Post", "Comment")}
		assert.NoError(t, p.Eval(ctx, purge))
		assert.ErrorIs(t, p.Eval(ctx, operation(t, privacy.OpQuery, "Comment", nil)), privacy.Deny)
	})

	t.Run("decision_context", func(t *testing.T) {
		p := privacy.Policy{privacy.AlwaysDenyRule()}
		assert.NoError(t, p.Eval(privacy.DecisionContext(ctx, privacy.Allow), purge))
		assert.ErrorIs(t, privacy.Policy{}.Eval(privacy.DecisionContext(ctx, privacy.Deny), query), privacy.Deny)
		assert.Equal(t, ctx, privacy.DecisionContext(ctx, privacy.Skip))
		assert.Equal(t, ctx, privacy.DecisionContext(ctx, nil))

		_, ok := privacy.DecisionFromContext(ctx)
		assert.False(t, ok)
	})
}

func TestViewerRules(t *testing.T) {
	ctx := context.Background()
	admin := privacy.WithViewer(ctx, &privacy.SimpleViewer{UserID: "7", Roles: []string{"admin"}, TenantID: "acme"})
	user := privacy.WithViewer(ctx, &privacy.SimpleViewer{UserID: "8", Roles: []string{"user"}, TenantID: "acme"})
	create := operation(t, privacy.OpCreate, "Post", sql.Record{"author_id": int64(7), "tenant": "acme"})

	t.Run("viewer_context", func(t *testing.T) {
		assert.Nil(t, privacy.ViewerFromContext(ctx))
		require.NotNil(t, privacy.ViewerFromContext(admin))
		assert.Equal(t, "7", privacy.ViewerFromContext(admin).GetID())
	})

	t.Run("deny_if_no_viewer", func(t *testing.T) {
		rule := privacy.DenyIfNoViewer()
		assert.ErrorIs(t, rule.Eval(ctx, create), privacy.Deny)
		assert.ErrorIs(t, rule.Eval(user, create), privacy.Skip)
	})

	t.Run("roles", func(t *testing.T) {
		assert.ErrorIs(t, privacy.HasRole("admin").Eval(admin, create), privacy.Allow)
		assert.ErrorIs(t, privacy.HasRole("admin").Eval(user, create), privacy.Skip)
		assert.ErrorIs(t, privacy.HasAnyRole("moderator", "user").Eval(user, create), privacy.Allow)
		assert.ErrorIs(t, privacy.HasAnyRole("admin").Eval(ctx, create), privacy.Skip)
	})

	t.Run("owner", func(t *testing.T) {
		rule := privacy.IsOwner("author_id")
		assert.ErrorIs(t, rule.Eval(admin, create), privacy.Allow)
		assert.ErrorIs(t, rule.Eval(user, create), privacy.Skip)
		assert.ErrorIs(t, rule.Eval(admin, operation(t, privacy.OpSoftDelete, "Post", nil)), privacy.Skip)
	})

	t.Run("tenant", func(t *testing.T) {
		rule := privacy.TenantRule("tenant")
		assert.ErrorIs(t, rule.Eval(user, create), privacy.Allow)
		other := privacy.WithViewer(ctx, &privacy.SimpleViewer{UserID: "9", TenantID: "globex"})
		assert.ErrorIs(t, rule.Eval(other, create), privacy.Deny)
		assert.ErrorIs(t, rule.Eval(ctx, create), privacy.Skip)
	})
}
