package sqlite

import (
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/compasshq/journeyd/internal/domain/model"
	"github.com/compasshq/journeyd/internal/domain/model/instance"
	"github.com/compasshq/journeyd/internal/domain/model/journey"
)

// testDB opens a migrated in-memory database. A single connection is used
// so every query sees the same memory database.
func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, NewMigrator(db).Migrate())
	return db
}

func testScope(t *testing.T) model.Scope {
	t.Helper()
	scope, err := model.NewScope("acme")
	require.NoError(t, err)
	return scope
}

func testDefinition(t *testing.T, version int) *journey.Definition {
	t.Helper()
	v, err := model.NewVersion(version)
	require.NoError(t, err)

	def, err := journey.NewDefinition(
		testScope(t), "lead-journey", v,
		[]journey.State{"new", "qualified", "contacted", "won", "lost"},
		"new",
		[]journey.State{"won", "lost"},
		[]journey.Transition{
			{From: "new", To: "qualified", Trigger: "scored"},
			{From: "qualified", To: "contacted", Trigger: "outreach_sent"},
			{From: "contacted", To: "won", Trigger: "replied"},
			{From: "contacted", To: "lost", Trigger: "no_reply"},
		},
		[]journey.StepSpec{
			{Slug: "score-lead", Type: model.StepTypeScoring, Entry: "new", OnSuccess: "qualified"},
			{Slug: "send-outreach", Type: model.StepTypeOutreach, Entry: "qualified", OnSuccess: "contacted", OnFailure: "lost"},
			{
				Slug: "route-reply", Type: model.StepTypeConditional, Entry: "contacted",
				Branches:      []journey.Branch{{Key: "replied", Op: "eq", Value: true, Target: "won"}},
				DefaultBranch: "lost",
			},
		},
		nil, []string{"lead_id"}, nil,
	)
	require.NoError(t, err)
	return def
}

func testInstance(t *testing.T, def *journey.Definition) *instance.Instance {
	t.Helper()
	inst, err := instance.New(def, "lead-42", map[string]interface{}{"lead_id": "L-42"}, 3)
	require.NoError(t, err)
	return inst
}
