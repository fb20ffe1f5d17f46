package runtime

import (
	"testing"

	"AgentEngine/pkg/engine/api"
)

func TestParsePlanSkillTag(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantSkill string
		wantText  string
		wantOK    bool
	}{
		{
			name:      "basic",
			in:        "[skill:db-migrate] apply pending migrations",
			wantSkill: "db-migrate",
			wantText:  "apply pending migrations",
			wantOK:    true,
		},
		{
			name:      "spaces",
			in:        "  [skill: release-notes]   draft v2.3 notes  ",
			wantSkill: "release-notes",
			wantText:  "draft v2.3 notes",
			wantOK:    true,
		},
		{
			name:   "no-tag",
			in:     "apply pending migrations",
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSkill, gotText, ok := parsePlanSkillTag(tt.in)
			if ok != tt.wantOK {
				t.Fatalf("ok mismatch: got=%v want=%v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if gotSkill != tt.wantSkill {
				t.Fatalf("skill mismatch: got=%q want=%q", gotSkill, tt.wantSkill)
			}
			if gotText != tt.wantText {
				t.Fatalf("text mismatch: got=%q want=%q", gotText, tt.wantText)
			}
		})
	}
}

func TestRouteSkill_ExplicitUserOverrideLocks(t *testing.T) {
	skills := []api.SkillMeta{
		{Name: "db-migrate", Description: `Plans schema migrations`},
		{Name: "release-notes", Description: `Drafts release notes`},
	}

	got, ok := routeSkill(skills, routeSkillInput{
		UserMessage: "skill: release-notes draft the v2.3 changelog",
		PlanHint:    "[skill:db-migrate] apply pending migrations",
	})
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if got.Skill != "release-notes" || got.Source != "user" || !got.Locked {
		t.Fatalf("unexpected decision: %+v", got)
	}
}

func TestRouteSkill_PlanTagWinsInAutoMode(t *testing.T) {
	skills := []api.SkillMeta{
		{Name: "db-migrate", Description: `Triggers on "apply migrations"`},
		{Name: "release-notes", Description: `Triggers on "draft release notes"`},
	}

	got, ok := routeSkill(skills, routeSkillInput{
		UserMessage: "ok, go ahead",
		PlanHint:    "[skill:release-notes] draft release notes",
	})
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if got.Skill != "release-notes" || got.Source != "auto" || got.Locked {
		t.Fatalf("unexpected decision: %+v", got)
	}
}

func TestRouteSkill_AutoByTriggerPicksReleaseNotes(t *testing.T) {
	skills := []api.SkillMeta{
		{Name: "db-migrate", Description: `Triggers on "apply migrations", "schema change"`},
		{Name: "release-notes", Description: `Triggers on "draft release notes", "changelog entry {n}", "write release notes".`},
		{Name: "incident-review", Description: `Postmortem writing`},
	}

	got, ok := routeSkill(skills, routeSkillInput{
		UserMessage: "sure, write release notes for changelog entry 7",
	})
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if got.Skill != "release-notes" {
		t.Fatalf("expected release-notes, got=%q (%+v)", got.Skill, got)
	}
}

func TestRouteSkill_AutoLowConfidenceDoesNothing(t *testing.T) {
	skills := []api.SkillMeta{
		{Name: "alpha", Description: `General`},
		{Name: "beta", Description: `General`},
	}

	_, ok := routeSkill(skills, routeSkillInput{
		UserMessage: "just chatting",
	})
	if ok {
		t.Fatalf("expected ok=false")
	}
}

func TestPlanHintFromPlan_RunningFirst(t *testing.T) {
	plan := &api.PlanPayload{
		PlanID: "plan_x",
		Items: []api.PlanItem{
			{ID: 1, Text: "a", Status: api.PlanPending},
			{ID: 2, Text: "[skill:db-migrate] plan", Status: api.PlanRunning},
			{ID: 3, Text: "c", Status: api.PlanPending},
		},
	}
	if got := planHintFromPlan(plan); got != "[skill:db-migrate] plan" {
		t.Fatalf("unexpected hint: %q", got)
	}
}

func TestPlanHintFromPlan_PendingWhenNoRunning(t *testing.T) {
	plan := &api.PlanPayload{
		PlanID: "plan_x",
		Items: []api.PlanItem{
			{ID: 1, Text: "a", Status: api.PlanDone},
			{ID: 2, Text: "b", Status: api.PlanPending},
			{ID: 3, Text: "c", Status: api.PlanPending},
		},
	}
	if got := planHintFromPlan(plan); got != "b" {
		t.Fatalf("unexpected hint: %q", got)
	}
}
