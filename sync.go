package main

import (
	"context"
	"fmt"
	"log/slog"
)

// noTestCaseSuffix marks a defect that is not tied to a specific test case.
const noTestCaseSuffix = " - None"

type SyncParams struct {
	MantisProject string
	ProjectName   string
	PlanName      string
	RunName       string
}

type SyncSummary struct {
	Bugs     int `json:"bugs"`
	Scripts  int `json:"scripts"`
	Inserted int `json:"inserted"`
	Ignored  int `json:"ignored"`
}

// syncDefects copies the bugs of p.MantisProject into t_defect. The first
// error stops the run; rows committed before it are kept.
func syncDefects(ctx context.Context, tracker BugTracker, inserter RowInserter, p SyncParams) (SyncSummary, error) {
	var summary SyncSummary

	// The plan name doubles as the Mantis version filter.
	bugs, err := ListBugs(ctx, tracker, p.PlanName, p.MantisProject)
	if err != nil {
		return summary, fmt.Errorf("failed to list bugs for %s: %w", p.MantisProject, err)
	}
	summary.Bugs = len(bugs)

	for _, bug := range bugs {
		slog.Info("processing bug", "bug_id", bug)

		fields, scripts, err := ExtractBugData(ctx, tracker, bug)
		if err != nil {
			return summary, fmt.Errorf("failed to get data for bug %d: %w", bug, err)
		}

		for _, script := range scripts {
			slog.Info("add defect in database",
				"script", script, "bug_id", bug,
				"project_name", p.ProjectName, "plan_name", p.PlanName, "run_name", p.RunName)

			inserted, err := InsertDefect(ctx, inserter, script+noTestCaseSuffix, bug, p.ProjectName, p.PlanName, p.RunName, fields)
			if err != nil {
				return summary, fmt.Errorf("failed to insert defect %d for %s: %w", bug, script, err)
			}
			summary.Scripts++
			if inserted {
				summary.Inserted++
			} else {
				summary.Ignored++
			}
		}
	}

	return summary, nil
}
