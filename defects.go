package main

import (
	"context"
	"strings"
)

// --- Collaborators ---

// BugTracker is the subset of the Mantis API the sync needs.
type BugTracker interface {
	ProjectID(ctx context.Context, name string) (int64, error)
	ListBugIDs(ctx context.Context, projectID int64, includeSubprojects bool, filter map[string]string) ([]int64, error)
	BugFields(ctx context.Context, bugID int64) (map[string]string, error)
}

// RowInserter writes one defect row and commits it. It reports false when the
// row already existed and the insert was ignored.
type RowInserter interface {
	InsertIgnore(ctx context.Context, row DefectRow) (bool, error)
}

// DefectRow is one row of t_defect.
type DefectRow struct {
	ScriptName     string `json:"script_name"`
	DefectNumber   int64  `json:"defect_number"`
	ProjectName    string `json:"project_name"`
	PlanName       string `json:"plan_name"`
	RunName        string `json:"run_name"`
	Summary        string `json:"summary"`
	FixedInVersion string `json:"fixed_in_version"`
	Status         string `json:"status"`
	Project        string `json:"project"`
	Resolution     string `json:"resolution"`
}

const analysisCommentsField = "analysis_comments"

// --- Bug Lister ---

// ListBugs returns the IDs of every bug in mantisProject (subprojects included)
// whose version field equals version, in the order the tracker returns them.
func ListBugs(ctx context.Context, tracker BugTracker, version, mantisProject string) ([]int64, error) {
	projectID, err := tracker.ProjectID(ctx, mantisProject)
	if err != nil {
		return nil, err
	}
	return tracker.ListBugIDs(ctx, projectID, true, map[string]string{"version": version})
}

// --- Bug Data Extractor ---

// ExtractBugData fetches a bug's fields and the script names listed in its
// analysis comments.
func ExtractBugData(ctx context.Context, tracker BugTracker, bugID int64) (map[string]string, []string, error) {
	fields, err := tracker.BugFields(ctx, bugID)
	if err != nil {
		return nil, nil, err
	}

	analysis := fields[analysisCommentsField]
	if analysis == "" {
		return fields, []string{}, nil
	}
	return fields, parseScriptNames(analysis), nil
}

// parseScriptNames cleans the script names typed into the Analysis Comments
// field. Entries are not validated: "a,,b" yields an empty name in the middle.
func parseScriptNames(analysis string) []string {
	pieces := strings.Split(analysis, ",")
	scripts := make([]string, 0, len(pieces))
	for _, piece := range pieces {
		name := strings.TrimSpace(strings.ReplaceAll(piece, ".py", ""))
		if i := strings.LastIndexAny(name, `./\`); i >= 0 {
			name = name[i+1:]
		}
		scripts = append(scripts, name)
	}
	return scripts
}

// --- Defect Inserter ---

// InsertDefect records that scriptName is affected by bugID within the given
// project, plan and run. Fields missing from the bug default to "".
func InsertDefect(ctx context.Context, inserter RowInserter, scriptName string, bugID int64, projectName, planName, runName string, fields map[string]string) (bool, error) {
	return inserter.InsertIgnore(ctx, DefectRow{
		ScriptName:     scriptName,
		DefectNumber:   bugID,
		ProjectName:    projectName,
		PlanName:       planName,
		RunName:        runName,
		Summary:        fields["summary"],
		FixedInVersion: fields["fixed_in_version"],
		Status:         fields["status"],
		Project:        fields["project"],
		Resolution:     fields["resolution"],
	})
}
