// Package triage turns labeled GitHub issues into task threads.
package triage

import (
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/korentomas/issueforge/internal/config"
)

// Issue is a GitHub issue considered for automation
type Issue struct {
	Number int
	Title  string
	Body   string
	Labels []string
}

// Fetcher handles fetching and labeling GitHub issues via the gh CLI
type Fetcher struct {
	config *config.TriageConfig
}

// NewFetcher creates a new Fetcher with the given config
func NewFetcher(cfg *config.TriageConfig) *Fetcher {
	return &Fetcher{config: cfg}
}

type ghIssue struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

func parseIssues(data []byte) ([]*Issue, error) {
	var ghIssues []ghIssue
	if err := json.Unmarshal(data, &ghIssues); err != nil {
		return nil, fmt.Errorf("parse gh output: %w", err)
	}

	issues := make([]*Issue, 0, len(ghIssues))
	for _, gh := range ghIssues {
		labels := make([]string, len(gh.Labels))
		for i, l := range gh.Labels {
			labels[i] = l.Name
		}
		issues = append(issues, &Issue{
			Number: gh.Number,
			Title:  gh.Title,
			Body:   gh.Body,
			Labels: labels,
		})
	}
	return issues, nil
}

// FetchCandidates returns issues carrying the candidate label that have not
// already been queued
func (f *Fetcher) FetchCandidates() ([]*Issue, error) {
	// gh issue list --repo owner/repo --label "forge-candidate" --json number,title,body,labels
	cmd := exec.Command("gh", "issue", "list",
		"--repo", f.config.Repo,
		"--label", f.config.CandidateLabel,
		"--json", "number,title,body,labels",
		"--limit", "100")

	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gh issue list: %w", err)
	}

	issues, err := parseIssues(output)
	if err != nil {
		return nil, err
	}

	candidates := issues[:0]
	for _, issue := range issues {
		if hasLabel(issue.Labels, f.config.QueuedLabel) {
			continue
		}
		candidates = append(candidates, issue)
	}
	return candidates, nil
}

// MarkQueued labels an issue as picked up so it is not triaged twice
func (f *Fetcher) MarkQueued(issueNumber int) error {
	cmd := exec.Command("gh", "issue", "edit", fmt.Sprintf("%d", issueNumber),
		"--repo", f.config.Repo,
		"--add-label", f.config.QueuedLabel)
	return cmd.Run()
}

func hasLabel(labels []string, target string) bool {
	for _, l := range labels {
		if l == target {
			return true
		}
	}
	return false
}
