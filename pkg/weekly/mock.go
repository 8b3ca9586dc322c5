package weekly

import (
	"regexp"

	"github.com/zen-systems/salesflow/pkg/adapter"
)

var weekLine = regexp.MustCompile(`DATA FOR THIS WEEK \(([^)]*)\)`)

// MockResponder answers the report prompt offline.
func MockResponder(req adapter.Request) (string, error) {
	if req.System != reportSystem {
		return "", adapter.ErrUnhandled
	}
	week := "this week"
	if m := weekLine.FindStringSubmatch(req.Prompt); m != nil {
		week = m[1]
	}
	return "EXECUTIVE SUMMARY\nOffline report for " + week + ".\n\nACTION ITEMS\n- Follow up on stale leads\n- Review the pipeline with each rep\n- Close the deals in negotiation", nil
}
