package daily

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/zen-systems/salesflow/pkg/adapter"
)

var leadHeader = regexp.MustCompile(`(?m)^LEAD #(\S+):$`)

// MockResponder answers the pipeline's prompts offline so a run can be
// exercised end to end without provider keys. Scores are derived from the
// lead id and are stable across runs.
func MockResponder(req adapter.Request) (string, error) {
	switch req.System {
	case scoringSystem:
		type entry struct {
			LeadID     string `json:"lead_id"`
			Label      string `json:"score_label"`
			Numeric    int    `json:"score_numeric"`
			Reasoning  string `json:"reasoning"`
			NextAction string `json:"next_action"`
		}
		var out []entry
		for _, m := range leadHeader.FindAllStringSubmatch(req.Prompt, -1) {
			sum := blake3.Sum256([]byte(m[1]))
			n := int(sum[0]) % 101
			label := LabelCold
			switch {
			case n >= 80:
				label = LabelHot
			case n >= 40:
				label = LabelWarm
			}
			out = append(out, entry{LeadID: m[1], Label: label, Numeric: n, Reasoning: "offline score", NextAction: "Follow up"})
		}
		data, err := json.Marshal(out)
		return string(data), err
	case anomalySystem:
		return "[]", nil
	case briefSystem:
		first := strings.SplitN(req.Prompt, "\n", 2)[0]
		return fmt.Sprintf("Good morning! %s\n\nCall your top leads first.", strings.TrimPrefix(first, "REP: ")), nil
	default:
		return "", adapter.ErrUnhandled
	}
}
