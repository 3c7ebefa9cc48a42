package ethos

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
)

// RenderReport renders a CycleResult as an HTML fragment suitable for
// embedding in an operator dashboard or chat notification. The
// markdown source names every metric, flags violations, and lists any
// remediation projects opened this cycle.
func RenderReport(result CycleResult) (string, error) {
	var md strings.Builder
	md.WriteString("# Health Report\n\n")
	md.WriteString("| Metric | Value |\n|---|---|\n")
	fmt.Fprintf(&md, "| coherence | %.2f |\n", result.Metrics.Coherence)
	fmt.Fprintf(&md, "| velocity | %.2f |\n", result.Metrics.Velocity)
	fmt.Fprintf(&md, "| blockage | %.2f |\n", result.Metrics.Blockage)
	fmt.Fprintf(&md, "| staleness | %.0fs |\n", result.Metrics.Staleness)
	fmt.Fprintf(&md, "| claimHealth | %.2f |\n", result.Metrics.ClaimHealth)
	fmt.Fprintf(&md, "| agentHealth | %.2f |\n", result.Metrics.AgentHealth)

	if len(result.Violations) == 0 {
		md.WriteString("\nNo thresholds violated.\n")
	} else {
		md.WriteString("\n## Violations\n\n")
		for _, v := range result.Violations {
			fmt.Fprintf(&md, "- **%s** %s %.2f (actual %.2f) -> `%s`\n", v.Metric, v.Operator, v.Threshold, v.Actual, v.ActionTag)
		}
	}

	if len(result.Projects) > 0 {
		md.WriteString("\n## Remediation projects opened\n\n")
		for _, id := range result.Projects {
			fmt.Fprintf(&md, "- %s\n", id)
		}
	}

	var html bytes.Buffer
	if err := goldmark.Convert([]byte(md.String()), &html); err != nil {
		return "", err
	}
	return html.String(), nil
}
