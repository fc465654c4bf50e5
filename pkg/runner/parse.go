package runner

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"github.com/vmpool/vmpool/pkg/engine"
)

var (
	ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

	planPattern = regexp.MustCompile(
		`Plan: (?:(\d+) to import, )?(\d+) to add, (\d+) to change, (\d+) to destroy\.`)

	noChangesPattern = regexp.MustCompile(`No changes\.[^\n]*`)

	applyPattern = regexp.MustCompile(
		`Apply complete! Resources: (?:\d+ imported, )?(\d+) added, (\d+) changed, (\d+) destroyed\.`)

	createdPattern = regexp.MustCompile(`: Creation complete after [^\[\n]*\[id=([^\]\n]+)\]`)

	ipv4Pattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
)

// PlanOutput is what a plan run reports.
type PlanOutput struct {
	Summary engine.PlanSummary

	// SummaryText is the runner's one-line summary.
	SummaryText string

	// Found is false when the output carries no recognizable summary.
	Found bool
}

// ApplyOutput is what an apply run reports.
type ApplyOutput struct {
	SummaryText string
	Found       bool

	// ResourceIDs are the ids of created resources in output order.
	ResourceIDs []string

	// Addresses are the unique IPv4 addresses listed under Outputs.
	Addresses []string
}

// StripANSI removes terminal color sequences.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// ParsePlan extracts the change summary from terraform plan output.
func ParsePlan(output string) PlanOutput {
	output = StripANSI(output)

	if m := planPattern.FindStringSubmatch(output); m != nil {
		return PlanOutput{
			Summary: engine.PlanSummary{
				Add:     atoi(m[2]),
				Change:  atoi(m[3]),
				Destroy: atoi(m[4]),
			},
			SummaryText: m[0],
			Found:       true,
		}
	}
	if m := noChangesPattern.FindString(output); m != "" {
		return PlanOutput{SummaryText: strings.TrimSpace(m), Found: true}
	}
	return PlanOutput{}
}

// ParseApply extracts the summary, created resource ids and output
// addresses from terraform apply output.
func ParseApply(output string) ApplyOutput {
	output = StripANSI(output)

	var res ApplyOutput
	if m := applyPattern.FindString(output); m != "" {
		res.SummaryText = m
		res.Found = true
	}

	for _, m := range createdPattern.FindAllStringSubmatch(output, -1) {
		res.ResourceIDs = append(res.ResourceIDs, strings.TrimSpace(m[1]))
	}

	if i := strings.Index(output, "\nOutputs:"); i >= 0 {
		seen := make(map[string]bool)
		for _, candidate := range ipv4Pattern.FindAllString(output[i:], -1) {
			addr, err := netip.ParseAddr(candidate)
			if err != nil || !addr.Is4() || seen[candidate] {
				continue
			}
			seen[candidate] = true
			res.Addresses = append(res.Addresses, addr.String())
		}
	}
	return res
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
