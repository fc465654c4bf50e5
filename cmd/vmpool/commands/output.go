package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/vmpool/vmpool/pkg/engine"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printRequest writes a request summary.
func printRequest(w io.Writer, req *engine.BuildRequest) error {
	if jsonOutput {
		return printJSON(w, req)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", req.ID)
	fmt.Fprintf(tw, "State:\t%s\n", req.State)
	fmt.Fprintf(tw, "Requester:\t%s\n", req.Requester)
	fmt.Fprintf(tw, "Environment:\t%s\n", req.Environment)
	fmt.Fprintf(tw, "Pool:\t%d x %d vCPU / %d MB / %d GB\n", req.Quantity, req.CPUs, req.MemoryMB, req.DiskGB)
	if req.StartNumber > 0 {
		fmt.Fprintf(tw, "Names:\t%s\n", strings.Join(req.VMNames(), ", "))
	} else {
		fmt.Fprintf(tw, "Prefix:\t%s\n", req.Prefix)
	}
	if req.LastStage != "" {
		fmt.Fprintf(tw, "Last stage:\t%s\n", req.LastStage)
	}
	if req.FailureReason != "" {
		fmt.Fprintf(tw, "Failure:\t%s (%s)\n", req.FailureReason, req.FailureKind)
	}
	if req.Approval != nil {
		fmt.Fprintf(tw, "Decision:\t%s by %s at %s\n", req.Approval.Decision, req.Approval.Actor, req.Approval.DecidedAt.Format(time.RFC3339))
		if req.Approval.Comment != "" {
			fmt.Fprintf(tw, "Comment:\t%s\n", req.Approval.Comment)
		}
	}
	if req.ResubmittedFrom != "" {
		fmt.Fprintf(tw, "Resubmitted from:\t%s\n", req.ResubmittedFrom)
	}
	fmt.Fprintf(tw, "Updated:\t%s\n", req.UpdatedAt.Format(time.RFC3339))
	return tw.Flush()
}

func printRequestList(w io.Writer, reqs []*engine.BuildRequest) error {
	if jsonOutput {
		if reqs == nil {
			reqs = []*engine.BuildRequest{}
		}
		return printJSON(w, reqs)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tPREFIX\tQTY\tREQUESTER\tUPDATED")
	for _, r := range reqs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.State, r.Prefix, r.Quantity, r.Requester, r.UpdatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// requestDetail is everything show reports about one request.
type requestDetail struct {
	Request     *engine.BuildRequest  `json:"request"`
	Audit       []engine.AuditRecord  `json:"audit"`
	Plans       []engine.PlanResult   `json:"plans"`
	Applies     []engine.ApplyResult  `json:"applies"`
	Allocations []engine.IPAllocation `json:"allocations"`
}

func printDetail(w io.Writer, d *requestDetail, withOutput bool) error {
	if jsonOutput {
		return printJSON(w, d)
	}
	if err := printRequest(w, d.Request); err != nil {
		return err
	}

	if len(d.Allocations) > 0 {
		fmt.Fprintln(w, "\nAddresses:")
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, a := range d.Allocations {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", a.Address, a.Interface, a.Status)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(d.Plans) > 0 {
		fmt.Fprintln(w, "\nPlans:")
		for _, p := range d.Plans {
			status := "ok"
			if !p.Success {
				status = "failed: " + p.FailureReason
			}
			fmt.Fprintf(w, "  #%d %s  %s  %s\n", p.Attempt, p.CreatedAt.Format(time.RFC3339), p.SummaryText, status)
			if withOutput && p.Output != "" {
				fmt.Fprintln(w, indent(p.Output, "      "))
			}
		}
	}

	if len(d.Applies) > 0 {
		fmt.Fprintln(w, "\nApplies:")
		for _, a := range d.Applies {
			status := "ok"
			if !a.Success {
				status = "failed: " + a.FailureReason
			}
			fmt.Fprintf(w, "  #%d %s  %s  %s\n", a.Attempt, a.CreatedAt.Format(time.RFC3339), a.SummaryText, status)
			if withOutput && a.Output != "" {
				fmt.Fprintln(w, indent(a.Output, "      "))
			}
		}
	}

	fmt.Fprintln(w, "\nHistory:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, rec := range d.Audit {
		change := string(rec.To)
		if rec.From != "" && rec.From != rec.To {
			change = fmt.Sprintf("%s -> %s", rec.From, rec.To)
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%s\t%s\n",
			rec.Seq, rec.At.Format(time.RFC3339), rec.Kind, change, rec.Actor, rec.Message)
	}
	return tw.Flush()
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
