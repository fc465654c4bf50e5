package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vmpool/vmpool/pkg/engine"
)

// readRequestFile reads a build request from a YAML or JSON file, or stdin
// when path is "-". Keys are the request's JSON field names.
func readRequestFile(path string) (*engine.BuildRequest, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse request: %w", err)
	}

	req := new(engine.BuildRequest)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return req, nil
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// withEngine runs fn against a wired app and closes it afterwards.
func withEngine(cmd *cobra.Command, version string, fn func(ctx context.Context, a *app) error) error {
	ctx, a, err := newApp(cmd.Context(), version)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.close(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func newSubmitCommand(version string) *cobra.Command {
	var (
		file      string
		requester string
		noProcess bool
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a build request",
		Long: `Submit a build request and process it until it awaits approval.

The request file holds the request fields (prefix, cpus, memory_mb, disk_gb,
quantity, start_number, additional_disks, network, timezone, environment)
as YAML or JSON.`,
		Example: `  # Submit and plan
  vmpool submit -f lin2dv2-ssb.yaml

  # Only record the request; a running server picks it up on restart
  vmpool submit -f lin2dv2-ssb.yaml --no-process`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := readRequestFile(file)
			if err != nil {
				return err
			}
			if requester != "" {
				req.Requester = requester
			}
			if req.Requester == "" {
				req.Requester = defaultActor()
			}

			return withEngine(cmd, version, func(ctx context.Context, a *app) error {
				created, err := a.engine.Submit(ctx, req)
				if err != nil {
					if created != nil {
						_ = printRequest(cmd.OutOrStdout(), created)
					}
					return err
				}
				if !noProcess {
					processed, err := a.engine.Process(ctx, created.ID)
					if processed != nil {
						created = processed
					}
					if err != nil {
						_ = printRequest(cmd.OutOrStdout(), created)
						return err
					}
				}
				return printRequest(cmd.OutOrStdout(), created)
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "request file (YAML or JSON, - for stdin)")
	cmd.Flags().StringVar(&requester, "requester", "", "requester (default $USER)")
	cmd.Flags().BoolVar(&noProcess, "no-process", false, "record the request without processing it")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// actionFunc runs one lifecycle action against a request.
type actionFunc func(ctx context.Context, a *app, id, actor, comment string) (*engine.BuildRequest, error)

func newActionCommand(version, use, short, long string, withComment bool, fn actionFunc) *cobra.Command {
	var actor, comment string

	cmd := &cobra.Command{
		Use:   use + " <request-id>",
		Short: short,
		Long:  long,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, version, func(ctx context.Context, a *app) error {
				req, err := fn(ctx, a, args[0], actor, comment)
				if req != nil {
					if perr := printRequest(cmd.OutOrStdout(), req); perr != nil && err == nil {
						err = perr
					}
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&actor, "actor", defaultActor(), "who performs the action")
	if withComment {
		cmd.Flags().StringVarP(&comment, "comment", "m", "", "comment recorded with the decision")
	}
	return cmd
}

func newApproveCommand(version string) *cobra.Command {
	return newActionCommand(version, "approve", "Approve a plan and apply it",
		`Approve the plan of a request awaiting approval, then apply it.

Approving an already approved request prints the recorded decision and does
not apply again.`,
		true,
		func(ctx context.Context, a *app, id, actor, comment string) (*engine.BuildRequest, error) {
			return a.engine.Approve(ctx, id, actor, comment)
		})
}

func newRejectCommand(version string) *cobra.Command {
	return newActionCommand(version, "reject", "Reject a plan",
		"Reject the plan of a request awaiting approval and release its names and addresses.",
		true,
		func(ctx context.Context, a *app, id, actor, comment string) (*engine.BuildRequest, error) {
			return a.engine.Reject(ctx, id, actor, comment)
		})
}

func newCancelCommand(version string) *cobra.Command {
	return newActionCommand(version, "cancel", "Cancel a request",
		"Cancel a request that is pending, planning or awaiting approval.",
		false,
		func(ctx context.Context, a *app, id, actor, _ string) (*engine.BuildRequest, error) {
			return a.engine.Cancel(ctx, id, actor)
		})
}

func newReplanCommand(version string) *cobra.Command {
	return newActionCommand(version, "replan", "Plan a failed plan again",
		"Move a plan_failed request back to planning and plan its existing workspace again.",
		false,
		func(ctx context.Context, a *app, id, actor, _ string) (*engine.BuildRequest, error) {
			return a.engine.Replan(ctx, id, actor)
		})
}

func newResubmitCommand(version string) *cobra.Command {
	return newActionCommand(version, "resubmit", "Resubmit a failed or rejected request",
		"Create a new request with the parameters of a failed or rejected one and process it.",
		false,
		func(ctx context.Context, a *app, id, actor, _ string) (*engine.BuildRequest, error) {
			created, err := a.engine.Resubmit(ctx, id, actor)
			if err != nil {
				return created, err
			}
			return a.engine.Process(ctx, created.ID)
		})
}

func newShowCommand(version string) *cobra.Command {
	var withOutput bool

	cmd := &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, version, func(ctx context.Context, a *app) error {
				d, err := loadDetail(ctx, a.engine, args[0])
				if err != nil {
					return err
				}
				return printDetail(cmd.OutOrStdout(), d, withOutput)
			})
		},
	}

	cmd.Flags().BoolVar(&withOutput, "output", false, "include raw plan and apply output")
	return cmd
}

func loadDetail(ctx context.Context, e *engine.Engine, id string) (*requestDetail, error) {
	req, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	d := &requestDetail{Request: req}
	if d.Audit, err = e.Audit(ctx, id); err != nil {
		return nil, err
	}
	if d.Plans, err = e.Plans(ctx, id); err != nil {
		return nil, err
	}
	if d.Applies, err = e.Applies(ctx, id); err != nil {
		return nil, err
	}
	if d.Allocations, err = e.Allocations(ctx, id); err != nil {
		return nil, err
	}
	return d, nil
}

func newListCommand(version string) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List requests",
		Example: "  vmpool list --state awaiting_approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, version, func(ctx context.Context, a *app) error {
				reqs, err := a.engine.List(ctx, engine.State(state))
				if err != nil {
					return err
				}
				return printRequestList(cmd.OutOrStdout(), reqs)
			})
		},
	}

	cmd.Flags().StringVarP(&state, "state", "s", "", "only list requests in this state")
	return cmd
}
