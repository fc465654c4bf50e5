package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vmpool/vmpool/pkg/render"
)

func newRenderCommand() *cobra.Command {
	var (
		file      string
		addresses []string
	)

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a request's variables without submitting it",
		Long: `Render the Terraform variables of a request and print them.

Nothing is recorded and no external system is contacted: the request needs
an explicit start_number, and one address per VM is given with --address.
With --json the variables are printed as JSON instead of tfvars.`,
		Example: `  vmpool render -f lin2dv2-ssb.yaml --address 10.20.30.11 --address 10.20.30.12`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			req, err := readRequestFile(file)
			if err != nil {
				return err
			}
			if req.Requester == "" {
				req.Requester = defaultActor()
			}

			vars, err := render.New(cfg.Environments, cfg.Naming.MaxNumber).Render(req, addresses)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, vars)
			}
			data, err := render.EncodeTFVars(vars)
			if err != nil {
				return err
			}
			_, err = fmt.Fprint(out, string(data))
			return err
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "request file (YAML or JSON, - for stdin)")
	cmd.Flags().StringArrayVar(&addresses, "address", nil, "address of the next VM, in name order")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
