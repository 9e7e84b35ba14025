package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/novagate/internal/policy"
)

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyListCmd, policyCheckCmd)
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Policy store operations",
}

var policyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List policies in the configured store",
	Args:  cobra.NoArgs,
	RunE:  runPolicyList,
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a policy YAML file without loading it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPolicyCheck,
}

func runPolicyList(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	g, err := openGateway(ctx)
	if err != nil {
		return err
	}
	defer g.Close()

	policies, err := g.Policies.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENABLED\tRULES\tNAME")
	for _, p := range policies {
		fmt.Fprintf(tw, "%s\t%t\t%d\t%s\n", p.ID, p.Enabled, len(p.Rules), p.Name)
	}
	return tw.Flush()
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}
	policies, err := policy.Parse(data)
	if err != nil {
		return err
	}
	enabled := 0
	for _, p := range policies {
		if p.Enabled {
			enabled++
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "OK: %d policies (%d enabled)\n", len(policies), enabled)
	return nil
}
