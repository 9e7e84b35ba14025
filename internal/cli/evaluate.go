package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/novagate/internal/client"
	"github.com/ppiankov/novagate/internal/model"
)

var (
	evalPolicy string
	evalRemote string
	evalToken  string
	evalJSON   bool
)

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().StringVar(&evalPolicy, "policy", "policy_001", "Policy id to evaluate under")
	evaluateCmd.Flags().StringVar(&evalRemote, "remote", "", "gRPC address of a running gateway (default: evaluate locally)")
	evaluateCmd.Flags().StringVar(&evalToken, "token", "", "Bearer token for the remote gateway")
	evaluateCmd.Flags().BoolVar(&evalJSON, "json", false, "Print the full decision record as JSON")
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <prompt>",
	Short: "Run a prompt through the trust pipeline",
	Long:  "Evaluates one prompt under a policy and records the decision.\nExits 2 when the decision is BLOCK.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runEvaluate,
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	prompt := strings.Join(args, " ")

	var rec model.DecisionRecord
	if evalRemote != "" {
		c, err := client.New(evalRemote, evalToken)
		if err != nil {
			return err
		}
		defer c.Close()
		if rec, err = c.Evaluate(ctx, prompt, evalPolicy); err != nil {
			return fmt.Errorf("evaluation failed: %w", err)
		}
	} else {
		g, err := openGateway(ctx)
		if err != nil {
			return err
		}
		defer g.Close()
		if rec, err = g.Evaluate(ctx, prompt, evalPolicy); err != nil {
			return fmt.Errorf("evaluation failed: %w", err)
		}
	}

	out := cmd.OutOrStdout()
	if evalJSON {
		data, _ := json.MarshalIndent(rec, "", "  ")
		fmt.Fprintln(out, string(data))
	} else {
		printDecision(out, rec)
	}
	if rec.FinalAction == model.Block {
		return errBlocked
	}
	return nil
}

func printDecision(w io.Writer, rec model.DecisionRecord) {
	fmt.Fprintf(w, "%s  (record %d, %s, %dms)\n", rec.FinalAction, rec.ID, rec.PolicyID, rec.ResponseTimeMs)
	fmt.Fprintf(w, "  inbound:       %s", rec.Inbound.Verdict)
	if rec.Inbound.AttackType != model.AttackNone {
		fmt.Fprintf(w, " [%s]", rec.Inbound.AttackType)
	}
	fmt.Fprintf(w, " %s\n", rec.Inbound.Reasoning)
	if rec.Outbound != nil {
		fmt.Fprintf(w, "  outbound:      %s %s\n", rec.Outbound.Verdict, rec.Outbound.Reasoning)
	}
	if rec.Hallucination != nil {
		fmt.Fprintf(w, "  hallucination: %s %s\n", rec.Hallucination.Verdict, rec.Hallucination.Reasoning)
	}
	if rec.Rumor != nil {
		fmt.Fprintf(w, "  rumor:         %s %v\n", rec.Rumor.Verdict, rec.Rumor.SourcesConsulted)
	}
	fmt.Fprintf(w, "\n%s\n", rec.ResponseText)
}
