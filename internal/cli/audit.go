package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/novagate/internal/audit"
	"github.com/ppiankov/novagate/internal/client"
	"github.com/ppiankov/novagate/internal/model"
)

var (
	auditRemote string
	auditToken  string

	verifyFrom int64
	verifyTo   int64

	queryParams audit.QueryParams
	queryFrozen bool
	queryJSON   bool
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditQueryCmd, auditFreezeCmd, auditSummaryCmd)

	auditCmd.PersistentFlags().StringVar(&auditRemote, "remote", "", "gRPC address of a running gateway (default: open the configured store)")
	auditCmd.PersistentFlags().StringVar(&auditToken, "token", "", "Bearer token for the remote gateway")

	auditVerifyCmd.Flags().Int64Var(&verifyFrom, "from", 1, "First record id")
	auditVerifyCmd.Flags().Int64Var(&verifyTo, "to", 0, "Last record id (0 = tail)")

	f := auditQueryCmd.Flags()
	f.StringVar(&queryParams.Status, "status", "", "success, warning or blocked")
	f.StringVar(&queryParams.PolicyID, "policy", "", "Only records under this policy")
	f.StringVar(&queryParams.Since, "since", "", "RFC 3339 lower bound")
	f.StringVar(&queryParams.Until, "until", "", "RFC 3339 upper bound")
	f.StringVarP(&queryParams.Text, "text", "q", "", "Case-insensitive text in prompt or response")
	f.BoolVar(&queryFrozen, "frozen", false, "Only frozen records")
	f.IntVarP(&queryParams.Limit, "limit", "n", 20, "Page size")
	f.IntVar(&queryParams.Offset, "offset", 0, "Records to skip")
	f.BoolVar(&queryJSON, "json", false, "Print records as JSON")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying, searching and freezing the hash-chained decision log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity of the decision log",
	Long:  "Recomputes every record hash in the range and checks each prev_hash link.\nExits 0 if valid, 1 if tampered.",
	Args:  cobra.NoArgs,
	RunE:  runAuditVerify,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Search decision records, newest first",
	Args:  cobra.NoArgs,
	RunE:  runAuditQuery,
}

var auditFreezeCmd = &cobra.Command{
	Use:   "freeze <id>",
	Short: "Freeze a record for investigation",
	Long:  "Marks a record frozen. The record hash does not change and the chain stays valid.\nRemote freeze needs an admin token.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditFreeze,
}

var auditSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show decision counts and attack types",
	Args:  cobra.NoArgs,
	RunE:  runAuditSummary,
}

// auditBackend is the subset of operations both the local log and the
// remote client provide.
type auditBackend interface {
	VerifyIntegrity(ctx context.Context, fromID, toID int64) (audit.VerifyResult, error)
	Query(ctx context.Context, q audit.QueryParams) (audit.QueryResult, error)
	Freeze(ctx context.Context, id int64) (model.DecisionRecord, error)
}

// localAudit adapts *audit.Log to auditBackend.
type localAudit struct{ log *audit.Log }

func (l localAudit) VerifyIntegrity(ctx context.Context, fromID, toID int64) (audit.VerifyResult, error) {
	return l.log.VerifyIntegrity(ctx, fromID, toID)
}

func (l localAudit) Query(ctx context.Context, q audit.QueryParams) (audit.QueryResult, error) {
	return q.Run(ctx, l.log)
}

func (l localAudit) Freeze(ctx context.Context, id int64) (model.DecisionRecord, error) {
	return l.log.Freeze(ctx, id)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// openAudit returns the backend and a close func.
func openAudit(ctx context.Context) (auditBackend, func(), error) {
	if auditRemote != "" {
		c, err := client.New(auditRemote, auditToken)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { c.Close() }, nil
	}
	g, err := openGateway(ctx)
	if err != nil {
		return nil, nil, err
	}
	return localAudit{log: g.Log}, func() { g.Close() }, nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	b, closeFn, err := openAudit(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := b.VerifyIntegrity(ctx, verifyFrom, verifyTo)
	if err != nil {
		return fmt.Errorf("verify failed: %w", err)
	}
	if res.Valid {
		fmt.Fprintf(cmd.OutOrStdout(), "OK: %d records verified (%d..%d)\n", res.Checked, res.FromID, res.ToID)
		return nil
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "FAILED at record %d: %s\n", *res.BrokenAtID, res.Reason)
	return &exitError{code: 1, msg: "audit chain broken"}
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	q := queryParams
	if queryFrozen {
		frozen := true
		q.Frozen = &frozen
	}
	if _, _, err := q.Parse(); err != nil {
		return err
	}

	b, closeFn, err := openAudit(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	res, err := b.Query(ctx, q)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	out := cmd.OutOrStdout()
	if queryJSON {
		data, _ := json.MarshalIndent(res, "", "  ")
		fmt.Fprintln(out, string(data))
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tPOLICY\tACTION\tFROZEN\tPROMPT")
	for _, r := range res.Records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\t%s\n",
			r.ID, model.FormatTime(r.Timestamp), r.PolicyID, r.FinalAction, r.Frozen, truncate(r.PromptText, 60))
	}
	tw.Flush()
	fmt.Fprintf(out, "%d of %d records\n", len(res.Records), res.Total)
	return nil
}

func runAuditFreeze(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id < 1 {
		return fmt.Errorf("invalid record id %q", args[0])
	}
	ctx := commandContext(cmd)
	b, closeFn, err := openAudit(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	rec, err := b.Freeze(ctx, id)
	if err != nil {
		return fmt.Errorf("freeze failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Frozen record %d (%s)\n", rec.ID, rec.RecordHash)
	return nil
}

func runAuditSummary(cmd *cobra.Command, args []string) error {
	if auditRemote != "" {
		return errors.New("summary is only available against the local store or the HTTP API")
	}
	ctx := commandContext(cmd)
	g, err := openGateway(ctx)
	if err != nil {
		return err
	}
	defer g.Close()

	sum, err := g.Log.Summary(ctx)
	if err != nil {
		return fmt.Errorf("summary failed: %w", err)
	}
	data, _ := json.MarshalIndent(sum, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
