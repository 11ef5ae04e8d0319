package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

const requestTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:           "warden",
	Short:         "agent warden admin CLI",
	Long:          "Review pending confirmations, manage the trash, resources and policy of a running wardend.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError(err.Error())
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(loginCmd(), healthCmd())
	rootCmd.AddCommand(pendingCmd(), confirmCmd(), watchCmd())
	rootCmd.AddCommand(trashCmd())
	rootCmd.AddCommand(resourcesCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(auditCmd())
}

// requestCtx bounds one API call. extra extends the deadline for calls
// that wait on a human.
func requestCtx(cmd *cobra.Command, extra time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), requestTimeout+extra)
}

// --- session ---

func loginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <admin-token>",
		Short: "Store the server address and admin token in ~/.warden/config.yaml",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			next := saved
			next.Token = args[0]
			if addr, _ := cmd.Flags().GetString("address"); addr != "" {
				next.Address = addr
			}
			if actor, _ := cmd.Flags().GetString("actor"); actor != "" {
				next.Actor = actor
			}
			if err := saveConfig(next); err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			printSuccess("Saved credentials to " + configPath())
			return nil
		},
	}
	cmd.Flags().String("address", "", "Server address, e.g. http://127.0.0.1:8300")
	cmd.Flags().String("actor", "", "Name recorded in audit entries for your actions")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestCtx(cmd, 0)
			defer cancel()
			result, err := newClient().get(ctx, "/v1/sys/health", nil)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
}

// --- confirmations ---

func pendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List confirmations awaiting a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestCtx(cmd, 0)
			defer cancel()
			result, err := newClient().get(ctx, "/v1/acl/pending", nil)
			if err != nil {
				return err
			}
			printRows(result, "operation_id", "decision.kind", "decision.quantity", "decision.reason", "expires_at")
			return nil
		},
	}
}

func confirmCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "confirm <operation-id>",
		Short: "Approve (default) or deny a pending operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deny, _ := cmd.Flags().GetBool("deny")
			ctx, cancel := requestCtx(cmd, 0)
			defer cancel()
			result, err := newClient().post(ctx, "/v1/acl/confirm", map[string]any{
				"operation_id": args[0],
				"approved":     !deny,
			})
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	cmd.Flags().Bool("deny", false, "Deny instead of approving")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream decisions, confirmations and trash events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return newClient().stream(cmd.Context(), func(evt map[string]any) error {
				if outputFormat == "json" {
					printJSON(evt)
					return nil
				}
				data, _ := evt["data"].(map[string]any)
				fmt.Fprintf(stdout, "%s  %-28s %s %s %s %s\n",
					formatCell(evt["at"]), formatCell(evt["type"]), formatCell(data["kind"]),
					formatCell(data["target"]), formatCell(data["outcome"]), formatCell(data["reason"]))
				return nil
			})
		},
	}
}

// --- trash ---

func trashCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "trash", Short: "Inspect and manage the trash"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List trashed entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestCtx(cmd, 0)
			defer cancel()
			result, err := newClient().get(ctx, "/v1/trash", nil)
			if err != nil {
				return err
			}
			printRows(result, "trash_id", "original_path", "deleted_at", "size_bytes", "recoverable", "restored_to")
			return nil
		},
	}

	restoreCmd := &cobra.Command{
		Use:   "restore <trash-id>",
		Short: "Restore an entry to its original location",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestCtx(cmd, 0)
			defer cancel()
			result, err := newClient().post(ctx, "/v1/trash/"+url.PathEscape(args[0])+"/restore", nil)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	emptyCmd := &cobra.Command{
		Use:   "empty",
		Short: "Erase entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			if cmd.Flags().Changed("older-than") {
				days, _ := cmd.Flags().GetInt("older-than")
				body["older_than_days"] = days
			}
			ctx, cancel := requestCtx(cmd, 0)
			defer cancel()
			result, err := newClient().post(ctx, "/v1/trash/empty", body)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	emptyCmd.Flags().Int("older-than", 0, "Age in days (default: policy retention; 0 erases everything)")

	rmCmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Move a path to the trash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			permanent, _ := cmd.Flags().GetBool("permanent")
			body := map[string]any{"path": args[0], "permanent": permanent}
			var extra time.Duration
			if cmd.Flags().Changed("wait") {
				wait, _ := cmd.Flags().GetDuration("wait")
				body["wait_seconds"] = wait.Seconds()
				extra = wait
			} else {
				extra = 10 * time.Minute
			}
			ctx, cancel := requestCtx(cmd, extra)
			defer cancel()
			result, err := newClient().post(ctx, "/v1/trash", body)
			if err != nil {
				return err
			}
			if _, moved := result["trash_id"]; !moved {
				printResult(result)
				return fmt.Errorf("deletion needs confirmation; rerun with --wait and confirm it")
			}
			printResult(result)
			return nil
		},
	}
	rmCmd.Flags().Bool("permanent", false, "Mark the entry unrecoverable")
	rmCmd.Flags().Duration("wait", 0, "How long to wait for confirmation (default: policy timeout)")

	cmd.AddCommand(listCmd, restoreCmd, emptyCmd, rmCmd)
	return cmd
}

// --- resources ---

func resourcesCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "resources", Short: "Show or change the resource allocation"}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show configured, actual and applied limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestCtx(cmd, 0)
			defer cancel()
			result, err := newClient().get(ctx, "/v1/resource/limits", nil)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Change allocation fields; unspecified fields keep their values",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			f := cmd.Flags()
			if f.Changed("ram-gb") {
				v, _ := f.GetFloat64("ram-gb")
				body["ram_gb"] = v
			}
			if f.Changed("cpu-cores") {
				v, _ := f.GetInt("cpu-cores")
				body["cpu_cores"] = v
			}
			if f.Changed("memory-limit-mb") {
				v, _ := f.GetInt64("memory-limit-mb")
				body["memory_limit_mb"] = v
			}
			if f.Changed("gpu-memory-gb") {
				v, _ := f.GetFloat64("gpu-memory-gb")
				body["gpu_memory_gb"] = v
			}
			if len(body) == 0 {
				return fmt.Errorf("nothing to update")
			}
			ctx, cancel := requestCtx(cmd, 0)
			defer cancel()
			result, err := newClient().post(ctx, "/v1/resource/update", body)
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
	updateCmd.Flags().Float64("ram-gb", 0, "RAM budget in GB")
	updateCmd.Flags().Int("cpu-cores", 0, "Number of CPU cores")
	updateCmd.Flags().Int64("memory-limit-mb", 0, "Address-space limit in MB")
	updateCmd.Flags().Float64("gpu-memory-gb", 0, "GPU memory budget in GB")

	cmd.AddCommand(showCmd, updateCmd)
	return cmd
}

// --- policy ---

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Inspect and reload the security policy"}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestCtx(cmd, 0)
			defer cancel()
			result, err := newClient().get(ctx, "/v1/sys/policy", nil)
			if err != nil {
				return err
			}
			if outputFormat == "table" {
				printJSON(result)
				return nil
			}
			printResult(result)
			return nil
		},
	}

	reloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Re-read the policy file on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestCtx(cmd, 0)
			defer cancel()
			result, err := newClient().post(ctx, "/v1/sys/policy/reload", nil)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Policy reloaded (version %v)", formatCell(result["version"])))
			return nil
		},
	}

	cmd.AddCommand(showCmd, reloadCmd)
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if v, _ := cmd.Flags().GetString("event"); v != "" {
				q.Set("event", v)
			}
			if v, _ := cmd.Flags().GetDuration("since"); v > 0 {
				q.Set("since", time.Now().Add(-v).UTC().Format(time.RFC3339))
			}
			if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
				q.Set("limit", strconv.Itoa(v))
			}
			if v, _ := cmd.Flags().GetInt("offset"); v > 0 {
				q.Set("offset", strconv.Itoa(v))
			}
			ctx, cancel := requestCtx(cmd, 0)
			defer cancel()
			result, err := newClient().get(ctx, "/v1/sys/audit-log", q)
			if err != nil {
				return err
			}
			printRows(result, "timestamp", "event", "actor", "kind", "target", "outcome", "reason")
			return nil
		},
	}
	cmd.Flags().String("event", "", "Only this event, e.g. acl.decision")
	cmd.Flags().Duration("since", 0, "Only entries newer than this, e.g. 24h")
	cmd.Flags().Int("limit", 50, "Maximum entries")
	cmd.Flags().Int("offset", 0, "Entries to skip")
	return cmd
}
