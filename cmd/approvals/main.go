package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "approvals",
	Short:         "Secret change approval CLI",
	Long:          "A CLI for submitting, reviewing and merging secret changes.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadConfig()
		// Env var overrides are applied in newClient()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table", "Output format: table, json, raw")
	rootCmd.PersistentFlags().StringVar(&outputField, "field", "", "Print only this field (use with -format=raw)")

	rootCmd.AddCommand(loginCmd(), statusCmd())
	rootCmd.AddCommand(submitCmd(), getCmd(), listCmd(), diffCmd())
	rootCmd.AddCommand(voteCmd("approve", "approved"), voteCmd("reject", "rejected"), mergeCmd())
	rootCmd.AddCommand(secretsCmd(), policyCmd(), tokenCmd(), auditCmd())
}

// --- session ---

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <token>",
		Short: "Verify a token and save it to the CLI config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClientFor(addrOverride(), args[0], cfg.TLSCACert)
			result, err := client.get(cmd.Context(), "/v1/auth/token/lookup-self")
			if err != nil {
				return err
			}
			cfg.Token = args[0]
			if err := saveConfig(); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "Token saved to config.")
			if d, ok := result["data"].(map[string]any); ok {
				printResult(d)
			}
			return nil
		},
	}
}

func addrOverride() string {
	if v := os.Getenv("APPROVALS_ADDR"); v != "" {
		return v
	}
	return cfg.Address
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get(cmd.Context(), "/v1/sys/health")
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}
}

// --- approval workflow ---

func submitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit -f <changes.yaml>",
		Short: "Submit a batch of secret changes for approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			key, _ := cmd.Flags().GetString("idempotency-key")
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			changes, err := readChangeFile(file)
			if err != nil {
				return err
			}
			result, err := newClient().submit(cmd.Context(), changes.body(), key)
			if err != nil {
				return err
			}
			return printData(result, printRequest)
		},
	}
	cmd.Flags().StringP("file", "f", "", "YAML file describing the changes")
	cmd.Flags().String("idempotency-key", "", "Key that makes resubmission return the original request")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show an approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get(cmd.Context(), "/v1/approvals/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			return printData(result, printRequest)
		},
	}
}

func listCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			for _, name := range []string{"workspace", "environment", "status", "requested-by"} {
				if v, _ := cmd.Flags().GetString(name); v != "" {
					q.Set(queryName(name), v)
				}
			}
			for _, name := range []string{"limit", "offset"} {
				if v, _ := cmd.Flags().GetInt(name); v > 0 {
					q.Set(name, strconv.Itoa(v))
				}
			}
			path := "/v1/approvals"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			result, err := newClient().get(cmd.Context(), path)
			if err != nil {
				return err
			}
			reqs, _ := result["data"].([]any)
			printRequestList(reqs)
			return nil
		},
	}
	cmd.Flags().String("workspace", "", "Filter by workspace")
	cmd.Flags().String("environment", "", "Filter by environment")
	cmd.Flags().String("status", "", "Filter by status: pending, approved, rejected")
	cmd.Flags().String("requested-by", "", "Filter by requester")
	cmd.Flags().Int("limit", 0, "Maximum number of requests")
	cmd.Flags().Int("offset", 0, "Number of requests to skip")
	return cmd
}

func queryName(flag string) string {
	if flag == "requested-by" {
		return "requested_by"
	}
	return flag
}

func diffCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diff <id>",
		Short: "Show the proposed changes of a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get(cmd.Context(), "/v1/approvals/"+url.PathEscape(args[0])+"/diff")
			if err != nil {
				return err
			}
			diffs, _ := result["data"].([]any)
			printDiffs(diffs)
			return nil
		},
	}
}

func voteCmd(use, decision string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: fmt.Sprintf("Vote %s on a request or one of its proposals", decision),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proposal, _ := cmd.Flags().GetString("proposal")
			body := map[string]any{"decision": decision}
			if proposal != "" {
				body["proposal_id"] = proposal
			}
			result, err := newClient().post(cmd.Context(), "/v1/approvals/"+url.PathEscape(args[0])+"/votes", body)
			if err != nil {
				return err
			}
			if changed, ok := result["changed"].(bool); ok && !changed {
				fmt.Fprintln(os.Stderr, "Vote already recorded.")
			}
			if msg, ok := result["merge_error"].(string); ok {
				fmt.Fprintln(os.Stderr, "Auto-merge failed: "+msg)
			}
			return printData(result, printRequest)
		},
	}
	cmd.Flags().String("proposal", "", "Vote on this proposal instead of the whole request")
	return cmd
}

func mergeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "merge <id>",
		Short: "Apply an approved request to the live secrets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().post(cmd.Context(), "/v1/approvals/"+url.PathEscape(args[0])+"/merge", nil)
			if err != nil {
				return err
			}
			return printData(result, printMergeReport)
		},
	}
}

func printMergeReport(report map[string]any) {
	if outputFormat != "table" {
		printResult(report)
		return
	}
	results, _ := report["results"].([]any)
	for _, r := range results {
		res, _ := r.(map[string]any)
		line := fmt.Sprintf("%v %v: %v", res["proposal_id"], res["kind"], res["outcome"])
		if msg, ok := res["error"].(string); ok && msg != "" {
			line += " (" + msg + ")"
		}
		fmt.Println(line)
	}
	if complete, _ := report["complete"].(bool); complete {
		printSuccess("Success! Request fully merged.")
	}
}

// printData hands the "data" object of result to show.
func printData(result map[string]any, show func(map[string]any)) error {
	data, ok := result["data"].(map[string]any)
	if !ok {
		printResult(result)
		return nil
	}
	show(data)
	return nil
}

// --- secrets ---

func secretsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "secrets", Short: "Read live secrets"}

	list := &cobra.Command{
		Use:   "list <workspace> <environment>",
		Short: "List the secrets of an environment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/v1/workspaces/%s/environments/%s/secrets", url.PathEscape(args[0]), url.PathEscape(args[1]))
			result, err := newClient().get(cmd.Context(), path)
			if err != nil {
				return err
			}
			secrets, _ := result["data"].([]any)
			if outputFormat == "json" {
				printJSON(secrets)
				return nil
			}
			for _, s := range secrets {
				sec, _ := s.(map[string]any)
				fmt.Printf("%v\t%v\tv%v\n", sec["id"], sec["key"], sec["version"])
			}
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get(cmd.Context(), "/v1/secrets/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			return printData(result, printResult)
		},
	}

	cmd.AddCommand(list, get)
	return cmd
}

// --- policy ---

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Manage policies"}

	writeCmd := &cobra.Command{
		Use:   "write <name> <file>",
		Short: "Write a policy from a JSON file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			var body map[string]any
			if err := json.Unmarshal(data, &body); err != nil {
				return fmt.Errorf("parsing %s: %w", args[1], err)
			}
			if _, err := newClient().post(cmd.Context(), "/v1/sys/policy/"+url.PathEscape(name), body); err != nil {
				return err
			}
			printSuccess("Success! Uploaded policy: " + name)
			return nil
		},
	}

	readCmd := &cobra.Command{
		Use:   "read <name>",
		Short: "Read a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get(cmd.Context(), "/v1/sys/policy/"+url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			printResult(result)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().delete(cmd.Context(), "/v1/sys/policy/"+url.PathEscape(args[0])); err != nil {
				return err
			}
			printSuccess("Success! Deleted policy: " + args[0])
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get(cmd.Context(), "/v1/sys/policy")
			if err != nil {
				return err
			}
			if policies, ok := result["policies"].([]any); ok {
				for _, p := range policies {
					fmt.Println(p)
				}
				return nil
			}
			printResult(result)
			return nil
		},
	}

	cmd.AddCommand(writeCmd, readCmd, deleteCmd, listCmd)
	return cmd
}

// --- token ---

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Token management"}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			name, _ := cmd.Flags().GetString("display-name")
			policies, _ := cmd.Flags().GetStringSlice("policy")
			ttl, _ := cmd.Flags().GetString("ttl")
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			result, err := newClient().post(cmd.Context(), "/v1/auth/token/create", map[string]any{
				"user_id":      user,
				"display_name": name,
				"policies":     policies,
				"ttl":          ttl,
			})
			if err != nil {
				return err
			}
			if auth, ok := result["auth"].(map[string]any); ok {
				printResult(auth)
				return nil
			}
			printResult(result)
			return nil
		},
	}
	createCmd.Flags().String("user", "", "User id the token acts as")
	createCmd.Flags().String("display-name", "", "Human-readable token name")
	createCmd.Flags().StringSlice("policy", []string{"default"}, "Policies to attach")
	createCmd.Flags().String("ttl", "", "Token TTL (e.g. 24h)")

	revokeCmd := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke a token and its children",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient().post(cmd.Context(), "/v1/auth/token/revoke", map[string]any{"token": args[0]}); err != nil {
				return err
			}
			printSuccess("Success! Token revoked.")
			return nil
		},
	}

	lookupCmd := &cobra.Command{
		Use:   "lookup",
		Short: "Look up the current token",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient().get(cmd.Context(), "/v1/auth/token/lookup-self")
			if err != nil {
				return err
			}
			return printData(result, printResult)
		},
	}

	cmd.AddCommand(createCmd, revokeCmd, lookupCmd)
	return cmd
}

// --- audit ---

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if v, _ := cmd.Flags().GetString("path"); v != "" {
				q.Set("path", v)
			}
			if v, _ := cmd.Flags().GetString("since"); v != "" {
				q.Set("since", v)
			}
			if v, _ := cmd.Flags().GetInt("limit"); v > 0 {
				q.Set("limit", strconv.Itoa(v))
			}
			path := "/v1/sys/audit-log"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			result, err := newClient().get(cmd.Context(), path)
			if err != nil {
				return err
			}
			entries, _ := result["data"].([]any)
			if outputFormat == "json" {
				printJSON(entries)
				return nil
			}
			for _, e := range entries {
				entry, _ := e.(map[string]any)
				fmt.Printf("%v\t%v\t%v\t%v\n", entry["timestamp"], entry["operation"], entry["path"], entry["response_code"])
			}
			return nil
		},
	}
	cmd.Flags().String("path", "", "Only entries under this path")
	cmd.Flags().String("since", "", "Only entries at or after this RFC3339 time")
	cmd.Flags().Int("limit", 50, "Maximum number of entries")
	return cmd
}
