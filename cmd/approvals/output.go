package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
)

var (
	outputFormat string // "table", "json", "raw"
	outputField  string // for -field=key
)

// printResult outputs data in the chosen format.
func printResult(data map[string]any) {
	switch outputFormat {
	case "json":
		printJSON(data)
	case "raw":
		if outputField != "" {
			if v, ok := data[outputField]; ok {
				fmt.Println(v)
			}
		} else {
			for _, k := range sortedKeys(data) {
				fmt.Printf("%s=%v\n", k, data[k])
			}
		}
	default: // table
		printTable(data)
	}
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v) //nolint:errcheck
}

func printTable(data map[string]any) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, k := range sortedKeys(data) {
		v := data[k]
		switch val := v.(type) {
		case map[string]any:
			fmt.Fprintf(w, "%s\t\n", strings.ToUpper(k))
			for _, kk := range sortedKeys(val) {
				fmt.Fprintf(w, "  %s\t%v\n", kk, val[kk])
			}
		case []any:
			fmt.Fprintf(w, "%s\t%s\n", k, joinAny(val))
		default:
			fmt.Fprintf(w, "%s\t%v\n", k, v)
		}
	}
	w.Flush()
}

// printRequest shows one approval request with per-scope votes.
func printRequest(req map[string]any) {
	if outputFormat != "table" {
		printResult(req)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "REFERENCE\t%v\n", req["request_id"])
	fmt.Fprintf(w, "ID\t%v\n", req["id"])
	fmt.Fprintf(w, "TARGET\t%v/%v\n", req["workspace"], req["environment"])
	fmt.Fprintf(w, "REQUESTED BY\t%v\n", req["requested_by"])
	fmt.Fprintf(w, "STATUS\t%v\n", req["status"])
	fmt.Fprintf(w, "VOTES\t%s\n", formatVotes(req["approvers"]))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "PROPOSAL\tKIND\tKEY\tSTATUS\tOUTCOME\tVOTES")
	changes, _ := req["changes"].([]any)
	for _, c := range changes {
		p, _ := c.(map[string]any)
		snap, _ := p["snapshot"].(map[string]any)
		outcome := p["outcome"]
		if outcome == nil {
			outcome = "-"
		}
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\t%s\n", p["id"], p["kind"], snap["key"], p["status"], outcome, formatVotes(p["approvers"]))
	}
	w.Flush()
}

// printRequestList shows one line per request.
func printRequestList(reqs []any) {
	if outputFormat == "json" {
		printJSON(reqs)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REFERENCE\tID\tTARGET\tREQUESTED BY\tSTATUS\tCHANGES")
	for _, r := range reqs {
		req, _ := r.(map[string]any)
		changes, _ := req["changes"].([]any)
		fmt.Fprintf(w, "%v\t%v\t%v/%v\t%v\t%v\t%d\n",
			req["request_id"], req["id"], req["workspace"], req["environment"], req["requested_by"], req["status"], len(changes))
	}
	w.Flush()
}

// printDiffs prints the unified diff of every proposal.
func printDiffs(diffs []any) {
	if outputFormat == "json" {
		printJSON(diffs)
		return
	}
	for _, d := range diffs {
		pd, _ := d.(map[string]any)
		header := fmt.Sprintf("# %v %v (%v)", pd["kind"], pd["key"], pd["proposal_id"])
		if drifted, _ := pd["drifted"].(bool); drifted {
			header += fmt.Sprintf(" DRIFTED: live version %v", pd["live_version"])
		}
		fmt.Println(header)
		fmt.Print(pd["diff"])
		fmt.Println()
	}
}

func formatVotes(v any) string {
	votes, _ := v.([]any)
	parts := make([]string, 0, len(votes))
	for _, raw := range votes {
		vote, _ := raw.(map[string]any)
		parts = append(parts, fmt.Sprintf("%v=%v", vote["user_id"], vote["status"]))
	}
	return strings.Join(parts, ", ")
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func joinAny(vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, ", ")
}

func printError(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
}

func printSuccess(msg string) {
	fmt.Println(msg)
}
