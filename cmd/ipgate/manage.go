package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sofatutor/ipgate/internal/audit"
	"github.com/sofatutor/ipgate/internal/client"
	"github.com/sofatutor/ipgate/internal/gate"
	"github.com/sofatutor/ipgate/internal/ratelimit"
	"github.com/sofatutor/ipgate/internal/whitelist"
)

const timeLayout = "2006-01-02 15:04"

// errDenied makes `check` exit non-zero after printing a denial.
var errDenied = errors.New("access denied")

func getManagementToken() (string, error) {
	if managementToken != "" {
		return managementToken, nil
	}
	if env := os.Getenv("MANAGEMENT_TOKEN"); env != "" {
		return env, nil
	}
	return "", errors.New("management token is required (set MANAGEMENT_TOKEN or use --management-token)")
}

func newManageClient() (*client.Client, error) {
	token, err := getManagementToken()
	if err != nil {
		return nil, err
	}
	return client.New(manageAPIBaseURL, token)
}

func printJSON(w io.Writer, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

func newWhitelistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whitelist",
		Short: "Manage allow-list entries",
	}
	cmd.AddCommand(newWhitelistAddCmd(), newWhitelistListCmd(), newWhitelistRemoveCmd(), newWhitelistDeactivateCmd())
	return cmd
}

func newWhitelistAddCmd() *cobra.Command {
	var (
		req       whitelist.AddRequest
		expiresIn time.Duration
		jsonOut   bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add an address or range to the allow-list",
		Long: `Add a global entry, or a user entry with --user-id. The address may be a
single address (203.0.113.7) or a CIDR range (203.0.113.0/24).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newManageClient()
			if err != nil {
				return err
			}
			if expiresIn > 0 {
				at := time.Now().Add(expiresIn).UTC()
				req.ExpiresAt = &at
			}
			entry, err := c.AddWhitelistEntry(cmd.Context(), req)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, entry)
			}
			_, err = fmt.Fprintf(out, "Entry %s added for %s (%s).\n", entry.ID, entry.Address, entry.Scope())
			return err
		},
	}
	cmd.Flags().StringVar(&req.Address, "address", "", "Address or CIDR range")
	cmd.Flags().StringVar(&req.Description, "description", "", "Why the entry exists")
	cmd.Flags().StringVar(&req.UserID, "user-id", "", "Restrict the entry to one user")
	cmd.Flags().StringVar(&req.CreatedBy, "created-by", os.Getenv("USER"), "Operator recorded on the entry")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire the entry after this duration (e.g. 72h)")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func newWhitelistListCmd() *cobra.Command {
	var (
		scope   string
		f       whitelist.Filter
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List allow-list entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newManageClient()
			if err != nil {
				return err
			}
			f.Scope = whitelist.Scope(scope)
			entries, err := c.ListWhitelistEntries(cmd.Context(), f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, entries)
			}
			fmt.Fprintf(out, "%-36s  %-20s  %-6s  %-6s  %-16s  %s\n", "ID", "Address", "Scope", "Active", "Expires", "Description")
			for _, e := range entries {
				expires := "-"
				if e.ExpiresAt != nil {
					expires = e.ExpiresAt.Format(timeLayout)
				}
				fmt.Fprintf(out, "%-36s  %-20s  %-6s  %-6t  %-16s  %s\n", e.ID, e.Address, e.Scope(), e.Active, expires, e.Description)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "Filter by scope: global or user")
	cmd.Flags().StringVar(&f.UserID, "user-id", "", "Filter by user")
	cmd.Flags().BoolVar(&f.ActiveOnly, "active", false, "Only entries currently in effect")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "Maximum number of entries")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "Number of entries to skip")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newWhitelistRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete an allow-list entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newManageClient()
			if err != nil {
				return err
			}
			if err := c.RemoveWhitelistEntry(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Entry %s removed.\n", args[0])
			return err
		},
	}
}

func newWhitelistDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Keep an allow-list entry but stop applying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newManageClient()
			if err != nil {
				return err
			}
			if err := c.DeactivateWhitelistEntry(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Entry %s deactivated.\n", args[0])
			return err
		},
	}
}

func newFailureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "failure",
		Short: "Report failed authentication attempts",
	}
	var address, userID string
	record := &cobra.Command{
		Use:   "record",
		Short: "Count one failed attempt against an address and optionally a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newManageClient()
			if err != nil {
				return err
			}
			if err := c.RecordFailedAttempt(cmd.Context(), address, userID); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "Failed attempt recorded.")
			return err
		},
	}
	record.Flags().StringVar(&address, "ip", "", "Client address")
	record.Flags().StringVar(&userID, "user-id", "", "User the attempt was made for")
	_ = record.MarkFlagRequired("ip")
	cmd.AddCommand(record)
	return cmd
}

func newCounterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "counter",
		Short: "Inspect and reset rate limit counters",
	}

	var jsonOut bool
	status := &cobra.Command{
		Use:   "status <ip|user> <key>",
		Short: "Show a counter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := ratelimit.ParseScope(args[0])
			if err != nil {
				return err
			}
			c, err := newManageClient()
			if err != nil {
				return err
			}
			st, err := c.CounterStatus(cmd.Context(), scope, args[1])
			if client.IsNotFound(err) {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "No failed attempts recorded for %s %s.\n", scope, args[1])
				return err
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, st)
			}
			fmt.Fprintf(out, "Scope: %s\nKey: %s\nFailed attempts: %d\nRemaining: %d\nBlocked: %t\n",
				st.Scope, st.Counter.Key, st.Counter.FailedAttempts, st.Remaining, st.Blocked)
			if st.Counter.BlockedUntil != nil {
				fmt.Fprintf(out, "Blocked until: %s\n", st.Counter.BlockedUntil.Format(timeLayout))
			}
			return nil
		},
	}
	status.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")

	reset := &cobra.Command{
		Use:   "reset <ip|user> <key>",
		Short: "Delete a counter and lift its block",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := ratelimit.ParseScope(args[0])
			if err != nil {
				return err
			}
			c, err := newManageClient()
			if err != nil {
				return err
			}
			if err := c.ResetCounter(cmd.Context(), scope, args[1]); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Counter %s %s reset.\n", scope, args[1])
			return err
		},
	}

	cmd.AddCommand(status, reset)
	return cmd
}

func newAccessLogCmd() *cobra.Command {
	var (
		f       audit.Filter
		granted string
		since   time.Duration
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "access-log",
		Short: "Show recorded gate decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch granted {
			case "":
			case "true", "false":
				g := granted == "true"
				f.Granted = &g
			default:
				return fmt.Errorf("--granted must be true or false")
			}
			if since > 0 {
				t := time.Now().Add(-since)
				f.Since = &t
			}
			c, err := newManageClient()
			if err != nil {
				return err
			}
			records, err := c.AccessLog(cmd.Context(), f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return printJSON(out, records)
			}
			fmt.Fprintf(out, "%-16s  %-39s  %-20s  %-7s  %s\n", "Time", "Address", "User", "Granted", "Reason")
			for _, rec := range records {
				reason := rec.DenialReason
				if reason == "" {
					reason = rec.Source
				}
				fmt.Fprintf(out, "%-16s  %-39s  %-20s  %-7t  %s\n", rec.Timestamp.Local().Format(timeLayout), rec.Address, rec.UserID, rec.Granted, reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&f.Address, "ip", "", "Filter by client address")
	cmd.Flags().StringVar(&f.UserID, "user-id", "", "Filter by user")
	cmd.Flags().StringVar(&granted, "granted", "", "Filter by outcome: true or false")
	cmd.Flags().DurationVar(&since, "since", 0, "Only records newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&f.Limit, "limit", audit.DefaultListLimit, "Maximum number of records")
	cmd.Flags().IntVar(&f.Offset, "offset", 0, "Number of records to skip")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	return cmd
}

func newCheckCmd() *cobra.Command {
	var (
		address string
		id      gate.Identity
		secret  string
		jsonOut bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Ask the gate whether a client would be let through",
		Long:  `Evaluate an address and identity against the running gate. Exits non-zero when access is denied.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := client.New(manageAPIBaseURL, "")
			if err != nil {
				return err
			}
			c.SetIdentitySecret(secret)
			d, err := c.Check(cmd.Context(), address, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				if err := printJSON(out, d); err != nil {
					return err
				}
			} else {
				verdict := "allowed"
				if !d.Allowed {
					verdict = "denied"
				}
				fmt.Fprintf(out, "%s: %s (source: %s, reason: %s)\n", d.Address, verdict, d.Source, d.Reason)
				if d.MatchedEntry != nil {
					fmt.Fprintf(out, "Matched entry: %s %s\n", d.MatchedEntry.ID, d.MatchedEntry.Address)
				}
				if d.Degraded {
					fmt.Fprintln(out, "Rate limiter unavailable, limits were not applied.")
				}
			}
			if !d.Allowed {
				return errDenied
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "ip", "", "Client address")
	cmd.Flags().StringVar(&id.UserID, "user-id", "", "Authenticated user")
	cmd.Flags().StringVar(&id.Email, "email", "", "Email of the user")
	cmd.Flags().BoolVar(&id.IsAdmin, "admin", false, "Treat the user as an administrator")
	cmd.Flags().StringVar(&secret, "identity-secret", os.Getenv("GATE_IDENTITY_SECRET"), "Shared secret vouching for the identity flags")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output as JSON")
	_ = cmd.MarkFlagRequired("ip")
	return cmd
}
