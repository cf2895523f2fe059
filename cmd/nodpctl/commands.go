package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/aggregate"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/dictionary"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/logging"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/registry"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/schema"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/window"
	"github.com/decoAbro/Open-Data-Portal-For-NODP-sub000/internal/workflow"
)

type remoteOptions struct {
	registryURL string
	username    string
	password    string
	timeout     time.Duration
	verbose     bool
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "nodpctl",
		Short:         "Check and submit NODP census tables",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newTablesCmd(), newCodesCmd(), newCheckCmd())

	opts := &remoteOptions{}
	submit := newSubmitCmd(opts)
	statuses := newStatusesCmd(opts)
	for _, cmd := range []*cobra.Command{submit, statuses} {
		flags := cmd.Flags()
		flags.StringVar(&opts.registryURL, "registry", envOr("NODP_REGISTRY_URL", "http://localhost:8788"), "registry base URL")
		flags.StringVarP(&opts.username, "username", "u", os.Getenv("NODP_USERNAME"), "uploader username")
		flags.StringVar(&opts.password, "password", os.Getenv("NODP_PASSWORD"), "uploader password (or NODP_PASSWORD)")
		flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "registry request timeout")
		flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log workflow transitions")
	}
	root.AddCommand(submit, statuses)
	return root
}

func newTablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List the tables that can be uploaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			schemas, err := schema.Default()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range schemas.Tables() {
				table, err := schemas.Get(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\t%s\n", name, strings.Join(table.Buckets(), ", "))
			}
			return nil
		},
	}
}

func newCodesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "codes <table>",
		Short: "Print the code dictionaries of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := dictionary.Default()
			if err != nil {
				return err
			}
			table := args[0]
			if !slices.Contains(store.Tables(), table) {
				return fmt.Errorf("no dictionaries for table %q", table)
			}
			out := cmd.OutOrStdout()
			for _, key := range store.Keys(table) {
				dict, err := store.Lookup(table, key)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s (%d codes)\n", key, dict.Len())
				for _, code := range dict.Codes() {
					label, _ := dict.Label(code)
					fmt.Fprintf(out, "  %-6s %s\n", code, label)
				}
			}
			return nil
		},
	}
}

func newCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <table> <file.json>",
		Short: "Validate a file offline and print its preview",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			schemas, err := schema.Default()
			if err != nil {
				return err
			}
			table, path := args[0], args[1]
			if !strings.EqualFold(filepath.Ext(path), ".json") {
				return fmt.Errorf("%s: only .json files can be uploaded", path)
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			records, err := schema.ExtractRecords(data, table)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			result, err := aggregate.New(schemas).Aggregate(table, records)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), result)
			if dims := aggregate.UnknownDimensions(result); len(dims) > 0 {
				return fmt.Errorf("unknown codes in: %s", strings.Join(dims, ", "))
			}
			return nil
		},
	}
}

func newSubmitCmd(opts *remoteOptions) *cobra.Command {
	var attachmentPath string
	cmd := &cobra.Command{
		Use:   "submit <table> <file.json>",
		Short: "Validate a file and upload it to the registry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			flow, err := opts.workflow(ctx)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			if opts.verbose {
				stderr := cmd.ErrOrStderr()
				flow.OnTransition(func(from, to workflow.Stage) {
					fmt.Fprintf(stderr, "%s -> %s\n", from, to)
				})
			}
			if err := flow.Open(args[0]); err != nil {
				return err
			}
			snapshot, err := flow.Select(ctx, workflow.File{Name: filepath.Base(args[1]), Data: data})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if snapshot.Result != nil {
				printResult(out, *snapshot.Result)
			}

			var attachment *registry.Attachment
			if attachmentPath != "" {
				raw, err := os.ReadFile(attachmentPath)
				if err != nil {
					return err
				}
				attachment = &registry.Attachment{FileName: filepath.Base(attachmentPath), Data: raw}
			}
			if _, err := flow.Confirm(ctx, attachment); err != nil {
				return err
			}
			fmt.Fprintf(out, "Upload successful: %s (%s)\n", args[0], flow.Statuses()[args[0]])
			return nil
		},
	}
	cmd.Flags().StringVar(&attachmentPath, "attachment", "", "optional supporting document")
	return cmd
}

func newStatusesCmd(opts *remoteOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "statuses",
		Short: "Show the upload status of every table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flow, err := opts.workflow(cmd.Context())
			if err != nil {
				return err
			}
			printStatuses(cmd.OutOrStdout(), flow.Reconcile(cmd.Context()))
			return nil
		},
	}
}

// gatePermissions asks the authority every time; a CLI run has no poller.
type gatePermissions struct {
	gate *window.Gate
}

func (p gatePermissions) Decision(ctx context.Context, identity window.Identity) window.Decision {
	return p.gate.Refresh(ctx, identity)
}

func (o *remoteOptions) workflow(ctx context.Context) (*workflow.Workflow, error) {
	if o.username == "" || o.password == "" {
		return nil, errors.New("--username and --password (or NODP_USERNAME and NODP_PASSWORD) are required")
	}
	level := "warn"
	if o.verbose {
		level = "debug"
	}
	logger, err := logging.New(level, true)
	if err != nil {
		return nil, err
	}
	schemas, err := schema.Default()
	if err != nil {
		return nil, err
	}

	client := registry.NewClient(o.registryURL, o.timeout, registry.WithBasicAuth(o.username, o.password))
	account, err := client.Login(ctx, o.username, o.password)
	if err != nil {
		return nil, err
	}
	logger.Debug("signed in", zap.String("username", account.Username))

	return workflow.New(window.Identity{Username: account.Username}, workflow.Deps{
		Schemas:     schemas,
		Permissions: gatePermissions{gate: window.NewGate(client, nil, logger)},
		Persistence: client,
		Logger:      logger,
	}), nil
}

func printResult(out io.Writer, result aggregate.Result) {
	fmt.Fprintf(out, "%s: %d records\n", result.Table, result.TotalRecords)
	for _, name := range result.Order {
		bucket := result.Buckets[name]
		fmt.Fprintf(out, "  %s (%d)\n", name, bucket.Total())
		for _, label := range aggregate.SortedLabels(bucket) {
			marker := ""
			if aggregate.IsFallback(label) {
				marker = "  !"
			}
			fmt.Fprintf(out, "    %-40s %6d%s\n", label, bucket[label], marker)
		}
	}
}

func printStatuses(out io.Writer, statuses map[string]string) {
	tables := make([]string, 0, len(statuses))
	for table := range statuses {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		fmt.Fprintf(out, "%-32s %s\n", table, statuses[table])
	}
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
