package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/custody"
	"github.com/jmerrifield20/custodyledger/internal/ledger"
)

func newInitLedgerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init-ledger",
		Short: "Create the case ledger with its genesis event",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			l, err := ledger.Initialize(ctx, store, a.ledgerKey(), a.ledgerOptions()...)
			if err != nil {
				return err
			}
			return printJSON(a.out, l.Last())
		},
	}
}

func newAppendEventCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "append-event <action> [subject_hash] [metadata-json]",
		Short: "Append an event to the case ledger",
		Long: `Append an event chained to the current ledger head.

The subject hash may be empty or "-" for events without a subject. Metadata
is a JSON object; numbers keep their exact decimal value.

  custody append-event NOTE - '{"text":"seal intact on receipt"}'
  custody append-event INGEST_ARTIFACT 9f86d081... '{"name":"disk.img"}'

Actions: ` + actionList(),
		Args: rangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := ledger.ParseAction(args[0])
			if err != nil {
				return err
			}
			var subject string
			if len(args) > 1 && args[1] != "-" {
				subject = args[1]
			}
			var md map[string]any
			if len(args) > 2 {
				if md, err = parseMetadata(args[2]); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			svc, err := a.openService(ctx)
			if err != nil {
				return err
			}
			e, err := svc.Ledger().Append(ctx, action, subject, md)
			if err != nil {
				return err
			}
			return printJSON(a.out, e)
		},
	}
}

func actionList() string {
	names := make([]string, 0, len(ledger.Actions()))
	for _, act := range ledger.Actions() {
		if act != ledger.ActionGenesis {
			names = append(names, string(act))
		}
	}
	return strings.Join(names, ", ")
}

// parseMetadata decodes a JSON object keeping numbers as json.Number.
func parseMetadata(s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var md map[string]any
	if err := dec.Decode(&md); err != nil {
		return nil, invalidInput("metadata is not a JSON object: %v", err)
	}
	if dec.More() {
		return nil, invalidInput("trailing data after metadata object")
	}
	return md, nil
}

func newVerifyLedgerCmd(a *app) *cobra.Command {
	var record bool
	cmd := &cobra.Command{
		Use:   "verify-ledger",
		Short: "Recompute every hash in the case ledger",
		Long: `Verify walks the stored chain from genesis, recomputing each event hash and
checking ids, links and timestamps. It reads the stored events directly, so
a tampered ledger is reported with the first diverging event rather than
refused.

With --record a successful verification is appended as VERIFY_LEDGER.`,
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			events, err := ledger.Inspect(ctx, store, a.ledgerKey())
			if err != nil {
				return err
			}
			res := ledger.Verify(events)
			if err := printJSON(a.out, res); err != nil {
				return err
			}
			if !res.Valid {
				a.logger.Error("ledger verification failed",
					zap.String("reason", string(res.Divergence.Reason)),
					zap.Int64("event_id", res.Divergence.EventID),
				)
				return res.Err()
			}
			if !record {
				return nil
			}

			l, err := ledger.Open(ctx, store, a.ledgerKey(), a.ledgerOptions()...)
			if err != nil {
				return err
			}
			svc := custody.NewService(l, store, a.logger, custody.WithSaveRetry(a.saveRetry()))
			_, err = svc.RecordVerification(ctx, svc.Verify())
			return err
		},
	}
	cmd.Flags().BoolVar(&record, "record", false, "append a VERIFY_LEDGER event on success")
	return cmd
}

func newEventsCmd(a *app) *cobra.Command {
	var (
		from   int64
		limit  int
		format string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List ledger events",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if from < 1 || limit < 1 {
				return usageErr(fmt.Errorf("--from and --limit must be positive"))
			}
			svc, err := a.openService(cmd.Context())
			if err != nil {
				return err
			}
			events := svc.Ledger().Range(from, limit)

			switch format {
			case "json":
				return printJSON(a.out, events)
			case "text":
				w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tTIMESTAMP\tACTION\tSUBJECT\tHASH")
				for _, e := range events {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
						e.ID, e.Timestamp.Format("2006-01-02T15:04:05Z"), e.Action, short(e.SubjectHash), short(e.CurrentHash))
				}
				return w.Flush()
			default:
				return usageErr(fmt.Errorf("unknown format %q", format))
			}
		},
	}
	cmd.Flags().Int64Var(&from, "from", 1, "first event id")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	return cmd
}

func short(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12]
}
