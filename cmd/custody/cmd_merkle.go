package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/custodyledger/internal/bundle"
	"github.com/jmerrifield20/custodyledger/internal/merkle"
)

func newIngestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Hash files and record them as INGEST_ARTIFACT events",
		Args:  wrapArgs(cobra.MinimumNArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.openService(ctx)
			if err != nil {
				return err
			}
			events, err := svc.IngestFiles(ctx, args...)
			for _, e := range events {
				fmt.Fprintf(a.out, "%s  %s  (event %d)\n", e.SubjectHash, e.Metadata["name"], e.ID)
			}
			return err
		},
	}
}

func newBuildMerkleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "build-merkle [hash... | @file]",
		Short: "Seal artifact hashes into a Merkle batch",
		Long: `Build a Merkle tree over the given SHA-256 hashes, store the snapshot and
record its root as BUILD_MERKLE_ROOT.

Hashes are taken from the arguments, from a file given as @path (one hash
per line, blank lines and lines starting with # ignored), or, with no
arguments, from every artifact ingested into the case.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			hashes, err := collectHashes(args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			svc, err := a.openService(ctx)
			if err != nil {
				return err
			}
			var snap *merkle.Snapshot
			if len(args) == 0 {
				snap, _, err = svc.BuildFromManifest(ctx)
			} else {
				snap, _, err = svc.BuildBatch(ctx, hashes)
			}
			if err != nil {
				return err
			}
			return printJSON(a.out, snap)
		},
	}
}

func collectHashes(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		path, ok := strings.CutPrefix(arg, "@")
		if !ok {
			out = append(out, arg)
			continue
		}
		lines, err := readHashFile(path)
		if err != nil {
			return nil, err
		}
		out = append(out, lines...)
	}
	return out, nil
}

func readHashFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, usageErr(fmt.Errorf("open hash list: %w", err))
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read hash list: %w", err)
	}
	return out, nil
}

func newProveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "prove <root> <leaf>",
		Short: "Print the inclusion proof of a leaf in a stored snapshot",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.openService(ctx)
			if err != nil {
				return err
			}
			p, err := svc.Prove(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(a.out, p)
		},
	}
}

func newVerifyProofCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-proof <leaf> <root> <proof-file|->",
		Short: "Check an inclusion proof without access to the ledger",
		Args:  exactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[2], cmd.InOrStdin())
			if err != nil {
				return err
			}
			var p merkle.Proof
			if err := json.Unmarshal(data, &p); err != nil {
				return invalidInput("proof: %v", err)
			}
			if !merkle.VerifyProof(args[0], &p, args[1]) {
				return errProofRejected
			}
			fmt.Fprintln(a.out, "proof valid")
			return nil
		},
	}
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, usageErr(err)
	}
	return data, nil
}

func newExportProofCmd(a *app) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export-proof <root> <leaf>",
		Short: "Write a self-contained CBOR proof bundle for one artifact",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.openService(ctx)
			if err != nil {
				return err
			}
			b, data, err := bundle.Export(ctx, svc, args[0], args[1])
			if err != nil {
				return err
			}
			if out == "" {
				out = b.Proof.LeafHash + ".bundle"
			}
			if err := os.WriteFile(out, data, 0o640); err != nil {
				return fmt.Errorf("write bundle: %w", err)
			}
			fmt.Fprintf(a.out, "bundle written to %s (anchored: %t)\n", out, b.Receipt != nil)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output path (default <leaf>.bundle)")
	return cmd
}

func newVerifyBundleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify-bundle <file|->",
		Short: "Check a proof bundle offline",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}
			b, err := bundle.Decode(data)
			if err != nil {
				return err
			}
			if err := bundle.Check(b); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "bundle valid: %s (%s) is in root %s of case %q\n",
				b.Artifact.Name, b.Artifact.ContentHash, b.RootHash, b.Case)
			if b.Receipt != nil {
				fmt.Fprintf(a.out, "anchored at %s (handle %s)\n", b.Receipt.ConfirmedAt.Format("2006-01-02T15:04:05Z07:00"), b.Receipt.HandleID)
			}
			return nil
		},
	}
}
