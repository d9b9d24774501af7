package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/bastion/pkg/config"
	"github.com/Mindburn-Labs/bastion/pkg/snapshot"
)

// inspectReport is the JSON output of `bastion snapshot inspect --json`.
type inspectReport struct {
	ID           string    `json:"id"`
	Format       string    `json:"format"`
	CreatedAt    time.Time `json:"created_at"`
	Digest       string    `json:"digest"`
	Frame        uint64    `json:"frame"`
	Tenants      []string  `json:"tenants"`
	Grants       int       `json:"grants"`
	Supervisors  int       `json:"supervisors"`
	Health       string    `json:"health"`
	Degraded     bool      `json:"degraded"`
	SandboxCount int       `json:"sandboxes"`
}

// runSnapshotCmd implements `bastion snapshot <inspect>`.
//
// Exit codes:
//
//	0 = snapshot is readable and its digest verifies
//	1 = snapshot rejected or not found
//	2 = usage error
func runSnapshotCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "inspect" {
		_, _ = fmt.Fprintln(stderr, "Usage: bastion snapshot inspect [--dsn DSN] [--key KEY] [--file PATH] [--json]")
		return 2
	}

	fs := pflag.NewFlagSet("snapshot inspect", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath string
		dsn        string
		key        string
		file       string
		jsonOutput bool
	)
	fs.StringVarP(&configPath, "config", "c", "", "Config file supplying snapshot.dsn and snapshot.key")
	fs.StringVar(&dsn, "dsn", "", "Snapshot store DSN (overrides config)")
	fs.StringVar(&key, "key", "", "Snapshot key (overrides config)")
	fs.StringVar(&file, "file", "", "Read a snapshot envelope from a file instead of a store")
	fs.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := fs.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	data, err := readSnapshot(configPath, dsn, key, file)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	state, env, err := snapshot.Decode(data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	report := inspectReport{
		ID:           env.ID,
		Format:       env.Format,
		CreatedAt:    env.CreatedAt,
		Digest:       env.Digest,
		Frame:        state.Frame,
		Tenants:      make([]string, 0, len(state.Tenants)),
		Grants:       len(state.Capabilities.Grants),
		Supervisors:  len(state.Supervision.Supervisors),
		Health:       state.Watchdog.Level.String(),
		Degraded:     state.Watchdog.Degraded.Active,
		SandboxCount: len(state.Sandboxes),
	}
	for _, t := range state.Tenants {
		report.Tenants = append(report.Tenants, t.ID)
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}
	_, _ = fmt.Fprintln(stdout, env.Summary())
	_, _ = fmt.Fprintf(stdout, "frame=%d tenants=%v grants=%d sandboxes=%d health=%s degraded=%t\n",
		report.Frame, report.Tenants, report.Grants, report.SandboxCount, report.Health, report.Degraded)
	return 0
}

func readSnapshot(configPath, dsn, key, file string) ([]byte, error) {
	if file != "" {
		return os.ReadFile(file)
	}
	if configPath != "" || dsn == "" || key == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if dsn == "" {
			dsn = cfg.Snapshot.DSN
		}
		if key == "" {
			key = cfg.Snapshot.Key
		}
	}
	if dsn == "" {
		return nil, errors.New("no snapshot store: pass --dsn or set snapshot.dsn")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := snapshot.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()
	return store.Load(ctx, key)
}
