package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/bastion/pkg/config"
)

// runConfigCmd implements `bastion config`: it loads the config exactly as
// `bastion run` would and prints the result.
func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("config", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		configPath string
		jsonOutput bool
	)
	fs.StringVarP(&configPath, "config", "c", "", "Path to config file (default $"+config.EnvConfigPath+")")
	fs.BoolVar(&jsonOutput, "json", false, "Print JSON instead of YAML")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var out []byte
	if jsonOutput {
		out, err = json.MarshalIndent(cfg, "", "  ")
		out = append(out, '\n')
	} else {
		out, err = cfg.YAML()
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: render config: %v\n", err)
		return 1
	}
	_, _ = stdout.Write(out)
	return 0
}
