package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/deepscale-ai/checkpoint"
)

// CLI configuration
type cliConfig struct {
	ConfigFile string
	Timeout    time.Duration
	Verbose    bool
	JSONLogs   bool
}

func main() {
	config, command, args := parseFlags()

	if config.ConfigFile == "" {
		color.Red("Error: config file is required")
		flag.Usage()
		os.Exit(1)
	}
	if _, err := os.Stat(config.ConfigFile); os.IsNotExist(err) {
		color.Red("Error: config file '%s' not found", config.ConfigFile)
		os.Exit(1)
	}
	if command == "" {
		color.Red("Error: command is required")
		flag.Usage()
		os.Exit(1)
	}

	logger := setupLogger(config)

	cfg, err := checkpoint.LoadConfigFile(config.ConfigFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	manager, replicator, err := cfg.Build(ctx, logger)
	if err != nil {
		log.Fatalf("Failed to build checkpoint store: %v", err)
	}
	defer func() {
		if replicator != nil {
			replicator.Close()
		} else {
			manager.Close()
		}
	}()

	switch command {
	case "save":
		err = runSave(ctx, manager, replicator, args)
	case "load":
		err = runLoad(ctx, manager, replicator, args)
	case "list":
		err = runList(ctx, manager, args)
	case "delete":
		err = runDelete(ctx, manager, args)
	case "exists":
		err = runExists(ctx, manager, replicator, args)
	default:
		color.Red("Error: unknown command '%s'", command)
		flag.Usage()
		os.Exit(1)
	}
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func parseFlags() (*cliConfig, string, []string) {
	config := &cliConfig{}

	flag.StringVar(&config.ConfigFile, "config", "", "Path to the YAML store configuration file (required)")
	flag.StringVar(&config.ConfigFile, "c", "", "Path to the YAML store configuration file (shorthand)")

	flag.DurationVar(&config.Timeout, "timeout", 0, "Operation timeout (e.g., 30s, 5m)")
	flag.DurationVar(&config.Timeout, "t", 0, "Operation timeout (shorthand)")

	flag.BoolVar(&config.Verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&config.Verbose, "v", false, "Enable verbose logging (shorthand)")

	flag.BoolVar(&config.JSONLogs, "json-logs", false, "Emit logs as JSON")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `checkpointctl - Store and retrieve versioned checkpoints

Usage: %s [options] <command> [command options]

Commands:
  save    -id <id> [-file payload.bin] [-version <v>] [-overwrite]
  load    -id <id> [-version <selector>] [-output payload.bin] [-fallback]
  list    -id <id> [-json]
  delete  -id <id> -version <v>
  exists  -id <id> [-version <selector>]

Examples:
  # Save a payload as the next automatic version
  %s -config store.yaml save -id resnet50 -file weights.bin

  # Load the newest 1.x release into a file
  %s -config store.yaml load -id resnet50 -version '>=1.0, <2.0' -output weights.bin

  # List every stored version
  %s -config store.yaml list -id resnet50

Version selectors:
  latest (default), an exact token such as 1.2.0, or a semantic version
  constraint such as '>=1.2, <2'.

'save' reads from stdin when -file is omitted; 'load' writes to stdout when
-output is omitted. 'exists' exits 0 when the version resolves and 1 when it
does not.

Options:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	if flag.NArg() == 0 {
		return config, "", nil
	}
	return config, flag.Arg(0), flag.Args()[1:]
}

func setupLogger(config *cliConfig) *slog.Logger {
	level := slog.LevelWarn
	if config.Verbose {
		level = slog.LevelDebug
	}
	if config.JSONLogs {
		return checkpoint.NewJSONLogger(level)
	}
	return checkpoint.NewLogger(level)
}

func runSave(ctx context.Context, manager *checkpoint.Manager, replicator *checkpoint.Replicator, args []string) error {
	fs := flag.NewFlagSet("save", flag.ExitOnError)
	id := fs.String("id", "", "Checkpoint identifier (required)")
	file := fs.String("file", "", "Payload file (default: stdin)")
	version := fs.String("version", checkpoint.VersionAuto, "Version token to assign")
	overwrite := fs.Bool("overwrite", false, "Replace the version if it already exists")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("save requires -id")
	}

	payload, err := readPayload(*file)
	if err != nil {
		return err
	}

	opts := checkpoint.SaveOptions{Overwrite: *overwrite}
	if replicator != nil {
		committed, err := replicator.Save(ctx, *id, *version, payload, opts)
		if err != nil {
			return err
		}
		for _, c := range committed {
			color.Green("Saved %s version %s (%s, %d bytes)", c.ID, c.Version, c.Codec, c.Size)
		}
		return nil
	}

	committed, err := manager.Save(ctx, *id, *version, payload, opts)
	if err != nil {
		return err
	}
	color.Green("Saved %s version %s (%s, %d bytes)", committed.ID, committed.Version, committed.Codec, committed.Size)
	color.White("Key: %s", committed.Key)
	color.White("Checksum: %s", committed.Checksum)
	return nil
}

func runLoad(ctx context.Context, manager *checkpoint.Manager, replicator *checkpoint.Replicator, args []string) error {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	id := fs.String("id", "", "Checkpoint identifier (required)")
	version := fs.String("version", "latest", "Version selector")
	output := fs.String("output", "", "Destination file (default: stdout)")
	fallback := fs.Bool("fallback", false, "Fall back to older versions if the selected one is unreadable")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("load requires -id")
	}

	sel := checkpoint.ParseSelector(*version)
	opts := checkpoint.LoadOptions{FallbackToPrevious: *fallback}

	var payload []byte
	var err error
	if replicator != nil {
		payload, err = replicator.Load(ctx, *id, sel, opts)
	} else {
		payload, err = manager.Load(ctx, *id, sel, opts)
	}
	if err != nil {
		return err
	}

	if *output == "" {
		_, err = os.Stdout.Write(payload)
		return err
	}
	if err := os.WriteFile(*output, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	color.Green("Loaded %s (%d bytes) to %s", *id, len(payload), *output)
	return nil
}

func runList(ctx context.Context, manager *checkpoint.Manager, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	id := fs.String("id", "", "Checkpoint identifier (required)")
	asJSON := fs.Bool("json", false, "Output versions as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("list requires -id")
	}

	versions, err := manager.ListVersions(ctx, *id)
	if err != nil {
		return err
	}

	if *asJSON {
		out, err := json.MarshalIndent(versions, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(versions) == 0 {
		color.Yellow("No versions stored for %s", *id)
		return nil
	}
	color.Cyan("Versions of %s:", *id)
	for _, v := range versions {
		fmt.Printf("  %-16s %8d bytes  %-6s %s  %s\n",
			v.Version, v.Size, v.Codec, v.CreatedAt.Format(time.RFC3339), v.Checksum[:12])
	}
	return nil
}

func runDelete(ctx context.Context, manager *checkpoint.Manager, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	id := fs.String("id", "", "Checkpoint identifier (required)")
	version := fs.String("version", "", "Version token to delete (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" || *version == "" {
		return fmt.Errorf("delete requires -id and -version")
	}

	if err := manager.Delete(ctx, *id, *version); err != nil {
		return err
	}
	color.Green("Deleted %s version %s", *id, *version)
	return nil
}

func runExists(ctx context.Context, manager *checkpoint.Manager, replicator *checkpoint.Replicator, args []string) error {
	fs := flag.NewFlagSet("exists", flag.ExitOnError)
	id := fs.String("id", "", "Checkpoint identifier (required)")
	version := fs.String("version", "latest", "Version selector")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("exists requires -id")
	}

	sel := checkpoint.ParseSelector(*version)

	var ok bool
	var err error
	if replicator != nil {
		ok, err = replicator.Exists(ctx, *id, sel)
	} else {
		ok, err = manager.Exists(ctx, *id, sel)
	}
	if err != nil {
		return err
	}
	if !ok {
		color.Yellow("%s %s: not found", *id, *version)
		os.Exit(1)
	}
	color.Green("%s %s: exists", *id, *version)
	return nil
}

func readPayload(file string) ([]byte, error) {
	if file == "" || file == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload file: %w", err)
	}
	return data, nil
}
