// cmd/stratadb/main.go
//
// stratadb - minimal operational CLI for a StrataDB data directory.
//
// Usage:
//
//	stratadb <data-dir> <command> [args...]
//
// Commands: ping, info, compact, flush <branch>.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"stratadb/internal/config"
	"stratadb/pkg/kernel"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Fprintf(os.Stderr, "usage: stratadb <data-dir> <ping|info|compact|flush> [branch]\n")
		os.Exit(2)
	}
	dataDir := os.Args[1]
	command := os.Args[2]

	k, err := kernel.Open(dataDir, kernel.Options{
		Config: config.Config{},
		Logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open failed: %v\n", err)
		os.Exit(1)
	}
	defer k.Close()

	if err := run(k, command, os.Args[3:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", command, err)
		os.Exit(1)
	}
}

func run(k *kernel.Kernel, command string, args []string) error {
	switch command {
	case "ping":
		if err := k.Ping(); err != nil {
			return err
		}
		fmt.Println("pong")
		return nil
	case "info":
		info, err := k.Info()
		if err != nil {
			return err
		}
		fmt.Printf("database: %s\n", info.DatabaseUUID)
		fmt.Printf("branches: %v\n", info.Branches)
		fmt.Printf("shards: %d  chains: %d\n", info.Store.ShardCount, info.Store.TotalChains)
		return nil
	case "compact":
		return k.Compact()
	case "flush":
		if len(args) < 1 {
			return fmt.Errorf("flush requires a branch name")
		}
		return k.Flush(args[0])
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}
