package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"polyMonitorBot/config"
)

// reset wipes the engine's persistent state: the trade database with its WAL
// sidecars and the slot cache. Refuses to act without -yes.
func main() {
	var (
		dbPath    = flag.String("db", "", "path to the trade database (default: DB_PATH from the environment)")
		cachePath = flag.String("cache", "", "path to the slot cache (default: CACHE_PATH from the environment)")
		yes       = flag.Bool("yes", false, "actually delete; without it the targets are only listed")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	if *dbPath == "" {
		*dbPath = cfg.DBPath
	}
	if *cachePath == "" {
		*cachePath = cfg.CachePath
	}

	targets := []string{
		*dbPath,
		*dbPath + "-wal",
		*dbPath + "-shm",
		*cachePath,
	}

	if !*yes {
		fmt.Println("Would delete (re-run with -yes to proceed):")
		for _, path := range targets {
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("  %s\n", path)
			}
		}
		return
	}

	for _, path := range targets {
		err := os.Remove(path)
		switch {
		case err == nil:
			fmt.Printf("deleted %s\n", path)
		case os.IsNotExist(err):
			// Nothing to do
		default:
			log.Fatalf("FATAL: Failed to delete %s: %v", path, err)
		}
	}
	fmt.Println("State reset. The monitor will start clean.")
}
