package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ndnstream/backend/daemon/config"
	"github.com/ndnstream/backend/daemon/manager"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config")
	path := flag.String("db", "", "Path to the object store (default from config)")
	maxAge := flag.Duration("max-age", 0, "Max age for stored objects (default from config)")
	list := flag.Bool("list", false, "List stored objects instead of collecting")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *path == "" {
		*path = cfg.ObjectDBPath()
	}
	if *maxAge == 0 {
		*maxAge = cfg.Store.Retention
	}

	store, err := manager.OpenObjectStore(*path, manager.ObjectStoreOptions{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	if *list {
		recs, err := store.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		for _, r := range recs {
			fmt.Printf("%-48s %10d %s %s\n", r.Name, r.Size, r.Digest[:16], r.StoredAt.Format(time.RFC3339))
		}
		return
	}

	removed, err := store.GC(*maxAge)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Object GC removed %d names older than %s\n", removed, maxAge.String())
}
