package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"holdfast.gg/internal/persistence/indexdb"
)

// openIndex opens the optional read-model index. It never feeds back into
// the simulation except as carry-over seeds when carryOver is set.
func openIndex(dataDir string, disableDB, carryOver bool) (*indexdb.SQLiteIndex, error) {
	if disableDB {
		return nil, nil
	}
	backend := strings.ToLower(strings.TrimSpace(os.Getenv("HF_INDEX_BACKEND")))
	if backend == "" {
		backend = "sqlite"
	}
	switch backend {
	case "none", "off", "disabled":
		return nil, nil
	case "sqlite":
		return indexdb.OpenSQLite(filepath.Join(dataDir, "index", "holdfast.sqlite"), indexdb.Options{
			QueueSize: envInt("HF_INDEX_QUEUE", 0),
			CarryOver: carryOver,
		})
	default:
		return nil, fmt.Errorf("unsupported HF_INDEX_BACKEND: %s", backend)
	}
}
