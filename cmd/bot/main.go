// Package main is the entry point of the trading bot image managed by the
// bot manager. It loads its strategy file from the mounted data directory and
// idles until the container is stopped.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/oremus-labs/ol-bot-manager/internal/logutil"
)

const (
	defaultDataDir = "/app/data"
	defaultDSLFile = "dsl.txt"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logutil.SetLevel(os.Getenv("LOG_LEVEL"))
	logutil.Info("bot_starting", map[string]interface{}{
		"appkeySet":    os.Getenv("APPKEY") != "",
		"appsecretSet": os.Getenv("APPSECRET") != "",
	})

	dataDir := envOr("DATA_DIR", defaultDataDir)
	path := filepath.Join(dataDir, envOr("DSL_FILENAME", defaultDSLFile))
	logutil.Info("bot_loading_dsl", map[string]interface{}{"path": path})

	dsl, err := loadDSL(path)
	if err != nil {
		logutil.Error("bot_dsl_unavailable", err, map[string]interface{}{
			"path": path,
			"hint": "ensure the data volume is mounted and the file exists",
		})
	} else {
		logutil.Info("bot_dsl_loaded", map[string]interface{}{"dsl": dsl})
	}

	<-ctx.Done()
	logutil.Info("bot_stopping", nil)
}

// loadDSL reads and parses the strategy file.
func loadDSL(path string) (map[string]interface{}, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var dsl map[string]interface{}
	if err := json.Unmarshal(raw, &dsl); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return dsl, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
