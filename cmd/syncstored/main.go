package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/campuswell/syncstore/internal/docapi"
	"github.com/campuswell/syncstore/internal/syncstore"
)

func main() {
	addr := os.Getenv("SYNCSTORED_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	persist, err := buildPersistenceFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize persistence: %v", err)
	}
	store := docapi.NewDocStore(persist, log.Default())
	server := docapi.NewServerWithConfig(store, docapi.ServerConfig{
		Token:        strings.TrimSpace(os.Getenv("SYNCSTORED_TOKEN")),
		MaxBodyBytes: int64Env("SYNCSTORED_MAX_BODY_BYTES", 0),
	})

	log.Printf("syncstored listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildPersistenceFromEnv() (syncstore.LocalStore, error) {
	profileDSN, err := storageProfileDefaultFromEnv()
	if err != nil {
		return nil, err
	}
	dsn := strings.TrimSpace(os.Getenv("SYNCSTORED_STATE_DSN"))
	if dsn == "" {
		dsn = profileDSN
	}
	return syncstore.BuildLocalStoreFromDSN(dsn)
}

func storageProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("SYNCSTORED_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("SYNCSTORED_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".syncstored"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("SYNCSTORED_POSTGRES_DSN"))
		if productionDSN == "" {
			return "", fmt.Errorf("SYNCSTORED_POSTGRES_DSN is required when SYNCSTORED_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "documents"), nil
	default:
		return "", fmt.Errorf("unsupported SYNCSTORED_BACKEND_PROFILE: %s", profile)
	}
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}
