package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/campuswell/syncstore/internal/remotedoc"
	"github.com/campuswell/syncstore/internal/syncstore"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("SYNCSTORE_BASE_URL", "http://127.0.0.1:8080"), "document service base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("SYNCSTORE_TOKEN")), "bearer token")
	ownerID := flag.String("owner", strings.TrimSpace(os.Getenv("SYNCSTORE_OWNER")), "owner ID")
	collections := flag.String("collections", envOrDefault("SYNCSTORE_COLLECTIONS", "state"), "comma-separated collections to pull")
	localDir := flag.String("local-dir", strings.TrimSpace(os.Getenv("SYNCSTORE_LOCAL_DIR")), "local document directory")
	realtimeKey := flag.String("realtime-key", strings.TrimSpace(os.Getenv("SYNCSTORE_REALTIME_KEY")), "document key to subscribe to in realtime (optional)")
	realtimeCollection := flag.String("realtime-collection", envOrDefault("SYNCSTORE_REALTIME_COLLECTION", "state"), "collection for the realtime subscription")
	interval := flag.Duration("interval", durationEnv("SYNCSTORE_PULL_INTERVAL", 5*time.Second), "pull interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("SYNCSTORE_PULL_INTERVAL_JITTER", 0.2), "pull interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("SYNCSTORE_PULL_TIMEOUT", 15*time.Second), "per-pull timeout")
	once := flag.Bool("once", false, "run one pull cycle and exit")
	flag.Parse()

	if strings.TrimSpace(*ownerID) == "" {
		log.Fatalf("owner is required (--owner or SYNCSTORE_OWNER)")
	}
	if strings.TrimSpace(*localDir) == "" {
		log.Fatalf("local-dir is required (--local-dir or SYNCSTORE_LOCAL_DIR)")
	}
	if *interval <= 0 {
		*interval = 5 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	local, err := syncstore.NewDirLocalStore(*localDir)
	if err != nil {
		log.Fatalf("failed to open local store: %v", err)
	}
	queue, err := syncstore.NewStoredSyncQueue(local)
	if err != nil {
		log.Fatalf("failed to open sync queue: %v", err)
	}
	remote := remotedoc.NewClient(remotedoc.ClientOptions{
		BaseURL:    *baseURL,
		Token:      *token,
		HTTPClient: &http.Client{Timeout: *timeout},
	})
	coordinator := syncstore.NewCoordinator(syncstore.CoordinatorOptions{
		Local:      local,
		Remote:     remote,
		Queue:      queue,
		OwnerID:    strings.TrimSpace(*ownerID),
		WatchLocal: true,
	})
	defer coordinator.Close()

	unsubscribe := coordinator.Notifier().SubscribeStatus(func(status syncstore.SyncStatus) {
		log.Printf("sync status: online=%v pending=%d", status.IsOnline, status.PendingCount)
	})
	defer unsubscribe()

	if key := strings.TrimSpace(*realtimeKey); key != "" {
		cancel := coordinator.SubscribeRealtime(syncstore.DocumentPath{
			OwnerID:    strings.TrimSpace(*ownerID),
			Collection: strings.TrimSpace(*realtimeCollection),
			Key:        key,
		})
		defer cancel()
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pullCollections := splitCollections(*collections)
	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := coordinator.Pull(ctx, *ownerID, pullCollections); err != nil {
			log.Printf("pull cycle failed: %v", err)
			coordinator.SetOnline(false)
			return
		}
		coordinator.SetOnline(true)
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("agent stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func splitCollections(raw string) []string {
	parts := strings.Split(raw, ",")
	collections := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			collections = append(collections, part)
		}
	}
	if len(collections) == 0 {
		collections = []string{"state"}
	}
	return collections
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
