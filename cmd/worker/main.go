package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"classattend/internal/attendance"
	"classattend/internal/config"
	"classattend/internal/queue"
	"classattend/internal/store"
)

// Worker consumes mark-created events and re-examines the session's
// device hashes: when one device carries marks for several identities,
// each affected mark gets a review note. The fingerprint remains a
// signal for reviewers; the worker never touches a mark's status.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "attendance:marks")
	}

	svc := attendance.NewService(store.NewPostgres(db.Client), cfg.SessionMinutes)

	events, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for mark events...")
	for evt := range events {
		if evt.SessionID == "" {
			continue
		}

		flagged, err := svc.FlagDeviceAnomalies(ctx, evt.SessionID, evt.DeviceHash, cfg.AnomalyThreshold)
		if err != nil {
			log.Printf("anomaly scan failed for session %s: %v", evt.SessionID, err)
			continue
		}
		if len(flagged) > 0 {
			log.Printf("session %s: device %s shared by %d identities, marks flagged for review", evt.SessionID, evt.DeviceHash, len(flagged))
		}
	}

	log.Println("worker stopped")
}
