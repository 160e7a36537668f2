package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/ragchat/internal/ai"
	"github.com/suPer8Hu/ragchat/internal/config"
	"github.com/suPer8Hu/ragchat/internal/db"
	"github.com/suPer8Hu/ragchat/internal/ingest"
	"github.com/suPer8Hu/ragchat/internal/rag"
	"github.com/suPer8Hu/ragchat/internal/store/rabbitmq"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb := db.Connect(cfg.DBDSN)

	embedder, err := ai.NewEmbedderFromConfig(ctx, cfg)
	if err != nil {
		log.Fatalf("embedder: %v", err)
	}
	ingestor, err := rag.NewIngestorFromConfig(cfg, embedder, nil)
	if err != nil {
		log.Fatalf("ingestor: %v", err)
	}

	// The worker only runs jobs; the API process publishes them.
	svc := ingest.NewService(ingest.NewRepo(gdb), nil, ingestor, ingest.Options{
		SourceRoot: cfg.IngestSourceRoot,
		IndexDir:   cfg.IndexDir,
	})

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	// strict concurrency control
	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	log.Printf("worker started, queue=%s concurrency=%d embedder=%s", cfg.RabbitQueue, concurrency, embedder.Name())

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				m, err := rabbitmq.DecodeJob(d.Body)
				if err != nil {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := svc.Run(ctx, m.JobID); err != nil {
					if errors.Is(err, ingest.ErrInterrupted) || ctx.Err() != nil {
						// shutting down: the job is queued again, let another worker take it
						log.Printf("worker=%d job %s interrupted, requeueing: %v", workerID, m.JobID, err)
						_ = d.Nack(false, true)
						continue
					}
					// failure is already recorded on the job; park the message in the DLQ
					log.Printf("worker=%d job %s failed cost=%s err=%v", workerID, m.JobID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				close(jobs)
				wg.Wait()
				return
			}
			jobs <- d
		}
	}
}
