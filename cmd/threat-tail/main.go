package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/raspguard/raspguard-go/internal/config"
	"github.com/raspguard/raspguard-go/internal/domain"
	"github.com/raspguard/raspguard-go/internal/queue"
)

var (
	timeColor     = color.New(color.FgHiBlack)
	threatColor   = color.New(color.FgRed, color.Bold)
	enforcedColor = color.New(color.FgHiMagenta, color.Bold)
	detailColor   = color.New(color.FgCyan)
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "config file path")
	workers := flag.Int("workers", 1, "consumer workers")
	flag.Parse()

	// .env 中的密钥（BASELINE_KEY_SEED、RABBITMQ_PASS 等）
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := config.InitLogger(&cfg.Log)
	logger.SetOutput(os.Stderr)

	mq, err := queue.NewRabbitMQ(queue.FromConfig(&cfg.RabbitMQ), cfg.RabbitMQ.Queue, logger)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer mq.Close()

	if backlog, consumers, err := mq.GetQueueStats(); err == nil {
		fmt.Fprintf(os.Stderr, "queue %s: %d pending, %d consumers\n", cfg.RabbitMQ.Queue, backlog, consumers)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := queue.NewConsumer(mq, func(ctx context.Context, event *domain.ThreatEvent) error {
		printEvent(event)
		return nil
	}, *workers, logger)
	if err := consumer.Start(ctx); err != nil {
		log.Fatalf("Failed to start consumer: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	consumer.Stop()

	handled, rejected := consumer.Stats()
	fmt.Printf("\n%d events handled, %d rejected\n", handled, rejected)
}

func printEvent(event *domain.ThreatEvent) {
	timeColor.Printf("%s ", event.Timestamp.Format("2006-01-02 15:04:05"))
	threatColor.Printf("%-10s", event.Threat)
	if event.Enforced {
		enforcedColor.Print(" [enforced]")
	}
	fmt.Printf(" %s", event.Package)

	families := make([]string, 0, len(event.Scores))
	for t := range event.Scores {
		families = append(families, string(t))
	}
	sort.Strings(families)
	for _, f := range families {
		detailColor.Printf(" %s=%d", f, event.Scores[domain.ThreatType(f)])
	}
	fmt.Printf(" (%s)\n", event.EventID)
}
