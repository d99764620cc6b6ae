package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/joho/godotenv"
	"github.com/raspguard/raspguard-go/internal/config"
	"github.com/raspguard/raspguard-go/internal/repository"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "config file path")
	keep := flag.Int("keep", -1, "prune report history down to this many rows (-1 keeps everything)")
	flag.Parse()

	// .env 中的密钥（BASELINE_KEY_SEED、RABBITMQ_PASS 等）
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.InitLogger(&cfg.Log)

	// InitDB 会迁移 baseline_records 与 report_records
	db, err := repository.InitDB(&cfg.Baseline, logger)
	if err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}
	fmt.Println("✓ Migration completed successfully")

	if *keep < 0 {
		return
	}

	removed, err := repository.NewReportRepository(db).Prune(context.Background(), *keep)
	if err != nil {
		log.Fatalf("Failed to prune history: %v", err)
	}
	fmt.Printf("✓ Pruned %d report rows\n", removed)
}
