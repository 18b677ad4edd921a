package main

import (
	"flag"
	"fmt"
	"log"

	"github.com/apk-analysis/device-posture-go/internal/config"
	"github.com/apk-analysis/device-posture-go/internal/repository"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "config file path")
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.InitLogger(&cfg.Log)

	db, err := repository.Open(&cfg.Database)
	if err != nil {
		log.Fatal(err)
	}

	if err := repository.Migrate(db, logger); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	fmt.Printf("✓ Migration completed successfully (%s)\n", cfg.Database.Type)
}
