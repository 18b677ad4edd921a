package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/apk-analysis/device-posture-go/internal/config"
	"github.com/apk-analysis/device-posture-go/internal/queue"
	"github.com/apk-analysis/device-posture-go/internal/repository"
	"github.com/apk-analysis/device-posture-go/internal/service"
)

// 把扫描重新投递到 RabbitMQ：默认重试失败的扫描，--interrupted 重新投递 queued/running 的扫描
func main() {
	configPath := flag.String("config", "./configs/config.yaml", "config file path")
	interrupted := flag.Bool("interrupted", false, "requeue queued/running scans instead of failed ones")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	logger := config.InitLogger(&cfg.Log)

	if !cfg.RabbitMQ.Enabled() {
		log.Fatal("rabbitmq is not configured, nothing to publish to")
	}

	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	mq, err := queue.NewRabbitMQ(queue.Options{URL: cfg.RabbitMQ.URL(), Queue: cfg.RabbitMQ.Queue}, logger)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	defer mq.Close()

	// 只负责投递，不执行扫描
	svc := service.NewScanService(repository.NewScanRepository(db, logger), nil, queue.NewProducer(mq, logger), service.Options{}, logger)

	ctx := context.Background()
	var n int
	if *interrupted {
		n, err = svc.Requeue(ctx)
	} else {
		n, err = svc.RetryFailed(ctx)
	}
	if err != nil {
		log.Fatalf("Requeue failed: %v", err)
	}

	fmt.Printf("\n✅ 成功重新入队 %d 个扫描\n", n)
}
