package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/policy-calc/internal/backend"
	"github.com/yourusername/policy-calc/internal/calc"
	"github.com/yourusername/policy-calc/internal/config"
	"github.com/yourusername/policy-calc/internal/jobs"
	"github.com/yourusername/policy-calc/internal/logger"
	"github.com/yourusername/policy-calc/internal/metrics"
	"github.com/yourusername/policy-calc/internal/orchestrator"
	"github.com/yourusername/policy-calc/internal/persist"
)

// 計算状態は期限なしで保持し、エンティティは短時間だけキャッシュする。
const (
	statusTTL = 0
	entityTTL = 10 * time.Minute
)

// calculationApp は計算パイプラインの構成要素をまとめたものです。
type calculationApp struct {
	manager *orchestrator.Manager
	jobs    *jobs.Manager
	http    *orchestrator.HTTPHandler
	redis   *redis.Client
}

func setupCalculation(cfg *config.Config, reg prometheus.Registerer, log logger.Logger) (*calculationApp, error) {
	opt, err := redis.ParseURL(cfg.CacheRedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse cache redis url: %w", err)
	}
	rdb := redis.NewClient(opt)

	statuses := jobs.NewStatusStore(rdb, statusTTL)
	entities := jobs.NewEntityCache(rdb, entityTTL)
	client := backend.New(cfg.PolicyAPIBaseURL, cfg.BackendTimeout())

	interval := cfg.PollInterval()
	strategies := []calc.Strategy{
		calc.NewHouseholdStrategy(client, interval),
		calc.NewEconomyStrategy(client, interval),
		calc.NewSocietyWideStrategy(client, interval),
	}

	service, err := calc.NewService(statuses, calc.NewRegistry(), strategies,
		calc.WithLogger(log),
		calc.WithTimePeriod(cfg.CalcTimePeriod),
		calc.WithGeographyCalcType(geographyCalcType(cfg)),
	)
	if err != nil {
		return nil, err
	}

	m := metrics.New(reg)
	persister := persist.New(client, entities, persist.Options{
		RetryDelay: cfg.PersistRetryDelay(),
		Reports:    client,
		Statuses:   statuses,
		Metrics:    m,
		Logger:     log,
	})

	manager := orchestrator.NewManager(service, persister, orchestrator.ManagerOptions{
		PollTimeout: cfg.PollTimeout(),
		Metrics:     m,
		Logger:      log,
	})
	orch := orchestrator.New(service, manager, log)
	loader := orchestrator.NewLoader(client, entities, orch, statuses, log)

	jobManager, err := jobs.NewManager(cfg, loader, log)
	if err != nil {
		return nil, err
	}

	return &calculationApp{
		manager: manager,
		jobs:    jobManager,
		http:    orchestrator.NewHTTPHandler(jobManager, loader, statuses, manager, log),
		redis:   rdb,
	}, nil
}

// Shutdown はワーカーを止め、実行中の計算を終わらせてから接続を閉じます。
func (a *calculationApp) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.jobs.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.redis.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func geographyCalcType(cfg *config.Config) calc.CalcType {
	if cfg.GeographyCalcType == "" {
		return calc.CalcTypeSocietyWide
	}
	return calc.CalcType(cfg.GeographyCalcType)
}
