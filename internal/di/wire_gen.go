//go:build !wireinject
// +build !wireinject

package di

import (
	"ChartSync/pkg/config"
	"ChartSync/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// It follows the provider set in wire.go; keep both in step, or replace
// this file with the output of `wire gen ./internal/di`.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	logger, err := ProvideLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	registry := ProvideRegistry()
	metrics := ProvideMetrics(registry)
	client, cleanup, err := ProvideClickHouseClient(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	db, cleanup2, err := ProvidePostgresDB(cfg, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	service, cleanup3, err := ProvideHistoryCache(cfg, logger)
	if err != nil {
		cleanup2()
		cleanup()
		return nil, nil, err
	}
	historicalSource, err := ProvideHistorySource(cfg, client, db, service, logger)
	if err != nil {
		cleanup3()
		cleanup2()
		cleanup()
		return nil, nil, err
	}
	liveFeed, err := ProvideLiveFeed(cfg, metrics, logger)
	if err != nil {
		cleanup3()
		cleanup2()
		cleanup()
		return nil, nil, err
	}
	updatePublisher, cleanup4, err := ProvideUpdatePublisher(cfg, logger)
	if err != nil {
		cleanup3()
		cleanup2()
		cleanup()
		return nil, nil, err
	}
	barStore, err := ProvideBarStore(cfg, client, db, logger)
	if err != nil {
		cleanup4()
		cleanup3()
		cleanup2()
		cleanup()
		return nil, nil, err
	}
	updateForwarder := ProvideUpdateForwarder(updatePublisher, barStore, metrics, logger)
	updatePipeline := ProvideUpdatePipeline(cfg, updateForwarder, metrics, logger)
	chartService, err := ProvideChartService(cfg, historicalSource, liveFeed, metrics, updatePipeline, logger)
	if err != nil {
		cleanup4()
		cleanup3()
		cleanup2()
		cleanup()
		return nil, nil, err
	}
	chartsEchoHandler := ProvideChartsHandler(cfg, chartService, logger)
	healthFunc := ProvideHealth(client, db)
	httpServer := ProvideHTTPServer(cfg, chartsEchoHandler, registry, healthFunc, logger)
	app := ProvideApp(cfg, chartService, updatePipeline, chartsEchoHandler, httpServer, logger)
	return app, func() {
		cleanup4()
		cleanup3()
		cleanup2()
		cleanup()
	}, nil
}
