//go:build wireinject
// +build wireinject

package di

import (
	"ChartSync/pkg/config"
	"ChartSync/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideRegistry,
		ProvideMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvidePostgresDB,
		ProvideHistoryCache,

		// Sources and sinks
		ProvideHistorySource,
		ProvideLiveFeed,
		ProvideUpdatePublisher,
		ProvideBarStore,

		// Use cases
		ProvideUpdateForwarder,
		ProvideUpdatePipeline,
		ProvideChartService,

		// Transport
		ProvideChartsHandler,
		ProvideHealth,
		ProvideHTTPServer,

		// Application server
		ProvideApp,
	)
	return nil, nil, nil
}
