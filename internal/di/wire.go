//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"CoherencePulse/pkg/config"
	"CoherencePulse/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Observability
		ProvideLogger,
		ProvideRegisterer,
		ProvideMetrics,
		ProvideClock,
		ProvideBreakers,

		// Infrastructure clients
		ProvideKafkaProducer,
		ProvideDigest,
		ProvideCacheStore,
		ProvideClickHouseClient,

		// Repositories
		ProvideScoreCache,
		ProvideEventStore,
		ProvideAlertPublisher,
		ProvidePersistPipeline,
		ProvideAlertRelay,

		// Scoring and fan-out
		ProvideEngine,
		ProvideEvents,
		ProvideBroadcastManager,
		ProvideIngestion,

		// Tick sources
		ProvideFinnhubFeed,
		ProvideKafkaConsumer,

		// HTTP
		ProvideWSHandler,
		ProvideAPIHandler,
		ProvideHTTPServer,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
