package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/samber/do/v2"
	"github.com/spf13/afero"

	"github.com/wardlink/wardlink/internal/config"
	"github.com/wardlink/wardlink/internal/logging"
	"github.com/wardlink/wardlink/internal/pubsub"
	"github.com/wardlink/wardlink/internal/server"
	"github.com/wardlink/wardlink/internal/storage"
)

func main() {
	logging.New()

	injector := do.New()

	do.Provide(injector, func(do.Injector) (*config.Config, error) {
		return config.New(), nil
	})

	do.Provide(injector, func(do.Injector) (pubsub.Bus, error) {
		return pubsub.NewWatermillBridge(), nil
	})

	do.Provide(injector, func(i do.Injector) (storage.Store, error) {
		cfg := do.MustInvoke[*config.Config](i)
		fs := afero.NewBasePathFs(afero.NewOsFs(), cfg.UploadDir)
		return storage.NewAferoStore(fs), nil
	})

	do.Provide(injector, func(i do.Injector) (server.MessageStore, error) {
		cfg := do.MustInvoke[*config.Config](i)
		if cfg.SurrealURL == "" {
			slog.Info("No database configured, using in-memory message store")
			return server.NewMemoryStore(), nil
		}
		db, err := server.ConnectSurreal(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		return server.NewSurrealStore(db), nil
	})

	do.Provide(injector, func(i do.Injector) (*server.Server, error) {
		return server.New(
			do.MustInvoke[*config.Config](i),
			do.MustInvoke[server.MessageStore](i),
			do.MustInvoke[storage.Store](i),
			do.MustInvoke[pubsub.Bus](i),
		), nil
	})

	srv := do.MustInvoke[*server.Server](injector)
	if err := srv.Start(context.Background()); err != nil {
		slog.Error("Server exited with error", "error", err)
		os.Exit(1)
	}
}
