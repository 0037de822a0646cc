package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/stereo-forge/internal/api"
	"github.com/yourusername/stereo-forge/internal/auth"
)

const shutdownTimeout = 10 * time.Second

// NewAPI は API サーバーの gin.Engine を組み立てます。
func (a *App) NewAPI() (*gin.Engine, error) {
	router, err := a.Router()
	if err != nil {
		return nil, err
	}
	ingest, err := a.Sender(QueueIngest)
	if err != nil {
		return nil, err
	}
	deletion, err := a.Sender(QueueDeletion)
	if err != nil {
		return nil, err
	}
	notify, err := a.Sender(QueueNotify)
	if err != nil {
		return nil, err
	}

	deps := a.PipelineDeps()
	s := api.New(api.Deps{
		Jobs:       a.Jobs,
		Objects:    a.Objects,
		Buckets:    deps.Buckets,
		Ingest:     ingest,
		Deletion:   deletion,
		Notify:     notify,
		Router:     router,
		Auth:       auth.NewManager(a.Config, a.Log),
		PresignTTL: a.Config.PresignTTL,
		Log:        a.Log,
	})
	return api.NewEngine(a.Config, s), nil
}

func (a *App) apiRunner() (runner, error) {
	engine, err := a.NewAPI()
	if err != nil {
		return nil, err
	}
	addr := ":" + a.Config.Port
	return func(ctx context.Context) error { return a.Serve(ctx, addr, engine) }, nil
}

// Serve は ctx がキャンセルされるまで HTTP サーバーを動かし、その後グレースフルに停止します。
func (a *App) Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.Log.Info("http server started", "addr", addr, "mode", a.Config.GinMode)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.Log.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}
