package classchat

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/cors"

	"github.com/hoclab/classchat/core"
	"github.com/hoclab/classchat/pkg/router"
)

type App struct {
	config      *Config
	db          *core.SQLiteDB
	context     context.Context
	server      *http.Server
	logger      *slog.Logger
	router      *router.Router
	eventRouter *core.EventRouter
	wsManager   *core.ConnManager
	normalizer  core.Normalizer

	exit chan int

	chatStore core.ChatStore

	chatHandler *ChatHandler

	cleanupFuncs []func(context.Context)

	wg sync.WaitGroup
}

func New(ctx context.Context, config *Config) *App {
	var err error
	app := &App{
		exit: make(chan int),
	}
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	app.context = ctx

	if config == nil {
		var err error
		config, err = LoadConfig()
		if err != nil {
			failed(1, "failed to load config: %v\n", err)
		}
	}
	if err := config.Validate(); err != nil {
		failed(1, FormatValidationErrors(err))
	}
	app.config = config

	app.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))

	sqliteOptions := &core.SQLiteDBOption{
		Mode:          "rwc",
		Cache:         "shared",
		JournalMode:   "WAL",
		BusyTimeoutMS: 5000,
	}
	app.db, err = core.NewSQLiteDB(app.config.SQLite.File, app.config.SQLite.Migrations, sqliteOptions)
	if err != nil {
		failed(1, "failed to open database: %v\n", err)
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		app.db.Close()
	})
	if err := app.db.Migrate(); err != nil {
		failed(1, "failed to migrate database: %v\n", err)
	}

	app.normalizer = core.NewNormalizer(app.config.Chat.CountryCode)
	app.chatStore = core.NewSQLiteChatStore(app.db.DB, app.normalizer,
		core.WithOpTimeout(app.config.Chat.OpTimeout),
		core.WithLegacyWindow(app.config.Chat.LegacyWindow),
		core.WithBackfill(app.config.Chat.Backfill))

	app.wsManager = core.NewConnManager(app.context, &app.wg, app.logger)
	app.wsManager.OnParticipantConnected(app.onParticipantConnect)
	app.wsManager.OnParticipantDisconnected(app.onParticipantDisconnect)
	app.wsManager.OnConnectionOpened(app.onConnectionOpen)

	app.eventRouter = core.NewEventRouter(app.context, app.logger, app.wsManager)
	app.eventRouter.On(JoinRoomEvent, app.JoinRoomHandler)
	app.eventRouter.On(SendMessageEvent, app.SendMessageHandler)
	app.eventRouter.On(GetHistoryEvent, app.GetHistoryHandler)
	app.eventRouter.On(MarkReadEvent, app.MarkReadHandler)
	app.eventRouter.On(TypingEvent, app.TypingHandler)
	app.eventRouter.On(IsOnlineEvent, app.IsOnlineHandler)

	app.chatHandler = NewChatHandler(app.chatStore, app.normalizer, app.config.Chat.HistoryLimit,
		app.deliver,
		func(roomID, by string, count int) {
			app.eventRouter.EmitToRoom(ReadEvent, ReadPayload{RoomID: roomID, By: by, Count: count}, roomID)
		})
	authMiddleware := core.JWTMiddleware(app.config.Auth.Secret)

	app.router = router.New(router.WithLogger(app.logger))
	registerErrorMappers(app.router)

	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	app.router.With(authMiddleware).Get("/ws", app.wsHandler)

	api := router.New(router.WithLogger(app.logger))
	registerErrorMappers(api)

	api.Route("/chat", func(r *router.Router) {
		r.Use(authMiddleware)
		r.Get("/messages", app.chatHandler.GetMessagesHandler)
		r.Post("/messages", app.chatHandler.SendMessageHandler)
		r.Get("/rooms", app.chatHandler.GetMyRoomsHandler)
		r.Get("/rooms/{roomID}", app.chatHandler.GetRoomHandler)
		r.Put("/rooms/{roomID}/read", app.chatHandler.MarkRoomReadHandler)
	})

	app.router.Mount("/api", api)

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", app.config.Hostname, app.config.Port),
		Handler: app.router.Router,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}

	return app
}

// registerErrorMappers maps the chat error kinds onto API responses.
func registerErrorMappers(r *router.Router) {
	badRequest := func(sentinel error) router.ErrorMapper {
		return func(error) router.JsonError {
			return router.NewJsonError(http.StatusBadRequest, sentinel.Error())
		}
	}
	r.RegisterErrorMapper(core.ErrInvalidIdentifier, badRequest(core.ErrInvalidIdentifier))
	r.RegisterErrorMapper(core.ErrInvalidParticipantPair, badRequest(core.ErrInvalidParticipantPair))
	r.RegisterErrorMapper(core.ErrInvalidMessage, badRequest(core.ErrInvalidMessage))
	r.RegisterErrorMapper(core.ErrNotAuthenticated, func(error) router.JsonError {
		return router.NewJsonError(http.StatusUnauthorized, core.ErrNotAuthenticated.Error())
	})
	r.RegisterErrorMapper(core.ErrStoreTimeout, func(error) router.JsonError {
		return router.NewJsonError(http.StatusGatewayTimeout, core.ErrStoreTimeout.Error())
	})
	r.RegisterErrorMapper(core.ErrStoreUnavailable, func(error) router.JsonError {
		return router.NewJsonError(http.StatusServiceUnavailable, core.ErrStoreUnavailable.Error())
	})
}

func (app *App) Start() {
	app.eventRouter.Listen(&app.wg)

	// listen for shutdown signal
	go func() {
		<-app.context.Done()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		var wg sync.WaitGroup

		for _, f := range app.cleanupFuncs {
			wg.Add(1)
			func(wg *sync.WaitGroup) {
				defer wg.Done()
				f(closeCtx)
			}(&wg)
		}

		done := make(chan struct{})
		go func() {
			app.wg.Wait()
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			app.logger.Info("app shutdown gracefully")
			app.exit <- 0
		case <-closeCtx.Done():
			app.logger.Info("app shutdown timed out")
			app.exit <- 1
		}
	}()

	app.AddCleanupFunc(func(ctx context.Context) {
		app.server.Shutdown(ctx)
	})
	app.logger.Info(fmt.Sprintf("app running on: %s:%d", app.config.Hostname, app.config.Port))

	err := app.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		failed(1, "server error: %v\n", err)
	}

	code := <-app.exit
	if code != 0 {
		failed(code, "app exit with code: %d\n", code)
	} else {
		os.Exit(code)
	}
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
