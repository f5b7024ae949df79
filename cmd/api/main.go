package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-studio/backend/internal/config"
	"github.com/zhouzirui/z-studio/backend/internal/handler"
	catalogHandler "github.com/zhouzirui/z-studio/backend/internal/handler/catalog"
	playbackHandler "github.com/zhouzirui/z-studio/backend/internal/handler/playback"
	"github.com/zhouzirui/z-studio/backend/internal/handler/relay"
	sessionHandler "github.com/zhouzirui/z-studio/backend/internal/handler/session"
	syncHandler "github.com/zhouzirui/z-studio/backend/internal/handler/sync"
	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
	"github.com/zhouzirui/z-studio/backend/internal/model/settings"
	"github.com/zhouzirui/z-studio/backend/internal/service/ai"
	"github.com/zhouzirui/z-studio/backend/internal/service/auxiliary"
	"github.com/zhouzirui/z-studio/backend/internal/service/catalog"
	"github.com/zhouzirui/z-studio/backend/internal/service/orchestrator"
	"github.com/zhouzirui/z-studio/backend/internal/service/persistence"
	"github.com/zhouzirui/z-studio/backend/internal/service/playback"
	"github.com/zhouzirui/z-studio/backend/internal/service/speech"
	"github.com/zhouzirui/z-studio/backend/internal/service/store"
	"github.com/zhouzirui/z-studio/backend/pkg/kv"
)

const flushDelay = 500 * time.Millisecond

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	kvStore := openKV(cfg.Storage)
	defer kvStore.Close()
	local := persistence.NewLocal(kvStore)

	// Store: seed catalog + env defaults, overridden by whatever is on disk
	seed := preset.Seed()
	if cfg.Storage.PresetsFile != "" {
		if c, err := preset.LoadSeedFile(cfg.Storage.PresetsFile); err != nil {
			log.Printf("warning: failed to load presets file %s: %v", cfg.Storage.PresetsFile, err)
		} else {
			seed = c
		}
	}
	// 环境变量中的密钥只作为运行时兜底，不写入设置
	defaults := store.Defaults(seed, settings.Defaults(cfg.AI.Model, cfg.AI.Temperature, ""))
	st := store.Open(ctx, local, defaults)

	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		st.Run(ctx, local, flushDelay)
	}()

	if cfg.Storage.PresetsFile != "" {
		watcher, err := catalog.NewWatcher(cfg.Storage.PresetsFile, st)
		if err != nil {
			log.Printf("warning: presets file will not be watched: %v", err)
		} else {
			go watcher.Run(ctx)
		}
	}

	// AI client
	client, err := ai.NewClient(ctx, cfg.AI)
	if err != nil {
		log.Printf("warning: failed to initialize %s client: %v", cfg.AI.Provider, err)
		log.Println("falling back to Gemini - 请在设置中填写 API Key")
		client = ai.NewGeminiClient()
	}
	requireKey := cfg.AI.Provider != config.ProviderArk || err != nil

	// Speech
	geminiKey := func() string {
		if cfg.AI.Provider != config.ProviderArk {
			if key := st.Snapshot().Settings.APIKey; key != "" {
				return key
			}
		}
		return cfg.AI.GeminiAPIKey
	}
	router := speech.NewRouter().Register(preset.ProviderGemini, speech.NewGeminiSynthesizer(speech.DefaultGeminiTTSModel, geminiKey))
	if cfg.Speech.VolcengineEnabled {
		router.Register(preset.ProviderVolcengine, speech.NewVolcengineSynthesizer(cfg.Speech))
		log.Println("Volcengine TTS enabled")
	} else {
		log.Println("语音服务凭证未配置，火山引擎 TTS 不可用")
	}

	hub := playbackHandler.NewHub()
	controller := playback.NewController(router, &playback.ClockSink{Output: hub, MinDuration: 300 * time.Millisecond}, playback.NewKVCache(kvStore), cfg.Speech.SampleRate)
	defer controller.Close()
	st.OnSessionDeleted(func(sessionID string) {
		controller.PurgeSession(context.Background(), sessionID)
	})

	// Agents
	envKey := cfg.AI.DefaultAPIKey()
	aux := auxiliary.New(st, client,
		auxiliary.WithRequireAPIKey(requireKey),
		auxiliary.WithFallbackAPIKey(envKey),
	)
	orch := orchestrator.New(st, client,
		orchestrator.WithAuxTrigger(aux),
		orchestrator.WithPlayer(controller),
		orchestrator.WithRequireAPIKey(requireKey),
		orchestrator.WithFallbackAPIKey(envKey),
	)

	syncSvc := persistence.NewSync(st, persistence.NewWebDAV(nil), settings.WebDAVConfig{
		URL:      cfg.Sync.WebDAVURL,
		Username: cfg.Sync.WebDAVUsername,
		Password: cfg.Sync.WebDAVPassword,
	})

	playbackH := playbackHandler.New(st, controller, hub)
	go playbackH.ForwardStatus(ctx)

	httpRouter := handler.NewRouter(handler.Handlers{
		Session:  sessionHandler.New(st, orch, aux),
		Catalog:  catalogHandler.New(st),
		Sync:     syncHandler.New(syncSvc),
		Relay:    relay.New(nil),
		Playback: playbackH,
	})

	startServer(ctx, cfg.Server, httpRouter)

	hub.CloseAll()
	<-flushed
}

// openKV 打开本地存储；未配置 DATA_DIR 时使用内存存储
func openKV(cfg config.StorageConfig) kv.Store {
	if cfg.DataDir == "" {
		log.Println("DATA_DIR 未配置，数据仅保存在内存中")
		return kv.NewMemory()
	}
	db, err := kv.OpenBadger(cfg.DataDir)
	if err != nil {
		log.Fatalf("failed to open data dir %s: %v", cfg.DataDir, err)
	}
	log.Printf("data stored in %s", cfg.DataDir)
	return db
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("Parallel Studio backend listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
