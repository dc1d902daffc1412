// Command gateway runs the local inference gateway: one OpenAI-compatible
// HTTP surface multiplexing requests across locally spawned inference
// backends. Configuration is entirely environment-variable driven; see
// pkg/pathutil for the cache/hub env precedence.
package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lemonade-run/gateway/pkg/backend"
	"github.com/lemonade-run/gateway/pkg/backend/dockergpu"
	"github.com/lemonade-run/gateway/pkg/backend/gguf"
	"github.com/lemonade-run/gateway/pkg/backend/imagegen"
	"github.com/lemonade-run/gateway/pkg/backend/onnx"
	"github.com/lemonade-run/gateway/pkg/backend/tts"
	"github.com/lemonade-run/gateway/pkg/backend/whisper"
	"github.com/lemonade-run/gateway/pkg/catalog"
	"github.com/lemonade-run/gateway/pkg/fetcher"
	"github.com/lemonade-run/gateway/pkg/httpclient"
	"github.com/lemonade-run/gateway/pkg/logging"
	"github.com/lemonade-run/gateway/pkg/metrics"
	"github.com/lemonade-run/gateway/pkg/orchestrator"
	"github.com/lemonade-run/gateway/pkg/pathutil"
	"github.com/lemonade-run/gateway/pkg/puller"
	"github.com/lemonade-run/gateway/pkg/realtime"
	"github.com/lemonade-run/gateway/pkg/router"
	"github.com/lemonade-run/gateway/pkg/server"
)

const defaultPort = "8000"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logrusLog := logrus.New()
	if os.Getenv("LEMONADE_LOG_LEVEL") == "debug" {
		logrusLog.SetLevel(logrus.DebugLevel)
	}
	log := logging.NewLogrusAdapter(logrusLog)

	serverModelsPath, err := pathutil.ResourcePath("server_models.json")
	if err != nil {
		log.Fatalf("resolving server model catalog: %v", err)
	}
	if _, err := os.Stat(serverModelsPath); err != nil {
		// The bundled catalog is the one resource the gateway cannot run
		// without.
		log.Fatalf("server model catalog missing: %v", err)
	}
	presetsPath, err := pathutil.ResourcePath("platform_presets.json")
	if err != nil {
		log.Fatalf("resolving platform presets: %v", err)
	}

	cat, err := catalog.NewManager(log.WithField("component", "catalog"), serverModelsPath)
	if err != nil {
		log.Fatalf("initializing model catalog: %v", err)
	}

	client := httpclient.New(log.WithField("component", "httpclient"), nil, "lemonade-gateway")
	hubFetcher := fetcher.New(log.WithField("component", "fetcher"), client)
	cliFetcher := fetcher.NewCLI(log.WithField("component", "fetcher.cli"))
	pull := puller.New(log.WithField("component", "puller"), cat, hubFetcher, cliFetcher, os.Getenv("HF_TOKEN"))

	var reg *metrics.Registry
	if os.Getenv("DISABLE_METRICS") != "1" {
		reg = metrics.New()
	}

	rt := router.New(
		log.WithField("component", "router"),
		cat,
		adapterFactory(log, client),
		nil,
		reg,
	)

	cacheRoot, err := pathutil.CacheRoot()
	if err != nil {
		log.Fatalf("resolving cache root: %v", err)
	}
	imageGen := imagegen.New(
		log.WithField("component", "backend.image-gen"),
		client,
		filepath.Join(cacheRoot, "generated-images"),
		os.Getenv("LEMONADE_KEEP_IMAGES") == "1",
	)

	orch := orchestrator.New(
		log.WithField("component", "orchestrator"),
		rt,
		cat,
		client,
		pull,
		imageGen,
		presetsPath,
	)

	realtimeManager := realtime.NewManager(log.WithField("component", "realtime"), rt)
	realtimeHandler := realtime.NewHandler(log.WithField("component", "realtime"), realtimeManager)

	srv := server.New(
		log.WithField("component", "server"),
		cat,
		rt,
		client,
		pull,
		orch,
		imageGen,
		realtimeHandler,
		reg,
	)

	port := os.Getenv("LEMONADE_PORT")
	if port == "" {
		port = defaultPort
	}
	host := os.Getenv("LEMONADE_HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, port)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("listening on http://%s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Infoln("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warnf("server shutdown: %v", err)
		}

		log.Infoln("unloading backends")
		if err := rt.UnloadAll(context.Background()); err != nil {
			log.Warnf("unloading backends: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Infoln("gateway stopped")
}

// adapterFactory maps a descriptor's recipe to a fresh backend adapter.
// The router calls it once per load; every adapter owns its own process,
// port, and telemetry sink.
func adapterFactory(log logging.Logger, client *httpclient.Client) router.AdapterFactory {
	return func(d *catalog.Descriptor) (backend.Adapter, error) {
		adapterLog := log.WithField("component", "backend."+string(d.Recipe))
		switch d.Recipe {
		case catalog.RecipeGGUFRuntime:
			return gguf.New(adapterLog, client), nil
		case catalog.RecipeONNXCPU:
			return onnx.New(adapterLog, client, onnx.DeviceCPU), nil
		case catalog.RecipeONNXNPU:
			return onnx.New(adapterLog, client, onnx.DeviceNPU), nil
		case catalog.RecipeONNXHybrid:
			return onnx.New(adapterLog, client, onnx.DeviceHybrid), nil
		case catalog.RecipeWhisperCPU:
			return whisper.New(adapterLog, client), nil
		case catalog.RecipeTTS:
			return tts.New(adapterLog, client), nil
		case catalog.RecipeDockerGPU:
			return dockergpu.New(adapterLog, client,
				os.Getenv("LEMONADE_DOCKER_IMAGE"),
				os.Getenv("LEMONADE_DOCKER_ARGS"),
			), nil
		default:
			return nil, &unsupportedRecipeError{recipe: d.Recipe}
		}
	}
}

type unsupportedRecipeError struct {
	recipe catalog.Recipe
}

func (e *unsupportedRecipeError) Error() string {
	return "no backend adapter for recipe " + string(e.recipe)
}
