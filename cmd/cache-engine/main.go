package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	cacheengine "github.com/tunexa/cache-engine"
)

var (
	// CLI flags
	portFlag           int
	configFlag         string
	originFlag         string
	warmupFlag         string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&configFlag, "config", "cache.yml", "Config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to with response caching")
	flag.StringVar(&warmupFlag, "warmup", "", "YAML file with entries to pre-load")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config, err := cacheengine.LoadConfig(configFlag)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatal().Err(err).Str("file", configFlag).Msg("Could not load config")
		}
		log.Warn().Str("file", configFlag).Msg("No config file, using defaults and environment")
		config.ApplyEnv()
	}
	config.Logger = &log.Logger

	engine, err := cacheengine.New(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create cache engine")
	}

	if warmupFlag != "" {
		warmUp(engine, warmupFlag)
	}

	router := chi.NewRouter()
	router.Mount("/-/cache", engine.AdminRouter())

	if originFlag != "" {
		originURL, err := url.Parse(originFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not parse origin url")
		}
		proxy := httputil.NewSingleHostReverseProxy(originURL)
		responseCache := cacheengine.NewResponseCache(engine, cacheengine.ResponseCacheConfig{})
		router.Handle("/*", responseCache.Middleware(proxy))
		log.Info().Msgf("Proxying port %v to %s with response caching", portFlag, originURL)
	} else {
		log.Info().Msgf("No origin configured, serving admin API only on port %v", portFlag)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", portFlag),
		Handler: router,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	// drain in-flight work before releasing connections
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server shutdown failed")
	}
	if err := engine.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Engine shutdown failed")
	}
}

func warmUp(engine *cacheengine.Engine, filename string) {
	warmupBytes, err := os.ReadFile(filename)
	if err != nil {
		log.Error().Err(err).Str("file", filename).Msg("Could not read warm-up file")
		return
	}
	var entries []cacheengine.WarmEntry
	if err := yaml.Unmarshal(warmupBytes, &entries); err != nil {
		log.Error().Err(err).Str("file", filename).Msg("Could not parse warm-up file")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	engine.WarmUp(ctx, entries)
}
