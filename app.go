package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openai/openai-go/v3"

	"github.com/n0madic/go-elements/internal/config"
	"github.com/n0madic/go-elements/internal/conversation"
	"github.com/n0madic/go-elements/internal/httpx"
	"github.com/n0madic/go-elements/internal/limits"
	"github.com/n0madic/go-elements/internal/logging"
	"github.com/n0madic/go-elements/internal/models"
	"github.com/n0madic/go-elements/internal/store"
	"github.com/n0madic/go-elements/internal/upstream"
	"github.com/n0madic/go-elements/internal/vector"
)

// logFileName is the JSON log appended to by the server.
const logFileName = "elements.log"

// app holds the wired components shared by the commands.
type app struct {
	cfg    *config.Config
	loader *config.Loader
	store  *store.Store
	logger *slog.Logger

	limits        *limits.Recorder
	upstream      *upstream.Client
	sdk           openai.Client
	registry      *models.Registry
	vectors       *vector.Service
	conversations *conversation.Service

	closers []io.Closer
}

type appOptions struct {
	// logFile also appends JSON logs to <data dir>/elements.log.
	logFile bool
}

// openApp resolves the configuration and wires every component. Safe mode
// uses an in-memory database, a cache-only vector adapter and writes nothing
// to the data directory.
func openApp(ctx context.Context, flags *globalFlags, opts appOptions) (*app, error) {
	dataDir := strings.TrimSpace(flags.dataDir)
	if dataDir == "" {
		dir, err := config.DataDir()
		if err != nil {
			return nil, err
		}
		dataDir = dir
	}

	loader, err := config.NewLoader(dataDir)
	if err != nil {
		return nil, err
	}
	applyFlags(loader, flags)

	a := &app{loader: loader}
	if loader.Config().SafeMode {
		a.store, err = store.OpenMemory()
	} else {
		if err := config.EnsureDataDir(dataDir); err != nil {
			return nil, err
		}
		a.store, err = store.Open(loader.Config().DBPath)
	}
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.store)

	if err := loader.Overlay(ctx, a.store); err != nil {
		a.Close()
		return nil, err
	}
	applyFlags(loader, flags)
	cfg := loader.Config()
	a.cfg = cfg

	a.logger, err = a.newLogger(opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	slog.SetDefault(a.logger)

	persistDir := dataDir
	if cfg.SafeMode {
		persistDir = ""
	}

	httpClient := httpx.NewClient(httpx.Options{
		APIKey: cfg.APIKey,
		Proxy: httpx.ProxySettings{
			Enabled:    cfg.Proxy.Enabled,
			HTTPProxy:  cfg.Proxy.HTTP,
			HTTPSProxy: cfg.Proxy.HTTPS,
			NoProxy:    cfg.Proxy.NoProxy,
		},
		EgressStrict: cfg.EgressStrict,
		AllowHosts:   cfg.AllowlistHosts,
	})
	a.limits = limits.NewRecorder(persistDir)
	a.upstream = upstream.NewClient(httpClient, cfg.BaseURL, a.limits, a.logger)
	a.sdk = a.upstream.SDK(cfg.APIKey)
	a.registry = models.NewRegistry(models.SDKLister{Client: a.sdk}, persistDir, a.logger)

	predefined := config.SplitList(cfg.VectorStoreID)
	if cfg.Vector {
		var adapter vector.Adapter
		if cfg.SafeMode || cfg.APIKey == "" {
			adapter = vector.NewLocalAdapter(a.store)
		} else {
			adapter = vector.NewOpenAIAdapter(a.sdk, a.logger)
		}
		a.vectors = vector.NewService(adapter, a.store, a.logger, predefined)
	}

	a.conversations = conversation.NewService(a.store, a.upstream, a.logger)
	a.conversations.DefaultModel = cfg.Model
	if cfg.WebSearch {
		a.conversations.DefaultTools = append(a.conversations.DefaultTools, upstream.ToolWebSearch)
	}
	if cfg.Vector {
		a.conversations.DefaultTools = append(a.conversations.DefaultTools, upstream.ToolFileSearch)
		a.conversations.DefaultVectorStoreIDs = predefined
	}
	return a, nil
}

// applyFlags lets command line flags win over every configuration layer.
func applyFlags(loader *config.Loader, flags *globalFlags) {
	if flags.debug {
		loader.Set(config.KeyDebug, true)
	}
	if flags.safeMode {
		loader.Set(config.KeySafeMode, true)
	}
}

func (a *app) newLogger(opts appOptions) (*slog.Logger, error) {
	console := logging.New(
		logging.WithDebug(a.cfg.Debug),
		logging.WithPretty(a.cfg.LogFormat == "pretty"),
		logging.WithJSON(a.cfg.LogFormat == "json"),
	)
	if !opts.logFile || a.cfg.SafeMode {
		return console, nil
	}
	f, err := os.OpenFile(filepath.Join(a.cfg.DataDir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	a.closers = append(a.closers, f)
	file := logging.New(logging.WithDebug(a.cfg.Debug), logging.WithJSON(true), logging.WithSource(a.cfg.Debug), logging.WithWriter(f))
	return logging.Multi(console, file), nil
}

// requireAPIKey fails commands that must talk to the upstream.
func (a *app) requireAPIKey() error {
	if a.cfg.APIKey == "" {
		return errors.New("no API key configured; run: elements config set openai_api_key <key>, or set OPENAI_API_KEY")
	}
	return nil
}

// requireVectors fails vector commands when the feature is switched off.
func (a *app) requireVectors() (*vector.Service, error) {
	if a.vectors == nil {
		return nil, errors.New("vector stores are disabled; run: elements config set vector_enabled true")
	}
	return a.vectors, nil
}

// Close releases the database and log file.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}
