package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/devloop-run/devloop/internal/config"
	"github.com/devloop-run/devloop/internal/devlog"
	"github.com/devloop-run/devloop/internal/dispatch"
	"github.com/devloop-run/devloop/internal/eventlog"
	"github.com/devloop-run/devloop/internal/interaction"
	"github.com/devloop-run/devloop/internal/ipc"
	"github.com/devloop-run/devloop/internal/model"
	"github.com/devloop-run/devloop/internal/panehost"
	"github.com/devloop-run/devloop/internal/statusmirror"
	"github.com/devloop-run/devloop/internal/supervisor"
	"github.com/devloop-run/devloop/internal/watch"
)

// loadManifest resolves path relative to the current directory and parses
// and normalizes it.
func loadManifest(path string) (*config.Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return config.Load(f)
}

// selectHost picks tmux when it's on PATH, falling back to one OS terminal
// window per process otherwise (spec.md §4.4).
func selectHost(logger devlog.Logger, cwd string) panehost.Host {
	if _, err := exec.LookPath("tmux"); err == nil {
		return panehost.NewTmuxHost("devloop-"+filepath.Base(cwd), cwd, logger)
	}
	return panehost.NewTerminalHost(logger)
}

// buildEnvFileWatchSet groups resolved process names by the (already
// absolute) envFile each one references, for EnvFileWatcher.SetWatchSet.
func buildEnvFileWatchSet(resolved map[string]model.ResolvedProcessConfig) map[string][]string {
	out := make(map[string][]string)
	for name, cfg := range resolved {
		if cfg.EnvFile == "" {
			continue
		}
		out[cfg.EnvFile] = append(out[cfg.EnvFile], name)
	}
	return out
}

// runDaemon builds the full supervisor stack, binds it to the workspace's
// IPC socket, starts every auto-start process, and blocks until the
// process receives an interrupt or SIGTERM. An error from the IPC server
// is logged and does not end the wait.
func runDaemon(manifestPath string) error {
	logger := devlog.NewDefault()
	manifest, err := loadManifest(manifestPath)
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getwd: %w", err)
	}
	configDir := filepath.Dir(manifestPath)
	if !filepath.IsAbs(configDir) {
		configDir = filepath.Join(cwd, configDir)
	}

	reuseKey := ""
	if manifest.Reuse.Enabled {
		reuseKey = manifest.Reuse.Seed
	}
	_, address, err := ipc.Identity(configDir, reuseKey)
	if err != nil {
		return fmt.Errorf("derive session identity: %w", err)
	}

	outcome, err := ipc.Acquire(address, logger)
	if err != nil {
		return fmt.Errorf("acquire ipc socket: %w", err)
	}
	if outcome.Role == ipc.RoleProxy {
		defer outcome.Client.Close()
		infoColor.Println("a devloop daemon is already running for this workspace; this process will not start a second one")
		return nil
	}
	defer outcome.Listener.Close()

	host := selectHost(logger, cwd)
	sv := supervisor.New(host, logger, manifest.Settings)
	defer sv.Shutdown()

	resolved, err := manifest.Resolved(configDir)
	if err != nil {
		return fmt.Errorf("resolve manifest: %w", err)
	}
	if err := sv.LoadManifest(resolved); err != nil {
		return fmt.Errorf("load manifest: %w", err)
	}

	eventsPath := filepath.Join(os.TempDir(), "devloop-"+filepath.Base(configDir)+"-events.jsonl")
	log, err := eventlog.Open(eventsPath)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer log.Close()

	broker := interaction.New(host, log, logger)
	dispatcher := dispatch.New(sv, broker, logger)

	srv := ipc.NewServer(outcome.Listener, func(ctx context.Context, req ipc.Request) ipc.Response {
		env := dispatcher.Dispatch(ctx, req.Method, req.Params)
		if !env.OK {
			return ipc.ErrorResponse(req.ID, fmt.Errorf("%s", env.Error))
		}
		return ipc.OKResponse(req.ID, env.Result)
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var envWatcher *watch.EnvFileWatcher

	cfgWatcher, err := watch.NewConfigWatcher(manifestPath, logger, func(path string) {
		newManifest, err := loadManifest(path)
		if err != nil {
			logger.Warn("reload failed: manifest did not parse", "error", err)
			return
		}
		newResolved, err := newManifest.Resolved(configDir)
		if err != nil {
			logger.Warn("reload failed: manifest did not resolve", "error", err)
			return
		}
		diff, err := sv.Reload(ctx, newResolved)
		if err != nil {
			logger.Warn("reload failed", "error", err)
			return
		}
		if envWatcher != nil {
			envWatcher.SetWatchSet(buildEnvFileWatchSet(newResolved))
		}
		if !diff.Empty() {
			logger.Info("manifest reloaded", "added", diff.Added, "removed", diff.Removed, "changed", diff.Changed)
		}
	}, func(err error) {
		logger.Warn("config watcher error", "error", err)
	})
	if err != nil {
		return fmt.Errorf("watch manifest: %w", err)
	}
	defer cfgWatcher.Close()

	envWatcher, err = watch.NewEnvFileWatcher(logger, func(processNames []string) {
		for _, name := range processNames {
			if sv.RestartIfRunning(ctx, name) {
				logger.Info("env file changed, restarted process", "process", name)
			}
		}
	})
	if err != nil {
		return fmt.Errorf("watch env files: %w", err)
	}
	defer envWatcher.Close()
	envWatcher.SetWatchSet(buildEnvFileWatchSet(resolved))

	var mirror *statusmirror.Mirror
	if manifest.Settings.HTTPStatusAddr != "" {
		mirror = statusmirror.New(sv, manifest.Settings.HTTPStatusAddr, logger)
		go func() {
			if err := mirror.Serve(); err != nil {
				logger.Warn("status mirror stopped", "error", err)
			}
		}()
	}

	if err := sv.StartAll(ctx); err != nil {
		logger.Warn("start_all reported errors", "error", err)
	}

	go func() {
		if err := srv.Serve(); err != nil {
			logger.Error("ipc server stopped", "error", err)
		}
	}()

	successColor.Printf("devloop is up (workspace %s)\n", configDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	infoColor.Println("shutting down...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), manifest.Settings.ProcessStopTimeout*2)
	defer stopCancel()
	_ = sv.StopAll(stopCtx)
	_ = srv.Close()
	if mirror != nil {
		_ = mirror.Shutdown(stopCtx)
	}
	return nil
}

// dialDaemon connects to the already-running daemon for the workspace
// containing manifestPath, failing with guidance if none is running.
func dialDaemon(manifestPath string) (*ipc.Client, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getwd: %w", err)
	}
	configDir := filepath.Dir(manifestPath)
	if !filepath.IsAbs(configDir) {
		configDir = filepath.Join(cwd, configDir)
	}

	reuseKey := ""
	if manifest, err := loadManifest(manifestPath); err == nil && manifest.Reuse.Enabled {
		reuseKey = manifest.Reuse.Seed
	}

	_, address, err := ipc.Identity(configDir, reuseKey)
	if err != nil {
		return nil, fmt.Errorf("derive session identity: %w", err)
	}
	if !ipc.Probe(address) {
		return nil, fmt.Errorf("no devloop daemon is running for this workspace; start one with `devloop up`")
	}
	return ipc.Connect(address)
}
