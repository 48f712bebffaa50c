package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"transcribe-orchestrator/api/rest/routes"
	"transcribe-orchestrator/bot/telegram"
	"transcribe-orchestrator/config"
	"transcribe-orchestrator/core/credentials"
	"transcribe-orchestrator/core/executor"
	"transcribe-orchestrator/core/lifecycle"
	"transcribe-orchestrator/core/models"
	"transcribe-orchestrator/core/registry"
	"transcribe-orchestrator/core/repository"
	"transcribe-orchestrator/core/scheduler"
	"transcribe-orchestrator/core/warmer"
	"transcribe-orchestrator/providers"
	"transcribe-orchestrator/providers/ec2"
	"transcribe-orchestrator/providers/grid"
	"transcribe-orchestrator/providers/static"
)

func main() {
	zlog, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer zlog.Sync()
	log := zlog.Sugar()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalw("configuration invalid", "error", err)
	}
	profile, err := config.LoadWorkerProfile(cfg.WorkerSpecFile)
	if err != nil {
		log.Fatalw("worker profile invalid", "error", err)
	}

	// Leftover staging files from a previous run are worthless
	if err := os.RemoveAll(cfg.TmpDir); err != nil {
		log.Warnw("clear staging dir", "dir", cfg.TmpDir, "error", err)
	}
	if err := os.MkdirAll(cfg.TmpDir, 0o700); err != nil {
		log.Fatalw("create staging dir", "dir", cfg.TmpDir, "error", err)
	}

	keypair, err := credentials.Load(log, cfg.StateDir, cfg.SSHKeyOverridePath)
	if err != nil {
		log.Fatalw("load worker-access keypair", "error", err)
	}

	db, err := repository.NewDB(filepath.Join(cfg.StateDir, "settings.db"))
	if err != nil {
		log.Fatalw("open settings database", "error", err)
	}
	defer db.Close()
	settingsRepo := repository.NewSettingsRepository(db)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	prov, err := buildProvisioner(rootCtx, log, cfg)
	if err != nil {
		log.Fatalw("initialize provisioner", "backend", cfg.Provisioner, "error", err)
	}

	reg := registry.New(log)
	dialer := executor.NewDialer(log, profile.SSHUser, profile.SSHPort, keypair.Signer, 10*time.Second)

	controller := lifecycle.NewController(log, reg, prov, dialer, profile.WorkerSpec, keypair.AuthorizedKey, lifecycle.Config{
		ProvisionAttempts:  3,
		RetryBaseDelay:     2 * time.Second,
		ReadinessTimeout:   cfg.SSHConnectTimeout,
		ReadinessBaseDelay: 3 * time.Second,
		ReadinessMaxDelay:  10 * time.Second,
		DialTimeout:        5 * time.Second,
		TeardownTimeout:    2 * time.Minute,
	})

	// machines leaked by a crashed run are destroyed before taking jobs
	if err := controller.CleanupLeftovers(rootCtx); err != nil {
		log.Warnw("leftover cleanup failed", "error", err)
	}

	exec := executor.NewExecutor(log, executor.SessionDial(dialer), executor.Config{
		TranscribeBin:  profile.TranscribeBin,
		InputRoot:      profile.InputRoot,
		CleanupTimeout: cfg.SSHCommandTimeout,
	})

	gate := scheduler.NewGate(cfg.MaxComposers, cfg.PerUserConcurrency, cfg.AllowedUsers)
	sched := scheduler.NewScheduler(log, gate, reg, controller, exec, scheduler.Config{
		JobTimeout:      cfg.JobTimeout,
		MaxInputBytes:   cfg.MaxInputBytes,
		ReuseWorkers:    cfg.ReuseWorkers,
		DefaultModel:    cfg.DefaultModel,
		DefaultLanguage: cfg.DefaultLanguage,
	})

	cacheWarmer := warmer.New(log, []string{cfg.ModelCacheDir, cfg.EnvCacheDir}, cfg.CacheWarmInterval)
	go cacheWarmer.Start(rootCtx)

	bot, err := telegram.New(log, cfg.BotToken, sched, settingsRepo, telegram.Config{
		StagingDir:      cfg.TmpDir,
		MaxInputBytes:   cfg.MaxInputBytes,
		DefaultModel:    cfg.DefaultModel,
		DefaultLanguage: cfg.DefaultLanguage,
	})
	if err != nil {
		log.Fatalw("connect to chat transport", "error", err)
	}
	botDone := make(chan struct{})
	go func() {
		bot.Run(rootCtx)
		close(botDone)
	}()

	r := mux.NewRouter()
	routes.SetupRoutes(r, reg, sched)
	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}
	go func() {
		log.Infow("status API listening", "port", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalw("status API failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Infow("shutting down")
	rootCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer shutdownCancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Warnw("jobs did not drain cleanly", "error", err)
	}
	<-botDone
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("status API shutdown", "error", err)
	}
	log.Infow("exited")
}

// buildProvisioner wires the configured deployment backend
func buildProvisioner(ctx context.Context, log *zap.SugaredLogger, cfg *config.Config) (providers.Provisioner, error) {
	switch cfg.Provisioner {
	case models.ProvisionerStatic:
		return static.New(log, cfg.WorkerAddressOverride), nil
	case models.ProvisionerEC2:
		return ec2.New(ctx, log, ec2.Config{
			Region:       cfg.EC2Region,
			InstanceType: cfg.EC2InstanceType,
			AMI:          cfg.EC2AMI,
		})
	default:
		backend := grid.New(log, cfg.GridBin, grid.Config{
			Mnemonic: cfg.GridMnemonic,
			Network:  cfg.GridNetwork,
			NodeID:   cfg.GridNodeID,
		})
		if err := backend.Login(ctx); err != nil {
			return nil, err
		}
		return backend, nil
	}
}
