package cmd

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/career-advice/internal/advice"
	"github.com/spigell/career-advice/internal/ai"
	"github.com/spigell/career-advice/internal/ai/device"
	"github.com/spigell/career-advice/internal/ai/t5"
	"github.com/spigell/career-advice/internal/artifacts"
	"github.com/spigell/career-advice/internal/logger"
	"github.com/spigell/career-advice/internal/registry"
	"github.com/spigell/career-advice/internal/server"
	"github.com/spigell/career-advice/internal/tracing"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load the model and serve advice over HTTP",
	Run: func(_ *cobra.Command, _ []string) {
		serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "address to listen on (default from server.host)")
	serveCmd.Flags().Int("port", 0, "port to listen on (default from server.port)")
	serveCmd.Flags().String("model-dir", "", "directory with the model checkpoint (default from model.dir)")
	serveCmd.Flags().String("device", "", "auto, cpu or cuda (default from model.device)")
	serveCmd.Flags().Bool("register", false, "register in the service registry")

	viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("model.dir", serveCmd.Flags().Lookup("model-dir"))
	viper.BindPFlag("model.device", serveCmd.Flags().Lookup("device"))
	viper.BindPFlag("registry.enabled", serveCmd.Flags().Lookup("register"))
}

func serve() {
	config, err := getConfig(viper.GetViper())
	if err != nil {
		log.Fatalf("parsing config: %v", err)
	}

	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := tracing.Setup(config.Tracing.Enabled, logger, app, version)

	runtime, err := loadRuntime(ctx, config, logger)
	if err != nil {
		logger.Fatal("can not start the service", zap.Error(err))
	}

	service := advice.NewService(runtime, config.Model.RequestTimeout, config.Model.MaxLogLength, logger.Named("advice"))
	application := server.New(config.Server, service, logger.Named("http"))

	var wg sync.WaitGroup
	if config.Registry.Enabled {
		client := registry.New(config.Registry, logger.Named("registry"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Run(ctx)
		}()
	}

	logger.Info("serving advice", zap.String("address", config.Server.Address()))
	if err := server.Serve(ctx, application, config.Server.Address(), config.Server.ShutdownTimeout); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
	}

	stop()
	wg.Wait()

	if err := runtime.Close(); err != nil {
		logger.Warn("closing model runtime", zap.Error(err))
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		logger.Warn("flushing traces", zap.Error(err))
	}

	logger.Info("shutdown complete")
}

// loadRuntime prepares the checkpoint, picks the device and loads the model. Every failure
// is a StartupError.
func loadRuntime(ctx context.Context, config *Config, log *zap.Logger) (*t5.Runtime, error) {
	var store artifacts.ObjectStore
	if config.Artifacts.Source == artifacts.SourceRemote {
		s3Store, err := artifacts.NewS3Store(ctx, config.Artifacts.S3)
		if err != nil {
			return nil, &advice.StartupError{Stage: "artifacts", Err: err}
		}
		store = s3Store
	}

	fetcher := artifacts.NewFetcher(config.Artifacts, store, log.Named("artifacts"))
	if err := fetcher.Ensure(ctx, config.Model.Dir); err != nil {
		return nil, &advice.StartupError{Stage: "artifacts", Err: err}
	}

	dev, err := device.Select(config.Model.Device, config.Model.Threads, device.CPUOnly)
	if err != nil {
		return nil, &advice.StartupError{Stage: "device", Err: err}
	}

	modelLogger := logger.WithCommonFields(log.Named("model"), filepath.Base(config.Model.Dir), string(dev.Kind()))
	runtime, err := t5.Load(config.Model.Dir, dev, ai.DefaultGenerationConfig(), modelLogger)
	if err != nil {
		return nil, &advice.StartupError{Stage: "model", Err: err}
	}

	return runtime, nil
}
