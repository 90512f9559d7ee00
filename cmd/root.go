package cmd

import (
	"errors"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spigell/career-advice/internal/artifacts"
	"github.com/spigell/career-advice/internal/registry"
	"github.com/spigell/career-advice/internal/server"
)

const (
	app       = "career-advice"
	envPrefix = "CAREER_ADVICE"
)

type Config struct {
	Server    server.Config    `mapstructure:"server"`
	Model     ModelConfig      `mapstructure:"model"`
	Artifacts artifacts.Config `mapstructure:"artifacts"`
	Registry  registry.Config  `mapstructure:"registry"`
	Tracing   TracingConfig    `mapstructure:"tracing"`
}

type ModelConfig struct {
	Dir            string        `mapstructure:"dir"`
	Device         string        `mapstructure:"device"`
	Threads        int           `mapstructure:"threads"`
	RequestTimeout time.Duration `mapstructure:"request-timeout"`
	MaxLogLength   int           `mapstructure:"max-log-length"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "career-advice answers with career advice generated by a local seq2seq model",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is career-advice.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))

	setDefaults(viper.GetViper())
	bindEnv(viper.GetViper())
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.read-timeout", 30*time.Second)
	v.SetDefault("server.write-timeout", 3*time.Minute)
	v.SetDefault("server.shutdown-timeout", 10*time.Second)
	v.SetDefault("server.body-limit", 1024*1024)
	v.SetDefault("server.cors.allow-origins", "*")

	v.SetDefault("model.dir", "./career_model")
	v.SetDefault("model.device", "auto")
	v.SetDefault("model.threads", 0)
	v.SetDefault("model.request-timeout", 2*time.Minute)
	v.SetDefault("model.max-log-length", 200)

	v.SetDefault("artifacts.source", artifacts.SourceLocal)
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("artifacts.s3.prefix", "career_model/")
	v.SetDefault("artifacts.s3.region", "")
	v.SetDefault("artifacts.s3.endpoint", "")
	v.SetDefault("artifacts.s3.access-key-id", "")
	v.SetDefault("artifacts.s3.secret-access-key", "")
	v.SetDefault("artifacts.s3.secret-access-key-file", "")
	v.SetDefault("artifacts.s3.use-path-style", false)

	v.SetDefault("registry.enabled", false)
	v.SetDefault("registry.url", "http://localhost:8761/eureka")
	v.SetDefault("registry.app", app)
	v.SetDefault("registry.host", "localhost")
	v.SetDefault("registry.ip-addr", "")
	v.SetDefault("registry.port", 5000)
	v.SetDefault("registry.instance-id", "")
	v.SetDefault("registry.renewal-interval", 30*time.Second)
	v.SetDefault("registry.lease-duration", 90*time.Second)
	v.SetDefault("registry.retry-backoff", time.Second)
	v.SetDefault("registry.max-backoff", time.Minute)

	v.SetDefault("tracing.enabled", false)
}

// bindEnv lets CAREER_ADVICE_MODEL_REQUEST_TIMEOUT override model.request-timeout and so on.
func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

func initConfig() {
	// A missing .env file is fine; a broken one is not.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("loading .env: %v", err)
	}

	if err := readConfigFile(viper.GetViper(), cfgFile); err != nil {
		log.Fatal(err)
	}
}

// readConfigFile reads an explicit config file or, when none is given, an optional
// career-advice.yaml from the working directory.
func readConfigFile(v *viper.Viper, file string) error {
	if file != "" {
		v.SetConfigFile(file)
		return v.ReadInConfig()
	}

	v.AddConfigPath(".")
	v.SetConfigName(app)
	v.SetConfigType("yaml")

	var notFound viper.ConfigFileNotFoundError
	if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		return err
	}
	return nil
}

func getConfig(v *viper.Viper) (*Config, error) {
	var config *Config
	err := v.Unmarshal(&config)
	if err != nil {
		return config, err
	}

	return config, nil
}
