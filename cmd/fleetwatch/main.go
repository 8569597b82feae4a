package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/drone/envsubst"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/prometheus/client_golang/prometheus"
	ver "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	"gopkg.in/yaml.v2"

	"github.com/fleetwatch/fleetwatch/cmd/fleetwatch/app"
	"github.com/fleetwatch/fleetwatch/pkg/util/log"
)

const appName = "fleetwatch"

// Version is set via build flag -ldflags -X main.Version
var (
	Version  string
	Branch   string
	Revision string
)

func init() {
	version.Version = Version
	version.Branch = Branch
	version.Revision = Revision

	prometheus.MustRegister(ver.NewCollector(appName))
}

func main() {
	printVersion := flag.Bool("version", false, "Print this builds version information")

	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed parsing config: %v\n", err)
		os.Exit(1)
	}
	if *printVersion {
		fmt.Println(version.Print(appName))
		os.Exit(0)
	}

	// Init the logger which will honor the log level set in config.Server
	log.InitLogger(config.Server.LogFormat, config.Server.LogLevel)

	// Warn for suspect configurations now that the logger is up
	for _, w := range config.CheckConfig() {
		output := []interface{}{"msg", w.Message}
		if w.Explain != "" {
			output = append(output, "explain", w.Explain)
		}
		level.Warn(log.Logger).Log(output...)
	}

	t, err := app.New(*config)
	if err != nil {
		level.Error(log.Logger).Log("msg", "error initialising fleetwatch", "err", err)
		os.Exit(1)
	}

	level.Info(log.Logger).Log(
		"msg", "starting fleetwatch",
		"version", version.Info(),
		"target", config.Target,
	)

	if err := t.Run(); err != nil {
		level.Error(log.Logger).Log("msg", "error running fleetwatch", "err", err)
		os.Exit(1)
	}
}

func loadConfig() (*app.Config, error) {
	const (
		configFileOption      = "config.file"
		configExpandEnvOption = "config.expand-env"
	)

	var (
		configFile      string
		configExpandEnv bool
	)

	args := os.Args[1:]
	config := &app.Config{}

	// first get the config file
	fs := flag.NewFlagSet("", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&configFile, configFileOption, "", "")
	fs.BoolVar(&configExpandEnv, configExpandEnvOption, false, "")

	// Try to find -config.file and -config.expand-env flags. As Parsing stops
	// on the first error, e.g. unknown flag, we simply try remaining
	// parameters until we find the config flag, or there are no params left.
	for len(args) > 0 {
		_ = fs.Parse(args)
		args = args[1:]
	}

	// load config defaults and register flags
	config.RegisterFlagsAndApplyDefaults("", flag.CommandLine)

	// overlay with config file if provided
	if configFile != "" {
		buff, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read configFile %s: %w", configFile, err)
		}

		if configExpandEnv {
			s, err := envsubst.EvalEnv(string(buff))
			if err != nil {
				return nil, fmt.Errorf("failed to expand env vars from configFile %s: %w", configFile, err)
			}
			buff = []byte(s)
		}

		if err := yaml.UnmarshalStrict(buff, config); err != nil {
			return nil, fmt.Errorf("failed to parse configFile %s: %w", configFile, err)
		}
	}

	// overlay with cli
	flagext.IgnoredFlag(flag.CommandLine, configFileOption, "Configuration file to load")
	flagext.IgnoredFlag(flag.CommandLine, configExpandEnvOption, "Whether to expand environment variables in config file")
	flag.Parse()

	return config, nil
}
