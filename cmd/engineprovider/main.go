// engineprovider registers a locally administered UCI chess engine with a
// lichess-style broker and drives it through analysis jobs the broker hands
// out, long-polling for work and streaming each analysis back as it is
// produced.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/seekerror/build"
	"github.com/seekerror/logw"
	"github.com/seekerror/stdlib/pkg/lang"
	"lichessengine/pkg/broker"
	"lichessengine/pkg/control"
	"lichessengine/pkg/engine"
	"lichessengine/pkg/provider"
)

var version = build.NewVersion(0, 1, 0)

// authMissingExitCode is the exit code for AuthMissing (§7): no bearer
// token available at startup.
const authMissingExitCode = 128

var (
	name           = flag.String("name", "Alpha 2", "Engine name registered with the broker")
	site           = flag.String("site", "https://lichess.org", "Site base URL (engine registration)")
	brokerURL      = flag.String("broker", "https://engine.lichess.ovh", "Broker base URL (work acquisition/upload)")
	token          = flag.String("token", "", "API bearer token (or LICHESS_API_TOKEN)")
	providerSecret = flag.String("provider-secret", "", "Fixed provider secret (or PROVIDER_SECRET; generated if unset)")
	maxThreads     = flag.Int("max-threads", runtime.NumCPU(), "Max threads the broker may assign")
	maxHash        = flag.Int("max-hash", 512, "Max hash (MiB) the broker may assign")
	keepAliveSec   = flag.Int("keep-alive", 300, "Idle engine keep-alive before termination, in seconds")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

var logLevel string

func init() {
	flag.StringVar(&logLevel, "l", "info", "Log level")
	flag.StringVar(&logLevel, "log-level", "info", "Log level")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <engine command line>\n\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "  -setoption NAME VALUE\n\tExtra UCI option (repeatable)\n")
	}
}

// extractSetOptions pulls every "--setoption NAME VALUE" (or "-setoption
// NAME VALUE") triple out of args, in the two-token form the CLI contract
// specifies, returning the options found and the remaining arguments for
// flag.Parse to process normally.
func extractSetOptions(args []string) ([]string, []provider.SetOption, error) {
	var remaining []string
	var opts []provider.SetOption

	for i := 0; i < len(args); i++ {
		a := args[i]
		if a != "-setoption" && a != "--setoption" {
			remaining = append(remaining, a)
			continue
		}
		if i+2 >= len(args) {
			return nil, nil, fmt.Errorf("%s requires NAME and VALUE arguments", a)
		}
		opts = append(opts, provider.SetOption{Name: args[i+1], Value: args[i+2]})
		i += 2
	}
	return remaining, opts, nil
}

func main() {
	args, extraOptions, err := extractSetOptions(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	if err := flag.CommandLine.Parse(args); err != nil {
		os.Exit(2)
	}
	ctx := context.Background()

	if *showVersion {
		fmt.Println(version)
		return
	}

	if flag.NArg() != 1 {
		flag.Usage()
		logw.Exitf(ctx, "Exactly one engine command line argument is required")
	}
	engineCmd := flag.Arg(0)

	bearer := *token
	if bearer == "" {
		bearer = os.Getenv("LICHESS_API_TOKEN")
	}
	if bearer == "" {
		logw.Errorf(ctx, "No API bearer token: pass -token or set LICHESS_API_TOKEN")
		os.Exit(authMissingExitCode)
	}

	fixed := *providerSecret
	if fixed == "" {
		fixed = os.Getenv("PROVIDER_SECRET")
	}
	var fixedSecret lang.Optional[string]
	if fixed != "" {
		fixedSecret = lang.Some(fixed)
	}

	cfg := provider.Config{
		EngineCmd:    engineCmd,
		EngineName:   *name,
		SiteURL:      *site,
		BrokerURL:    *brokerURL,
		Token:        bearer,
		FixedSecret:  fixedSecret,
		MaxThreads:   *maxThreads,
		MaxHash:      *maxHash,
		KeepAlive:    time.Duration(*keepAliveSec) * time.Second,
		ExtraOptions: extraOptions,
	}
	logw.Infof(ctx, "Starting provider %v (log level %v): %v", version, logLevel, cfg)

	eng, err := engine.New(ctx, cfg.EngineCmd, engine.WithOptions(cfg.ExtraOptions...))
	if err != nil {
		logw.Exitf(ctx, "Failed to start engine: %v", err)
	}

	client := broker.NewClient(cfg.SiteURL, cfg.BrokerURL, cfg.Token)
	secret, err := client.Register(ctx, broker.Registration{
		Name:        cfg.EngineName,
		MaxThreads:  cfg.MaxThreads,
		MaxHash:     cfg.MaxHash,
		Variants:    broker.FilterRecognizedVariants(eng.SupportedVariants()),
		FixedSecret: cfg.FixedSecret,
	})
	if err != nil {
		logw.Exitf(ctx, "Failed to register engine: %v", err)
	}

	loop := control.NewLoop(cfg, client, secret, eng)
	loop.Run(ctx)
}
