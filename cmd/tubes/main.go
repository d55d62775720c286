package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/tedsuo/ifrit"
	"github.com/tedsuo/ifrit/sigmon"

	"github.com/core-tools/hsu-tubes/pkg/cloudservice"
	"github.com/core-tools/hsu-tubes/pkg/cluster"
	"github.com/core-tools/hsu-tubes/pkg/environment"
	"github.com/core-tools/hsu-tubes/pkg/journal"
	"github.com/core-tools/hsu-tubes/pkg/logging"
	"github.com/core-tools/hsu-tubes/pkg/neuron"
	"github.com/core-tools/hsu-tubes/pkg/proxy"
	"github.com/core-tools/hsu-tubes/pkg/sandbox"
)

type flagOptions struct {
	BaseDir    string `long:"base-dir" description:"test top directory (default: search upwards for tubes.yaml)"`
	ConfigFile string `long:"config" description:"configuration file overriding <base-dir>/tubes.yaml"`
	WorkDir    string `long:"work-dir" description:"work directory for sockets and logs"`
	Nodes      int    `long:"nodes" description:"number of instances per service"`
	Concurrent bool   `long:"concurrent" description:"start sandbox members concurrently"`
	Proxy      bool   `long:"proxy" description:"route clients through neuron proxies"`
	States     bool   `long:"states" description:"also run evo-states on top of the connector cluster"`
	Timeout    int    `long:"timeout" default:"60" description:"seconds to wait for the cluster to converge"`
	LogLevel   string `long:"log-level" default:"info" description:"console log level"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	zapLogger, closeLog, err := logging.NewZapLogger(logging.ZapConfig{
		Level:  opts.LogLevel,
		Format: "console",
		Output: "stderr",
	})
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	defer zapLogger.Sync()
	logger := logging.FromZap("tubes: ", zapLogger)

	logger.Infof("opts: %+v", opts)

	env, err := environment.New(environment.Options{
		BaseDir:    opts.BaseDir,
		ConfigFile: opts.ConfigFile,
		WorkDir:    opts.WorkDir,
		Nodes:      opts.Nodes,
	})
	if err != nil {
		logger.Errorf("Failed to resolve environment: %v", err)
		os.Exit(1)
	}

	box := sandbox.New(sandbox.Options{
		Concurrent: opts.Concurrent,
		Logger:     logging.WithPrefix(logger, "sandbox: "),
	})
	box.MustAdd(env, journal.New(journal.Options{}), neuron.NewDefaultFactory())

	connector := cluster.NewConnector(cloudservice.Options{Proxy: opts.Proxy})
	box.MustAdd(connector)
	if opts.Proxy {
		box.MustAdd(proxy.New(cluster.ConnectorClientName, proxy.Options{}))
	}

	var checker cluster.ReadyChecker = connector
	if opts.States {
		states := cluster.NewStates(cloudservice.Options{Proxy: opts.Proxy})
		box.MustAdd(states)
		if opts.Proxy {
			box.MustAdd(proxy.New(cluster.StatesClientName, proxy.Options{}))
		}
		checker = states
	}

	logger.Infof("Starting %d nodes, base dir: %s, work dir: %s", env.Nodes(), env.BaseDir(), env.WorkDir())

	process := ifrit.Invoke(sigmon.New(sandbox.Runner(box)))
	select {
	case err := <-process.Wait():
		logger.Errorf("Sandbox exited: %v", err)
		os.Exit(1)
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(opts.Timeout)*time.Second)
	snapshot, err := checker.EnsureReady(ctx)
	cancel()
	if err != nil {
		logger.Errorf("Cluster did not converge: %v", err)
		process.Signal(os.Interrupt)
		<-process.Wait()
		os.Exit(1)
	}

	master, _ := snapshot.MasterIndex()
	logger.Infof("Cluster ready, states: %v, master: %d, run id: %s", snapshot.States(), master, env.RunID())
	logger.Infof("Press Ctrl+C to tear down")

	if err := <-process.Wait(); err != nil {
		logger.Errorf("Teardown failed: %v", err)
		os.Exit(1)
	}
	logger.Infof("Done")
}
