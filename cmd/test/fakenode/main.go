package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	flags "github.com/jessevdk/go-flags"

	"github.com/core-tools/hsu-tubes/pkg/logging"
	"github.com/core-tools/hsu-tubes/pkg/neuron"
)

type flagOptions struct {
	DendriteSock string   `long:"neuron-dendrite-sock" required:"true" description:"dendrite socket path, ${name} is replaced by the dendrite name"`
	LoggerLevel  string   `long:"logger-level" default:"INFO" description:"log level"`
	LogDriver    string   `long:"logger-drivers-file-driver" description:"log driver"`
	LogFile      string   `long:"logger-drivers-file-options-filename" description:"log file"`
	Defines      []string `short:"D" description:"configuration overlay <path>=<json>"`
	Dendrites    []string `long:"dendrite" description:"dendrites to serve (default: the configured sections)"`
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

	output := "stderr"
	if opts.LogDriver == "file" && opts.LogFile != "" {
		output = opts.LogFile
	}
	zapLogger, closeLog, err := logging.NewZapLogger(logging.ZapConfig{
		Level:  opts.LoggerLevel,
		Format: "logfmt",
		Output: output,
	})
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	defer zapLogger.Sync()
	logger := logging.FromZap("fakenode: ", zapLogger)

	config, err := ParseDefines(opts.Defines)
	if err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}
	node, err := NewNode(config)
	if err != nil {
		logger.Errorf("Invalid fake node configuration: %v", err)
		os.Exit(1)
	}

	dendrites := opts.Dendrites
	if len(dendrites) == 0 {
		dendrites = ConfiguredDendrites(config)
	}
	if len(dendrites) == 0 {
		logger.Errorf("No dendrite configured")
		os.Exit(1)
	}

	logger.Infof("Running fakenode, id: %s, state: %s", node.ID(), node.State())

	var receptors []*neuron.Receptor
	for _, name := range dendrites {
		path := DendritePath(opts.DendriteSock, name)
		receptor, err := neuron.Listen(path, logger, func(e neuron.Endpoint) {
			neuron.Serve(e, node.Handler(name), logger)
		})
		if err != nil {
			logger.Errorf("Failed to listen, dendrite: %s, error: %v", name, err)
			os.Exit(1)
		}
		receptors = append(receptors, receptor)
	}

	// Enable signal handling
	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	logger.Infof("Fakenode is ready")

	receivedSignal := <-sig
	logger.Infof("Fakenode received signal: %v", receivedSignal)

	for _, receptor := range receptors {
		receptor.Close()
	}
	logger.Infof("Fakenode stopped")
}
