// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	flags "github.com/jessevdk/go-flags"

	"github.com/revault/minisafe"
)

const (
	defaultConfigFilename = "minisafed.conf"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "minisafed.log"
	defaultLogLevel       = "info"
)

var (
	defaultDatadir    = minisafe.DefaultDatadir
	defaultConfigFile = filepath.Join(defaultDatadir,
		defaultConfigFilename)
)

// config defines the configuration options for minisafed.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	Datadir     string `short:"b" long:"datadir" description:"Directory to store wallet state"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`
	NoFileLog   bool   `long:"nofilelogging" description:"Disable file logging"`

	TestNet3       bool `long:"testnet" description:"Use the test network"`
	Signet         bool `long:"signet" description:"Use the signet test network"`
	RegressionTest bool `long:"regtest" description:"Use the regression test network"`

	Policy string `long:"policy" description:"The wallet's spending policy"`

	PollInterval time.Duration `long:"pollinterval" description:"Delay between two reconciliations with the Bitcoin node"`
	PruneAfter   int32         `long:"pruneafter" description:"Number of blocks to keep a fully spent coin after its spend confirmed, 0 to keep forever"`

	BitcoindAddr   string `long:"bitcoind.addr" description:"RPC address (host:port) of the bitcoind node"`
	BitcoindUser   string `long:"bitcoind.rpcuser" description:"RPC username of the bitcoind node"`
	BitcoindPass   string `long:"bitcoind.rpcpass" default-mask:"-" description:"RPC password of the bitcoind node"`
	BitcoindCookie string `long:"bitcoind.cookiepath" description:"Path to the RPC cookie file of the bitcoind node"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if len(path) > 0 && path[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[1:])
		}
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified
//     options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, *chaincfg.Params, error) {
	cfg := config{
		ConfigFile: defaultConfigFile,
		Datadir:    defaultDatadir,
		DebugLevel: defaultLogLevel,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok &&
			e.Type == flags.ErrHelp {

			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, minisafe.Version())
		os.Exit(0)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	err = flags.NewIniParser(parser).ParseFile(configFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintf(os.Stderr, "error parsing config "+
				"file: %v\n", err)
			return nil, nil, err
		}
		// A missing config file at the default location is fine,
		// but one given explicitly must exist.
		if preCfg.ConfigFile != defaultConfigFile {
			return nil, nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok &&
			e.Type == flags.ErrHelp {

			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	params := &chaincfg.MainNetParams
	numNets := 0
	if cfg.TestNet3 {
		params = &chaincfg.TestNet3Params
		numNets++
	}
	if cfg.Signet {
		params = &chaincfg.SigNetParams
		numNets++
	}
	if cfg.RegressionTest {
		params = &chaincfg.RegressionNetParams
		numNets++
	}
	if numNets > 1 {
		return nil, nil, fmt.Errorf("the testnet, signet and " +
			"regtest params can't be used together -- choose " +
			"one of the three")
	}

	cfg.Datadir = cleanAndExpandPath(cfg.Datadir)
	if cfg.BitcoindCookie != "" {
		cfg.BitcoindCookie = cleanAndExpandPath(cfg.BitcoindCookie)
	}

	// Initialize log rotation. After log rotation has been initialized,
	// the logger variables may be used.
	if !cfg.NoFileLog {
		initLogRotator(filepath.Join(cfg.Datadir, params.Name,
			defaultLogDirname, defaultLogFilename))
	}

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %w", appName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	return &cfg, params, nil
}
