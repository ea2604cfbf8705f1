// Copyright (c) 2025 The minisafe developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/revault/minisafe"
)

func main() {
	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	if err := minisafedMain(); err != nil {
		os.Exit(1)
	}
}

// minisafedMain is the real main function for minisafed. It is necessary
// to work around the fact that deferred functions do not run when
// os.Exit() is called.
func minisafedMain() error {
	cfg, params, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Get a channel that will be closed when a shutdown signal has been
	// triggered from an OS signal such as SIGINT (Ctrl+C).
	interrupt := interruptListener()
	defer log.Info("Shutdown complete")

	log.Infof("Version %s", minisafe.Version())

	daemon, err := minisafe.StartDaemon(&minisafe.Config{
		Datadir: cfg.Datadir,
		Params:  params,
		Policy:  cfg.Policy,
		Bitcoind: minisafe.BitcoindConfig{
			Addr:       cfg.BitcoindAddr,
			User:       cfg.BitcoindUser,
			Pass:       cfg.BitcoindPass,
			CookiePath: cfg.BitcoindCookie,
		},
		PollInterval: cfg.PollInterval,
		PruneAfter:   cfg.PruneAfter,
	})
	if err != nil {
		log.Errorf("Unable to start the daemon: %v", err)
		fmt.Fprintf(os.Stderr, "unable to start the daemon: %v\n",
			err)
		return err
	}
	defer func() {
		if err := daemon.Stop(); err != nil {
			log.Errorf("Error stopping the daemon: %v", err)
		}
	}()

	// Wait until the interrupt signal is received from an OS signal or
	// shutdown is requested through one of the subsystems.
	<-interrupt
	return nil
}
