// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli is the main entrypoint for cowsim.
package cli

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"

	"gvisor.dev/cowkernel/cowsim/cmd"
	"gvisor.dev/cowkernel/pkg/config"
	"gvisor.dev/cowkernel/pkg/log"
)

var configFile = flag.String("config-file", "", "TOML file overlaid on the flag values.")

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	if *configFile != "" {
		if err := conf.Load(*configFile); err != nil {
			cmd.Fatalf("%v", err)
		}
	}

	level, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	emitter, err := log.NewEmitter(conf.LogFormat, &log.Writer{Next: os.Stderr})
	if err != nil {
		cmd.Fatalf("%v", err)
	}
	log.SetTarget(emitter)
	log.SetLevel(level)

	const delimString = `**************** cowsim ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, %s, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Debugf("Host page size: 0x%x (%d bytes)", os.Getpagesize(), os.Getpagesize())
	log.Infof("Args: %v", os.Args)
	log.Infof(delimString)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	// Call the subcommand and pass in the configuration.
	var status int
	subcmdCode := subcommands.Execute(ctx, conf, &status)
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %d", status)
		os.Exit(status)
	}
	// Return an error that is unlikely to be used by the simulated program.
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(128)
}

// forEachCmd invokes the passed callback for each command supported by
// cowsim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Boot), "")

	const infoGroup = "info"
	cb(new(cmd.Syscalls), infoGroup)
	cb(new(cmd.Config), infoGroup)
}
