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

// Package cmd holds implementations of the cowsim commands.
package cmd

import (
	"fmt"
	"os"

	"gvisor.dev/cowkernel/pkg/config"
	"gvisor.dev/cowkernel/pkg/log"
)

// Fatalf logs to stderr and exits with a failure status code.
func Fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	log.Warningf("FATAL ERROR: "+format, args...)
	os.Exit(128)
}

// configFromArgs returns the configuration Main passes as the first
// argument to every command.
func configFromArgs(args []any) *config.Config {
	if len(args) == 0 {
		Fatalf("missing configuration")
	}
	conf, ok := args[0].(*config.Config)
	if !ok {
		Fatalf("first argument is %T, want *config.Config", args[0])
	}
	return conf
}
