// SPDX-FileCopyrightText: Copyright (C) 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package profiling ships continuous profiles to a Pyroscope server.
package profiling

import (
	"errors"

	"github.com/grafana/pyroscope-go"
	"gopkg.in/op/go-logging.v1"
)

// Profiler is a running profiler.
type Profiler interface {
	Stop() error
}

// Start starts profiling the process under appName, tagged with
// serviceTag, to the server at serverAddress.
func Start(log *logging.Logger, serverAddress, appName, serviceTag string) (Profiler, error) {
	if serverAddress == "" {
		return nil, errors.New("profiling: no server address")
	}
	if appName == "" {
		return nil, errors.New("profiling: no application name")
	}

	tags := make(map[string]string)
	if serviceTag != "" {
		tags["service"] = serviceTag
	}
	p, err := pyroscope.Start(pyroscope.Config{
		ApplicationName: appName,
		ServerAddress:   serverAddress,
		Logger:          log,
		Tags:            tags,
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Pyroscope started at %s, app name: %s, service tag: %s", serverAddress, appName, serviceTag)
	return p, nil
}
