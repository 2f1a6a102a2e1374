/*
Copyright 2024 Patze, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command patze-bridge runs the per-host bridge next to OpenClaw: it
// heartbeats host telemetry to the plane, reports run state changes,
// executes queued commands, mirrors cron state and serves a local
// health endpoint. Installed hosts provision it entirely through the
// environment the installer writes into bridge.env; a config file is
// for hand-managed hosts.
package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/bridge"
	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/telemetry"
	"github.com/patzehq/patze/lib/utils"
)

func main() {
	var (
		configPath string
		debug      bool
		healthAddr string
	)

	rootCmd := &cobra.Command{
		Use:           "patze-bridge",
		Short:         "Patze bridge agent for OpenClaw hosts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return trace.Wrap(err)
			}
			if debug {
				cfg.Debug = true
			}
			return trace.Wrap(runBridge(cfg))
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	startCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Patze Bridge v%v\n", patze.Version)
		},
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Probe the local bridge, exit 0 when healthy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return trace.Wrap(checkHealth(healthAddr))
		},
	}
	healthCmd.Flags().StringVar(&healthAddr, "addr", "", "Health listener address (default derived from HEALTH_PORT)")

	rootCmd.AddCommand(startCmd, versionCmd, healthCmd)
	if err := rootCmd.Execute(); err != nil {
		utils.FatalError(err)
	}
}

// fileConfig is the YAML shape of the bridge configuration file.
// Fields left empty fall back to the installer's environment, then to
// the bridge defaults.
type fileConfig struct {
	// Endpoint is the control plane base URL.
	Endpoint string `yaml:"endpoint"`
	// Token is the bearer token attached to every plane call.
	Token string `yaml:"token"`
	// MachineID overrides the /etc/machine-id identity.
	MachineID string `yaml:"machine_id"`
	// MachineName overrides the hostname shown in the UI.
	MachineName string `yaml:"machine_name"`
	// MachineKind is "local" or "vps".
	MachineKind string `yaml:"machine_kind"`
	// OpenClawHome is the OpenClaw state directory.
	OpenClawHome string `yaml:"openclaw_home"`
	// DataDir holds bridge state: spool, watermark, dedup file.
	DataDir string `yaml:"data_dir"`
	// HealthAddr is the local health/metrics listen address.
	HealthAddr string `yaml:"health_addr"`
	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
}

// applyEnvironment fills empty fields from the variables the installer
// writes into bridge.env.
func (c *fileConfig) applyEnvironment() error {
	if c.Endpoint == "" {
		c.Endpoint = os.Getenv(patze.ControlPlaneURLEnvVar)
	}
	if c.Token == "" {
		c.Token = os.Getenv(patze.ControlPlaneTokenEnvVar)
	}
	if c.OpenClawHome == "" {
		c.OpenClawHome = os.Getenv(patze.OpenClawHomeEnvVar)
	}
	if c.HealthAddr == "" {
		if port := os.Getenv(patze.BridgeHealthPortEnvVar); port != "" {
			if _, err := strconv.Atoi(port); err != nil {
				return trace.BadParameter("%v %q is not a port number", patze.BridgeHealthPortEnvVar, port)
			}
			c.HealthAddr = net.JoinHostPort(defaults.BindAddr, port)
		}
	}
	return nil
}

// bridgeConfig maps the file shape onto bridge.Config. bridge.New
// validates and fills in the rest.
func (c *fileConfig) bridgeConfig() bridge.Config {
	return bridge.Config{
		MachineID:    c.MachineID,
		MachineName:  c.MachineName,
		MachineKind:  telemetry.MachineKind(c.MachineKind),
		Endpoint:     c.Endpoint,
		Token:        c.Token,
		OpenClawHome: c.OpenClawHome,
		DataDir:      c.DataDir,
		HealthAddr:   c.HealthAddr,
	}
}

// loadConfig reads the YAML configuration file. No path means no file:
// installed hosts run on environment variables alone. Unknown keys are
// rejected so a typoed key fails loudly.
func loadConfig(path string) (*fileConfig, error) {
	if path == "" {
		return &fileConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	cfg := &fileConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return nil, trace.BadParameter("cannot parse %v: %v", path, err)
	}
	return cfg, nil
}

// runBridge runs the bridge until a signal or a fatal error. SIGHUP
// stops it gracefully and exits with the restart code so the
// supervisor brings up a fresh process.
func runBridge(cfg *fileConfig) error {
	if err := cfg.applyEnvironment(); err != nil {
		return trace.Wrap(err)
	}
	level := logrus.InfoLevel
	if cfg.Debug {
		level = logrus.DebugLevel
	}
	utils.InitLogger(level)
	log := logrus.WithFields(logrus.Fields{
		trace.Component: patze.ComponentBridge,
	})

	b, err := bridge.New(cfg.bridgeConfig())
	if err != nil {
		return trace.Wrap(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errC := make(chan error, 1)
	go func() {
		errC <- b.Run(ctx)
	}()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	var restart bool
	select {
	case err := <-errC:
		return trace.Wrap(err)
	case sig := <-sigC:
		if sig == syscall.SIGHUP {
			log.Info("Received SIGHUP, handing off to the supervisor for a restart.")
			restart = true
		} else {
			log.Infof("Received %v, shutting down.", sig)
		}
	}

	cancel()
	if err := <-errC; err != nil {
		return trace.Wrap(err)
	}
	if restart {
		os.Exit(bridge.ExitRestart)
	}
	return nil
}

// checkHealth probes the local health endpoint the way the installer
// verifies a fresh setup.
func checkHealth(addr string) error {
	if addr == "" {
		port := os.Getenv(patze.BridgeHealthPortEnvVar)
		if port == "" {
			port = strconv.Itoa(defaults.BridgeHealthPort)
		}
		addr = net.JoinHostPort(defaults.BindAddr, port)
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		if utils.IsConnectionRefused(err) {
			return trace.ConnectionProblem(err, "no bridge is listening on %v", addr)
		}
		return trace.ConnectionProblem(err, "bridge did not answer on %v", addr)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return trace.ConnectionProblem(nil, "bridge on %v reports status %v", addr, resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}
