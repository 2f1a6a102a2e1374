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

// Command patze runs the control plane: telemetry ingest, the unified
// snapshot and live event stream for the UI, the remote command queue,
// the scheduled task store, the cron mirror and, when configured with
// a bundle, SSH bridge lifecycle management.
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
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/patzehq/patze"
	"github.com/patzehq/patze/lib/cronsync"
	"github.com/patzehq/patze/lib/defaults"
	"github.com/patzehq/patze/lib/events"
	"github.com/patzehq/patze/lib/lifecycle"
	"github.com/patzehq/patze/lib/projector"
	"github.com/patzehq/patze/lib/queue"
	"github.com/patzehq/patze/lib/tasks"
	"github.com/patzehq/patze/lib/utils"
	"github.com/patzehq/patze/lib/web"
)

// exitRestart mirrors bridge.ExitRestart: a SIGHUP exits non-zero so a
// supervisor running the unit with Restart=on-failure brings up a
// fresh process with the configuration currently on disk.
const exitRestart = 7

// shutdownTimeout bounds the HTTP drain on the way out.
const shutdownTimeout = 5 * time.Second

func main() {
	var (
		configPath string
		listenAddr string
		authToken  string
		dataDir    string
		debug      bool
	)

	rootCmd := &cobra.Command{
		Use:           "patze",
		Short:         "Patze control plane for OpenClaw fleets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return trace.Wrap(err)
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if authToken != "" {
				cfg.AuthToken = authToken
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if debug {
				cfg.Debug = true
			}
			return trace.Wrap(runPlane(cfg))
		},
	}
	startCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")
	startCmd.Flags().StringVar(&listenAddr, "listen", "", "API listen address")
	startCmd.Flags().StringVar(&authToken, "token", "", "Shared bearer token for bridges and the UI")
	startCmd.Flags().StringVar(&dataDir, "data-dir", "", "Directory for the command queue and task store")
	startCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Patze v%v\n", patze.Version)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return trace.Wrap(err)
			}
			if err := cfg.CheckAndSetDefaults(); err != nil {
				return trace.Wrap(err)
			}
			auth := "enabled"
			if cfg.AuthToken == "" {
				auth = "disabled"
			}
			management := "disabled"
			if cfg.Lifecycle.enabled() {
				management = "enabled"
			}
			fmt.Println("Configuration is valid.")
			fmt.Printf("  Listen:            %v\n", cfg.ListenAddr)
			fmt.Printf("  Data dir:          %v\n", cfg.DataDir)
			fmt.Printf("  Auth:              %v\n", auth)
			fmt.Printf("  Bridge management: %v\n", management)
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the configuration file")

	rootCmd.AddCommand(startCmd, versionCmd, validateCmd)
	if err := rootCmd.Execute(); err != nil {
		utils.FatalError(err)
	}
}

// fileConfig is the YAML shape of the plane configuration file. Every
// field has a default, so an empty file, or none at all, gives a
// loopback development plane without auth.
type fileConfig struct {
	// ListenAddr is the API listen address.
	ListenAddr string `yaml:"listen_addr"`
	// AuthToken is the shared bearer token bridges and the UI present.
	// Empty disables auth, which is only sensible on loopback.
	AuthToken string `yaml:"auth_token"`
	// DataDir holds the command queue and task store files.
	DataDir string `yaml:"data_dir"`
	// Debug enables debug logging.
	Debug bool `yaml:"debug"`
	// Lifecycle switches on SSH bridge management when bundle_path and
	// install_script_path are both set.
	Lifecycle lifecycleConfig `yaml:"lifecycle"`

	listenPort int
}

// lifecycleConfig is the lifecycle: block of the configuration file.
type lifecycleConfig struct {
	// BundlePath is the local bridge bundle shipped to targets.
	BundlePath string `yaml:"bundle_path"`
	// InstallScriptPath is the install script streamed over SSH stdin.
	InstallScriptPath string `yaml:"install_script_path"`
	// TokenExpiresIn is handed to the install script when set, e.g. "30d".
	TokenExpiresIn string `yaml:"token_expires_in"`
	// OpenClawHome overrides the OpenClaw state directory on targets.
	OpenClawHome string `yaml:"openclaw_home"`
	// SSHConfigPath overrides ~/.ssh/config for alias resolution.
	SSHConfigPath string `yaml:"ssh_config_path"`
	// KnownHostsPath overrides ~/.ssh/known_hosts.
	KnownHostsPath string `yaml:"known_hosts_path"`
}

func (c *lifecycleConfig) enabled() bool {
	return c.BundlePath != "" || c.InstallScriptPath != ""
}

// CheckAndSetDefaults validates the configuration and fills in
// defaults.
func (c *fileConfig) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.PlaneListenAddr()
	}
	_, port, err := net.SplitHostPort(c.ListenAddr)
	if err != nil {
		return trace.BadParameter("listen_addr %q is not host:port: %v", c.ListenAddr, err)
	}
	// Reverse tunnels forward to this port, so it has to be concrete.
	c.listenPort, err = strconv.Atoi(port)
	if err != nil || c.listenPort < 1 || c.listenPort > 65535 {
		return trace.BadParameter("listen_addr %q has no usable port", c.ListenAddr)
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return trace.ConvertSystemError(err)
		}
		c.DataDir = filepath.Join(home, ".patze")
	}
	if c.Lifecycle.enabled() {
		if c.Lifecycle.BundlePath == "" || c.Lifecycle.InstallScriptPath == "" {
			return trace.BadParameter("bridge management needs both lifecycle.bundle_path and lifecycle.install_script_path")
		}
		if c.AuthToken == "" {
			return trace.BadParameter("bridge management needs auth_token: installed bridges authenticate with it")
		}
	}
	return nil
}

// defaultConfigPath is tried when --config is not given; a missing
// file there simply means defaults.
func defaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", trace.ConvertSystemError(err)
	}
	return filepath.Join(home, ".patze", "patze.yaml"), nil
}

// loadConfig reads the YAML configuration file. An explicit path must
// exist; the default path is optional. Unknown keys are rejected so a
// typoed key fails loudly instead of silently using a default.
func loadConfig(path string) (*fileConfig, error) {
	explicit := path != ""
	if !explicit {
		var err error
		if path, err = defaultConfigPath(); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return &fileConfig{}, nil
		}
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

// runPlane assembles the stores, the API handler and the listener, and
// serves until a signal or a server error. SIGHUP exits with the
// restart code so the supervisor brings up a fresh process.
func runPlane(cfg *fileConfig) error {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	level := logrus.InfoLevel
	if cfg.Debug {
		level = logrus.DebugLevel
	}
	utils.InitLogger(level)
	log := logrus.WithFields(logrus.Fields{
		trace.Component: patze.ComponentPlane,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}

	store, err := events.NewStore(events.StoreConfig{})
	if err != nil {
		return trace.Wrap(err)
	}
	proj, err := projector.New(projector.Config{})
	if err != nil {
		return trace.Wrap(err)
	}
	publisher, err := web.NewPublisher(web.PublisherConfig{})
	if err != nil {
		return trace.Wrap(err)
	}
	commands, err := queue.New(queue.Config{
		Path: filepath.Join(cfg.DataDir, "commands.json"),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	taskStore, err := tasks.NewStore(tasks.Config{
		Path: filepath.Join(cfg.DataDir, "tasks.json"),
	})
	if err != nil {
		return trace.Wrap(err)
	}
	cron, err := cronsync.NewRegistry(cronsync.RegistryConfig{})
	if err != nil {
		return trace.Wrap(err)
	}

	webCfg := web.Config{
		Store:     store,
		Projector: proj,
		Publisher: publisher,
		Queue:     commands,
		Tasks:     taskStore,
		Cron:      cron,
		AuthToken: cfg.AuthToken,
	}

	var manager *lifecycle.Manager
	if cfg.Lifecycle.enabled() {
		manager, err = lifecycle.NewManager(lifecycle.Config{
			LocalPort:         cfg.listenPort,
			BundlePath:        cfg.Lifecycle.BundlePath,
			InstallScriptPath: cfg.Lifecycle.InstallScriptPath,
			Token:             cfg.AuthToken,
			TokenExpiresIn:    cfg.Lifecycle.TokenExpiresIn,
			OpenClawHome:      cfg.Lifecycle.OpenClawHome,
			SSHConfigPath:     cfg.Lifecycle.SSHConfigPath,
			KnownHostsPath:    cfg.Lifecycle.KnownHostsPath,
		})
		if err != nil {
			return trace.Wrap(err)
		}
		// Assigned only when non-nil: a typed nil inside the interface
		// would defeat the handler's unset check.
		webCfg.Bridges = manager
	}

	handler, err := web.NewHandler(webCfg)
	if err != nil {
		return trace.Wrap(err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	server := &http.Server{
		Handler: handler,
		// No write timeout: /events streams for as long as a client
		// listens.
		ReadHeaderTimeout: patze.DefaultTimeout,
	}

	errC := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errC <- err
		}
	}()
	log.Infof("Control plane is listening on %v, data in %v.", listener.Addr(), cfg.DataDir)

	notifyReady(log)
	watchdogCtx, stopWatchdog := context.WithCancel(context.Background())
	defer stopWatchdog()
	go watchdogLoop(watchdogCtx, log)

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	restart := false
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

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP server did not drain cleanly.")
	}
	handler.Close()
	if manager != nil {
		manager.CloseAll()
	}
	if restart {
		os.Exit(exitRestart)
	}
	return nil
}

// notifyReady tells systemd the plane is serving. Outside a unit with
// NOTIFY_SOCKET this is a no-op.
func notifyReady(log logrus.FieldLogger) {
	ok, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.WithError(err).Debug("Cannot notify systemd.")
		return
	}
	if ok {
		log.Debug("Told systemd the plane is ready.")
	}
}

// watchdogLoop feeds the systemd watchdog at half the configured
// interval. It returns right away when no watchdog is armed.
func watchdogLoop(ctx context.Context, log logrus.FieldLogger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.WithError(err).Debug("Cannot read the watchdog configuration.")
		return
	}
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.WithError(err).Debug("Cannot feed the watchdog.")
			}
		}
	}
}
