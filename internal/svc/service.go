// Package svc installs and runs the storage engine as a system service.
package svc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/kardianos/service"
	"github.com/rs/zerolog/log"
)

// ServiceRunFlag marks a process started by the service manager.
const ServiceRunFlag = "--service-run"

// RunFunc runs the server until ctx is cancelled.
type RunFunc func(ctx context.Context, configPath string) error

// Program implements service.Interface around a RunFunc.
type Program struct {
	ConfigPath string
	Run        RunFunc

	cancel context.CancelFunc
	done   chan error
}

// Start is called by the service manager and must not block.
func (p *Program) Start(_ service.Service) error {
	if p.Run == nil {
		return errors.New("run function not configured")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		p.done <- p.Run(ctx, p.ConfigPath)
	}()
	return nil
}

// Stop cancels the running server and waits for it to return.
func (p *Program) Stop(_ service.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	if p.done == nil {
		return nil
	}
	if err := <-p.done; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// ServiceConfig holds the settings of an installed service.
type ServiceConfig struct {
	Name        string
	DisplayName string
	Description string
	ConfigPath  string
	UserName    string // Linux and macOS only
}

// DefaultServiceConfig returns the settings used when the CLI flags leave
// them empty.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Name:        "artifactstore",
		DisplayName: "Artifact Store",
		Description: "Artifact repository storage engine",
		ConfigPath:  DefaultConfigPath(),
	}
}

// DefaultConfigPath returns the platform config file location.
func DefaultConfigPath() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("ProgramData"), "ArtifactStore", "artifactstore.yaml")
	}
	return "/etc/artifactstore/artifactstore.yaml"
}

// Arguments returns the command line the service manager starts.
func (c *ServiceConfig) Arguments() []string {
	return []string{"serve", "--config", c.ConfigPath, ServiceRunFlag}
}

// NewServiceConfig converts cfg into the kardianos service config.
func NewServiceConfig(cfg *ServiceConfig) *service.Config {
	svcCfg := &service.Config{
		Name:        cfg.Name,
		DisplayName: cfg.DisplayName,
		Description: cfg.Description,
		Arguments:   cfg.Arguments(),
	}

	switch runtime.GOOS {
	case "linux":
		svcCfg.Dependencies = []string{"After=network-online.target", "Wants=network-online.target"}
		svcCfg.Option = service.KeyValue{
			"Restart":     "on-failure",
			"RestartSec":  "5",
			"LimitNOFILE": 65536,
		}
		svcCfg.UserName = cfg.UserName
	case "darwin":
		svcCfg.Option = service.KeyValue{
			"KeepAlive": true,
			"RunAtLoad": true,
		}
		svcCfg.UserName = cfg.UserName
	case "windows":
		svcCfg.Option = service.KeyValue{
			"OnFailure":      "restart",
			"OnFailureDelay": "5s",
		}
	}
	return svcCfg
}

// CreateService creates a service handle for prg. A nil prg is replaced by a
// Program that cannot run, for install and control commands.
func CreateService(prg *Program, cfg *ServiceConfig) (service.Service, error) {
	if prg == nil {
		prg = &Program{ConfigPath: cfg.ConfigPath}
	}
	return service.New(prg, NewServiceConfig(cfg))
}

// Install installs the service. An existing installation is replaced only
// with force.
func Install(cfg *ServiceConfig, force bool) error {
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	s, err := CreateService(nil, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	if status, err := s.Status(); err == nil && status != service.StatusUnknown {
		if !force {
			return fmt.Errorf("service %q already installed; use --force to reinstall", cfg.Name)
		}
		if status == service.StatusRunning {
			if err := s.Stop(); err != nil {
				log.Warn().Err(err).Msg("Failed to stop service")
			}
		}
		if err := s.Uninstall(); err != nil {
			log.Warn().Err(err).Msg("Failed to uninstall service")
		}
	}

	if err := s.Install(); err != nil {
		return fmt.Errorf("install service: %w", err)
	}
	return nil
}

// Uninstall stops and removes the service.
func Uninstall(cfg *ServiceConfig) error {
	s, err := CreateService(nil, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if status, _ := s.Status(); status == service.StatusRunning {
		if err := s.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop service")
		}
	}
	if err := s.Uninstall(); err != nil {
		return fmt.Errorf("uninstall service: %w", err)
	}
	return nil
}

// Control runs one of "start", "stop" or "restart" against the service.
func Control(cfg *ServiceConfig, action string) error {
	if !slices.Contains([]string{"start", "stop", "restart"}, action) {
		return fmt.Errorf("unknown service action %q", action)
	}
	s, err := CreateService(nil, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("%s service: %w", action, err)
	}
	return nil
}

// Status returns the service status.
func Status(cfg *ServiceConfig) (service.Status, error) {
	s, err := CreateService(nil, cfg)
	if err != nil {
		return service.StatusUnknown, fmt.Errorf("create service: %w", err)
	}
	return s.Status()
}

// StatusString returns a human-readable status string.
func StatusString(status service.Status) string {
	switch status {
	case service.StatusRunning:
		return "running"
	case service.StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Run hands prg to the service manager and blocks until it stops it.
func Run(prg *Program, cfg *ServiceConfig) error {
	s, err := CreateService(prg, cfg)
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}
	return s.Run()
}

// CheckPrivileges reports whether the current user may manage services.
func CheckPrivileges() error {
	if runtime.GOOS != "windows" && os.Geteuid() != 0 {
		return errors.New("root privileges required (use sudo)")
	}
	return nil
}

// IsServiceMode reports whether the process was started by the service
// manager.
func IsServiceMode(args []string) bool {
	return slices.Contains(args, ServiceRunFlag)
}
