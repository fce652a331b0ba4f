package docker

import "time"

// Config holds configuration for the Docker provider.
type Config struct {
	Name         string
	Host         string            // Docker host; empty uses DOCKER_HOST / the default socket
	Network      string            // Network to attach instances to; empty uses the daemon default
	MaxInstances int               // Managed container ceiling (default 10)
	StopTimeout  time.Duration     // Graceful stop before SIGKILL (default 10s)
	PollInterval time.Duration     // WaitForAddress poll interval (default 2s)
	Templates    map[string]string // Template ID -> image reference
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "docker"
	}
	if c.MaxInstances <= 0 {
		c.MaxInstances = 10
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	return c
}
