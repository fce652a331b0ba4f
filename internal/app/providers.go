package app

import (
	"io"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"provisioner/internal/config"
	"provisioner/internal/provider"
	"provisioner/internal/provider/docker"
	"provisioner/internal/provider/simulated"
)

// buildProviders constructs the configured backends in failover order.
// Backends holding connections are returned as closers as well.
func buildProviders(cfgs []config.ProviderConfig, logger *zap.SugaredLogger) ([]provider.Provider, []io.Closer, error) {
	providers := make([]provider.Provider, 0, len(cfgs))
	var closers []io.Closer
	for _, pc := range cfgs {
		p, err := buildProvider(pc, logger)
		if err != nil {
			return nil, closers, errors.Wrapf(err, "provider %s", pc.Name)
		}
		if c, ok := p.(io.Closer); ok {
			closers = append(closers, c)
		}
		if pc.RateLimit > 0 {
			p = provider.Throttled(p, provider.NewLimiter(pc.RateLimit, pc.Burst))
		}
		providers = append(providers, p)
	}
	return providers, closers, nil
}

func buildProvider(pc config.ProviderConfig, logger *zap.SugaredLogger) (provider.Provider, error) {
	switch pc.Kind {
	case config.ProviderKindDocker:
		return docker.New(docker.Config{
			Name:         pc.Name,
			Host:         pc.Docker.Host,
			Network:      pc.Docker.Network,
			MaxInstances: pc.Docker.MaxInstances,
			StopTimeout:  pc.Docker.StopTimeout,
			PollInterval: pc.Docker.PollInterval,
			Templates:    pc.Docker.Templates,
		}, logger)
	case config.ProviderKindSimulated:
		return simulated.New(simulated.Config{
			Name:         pc.Name,
			MaxInstances: pc.Simulated.MaxInstances,
			Templates:    pc.Simulated.Templates,
			Snapshots:    pc.Simulated.Snapshots,
			AddressDelay: pc.Simulated.AddressDelay,
		}), nil
	default:
		return nil, errors.Newf("unknown provider kind %q", pc.Kind)
	}
}
