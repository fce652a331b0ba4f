package handlers

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"provisioner/internal/job"
	"provisioner/internal/provider"
	"provisioner/internal/store"
)

// ChainStart provisions every machine of a chain in position order. The
// first failure stops the chain and marks it errored; machines already
// started are left for ChainStop or resumed by a retry.
func (h *Handlers) ChainStart(ctx context.Context, j *job.Job) (map[string]any, error) {
	chainID, err := requireID(j, "chain_id")
	if err != nil {
		return nil, err
	}
	ciID, err := requireID(j, "chain_instance_id")
	if err != nil {
		return nil, err
	}

	chain, err := h.store.GetChain(ctx, chainID)
	if err != nil {
		return nil, lookup(err)
	}
	ci, err := h.store.GetChainInstance(ctx, ciID)
	if err != nil {
		return nil, lookup(err)
	}
	machines, err := h.store.ChainMachines(ctx, chain.ID)
	if err != nil {
		h.failChain(ctx, ci, err)
		return nil, err
	}

	existing, err := h.store.ListChainMachineInstances(ctx, ci.ID)
	if err != nil {
		h.failChain(ctx, ci, err)
		return nil, err
	}
	byTemplate := make(map[int64]*store.ChainMachineInstance, len(existing))
	for i := range existing {
		byTemplate[existing[i].TemplateID] = &existing[i]
	}

	userID := j.UserID
	if userID == 0 {
		userID = ci.UserID
	}
	preferred := h.preferredProvider(j, "")

	started := make([]map[string]any, 0, len(machines))
	for _, cm := range machines {
		cmi := byTemplate[cm.Template.ID]
		if cmi == nil {
			cmi = &store.ChainMachineInstance{
				ChainInstanceID: ci.ID,
				TemplateID:      cm.Template.ID,
				Status:          store.StatusStarting,
			}
			if err := h.store.CreateChainMachineInstance(ctx, cmi); err != nil {
				h.failChain(ctx, ci, err)
				return nil, err
			}
		}

		ip, err := h.startChainMachine(ctx, userID, ci.ID, cmi, cm.Template, preferred)
		if err != nil {
			h.failChain(ctx, ci, err)
			return nil, err
		}
		started = append(started, map[string]any{"name": cm.Template.DisplayName, "ip": ip})
	}

	now := h.now().UTC()
	expires := now.Add(time.Duration(chain.EstimatedHours) * time.Hour)
	ci.Status = store.StatusRunning
	ci.ErrorMessage = ""
	ci.StartedAt = &now
	ci.ExpiresAt = &expires
	if err := h.store.UpdateChainInstance(ctx, ci); err != nil {
		return nil, errors.Wrapf(err, "record started chain %d", ci.ID)
	}

	h.logger.Infow("Chain started", "chain_instance_id", ci.ID, "chain", chain.Slug, "machines", len(started))
	return map[string]any{
		"status":   string(store.StatusRunning),
		"machines": started,
	}, nil
}

// startChainMachine brings one chain machine up, resuming the backend
// instance of an earlier attempt when it is still there.
func (h *Handlers) startChainMachine(ctx context.Context, userID, ciID int64, cmi *store.ChainMachineInstance, tpl store.Template, preferred string) (string, error) {
	owner := cmi.Provider
	if owner == "" {
		owner = preferred
	}
	info, err := h.resume(ctx, cmi.ProviderInstanceID, owner, cmi.Status)
	if err != nil {
		h.failChainMachine(ctx, cmi)
		return "", errors.Wrapf(err, "resume chain machine %s", cmi.ProviderInstanceID)
	}

	if info == nil {
		name := fmt.Sprintf("%s-chain-%d-%d", h.settings.NamePrefix, ciID, cmi.ID)
		opts := provider.CreateOptions{
			Node:     tpl.Node,
			VCPUs:    tpl.CPU,
			MemoryMB: tpl.MemoryMB,
			Labels: map[string]string{
				"provisioner.user":  strconv.FormatInt(userID, 10),
				"provisioner.chain": strconv.FormatInt(ciID, 10),
			},
		}
		info, err = h.manager.CreateInstance(ctx, userID, tpl.ProviderTemplateID, name, opts, preferred)
		if err != nil {
			h.failChainMachine(ctx, cmi)
			return "", errors.Wrapf(err, "create chain machine %s", name)
		}
		if err := h.recordChainMachine(ctx, cmi, info); err != nil {
			h.discard(ctx, info)
			h.failChainMachine(ctx, cmi)
			return "", err
		}
	}

	ip, err := h.manager.WaitForAddress(ctx, info.InstanceID, h.settings.StartAddressTimeout, info.Provider)
	if err != nil {
		h.failChainMachine(ctx, cmi)
		return "", errors.Wrapf(err, "wait for address of %s", info.InstanceID)
	}
	if ip == "" {
		ip = info.Address
	}

	cmi.Status = store.StatusRunning
	cmi.Provider = info.Provider
	cmi.ProviderInstanceID = info.InstanceID
	cmi.AssignedIP = ip
	if err := h.store.UpdateChainMachineInstance(ctx, cmi); err != nil {
		return "", errors.Wrapf(err, "record chain machine %d", cmi.ID)
	}
	return ip, nil
}

// recordChainMachine stores the backend instance of a chain machine as soon
// as it exists.
func (h *Handlers) recordChainMachine(ctx context.Context, cmi *store.ChainMachineInstance, info *provider.VMInfo) error {
	ctx, cancel := detached(ctx)
	defer cancel()
	cmi.Status = store.StatusStarting
	cmi.Provider = info.Provider
	cmi.ProviderInstanceID = info.InstanceID
	cmi.AssignedIP = ""
	return errors.Wrapf(h.store.UpdateChainMachineInstance(ctx, cmi), "record chain machine %d", cmi.ID)
}

func (h *Handlers) failChainMachine(ctx context.Context, cmi *store.ChainMachineInstance) {
	ctx, cancel := detached(ctx)
	defer cancel()
	cmi.Status = store.StatusError
	if err := h.store.UpdateChainMachineInstance(ctx, cmi); err != nil {
		h.logger.Warnw("Failed to record chain machine error", "chain_machine_instance_id", cmi.ID, "error", err)
	}
}

// ChainStop terminates every provisioned machine of a chain instance. A
// machine that fails to terminate is marked errored; the chain still ends
// stopped.
func (h *Handlers) ChainStop(ctx context.Context, j *job.Job) (map[string]any, error) {
	ciID, err := requireID(j, "chain_instance_id")
	if err != nil {
		return nil, err
	}
	ci, err := h.store.GetChainInstance(ctx, ciID)
	if err != nil {
		return nil, lookup(err)
	}

	ci.Status = store.StatusStopping
	if err := h.store.UpdateChainInstance(ctx, ci); err != nil {
		return nil, err
	}

	machines, err := h.store.ListChainMachineInstances(ctx, ci.ID)
	if err != nil {
		h.failChain(ctx, ci, err)
		return nil, err
	}

	terminated, failed := 0, 0
	for i := range machines {
		cmi := &machines[i]
		if cmi.ProviderInstanceID == "" || cmi.Status == store.StatusTerminated {
			continue
		}
		if _, err := h.manager.TerminateInstance(ctx, cmi.ProviderInstanceID, h.preferredProvider(j, cmi.Provider)); err != nil {
			h.logger.Warnw("Failed to terminate chain machine",
				"chain_instance_id", ci.ID,
				"provider_instance_id", cmi.ProviderInstanceID,
				"error", err,
			)
			cmi.Status = store.StatusError
			failed++
		} else {
			cmi.Status = store.StatusTerminated
			terminated++
		}
		if err := h.store.UpdateChainMachineInstance(ctx, cmi); err != nil {
			h.logger.Warnw("Failed to record chain machine status", "chain_machine_instance_id", cmi.ID, "error", err)
		}
	}

	ci.Status = store.StatusStopped
	ci.ErrorMessage = ""
	if err := h.store.UpdateChainInstance(ctx, ci); err != nil {
		return nil, errors.Wrapf(err, "record stopped chain %d", ci.ID)
	}

	h.logger.Infow("Chain stopped", "chain_instance_id", ci.ID, "terminated", terminated, "failed", failed)
	return map[string]any{
		"status":     string(store.StatusStopped),
		"terminated": terminated,
		"failed":     failed,
	}, nil
}
