package handlers

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"provisioner/internal/apperrors"
	"provisioner/internal/job"
	"provisioner/internal/provider"
	"provisioner/internal/store"
)

// MachineStart provisions a machine instance and records its address and
// expiry.
func (h *Handlers) MachineStart(ctx context.Context, j *job.Job) (map[string]any, error) {
	instanceID, err := requireID(j, "instance_id")
	if err != nil {
		return nil, err
	}
	mi, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, lookup(err)
	}

	templateRef := payloadRef(j, "template_id")
	var opts provider.CreateOptions
	tpl, err := h.store.GetTemplate(ctx, mi.TemplateID)
	switch {
	case err == nil:
		if templateRef == "" {
			templateRef = tpl.ProviderTemplateID
		}
		opts = provider.CreateOptions{Node: tpl.Node, VCPUs: tpl.CPU, MemoryMB: tpl.MemoryMB}
	case errors.Is(err, apperrors.ErrNotFound) && templateRef != "":
	default:
		h.failInstance(ctx, mi.ID, err)
		return nil, lookup(err)
	}

	userID := j.UserID
	if userID == 0 {
		userID = mi.UserID
	}
	opts.Labels = map[string]string{
		"provisioner.user":     strconv.FormatInt(userID, 10),
		"provisioner.instance": strconv.FormatInt(mi.ID, 10),
	}

	if err := h.store.SetInstanceStatus(ctx, mi.ID, store.StatusProvisioning, ""); err != nil {
		return nil, err
	}

	preferred := h.preferredProvider(j, mi.Provider)
	owner := mi.Provider
	if owner == "" {
		owner = preferred
	}
	info, err := h.resume(ctx, mi.ProviderInstanceID, owner, mi.Status)
	if err != nil {
		h.failInstance(ctx, mi.ID, err)
		return nil, errors.Wrapf(err, "resume instance %s", mi.ProviderInstanceID)
	}
	if info != nil {
		h.logger.Infow("Resuming provisioned instance", "instance_id", mi.ID, "provider_instance_id", info.InstanceID)
	} else {
		name := fmt.Sprintf("%s-%d-%d", h.settings.NamePrefix, userID, mi.ID)
		info, err = h.manager.CreateInstance(ctx, userID, templateRef, name, opts, preferred)
		if err != nil {
			h.failInstance(ctx, mi.ID, err)
			return nil, errors.Wrapf(err, "create instance %s", name)
		}
		if err := h.recordProvisioned(ctx, mi, info); err != nil {
			h.discard(ctx, info)
			h.failInstance(ctx, mi.ID, err)
			return nil, err
		}
	}

	ip, err := h.manager.WaitForAddress(ctx, info.InstanceID, h.settings.StartAddressTimeout, info.Provider)
	if err != nil {
		h.failInstance(ctx, mi.ID, err)
		return nil, errors.Wrapf(err, "wait for address of %s", info.InstanceID)
	}
	if ip == "" {
		ip = info.Address
	}

	now := h.now().UTC()
	expires := now.Add(h.settings.DefaultDuration)
	mi.Status = store.StatusRunning
	mi.Provider = info.Provider
	mi.ProviderInstanceID = info.InstanceID
	mi.AssignedIP = ip
	mi.ErrorMessage = ""
	mi.StartedAt = &now
	mi.ExpiresAt = &expires
	if err := h.store.UpdateInstance(ctx, mi); err != nil {
		return nil, errors.Wrapf(err, "record started instance %d", mi.ID)
	}

	h.logger.Infow("Machine started",
		"instance_id", mi.ID,
		"provider", info.Provider,
		"provider_instance_id", info.InstanceID,
		"ip", ip,
	)
	return map[string]any{
		"instance_id": info.InstanceID,
		"ip":          ip,
		"status":      string(store.StatusRunning),
	}, nil
}

// recordProvisioned stores the backend instance before anything else can
// fail, so a retry resumes it and a stop can reclaim it.
func (h *Handlers) recordProvisioned(ctx context.Context, mi *store.MachineInstance, info *provider.VMInfo) error {
	ctx, cancel := detached(ctx)
	defer cancel()
	mi.Status = store.StatusProvisioning
	mi.Provider = info.Provider
	mi.ProviderInstanceID = info.InstanceID
	mi.AssignedIP = ""
	mi.ErrorMessage = ""
	return errors.Wrapf(h.store.UpdateInstance(ctx, mi), "record provisioned instance %d", mi.ID)
}

// MachineStop terminates (default) or stops a machine instance.
func (h *Handlers) MachineStop(ctx context.Context, j *job.Job) (map[string]any, error) {
	instanceID, err := requireID(j, "instance_id")
	if err != nil {
		return nil, err
	}
	mi, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, lookup(err)
	}

	terminate := j.Bool("terminate", true)
	if err := h.store.SetInstanceStatus(ctx, mi.ID, store.StatusStopping, ""); err != nil {
		return nil, err
	}

	final := store.StatusStopped
	if terminate {
		final = store.StatusTerminated
	}

	if mi.ProviderInstanceID != "" {
		preferred := h.preferredProvider(j, mi.Provider)
		if terminate {
			_, err = h.manager.TerminateInstance(ctx, mi.ProviderInstanceID, preferred)
		} else {
			_, err = h.manager.StopInstance(ctx, mi.ProviderInstanceID, j.Bool("force", false), preferred)
		}
		if err != nil {
			h.failInstance(ctx, mi.ID, err)
			return nil, errors.Wrapf(err, "stop instance %s", mi.ProviderInstanceID)
		}
	}

	if err := h.store.SetInstanceStatus(ctx, mi.ID, final, ""); err != nil {
		return nil, err
	}
	h.logger.Infow("Machine stopped", "instance_id", mi.ID, "status", final)
	return map[string]any{"status": string(final)}, nil
}

// MachineReset restores a snapshot and records the instance's new address.
func (h *Handlers) MachineReset(ctx context.Context, j *job.Job) (map[string]any, error) {
	instanceID, err := requireID(j, "instance_id")
	if err != nil {
		return nil, err
	}
	mi, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, lookup(err)
	}
	if mi.ProviderInstanceID == "" {
		return nil, Permanent(apperrors.Validation("instance_id", "instance has not been provisioned"))
	}

	snapshot := j.String("snapshot")
	if snapshot == "" {
		snapshot = h.settings.DefaultSnapshot
	}

	info, err := h.manager.ResetInstance(ctx, mi.ProviderInstanceID, snapshot, h.preferredProvider(j, mi.Provider))
	if err != nil {
		h.failInstance(ctx, mi.ID, err)
		return nil, errors.Wrapf(err, "reset instance %s", mi.ProviderInstanceID)
	}
	if info.InstanceID != "" {
		mi.ProviderInstanceID = info.InstanceID
	}
	if info.Provider != "" {
		mi.Provider = info.Provider
	}

	ip, err := h.manager.WaitForAddress(ctx, mi.ProviderInstanceID, h.settings.ResetAddressTimeout, mi.Provider)
	if err != nil {
		h.failInstance(ctx, mi.ID, err)
		return nil, errors.Wrapf(err, "wait for address of %s", mi.ProviderInstanceID)
	}
	if ip == "" {
		ip = info.Address
	}

	mi.Status = store.StatusRunning
	mi.AssignedIP = ip
	mi.ErrorMessage = ""
	if err := h.store.UpdateInstance(ctx, mi); err != nil {
		return nil, errors.Wrapf(err, "record reset instance %d", mi.ID)
	}
	h.logger.Infow("Machine reset", "instance_id", mi.ID, "snapshot", snapshot, "ip", ip)
	return map[string]any{"status": "reset", "ip": ip}, nil
}

// MachineExtend pushes a running instance's expiry out by whole hours.
func (h *Handlers) MachineExtend(ctx context.Context, j *job.Job) (map[string]any, error) {
	instanceID, err := requireID(j, "instance_id")
	if err != nil {
		return nil, err
	}

	hours := int64(1)
	if _, present := j.Payload["hours"]; present {
		v, ok := j.Int64("hours")
		if !ok || v < 1 || v > int64(h.settings.MaxExtendHours) {
			return nil, Permanent(apperrors.Validation("hours",
				fmt.Sprintf("must be between 1 and %d", h.settings.MaxExtendHours)))
		}
		hours = v
	}

	mi, err := h.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, lookup(err)
	}
	if mi.Status != store.StatusRunning {
		return nil, Permanent(apperrors.Validation("instance_id",
			fmt.Sprintf("can only extend running instances, instance is %s", mi.Status)))
	}

	base := h.now().UTC()
	if mi.ExpiresAt != nil {
		base = *mi.ExpiresAt
	}
	expires := base.Add(time.Duration(hours) * time.Hour)
	mi.ExpiresAt = &expires
	mi.ExtendedCount++
	if err := h.store.UpdateInstance(ctx, mi); err != nil {
		return nil, errors.Wrapf(err, "extend instance %d", mi.ID)
	}

	h.logger.Infow("Machine extended", "instance_id", mi.ID, "hours", hours, "expires_at", expires)
	return map[string]any{
		"new_expires_at": expires.Format(time.RFC3339),
		"extended_count": mi.ExtendedCount,
	}, nil
}
