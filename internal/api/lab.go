package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"provisioner/internal/lab"
)

// ListTemplates handles GET /v1/templates
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	if !h.labReady(w) {
		return
	}
	templates, err := h.lab.Templates(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

// CreateTemplate handles POST /v1/templates
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req lab.TemplateRequest
	if !h.labReady(w) || !h.decode(w, r, &req) {
		return
	}
	tv, err := h.lab.CreateTemplate(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, tv)
}

// ProviderTemplates handles GET /v1/provider-templates?kind=
func (h *Handler) ProviderTemplates(w http.ResponseWriter, r *http.Request) {
	if !h.labReady(w) {
		return
	}
	templates, err := h.lab.ProviderTemplates(r.Context(), r.URL.Query().Get("kind"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

// ListChains handles GET /v1/chains
func (h *Handler) ListChains(w http.ResponseWriter, r *http.Request) {
	if !h.labReady(w) {
		return
	}
	chains, err := h.lab.Chains(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"chains": chains})
}

// CreateChain handles POST /v1/chains
func (h *Handler) CreateChain(w http.ResponseWriter, r *http.Request) {
	var req lab.ChainRequest
	if !h.labReady(w) || !h.decode(w, r, &req) {
		return
	}
	cv, err := h.lab.CreateChain(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, cv)
}

// ListUserInstances handles GET /v1/users/{userId}/instances
func (h *Handler) ListUserInstances(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userId")
	if !ok || !h.labReady(w) {
		return
	}
	instances, err := h.lab.UserInstances(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"instances": instances})
}

// StartInstance handles POST /v1/users/{userId}/instances
func (h *Handler) StartInstance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userId")
	var req lab.StartRequest
	if !ok || !h.labReady(w) || !h.decode(w, r, &req) {
		return
	}
	resp, err := h.lab.StartMachine(r.Context(), userID, &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

// StopInstance handles DELETE /v1/users/{userId}/instances/{instanceId}
func (h *Handler) StopInstance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userId")
	if !ok {
		return
	}
	instanceID, ok := h.pathID(w, r, "instanceId")
	if !ok || !h.labReady(w) {
		return
	}
	resp, err := h.lab.StopMachine(r.Context(), userID, instanceID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListUserChains handles GET /v1/users/{userId}/chains
func (h *Handler) ListUserChains(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userId")
	if !ok || !h.labReady(w) {
		return
	}
	chains, err := h.lab.UserChains(r.Context(), userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"chains": chains})
}

// StartChain handles POST /v1/users/{userId}/chains
func (h *Handler) StartChain(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userId")
	var req lab.StartRequest
	if !ok || !h.labReady(w) || !h.decode(w, r, &req) {
		return
	}
	resp, err := h.lab.StartChain(r.Context(), userID, &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

// StopChain handles DELETE /v1/users/{userId}/chains/{chainInstanceId}
func (h *Handler) StopChain(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userId")
	if !ok {
		return
	}
	ciID, ok := h.pathID(w, r, "chainInstanceId")
	if !ok || !h.labReady(w) {
		return
	}
	resp, err := h.lab.StopChain(r.Context(), userID, ciID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, resp)
}

func (h *Handler) labReady(w http.ResponseWriter) bool {
	if h.lab == nil {
		h.writeError(w, http.StatusServiceUnavailable, "lab service not configured")
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, name+" must be an integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return false
	}
	return true
}
