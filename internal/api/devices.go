package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
	"github.com/nerrad567/gray-logic-ble/internal/devicestore"
)

// deviceResponse is the JSON form of a stored device. Document is only
// included for single-device reads.
type deviceResponse struct {
	Address         string          `json:"address"`
	Name            string          `json:"name"`
	ControllerIndex int             `json:"controller_index"`
	Enabled         bool            `json:"enabled"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Document        json.RawMessage `json:"document,omitempty"`
}

func toDeviceResponse(d *devicestore.Device, withDocument bool) deviceResponse {
	resp := deviceResponse{
		Address:         d.Address.String(),
		Name:            d.Name,
		ControllerIndex: d.ControllerIndex,
		Enabled:         d.Enabled,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	if withDocument {
		resp.Document = json.RawMessage(d.Document)
	}
	return resp
}

// upsertDeviceRequest is the body of POST /devices.
type upsertDeviceRequest struct {
	Name     string          `json:"name"`
	Document json.RawMessage `json:"document"`
}

// updateDeviceRequest is the body of PATCH /devices/{mac}.
type updateDeviceRequest struct {
	Enabled *bool `json:"enabled"`
}

// requireDeviceStore answers 503 when the gateway runs without a store.
func (s *Server) requireDeviceStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.devices == nil {
			writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "device store is disabled")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.devices.ListAll(r.Context())
	if err != nil {
		s.logger.Error("listing devices failed", "error", err)
		writeInternalError(w, "failed to list devices")
		return
	}

	out := make([]deviceResponse, 0, len(devices))
	for i := range devices {
		out = append(out, toDeviceResponse(&devices[i], false))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": out,
		"count":   len(out),
	})
}

// handleUpsertDevice validates and stores a device document. Stored
// devices are loaded when the gateway starts.
func (s *Server) handleUpsertDevice(w http.ResponseWriter, r *http.Request) {
	var req upsertDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if len(req.Document) == 0 {
		writeBadRequest(w, "document is required")
		return
	}

	cfg, err := ble.ParseConfig(req.Document)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	cfg.Release()

	dev, err := s.devices.Upsert(r.Context(), req.Name, req.Document)
	switch {
	case errors.Is(err, devicestore.ErrEmptyName):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	case errors.Is(err, devicestore.ErrNameInUse):
		writeError(w, http.StatusConflict, ErrCodeConflict, err.Error())
		return
	case err != nil:
		s.logger.Error("storing device failed", "name", req.Name, "error", err)
		writeInternalError(w, "failed to store device")
		return
	}

	s.logger.Info("device stored", "name", dev.Name, "address", dev.Address.String())
	writeJSON(w, http.StatusOK, toDeviceResponse(dev, true))
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	mac, ok := pathMAC(w, r)
	if !ok {
		return
	}

	dev, err := s.devices.Get(r.Context(), mac)
	if err != nil {
		s.writeStoreError(w, mac, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(dev, true))
}

// handleUpdateDevice enables or disables a stored device.
func (s *Server) handleUpdateDevice(w http.ResponseWriter, r *http.Request) {
	mac, ok := pathMAC(w, r)
	if !ok {
		return
	}

	var req updateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Enabled == nil {
		writeBadRequest(w, "enabled is required")
		return
	}

	if err := s.devices.SetEnabled(r.Context(), mac, *req.Enabled); err != nil {
		s.writeStoreError(w, mac, err)
		return
	}

	dev, err := s.devices.Get(r.Context(), mac)
	if err != nil {
		s.writeStoreError(w, mac, err)
		return
	}
	s.logger.Info("device updated", "address", mac.String(), "enabled", dev.Enabled)
	writeJSON(w, http.StatusOK, toDeviceResponse(dev, false))
}

func (s *Server) handleDeleteDevice(w http.ResponseWriter, r *http.Request) {
	mac, ok := pathMAC(w, r)
	if !ok {
		return
	}

	if err := s.devices.Delete(r.Context(), mac); err != nil {
		s.writeStoreError(w, mac, err)
		return
	}
	s.logger.Info("device deleted", "address", mac.String())
	w.WriteHeader(http.StatusNoContent)
}

// pathMAC parses the {mac} URL parameter, writing a 400 on failure.
func pathMAC(w http.ResponseWriter, r *http.Request) (ble.MAC, bool) {
	mac, err := ble.ParseMAC(chi.URLParam(r, "mac"))
	if err != nil {
		writeBadRequest(w, err.Error())
		return ble.MAC{}, false
	}
	return mac, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, mac ble.MAC, err error) {
	if errors.Is(err, devicestore.ErrDeviceNotFound) {
		writeNotFound(w, "device not found: "+mac.String())
		return
	}
	s.logger.Error("device store error", "address", mac.String(), "error", err)
	writeInternalError(w, "device store error")
}
