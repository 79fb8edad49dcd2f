package storageelementapp

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/wisbric/strata/internal/config"
	"github.com/wisbric/strata/pkg/modesm"
)

// registrar performs the startup self-registration handshake every node
// makes with Admin's storage element registry, repeated on every
// RegistrationInterval so Admin's record of api_url/mode/priority never
// goes stale even if a capacity poll is missed.
type registrar struct {
	client  *http.Client
	cfg     *config.StorageElementConfig
	machine *modesm.Machine
	logger  *slog.Logger
}

func newRegistrar(client *http.Client, cfg *config.StorageElementConfig, machine *modesm.Machine, logger *slog.Logger) *registrar {
	return &registrar{client: client, cfg: cfg, machine: machine, logger: logger}
}

type registerElementRequest struct {
	ElementID     string `json:"element_id"`
	APIURL        string `json:"api_url"`
	Mode          string `json:"mode"`
	StorageType   string `json:"storage_type"`
	Priority      int    `json:"priority"`
	CapacityBytes int64  `json:"capacity_bytes"`
	UsedBytes     int64  `json:"used_bytes"`
}

func (r *registrar) registerOnce(ctx context.Context) {
	body, err := json.Marshal(registerElementRequest{
		ElementID:     r.cfg.ElementID,
		APIURL:        r.cfg.APIURL,
		Mode:          string(r.machine.Mode()),
		StorageType:   r.cfg.StorageType,
		Priority:      r.cfg.Priority,
		CapacityBytes: r.cfg.CapacityBytes,
	})
	if err != nil {
		r.logger.Error("registrar: marshaling registration", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.AdminBaseURL+"/internal/v1/storage-elements", bytes.NewReader(body))
	if err != nil {
		r.logger.Error("registrar: building registration request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Error("registrar: registering with admin", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.logger.Error("registrar: admin rejected registration", "status", resp.StatusCode)
		return
	}
	r.logger.Info("registrar: registered with admin")
}

func (r *registrar) run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.RegistrationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.registerOnce(ctx)
		}
	}
}
