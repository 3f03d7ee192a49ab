package servicectl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultBatchTimeout = 600 * time.Second
const batchPollInterval = 2 * time.Second

// reloadRequest is the body POSTed to a service's hot-reload endpoint.
type reloadRequest struct {
	ID            int64  `json:"id"`
	PolicyVersion string `json:"policy_version"`
}

// reloadResponse is the immediate response to a hot-reload POST.
type reloadResponse struct {
	Finished     bool   `json:"finished"`
	Error        bool   `json:"error"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// reload issues one hot-reload request to svc and returns the
// resulting Reconfiguration record, already inserted into r.reconfigs.
// It implements the five legal transitions from the spec's hot-reload
// table: not-active -> INACTIVE (and deregisters the service), a
// transport failure -> FAILED, finished+!error -> SUCCEEDED,
// finished+error -> FAILED, !finished -> IN_PROGRESS (awaiting a later
// callback to SetReconfStatus).
func (r *Registry) reload(ctx context.Context, svc ServiceDetails, policyVersion string) *Reconfiguration {
	id := r.nextConfigID()
	rec := &Reconfiguration{ConfigurationID: id, ServiceName: svc.ServiceName, ServiceID: svc.ServiceID}
	r.mu.Lock()
	r.reconfigs[id] = rec
	r.mu.Unlock()

	if !r.IsServiceActive(ctx, svc.ServiceID) {
		rec.Status = ReconfInactive
		r.unregister(svc.ServiceID)
		return rec
	}

	payload, err := json.Marshal(reloadRequest{ID: id, PolicyVersion: policyVersion})
	if err != nil {
		rec.Status = ReconfFailed
		rec.ErrorMessage = err.Error()
		return rec
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/set-new-configuration", svc.ListeningPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		rec.Status = ReconfFailed
		rec.ErrorMessage = err.Error()
		return rec
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		rec.Status = ReconfFailed
		rec.ErrorMessage = err.Error()
		return rec
	}
	defer resp.Body.Close()

	var body reloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		rec.Status = ReconfFailed
		rec.ErrorMessage = err.Error()
		return rec
	}

	switch {
	case !body.Finished:
		rec.Status = ReconfInProgress
	case body.Finished && body.Error:
		rec.Status = ReconfFailed
		rec.ErrorMessage = body.ErrorMessage
	default:
		rec.Status = ReconfSucceeded
	}
	return rec
}

// relevantServices returns the registered services whose RelevantConfigs
// intersect changedFiles, or every registered service when
// settingsChanged is true. When allowed is non-nil, results are further
// restricted to service ids present in it (multi-tenant fan-out scoping
// the reload to one (tenant, profile) pair's audience).
func (r *Registry) relevantServices(changedFiles map[string]bool, settingsChanged bool, allowed map[string]bool) []ServiceDetails {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ServiceDetails
	for _, svc := range r.registered {
		if allowed != nil && !allowed[svc.ServiceID] {
			continue
		}
		if settingsChanged {
			out = append(out, svc)
			continue
		}
		for f := range changedFiles {
			if svc.RelevantConfigs[f] {
				out = append(out, svc)
				break
			}
		}
	}
	return out
}

// BatchReload issues a reload to every service relevant to changedFiles
// (or all services when settingsChanged), then cooperatively polls every
// batchPollInterval until every reload reaches a terminal state or
// timeout elapses. Any single FAILED short-circuits the batch with an
// error; INACTIVE is absorbed (the service has simply disappeared).
// Returns nil iff every relevant service reached SUCCEEDED.
func (r *Registry) BatchReload(ctx context.Context, changedFiles map[string]bool, settingsChanged bool, policyVersion string, timeout time.Duration) error {
	return r.batchReloadScoped(ctx, changedFiles, settingsChanged, nil, policyVersion, timeout)
}

// batchReloadScoped is BatchReload restricted to the service ids in
// allowed (nil means every registered service is eligible).
func (r *Registry) batchReloadScoped(ctx context.Context, changedFiles map[string]bool, settingsChanged bool, allowed map[string]bool, policyVersion string, timeout time.Duration) error {
	if timeout == 0 {
		timeout = defaultBatchTimeout
	}
	services := r.relevantServices(changedFiles, settingsChanged, allowed)
	if len(services) == 0 {
		return nil
	}

	recs := make([]*Reconfiguration, 0, len(services))
	for _, svc := range services {
		recs = append(recs, r.reload(ctx, svc, policyVersion))
	}

	deadline := time.Now().Add(timeout)
	for {
		allDone := true
		for _, rec := range recs {
			r.mu.RLock()
			status := r.reconfigs[rec.ConfigurationID].Status
			errMsg := r.reconfigs[rec.ConfigurationID].ErrorMessage
			r.mu.RUnlock()

			switch status {
			case ReconfFailed:
				return fmt.Errorf("reload failed for service %s: %s", rec.ServiceName, errMsg)
			case ReconfInactive, ReconfSucceeded:
				continue
			default:
				allDone = false
			}
		}
		if allDone {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("batched reload timed out after %s", timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(batchPollInterval):
		}
	}
}
