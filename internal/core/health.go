package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout bounds all probes together. A probe still running at
// the deadline is reported unhealthy.
const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one critical dependency.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// Pinger is satisfied by the notification repository.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseProbe reports the database reachable when a trivial query succeeds.
type DatabaseProbe struct {
	DB Pinger
}

func (DatabaseProbe) Name() string { return "database" }

func (p DatabaseProbe) Check(ctx context.Context) error {
	return p.DB.Ping(ctx)
}

// HealthReporter is satisfied by the queue publisher.
type HealthReporter interface {
	IsHealthy() bool
}

// QueueProbe reports the publisher's connection state without connecting.
type QueueProbe struct {
	Publisher HealthReporter
}

var errQueueDisconnected = errors.New("queue publisher is not connected")

func (QueueProbe) Name() string { return "queue" }

func (p QueueProbe) Check(context.Context) error {
	if !p.Publisher.IsHealthy() {
		return errQueueDisconnected
	}
	return nil
}

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs every probe concurrently under healthCheckTimeout and
// returns 200 when all pass, 503 otherwise.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	type probeResult struct {
		index int
		err   error
	}
	results := make(chan probeResult, len(probes))

	for i, probe := range probes {
		go func() {
			var err error
			defer func() {
				if rvr := recover(); rvr != nil {
					err = fmt.Errorf("probe panicked: %v", rvr)
				}
				results <- probeResult{index: i, err: err}
			}()
			err = probe.Check(ctx)
		}()
	}

	errs := make([]error, len(probes))
	done := make([]bool, len(probes))
	for remaining := len(probes); remaining > 0; remaining-- {
		select {
		case res := <-results:
			errs[res.index] = res.err
			done[res.index] = true
		case <-ctx.Done():
			remaining = 0
		}
	}

	resp := healthResponse{Status: "healthy", Components: make(map[string]componentStatus, len(probes))}
	status := http.StatusOK
	for i, probe := range probes {
		switch {
		case !done[i]:
			resp.Components[probe.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case errs[i] != nil:
			resp.Components[probe.Name()] = componentStatus{Status: "unhealthy", Message: errs[i].Error()}
		default:
			resp.Components[probe.Name()] = componentStatus{Status: "healthy"}
			continue
		}
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	JSON(w, r, status, resp)
}
