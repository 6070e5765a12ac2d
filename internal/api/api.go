package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/tomvil/neighprobe/internal/command"
	"github.com/tomvil/neighprobe/internal/engine"
	"github.com/tomvil/neighprobe/internal/telemetry"
	"github.com/tomvil/neighprobe/pkg/message"
)

const maxBodySize = 1 << 20

// Prober is the engine surface the API exposes.
type Prober interface {
	command.Prober
	PingWait(ctx context.Context, node uint32, text string) (engine.ProbeResult, error)
}

type API struct {
	Engine Prober
	// WaitTimeout bounds how long a waiting ping may block.
	WaitTimeout time.Duration
}

type NeighborView struct {
	Node          uint32    `json:"node"`
	Address       string    `json:"address"`
	Interface     string    `json:"interface"`
	LastRefreshed time.Time `json:"last_refreshed"`
}

type PingRequest struct {
	Node uint32 `json:"node"`
	Text string `json:"text"`
	Wait bool   `json:"wait"`
}

type PingResponse struct {
	Node     uint32  `json:"node"`
	Sequence uint16  `json:"sequence"`
	Address  string  `json:"address,omitempty"`
	Text     string  `json:"text,omitempty"`
	RTTMs    float64 `json:"rtt_ms,omitempty"`
	Expired  bool    `json:"expired,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Handler returns the API routes.
func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /neighbors", telemetry.Instrument("neighbors", http.HandlerFunc(a.ListNeighborsHandler)))
	mux.Handle("POST /ping", telemetry.Instrument("ping", http.HandlerFunc(a.PingHandler)))
	mux.Handle("POST /command", telemetry.Instrument("command", http.HandlerFunc(a.CommandHandler)))
	mux.HandleFunc("GET /healthz", a.HealthHandler)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	return mux
}

func (a *API) ListNeighborsHandler(w http.ResponseWriter, r *http.Request) {
	neighbors, err := a.Engine.Neighbors(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	output := make([]NeighborView, 0, len(neighbors))
	for _, n := range neighbors {
		output = append(output, NeighborView{
			Node:          n.Node,
			Address:       n.Address.String(),
			Interface:     n.Interface.String(),
			LastRefreshed: n.LastRefreshed,
		})
	}

	writeJSON(w, http.StatusOK, output)
}

func (a *API) PingHandler(w http.ResponseWriter, r *http.Request) {
	var req PingRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.Text == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text is required"})
		return
	}

	if !req.Wait {
		seq, err := a.Engine.Ping(r.Context(), req.Node, req.Text)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, PingResponse{Node: req.Node, Sequence: seq})
		return
	}

	ctx := r.Context()
	if a.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.WaitTimeout)
		defer cancel()
	}

	res, err := a.Engine.PingWait(ctx, req.Node, req.Text)
	resp := PingResponse{
		Node:     req.Node,
		Sequence: res.Sequence,
		Text:     res.Text,
		RTTMs:    float64(res.RTT) / float64(time.Millisecond),
		Expired:  res.Expired,
	}
	if res.Address.IsValid() {
		resp.Address = res.Address.String()
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, engine.ErrProbeExpired):
		resp.RTTMs = 0
		writeJSON(w, http.StatusGatewayTimeout, resp)
	default:
		writeError(w, err)
	}
}

// CommandHandler runs one line of the text command surface from the request
// body and returns its output as plain text.
func (a *API) CommandHandler(w http.ResponseWriter, r *http.Request) {
	line, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var out bytes.Buffer
	if err := command.Execute(r.Context(), a.Engine, string(line), &out); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write(out.Bytes())
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	if _, err := a.Engine.Neighbors(ctx); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok\n"))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownNode):
		return http.StatusNotFound
	case errors.Is(err, message.ErrTextTooLong),
		errors.Is(err, command.ErrEmpty),
		errors.Is(err, command.ErrUnknown),
		errors.Is(err, command.ErrMissingParams),
		errors.Is(err, command.ErrUnknownTable),
		errors.Is(err, command.ErrInvalidNode):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
