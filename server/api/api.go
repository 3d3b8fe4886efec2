package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/dualshock-tools/calibd-go/core"
	"github.com/dualshock-tools/calibd-go/memorywriter"

	"github.com/gorilla/mux"
)

// This package serves the JSON API the calibration page talks to.
// The actual connect/telemetry logic is in the core package; here we
// only convert request data and format replies.

type api struct {
	core    *core.Core
	version string
	logger  *memorywriter.MemoryWriter
}

func ServeAPI(r *mux.Router, c *core.Core, v string, l *memorywriter.MemoryWriter) error {
	api := &api{
		core:    c,
		version: v,
		logger:  l,
	}
	r.HandleFunc("/", api.Info)
	r.HandleFunc("/configure", api.Info)
	r.HandleFunc("/enumerate", api.Enumerate)
	r.HandleFunc("/listen", api.Listen)
	r.HandleFunc("/connect", api.Connect)
	r.HandleFunc("/connect/auto", api.ConnectAuto)
	r.HandleFunc("/disconnect", api.Disconnect)
	r.HandleFunc("/state", api.State)
	r.HandleFunc("/telemetry", api.Telemetry)
	r.HandleFunc("/telemetry/reset", api.TelemetryReset)
	r.HandleFunc("/nvs/refresh", api.NvRefresh)
	r.HandleFunc("/modal", api.Modal)
	r.HandleFunc("/events/{seq}", api.Events)
	return nil
}

func (a *api) Info(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("version " + a.version)

	type info struct {
		Version string `json:"version"`
	}
	err := json.NewEncoder(w).Encode(info{
		Version: a.version,
	})
	a.checkJSONError(w, err)
}

func (a *api) Enumerate(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("start")
	e, err := a.core.Enumerate()
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.logger.Log("encoding and exiting")
	err = json.NewEncoder(w).Encode(e)
	a.checkJSONError(w, err)
}

func (a *api) Listen(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("starting")
	var entries core.EnumerateEntries

	err := json.NewDecoder(r.Body).Decode(&entries)
	defer func() {
		errClose := r.Body.Close()
		if errClose != nil {
			// just log
			a.logger.Log("Error on request close: " + errClose.Error())
		}
	}()

	if err != nil {
		a.respondError(w, err)
		return
	}

	res, err := a.core.Listen(r.Context(), entries)
	if err != nil {
		a.respondError(w, err)
		return
	}

	err = json.NewEncoder(w).Encode(res)
	a.checkJSONError(w, err)
}

func (a *api) Connect(w http.ResponseWriter, r *http.Request) {
	a.connect(w, r, true)
}

func (a *api) ConnectAuto(w http.ResponseWriter, r *http.Request) {
	a.connect(w, r, false)
}

func (a *api) connect(w http.ResponseWriter, r *http.Request, manual bool) {
	a.logger.Log("start")

	err := a.core.Connect(r.Context(), manual)
	if err != nil {
		a.respondError(w, err)
		return
	}

	err = json.NewEncoder(w).Encode(a.core.State())
	a.checkJSONError(w, err)
}

func (a *api) Disconnect(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("start")

	err := a.core.Disconnect()
	if err != nil {
		a.respondError(w, err)
		return
	}

	err = json.NewEncoder(w).Encode(a.core.State())
	a.checkJSONError(w, err)
}

func (a *api) State(w http.ResponseWriter, r *http.Request) {
	err := json.NewEncoder(w).Encode(a.core.State())
	a.checkJSONError(w, err)
}

func (a *api) Telemetry(w http.ResponseWriter, r *http.Request) {
	err := json.NewEncoder(w).Encode(a.core.Telemetry())
	a.checkJSONError(w, err)
}

func (a *api) TelemetryReset(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("start")
	a.core.ResetTelemetry()
	err := json.NewEncoder(w).Encode(a.core.Telemetry())
	a.checkJSONError(w, err)
}

func (a *api) NvRefresh(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("start")

	nv, err := a.core.RefreshNv(r.Context())
	if err != nil {
		a.respondError(w, err)
		return
	}

	err = json.NewEncoder(w).Encode(nv)
	a.checkJSONError(w, err)
}

func (a *api) Modal(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Open bool `json:"open"`
	}
	err := json.NewDecoder(r.Body).Decode(&body)
	if err != nil {
		a.respondError(w, err)
		return
	}
	a.core.SetModalOpen(body.Open)

	type result struct {
		Open bool `json:"open"`
	}
	err = json.NewEncoder(w).Encode(result{Open: body.Open})
	a.checkJSONError(w, err)
}

func (a *api) Events(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	after, err := strconv.ParseUint(vars["seq"], 10, 64)
	if err != nil {
		a.respondError(w, err)
		return
	}

	evs, err := a.core.Events(r.Context(), after)
	if err != nil {
		a.respondError(w, err)
		return
	}
	if evs == nil {
		evs = []core.Event{}
	}

	err = json.NewEncoder(w).Encode(evs)
	a.checkJSONError(w, err)
}

func (a *api) checkJSONError(w http.ResponseWriter, err error) {
	if err != nil {
		a.respondError(w, err)
	}
}

func (a *api) respondError(w http.ResponseWriter, err error) {
	type jsonError struct {
		Error string `json:"error"`
	}
	a.logger.Log("Returning error: " + err.Error())
	w.WriteHeader(http.StatusBadRequest)

	// if even the encoder of the error errors, just log the error
	err = json.NewEncoder(w).Encode(jsonError{
		Error: err.Error(),
	})
	if err != nil {
		a.logger.Log("Error while writing error: " + err.Error())
	}
}
