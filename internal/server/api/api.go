package api

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"time"

	coreapi "github.com/cinderblock/smooth-control/api"
	"github.com/cinderblock/smooth-control/internal/logs"
	"github.com/cinderblock/smooth-control/protocol"

	"github.com/gorilla/mux"
)

// This package serves the bridge API over localhost. The motor logic
// lives in the api package; here we only convert between HTTP and
// that surface.

type api struct {
	core    *coreapi.API
	version string
	logger  *logs.Logger
}

func ServeAPI(r *mux.Router, a *coreapi.API, v string, l *logs.Logger) {
	api := &api{
		core:    a,
		version: v,
		logger:  l,
	}
	r.HandleFunc("/", api.Info)
	r.HandleFunc("/configure", api.Info)
	r.HandleFunc("/enumerate", api.Enumerate)
	r.HandleFunc("/acquire/{serial}", api.Acquire)
	r.HandleFunc("/release/{serial}", api.Release)
	r.HandleFunc("/command/{serial}", api.Command)
	r.HandleFunc("/read/{serial}", api.Read)
	r.HandleFunc("/telemetry/{serial}", api.Telemetry)
	r.HandleFunc("/telemetry/{serial}/history", api.History)
	corsv := corsValidator()
	r.Use(CORS(corsv))
}

type versionInfo struct {
	Version string `json:"version"`
}

func (a *api) Info(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("version " + a.version)

	err := json.NewEncoder(w).Encode(versionInfo{
		Version: a.version,
	})
	a.checkJSONError(w, err)
}

func (a *api) Enumerate(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("start")
	err := json.NewEncoder(w).Encode(a.core.Enumerate())
	a.checkJSONError(w, err)
}

func (a *api) Acquire(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	serial := vars["serial"]

	polling := 0
	if p := r.URL.Query().Get("polling"); p != "" {
		var err error
		polling, err = strconv.Atoi(p)
		if err != nil {
			a.respondError(w, err)
			return
		}
	}

	if err := a.core.Acquire(serial, polling); err != nil {
		a.respondError(w, err)
		return
	}

	err := json.NewEncoder(w).Encode(vars)
	a.checkJSONError(w, err)
}

func (a *api) Release(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("start")

	vars := mux.Vars(r)
	serial := vars["serial"]

	if err := a.core.Release(serial); err != nil {
		a.respondError(w, err)
		return
	}

	a.logger.Log("done, encoding")
	err := json.NewEncoder(w).Encode(vars)
	a.checkJSONError(w, err)
}

func (a *api) Command(w http.ResponseWriter, r *http.Request) {
	a.logger.Log("start")

	vars := mux.Vars(r)
	serial := vars["serial"]

	var req coreapi.CommandRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	defer func() {
		if errClose := r.Body.Close(); errClose != nil {
			// just log
			a.logger.Log("Error on request close: " + errClose.Error())
		}
	}()
	if err != nil {
		a.respondError(w, err)
		return
	}

	if err := a.core.Command(serial, &req); err != nil {
		a.respondError(w, err)
		return
	}

	err = json.NewEncoder(w).Encode(vars)
	a.checkJSONError(w, err)
}

func (a *api) Read(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]

	data, err := a.core.ReadNow(serial)
	if err != nil {
		a.respondError(w, err)
		return
	}
	err = json.NewEncoder(w).Encode(data)
	a.checkJSONError(w, err)
}

type telemetryResponse struct {
	Serial string             `json:"serial"`
	At     *time.Time         `json:"at,omitempty"`
	Data   *protocol.ReadData `json:"data,omitempty"`
}

func (a *api) Telemetry(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]

	data, at, ok, err := a.core.Latest(serial)
	if err != nil {
		a.respondError(w, err)
		return
	}

	resp := telemetryResponse{Serial: serial}
	if ok {
		resp.At = &at
		resp.Data = data
	}
	err = json.NewEncoder(w).Encode(resp)
	a.checkJSONError(w, err)
}

func (a *api) History(w http.ResponseWriter, r *http.Request) {
	serial := mux.Vars(r)["serial"]

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		var err error
		limit, err = strconv.Atoi(l)
		if err != nil {
			a.respondError(w, err)
			return
		}
	}

	samples, err := a.core.History(r.Context(), serial, limit)
	if err != nil {
		a.respondError(w, err)
		return
	}
	err = json.NewEncoder(w).Encode(samples)
	a.checkJSONError(w, err)
}

func corsValidator() OriginValidator {
	// `localhost:8xxx` and `5xxx` are allowed for local development.
	lregex := regexp.MustCompile(`^https?://localhost:[58][[:digit:]]{3}$`)
	v := func(origin string) bool {
		if origin == "" {
			return true
		}
		return lregex.MatchString(origin)
	}

	return v
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
