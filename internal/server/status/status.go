package status

import (
	"fmt"
	"net/http"

	coreapi "github.com/cinderblock/smooth-control/api"
	"github.com/cinderblock/smooth-control/internal/logs"

	"github.com/gorilla/csrf"
	"github.com/gorilla/mux"
)

// This package serves the status page on /status/ and the
// log file at /status/log.gz with the detailed log

type status struct {
	api                                 *coreapi.API
	version                             string
	baseURL                             string
	shortMemoryWriter, longMemoryWriter *logs.MemoryWriter
	logger                              *logs.Logger
}

const csrfkey = "x91kd62mq04lfjz8wurpn35vt7gcbahe"

func ServeStatusRedirect(r *mux.Router, baseURL string) {
	r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, baseURL+"/status/", http.StatusMovedPermanently)
	})
	r.Use(OriginCheck(map[string]string{
		"": "",
	}))
}

func ServeStatus(r *mux.Router, a *coreapi.API, v, baseURL string, mw, dmw *logs.MemoryWriter) {
	status := &status{
		api:               a,
		version:           v,
		baseURL:           baseURL,
		shortMemoryWriter: mw,
		longMemoryWriter:  dmw,
		logger:            &logs.Logger{Writer: dmw},
	}
	r.Methods("GET").Path("/").HandlerFunc(status.statusPage)
	r.Methods("POST").Path("/log.gz").HandlerFunc(status.statusGzip)

	r.Use(csrf.Protect([]byte(csrfkey), csrf.Secure(false)))
	r.Use(OriginCheck(map[string]string{
		"/status/":       "",
		"/status/log.gz": baseURL,
	}))
}

func (s *status) statusGzip(w http.ResponseWriter, r *http.Request) {
	s.logger.Log("building gzip")

	start := s.version + "\nCurrent log:\n"

	gzip, err := s.longMemoryWriter.Gzip(start)
	if err != nil {
		respondError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/gzip")

	_, err = w.Write(gzip)
	if err != nil {
		respondError(w, err)
		return
	}
}

func (s *status) statusPage(w http.ResponseWriter, r *http.Request) {
	s.logger.Log("building status page")

	tdevs := s.statusMotors()

	log, err := s.shortMemoryWriter.String(s.version + "\n")
	if err != nil {
		respondError(w, err)
		return
	}

	s.logger.Log("actually building status data")

	data := &statusTemplateData{
		Version:    s.version,
		Motors:     tdevs,
		MotorCount: len(tdevs),
		Log:        log,
		CSRFField:  csrf.TemplateField(r),
	}

	err = statusTemplate.Execute(w, data)
	if err != nil {
		respondError(w, err)
		return
	}
}

func respondError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *status) statusMotors() []statusTemplateMotor {
	tdevs := make([]statusTemplateMotor, 0)
	for _, e := range s.api.Enumerate() {
		state := "detached"
		if e.Attached {
			state = "attached"
		}
		if e.Owned {
			state = fmt.Sprintf("%s, acquired", state)
		}
		tdevs = append(tdevs, statusTemplateMotor{
			Serial: e.Serial,
			Path:   e.Path,
			State:  state,
		})
	}
	return tdevs
}
