package server

import (
	"io"
	"net/http"
	"regexp"

	"github.com/dualshock-tools/calibd-go/core"
	"github.com/dualshock-tools/calibd-go/memorywriter"
	"github.com/dualshock-tools/calibd-go/server/api"
	"github.com/dualshock-tools/calibd-go/server/status"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// statusOrigin is the only origin allowed to download the detailed
// log; it matches the default listen address.
const statusOrigin = "http://127.0.0.1:21327"

type Server struct {
	https *http.Server
	core  *core.Core
}

func New(
	c *core.Core,
	logWriter io.Writer,
	shortMemoryWriter, longMemoryWriter *memorywriter.MemoryWriter,
	version string,
	addr string,
	extraOrigins []string,
) (*Server, error) {
	https := &http.Server{
		Addr: addr,
	}
	s := &Server{
		https: https,
		core:  c,
	}

	r := mux.NewRouter()

	apiRouter := r.Methods("POST").Subrouter()
	err := api.ServeAPI(apiRouter, c, version, longMemoryWriter)
	if err != nil {
		return nil, err
	}

	statusRouter := r.PathPrefix("/status").Subrouter()
	status.ServeStatus(statusRouter, c, version, shortMemoryWriter, longMemoryWriter)

	redirectRouter := r.Methods("GET").Subrouter()
	status.ServeStatusRedirect(redirectRouter)

	v, err := corsValidator(extraOrigins)
	if err != nil {
		return nil, err
	}

	var h http.Handler = r
	// Restrict cross-origin access to the calibration pages.
	h = CORS(v)(h)
	// Log after the request is done, in the Apache format.
	h = handlers.LoggingHandler(logWriter, h)

	https.Handler = h

	return s, nil
}

// corsValidator admits the public calibration pages, localhost dev
// servers, and any extra origins listed in the config file verbatim.
func corsValidator(extraOrigins []string) (OriginValidator, error) {
	dsregex, err := regexp.Compile(`^https://([[:alnum:]\-_]+\.)*dualshock\.tools$`)
	if err != nil {
		return nil, err
	}

	ghregex, err := regexp.Compile(`^https://dualshock-tools\.github\.io$`)
	if err != nil {
		return nil, err
	}

	// `localhost:8xxx` and `5xxx` are added for easing local development.
	lregex, err := regexp.Compile(`^https?://localhost:[58][[:digit:]]{3}$`)
	if err != nil {
		return nil, err
	}

	v := func(origin string) bool {
		if origin != "" {
			for _, extra := range extraOrigins {
				if origin == extra {
					return true
				}
			}
		}

		if lregex.MatchString(origin) {
			return true
		}

		if ghregex.MatchString(origin) {
			return true
		}

		return dsregex.MatchString(origin)
	}

	return v, nil
}

func (s *Server) Run() error {
	return s.https.ListenAndServe()
}

func (s *Server) Close() error {
	return s.https.Close()
}
