package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	stdlog "log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	sse "github.com/alexandrevicenzi/go-sse"
	"github.com/gorilla/mux"
	"github.com/mastercactapus/lasercnc/gcode"
	"github.com/mastercactapus/lasercnc/grbl"
	"github.com/mastercactapus/lasercnc/machine"
	log "github.com/sirupsen/logrus"
)

type api struct {
	http.Handler
	m       Machine
	lim     Limits
	dataDir string
	sse     *sse.Server
}

func newAPI(m Machine, lim Limits, con http.Handler, dir string) *api {
	r := mux.NewRouter()

	a := &api{
		Handler: r,
		m:       m,
		lim:     lim,
		dataDir: dir,
		sse: sse.NewServer(&sse.Options{
			Logger: stdlog.New(ioutil.Discard, "", 0),
		}),
	}

	r.HandleFunc("/health/", func(w http.ResponseWriter, req *http.Request) {
		io.WriteString(w, "ok")
	}).Methods("GET")

	sub := r.PathPrefix("/api").Subrouter()
	sub.HandleFunc("/state", a.state).Methods("GET")
	sub.HandleFunc("/limits", a.limits).Methods("GET")
	sub.HandleFunc("/home", a.home).Methods("POST")
	sub.HandleFunc("/calibrate", a.calibrate).Methods("POST")
	sub.HandleFunc("/run", a.run).Methods("POST")
	sub.HandleFunc("/cancel", a.cancel).Methods("POST")
	sub.HandleFunc("/reset", a.reset).Methods("POST")
	sub.HandleFunc("/settings", a.settings).Methods("PUT")
	sub.HandleFunc("/jog", a.jog).Methods("POST")
	sub.HandleFunc("/jog/home", a.goHome).Methods("POST")

	r.PathPrefix("/events/").Handler(a.sse)
	if con != nil {
		r.Handle("/ws/console", con)
	}

	fs := http.FileServer(http.Dir(dir))
	r.PathPrefix("/data/").Handler(http.StripPrefix("/data", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.Method {
		case "GET":
			fs.ServeHTTP(w, req)
		case "PUT":
			a.putFile(w, req)
		case "DELETE":
			a.deleteFile(w, req)
		default:
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		}
	})))

	return a
}

// publishState sends every state change to `/events/state` until ctx is
// done.
func (a *api) publishState(ctx context.Context) error {
	states, cancel := a.m.Store().Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case state := <-states:
			data, err := json.Marshal(state)
			if err != nil {
				log.Printf("ERROR: marshal json: %+v", err)
				continue
			}
			a.sse.SendMessage("/events/state", sse.SimpleMessage(string(data)))
		}
	}
}

// Close disconnects all event clients.
func (a *api) Close() { a.sse.Shutdown() }

// errStatus maps operation errors to an HTTP status code.
func errStatus(err error) int {
	var gErr *grbl.GrblError
	switch {
	case errors.Is(err, machine.ErrBusy),
		errors.Is(err, machine.ErrFaulted),
		errors.Is(err, machine.ErrNotRunning),
		errors.Is(err, machine.ErrSettingsMismatch):
		return http.StatusConflict
	case errors.Is(err, machine.ErrInvalidProgram),
		errors.Is(err, machine.ErrUncoupledMotion),
		errors.Is(err, machine.ErrUnsupportedMotion),
		errors.Is(err, machine.ErrInvalidSetting),
		errors.Is(err, machine.ErrUnknownAxis),
		errors.Is(err, machine.ErrZeroJog):
		return http.StatusBadRequest
	case errors.As(err, &gErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, grbl.ErrCommandTimeout),
		errors.Is(err, grbl.ErrDegraded),
		errors.Is(err, grbl.ErrProtocolViolation),
		errors.Is(err, grbl.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (a *api) fail(w http.ResponseWriter, op string, err error) {
	a.failCode(w, op, errStatus(err), err)
}

func (a *api) failCode(w http.ResponseWriter, op string, code int, err error) {
	if code >= 500 {
		log.Printf("ERROR: %s: %+v", op, err)
	} else {
		log.Debugf("%s: %v", op, err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	err := json.NewEncoder(w).Encode(v)
	if err != nil {
		log.Println("ERROR: encode:", err)
	}
}

func (a *api) state(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, a.m.Store().Snapshot())
}

func (a *api) limits(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, a.lim.Snapshot())
}

func (a *api) started(w http.ResponseWriter, op string, job *machine.Job, err error) {
	if err != nil {
		a.fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (a *api) home(w http.ResponseWriter, req *http.Request) {
	job, err := a.m.Home()
	a.started(w, "home", job, err)
}

func (a *api) calibrate(w http.ResponseWriter, req *http.Request) {
	var opt machine.CalibrateOptions
	if req.ContentLength != 0 {
		err := json.NewDecoder(req.Body).Decode(&opt)
		if err != nil && err != io.EOF {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	job, err := a.m.Calibrate(opt)
	a.started(w, "calibrate", job, err)
}

func safePath(base, name string) (bool, string) {
	if filepath.Separator != '/' && strings.ContainsRune(name, filepath.Separator) {
		log.Println("invalid path '" + name + "'")
		return false, ""
	}
	dir := string(base)
	if dir == "" {
		dir = "."
	}
	fullName := filepath.Join(dir, filepath.FromSlash(path.Clean("/"+name)))
	return true, fullName
}

// program reads G-code from the `file` parameter, relative to the data
// directory, or the request body.
func (a *api) program(req *http.Request) ([]gcode.Block, int, error) {
	r := io.Reader(req.Body)
	if file := req.URL.Query().Get("file"); file != "" {
		ok, name := safePath(a.dataDir, file)
		if !ok {
			return nil, http.StatusBadRequest, errors.New("invalid file name")
		}
		f, err := os.Open(name)
		if os.IsNotExist(err) {
			return nil, http.StatusNotFound, err
		}
		if err != nil {
			return nil, http.StatusInternalServerError, err
		}
		defer f.Close()
		r = f
	}

	blocks, err := gcode.ParseReader(r)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	return blocks, 0, nil
}

// runOptions reads the `originX`, `originY` and `power` parameters.
func runOptions(q url.Values) (opt machine.RunOptions, err error) {
	num := func(name string, dst *float64) {
		s := q.Get(name)
		if s == "" || err != nil {
			return
		}
		*dst, err = strconv.ParseFloat(s, 64)
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
		}
	}
	num("originX", &opt.OriginX)
	num("originY", &opt.OriginY)
	if q.Get("power") != "" {
		opt.Power = new(float64)
		num("power", opt.Power)
	}
	return opt, err
}

func (a *api) run(w http.ResponseWriter, req *http.Request) {
	opt, err := runOptions(req.URL.Query())
	if err != nil {
		a.failCode(w, "run", http.StatusBadRequest, err)
		return
	}
	blocks, code, err := a.program(req)
	if err != nil {
		a.failCode(w, "run", code, err)
		return
	}

	job, err := a.m.RunFile(blocks, opt)
	a.started(w, "run", job, err)
}

func (a *api) cancel(w http.ResponseWriter, req *http.Request) {
	err := a.m.Cancel(req.Context())
	if err != nil {
		a.fail(w, "cancel", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) reset(w http.ResponseWriter, req *http.Request) {
	err := a.m.Reset(req.Context())
	if err != nil {
		a.fail(w, "reset", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) settings(w http.ResponseWriter, req *http.Request) {
	var u machine.SettingsUpdate
	err := json.NewDecoder(req.Body).Decode(&u)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = a.m.SetSettings(req.Context(), u)
	if err != nil {
		a.fail(w, "settings", err)
		return
	}
	writeJSON(w, http.StatusOK, a.m.Store().Snapshot().Settings)
}

func (a *api) jog(w http.ResponseWriter, req *http.Request) {
	var opt machine.JogOptions
	err := json.NewDecoder(req.Body).Decode(&opt)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = a.m.Jog(req.Context(), opt)
	if err != nil {
		a.fail(w, "jog", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) goHome(w http.ResponseWriter, req *http.Request) {
	var feed float64
	if s := req.URL.Query().Get("feed"); s != "" {
		var err error
		feed, err = strconv.ParseFloat(s, 64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	err := a.m.GoHome(req.Context(), feed)
	if err != nil {
		a.fail(w, "go home", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) putFile(w http.ResponseWriter, req *http.Request) {
	ok, name := safePath(a.dataDir, req.URL.Path)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	os.MkdirAll(filepath.Dir(name), 0755)
	f, err := os.Create(name)
	if err != nil {
		log.Printf("ERROR: create '%s': %+v", name, err)
		http.Error(w, err.Error(), 500)
		return
	}
	defer f.Close()
	_, err = io.Copy(f, req.Body)
	if err != nil {
		log.Printf("ERROR: write '%s': %+v", name, err)
		http.Error(w, err.Error(), 500)
		return
	}
}

func (a *api) deleteFile(w http.ResponseWriter, req *http.Request) {
	ok, name := safePath(a.dataDir, req.URL.Path)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	err := os.Remove(name)
	if os.IsNotExist(err) {
		http.NotFound(w, req)
		return
	}
	if err != nil {
		log.Printf("ERROR: delete '%s': %+v", name, err)
		http.Error(w, err.Error(), 500)
		return
	}
}
