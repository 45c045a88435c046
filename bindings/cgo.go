// Package main builds the C shared library used by language bindings:
//
//	go build -buildmode=c-shared -o libdotdata.so ./bindings
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"unsafe"

	"github.com/nickyhof/dotdata"
	"github.com/nickyhof/dotdata/config"
	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/db"
	"github.com/nickyhof/dotdata/ps"
)

var bindingIdentity = core.Identity{Name: "DotData Bindings", Email: "bindings@dotdata.local"}

// handle is one open instance with a session that keeps variables,
// directives and the change ledger between dotdata_run calls.
type handle struct {
	instance *dotdata.Instance
	session  *db.Session
}

var (
	handlesMu  sync.Mutex
	handles    = make(map[int]*handle)
	nextHandle = 1
)

// Response mirrors the server protocol.
type Response struct {
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

func register(instance *dotdata.Instance, identity core.Identity) C.int {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	id := nextHandle
	nextHandle++
	handles[id] = &handle{instance: instance, session: instance.Engine(identity).NewSession()}
	return C.int(id)
}

func lookup(id C.int) *handle {
	handlesMu.Lock()
	defer handlesMu.Unlock()
	return handles[int(id)]
}

func quietOptions() db.Options {
	return db.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

//export dotdata_open_memory
func dotdata_open_memory() C.int {
	persistence, err := ps.NewMemoryPersistence()
	if err != nil {
		return -1
	}
	return register(dotdata.Open(persistence).WithOptions(quietOptions()), bindingIdentity)
}

//export dotdata_open_file
func dotdata_open_file(path *C.char) C.int {
	persistence, err := ps.NewFilePersistence(C.GoString(path), nil)
	if err != nil {
		return -1
	}
	return register(dotdata.Open(persistence).WithOptions(quietOptions()), bindingIdentity)
}

// dotdata_open_config opens the backend described by a YAML config file,
// MongoDB included. Logs go to stderr at the configured level.
//
//export dotdata_open_config
func dotdata_open_config(path *C.char) C.int {
	cfg := config.Default()
	if err := config.ReadFile(C.GoString(path), &cfg); err != nil {
		return -1
	}
	if err := cfg.Validate(); err != nil {
		return -1
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return -1
	}
	instance, err := dotdata.Connect(context.Background(), cfg, logger)
	if err != nil {
		return -1
	}
	return register(instance, cfg.CommitIdentity())
}

//export dotdata_close
func dotdata_close(id C.int) {
	handlesMu.Lock()
	h, ok := handles[int(id)]
	delete(handles, int(id))
	handlesMu.Unlock()
	if !ok {
		return
	}
	h.session.Close(context.Background())
	h.instance.Close()
}

// dotdata_run executes script in the handle's session and returns a JSON
// Response. The caller releases the string with dotdata_free.
//
//export dotdata_run
func dotdata_run(id C.int, script *C.char) *C.char {
	h := lookup(id)
	if h == nil {
		return encode(Response{Error: "invalid handle"})
	}

	result, runErr := h.session.Execute(context.Background(), C.GoString(script))
	response := Response{Success: runErr == nil}
	if runErr != nil {
		response.Error = runErr.Error()
		response.ErrorKind = db.ErrorKind(runErr)
	}
	if result != nil {
		data, err := json.Marshal(result.Report())
		if err != nil {
			return encode(Response{Error: err.Error()})
		}
		response.Result = data
	}
	return encode(response)
}

//export dotdata_free
func dotdata_free(ptr *C.char) {
	C.free(unsafe.Pointer(ptr))
}

func encode(response Response) *C.char {
	data, err := json.Marshal(response)
	if err != nil {
		data = []byte(`{"success":false,"error":"encode response"}`)
	}
	return C.CString(string(data))
}

func main() {}
