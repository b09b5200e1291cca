package runner

import (
	"encoding/json"
	"net/http"
	"os/exec"
	"strings"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return types.NewError(types.ErrBadRequest, "bad request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch types.KindOf(err) {
	case types.ErrBadRequest:
		status = http.StatusBadRequest
	case types.ErrNotFound:
		status = http.StatusNotFound
	case types.ErrConflict, types.ErrResourceExhausted:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// hostNvidiaDriverVersion reads the installed driver's major version, used to
// pick a matching guest driver package. Empty when nvidia-smi is absent.
func hostNvidiaDriverVersion() string {
	out, err := exec.Command("nvidia-smi", "--query-gpu=driver_version",
		"--format=csv,noheader").Output()
	if err != nil {
		return ""
	}
	version := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if i := strings.IndexByte(version, '.'); i > 0 {
		return version[:i]
	}
	return version
}
