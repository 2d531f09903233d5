package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"

	"github.com/plexbridge/tuner/internal/apperr"
)

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

func jsonEncode(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

// decodeJSON decodes r's body into dst, writing the standard error envelope
// and returning false on failure so callers can early-return.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		apperr.WriteJSON(w, apperr.Wrap(apperr.ErrParse, err), nil)
		return false
	}
	return true
}

type missingParamError string

func (e missingParamError) Error() string { return "missing required query parameter: " + string(e) }

func errMissingParam(name string) error { return missingParamError(name) }

type noRouteError string

func (e noRouteError) Error() string { return "no such route: " + string(e) }

func errNoRoute(what string) error { return noRouteError(what) }
