package authorize

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// HeaderToken carries the session token on proxied requests and the
// authorization code on identity exchanges.
const HeaderToken = "user-token"

type errorWithCode struct {
	error
	code int
}

type ErrorWithCode interface {
	error
	HTTPStatusCode() int
}

func NewErrorWithCode(err error, code int) ErrorWithCode {
	return errorWithCode{error: err, code: code}
}

func (e errorWithCode) HTTPStatusCode() int {
	return e.code
}

// userResponse is the body of every identity exchange response. The
// outcome is carried in Status; the HTTP status is 200 unless the request
// itself was malformed.
type userResponse struct {
	Status   int    `json:"status"`
	Identity string `json:"identity,omitempty"`
	// StudentID repeats Identity for clients of the first API version.
	StudentID string `json:"student_id,omitempty"`
}

// NewUserHandler returns the identity exchange handler.
//
// GET reports whether the code in the user-token header is already bound
// to an identity. POST resolves the code against the identity provider.
func NewUserHandler(logger log.Logger, resolver *Resolver) http.HandlerFunc {
	logger = log.With(logger, "component", "authorize")

	return func(w http.ResponseWriter, r *http.Request) {
		logger := log.With(logger, "request", middleware.GetReqID(r.Context()))
		code := r.Header.Get(HeaderToken)

		switch r.Method {
		case http.MethodGet:
			known, err := resolver.Known(code)
			if err != nil {
				level.Error(logger).Log("msg", "failed to look up identity", "err", err)
				writeUserResponse(logger, w, http.StatusOK, userResponse{Status: http.StatusInternalServerError})
				return
			}
			if !known {
				writeUserResponse(logger, w, http.StatusOK, userResponse{Status: http.StatusForbidden})
				return
			}
			writeUserResponse(logger, w, http.StatusOK, userResponse{Status: http.StatusOK})

		case http.MethodPost:
			if code == "" {
				level.Debug(logger).Log("msg", "missing authorization code")
				writeUserResponse(logger, w, http.StatusBadRequest, userResponse{Status: http.StatusBadRequest})
				return
			}

			identity, cached, err := resolver.Resolve(r.Context(), code)
			if err != nil {
				status := http.StatusInternalServerError
				if ec, ok := err.(ErrorWithCode); ok {
					status = ec.HTTPStatusCode()
				}
				writeUserResponse(logger, w, http.StatusOK, userResponse{Status: status})
				return
			}
			if cached {
				writeUserResponse(logger, w, http.StatusOK, userResponse{Status: http.StatusOK})
				return
			}
			writeUserResponse(logger, w, http.StatusOK, userResponse{Status: http.StatusOK, Identity: identity, StudentID: identity})

		default:
			writeUserResponse(logger, w, http.StatusMethodNotAllowed, userResponse{Status: http.StatusMethodNotAllowed})
		}
	}
}

func writeUserResponse(logger log.Logger, w http.ResponseWriter, code int, resp userResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		level.Warn(logger).Log("msg", "failed to write response", "err", err)
	}
}
