package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"vycore/internal/failure"
	"vycore/pkg/vycore-api/types"
)

func WriteJson(w http.ResponseWriter, httpCode int, data interface{}) {
	buf, err := json.Marshal(data)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(httpCode)
	w.Write(buf)
}

func WriteError(w http.ResponseWriter, httpCode int, e string) {
	WriteJson(w, httpCode, types.ErrorRes{Error: e})
}

// WriteFailure maps an error kind onto a status code.
func WriteFailure(w http.ResponseWriter, err error) {
	var fe *failure.Error
	if !errors.As(err, &fe) {
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteJson(w, statusOf(fe.Kind), types.ErrorRes{Error: err.Error(), Kind: fe.Kind.String()})
}

func statusOf(kind failure.Kind) int {
	switch kind {
	case failure.KindConfig, failure.KindIncorrectValue:
		return http.StatusBadRequest
	case failure.KindUnconfiguredSubsystem, failure.KindUnconfiguredObject:
		return http.StatusNotFound
	case failure.KindPermissionDenied:
		return http.StatusForbidden
	case failure.KindCommitInProgress:
		return http.StatusConflict
	case failure.KindDataUnavailable:
		return http.StatusServiceUnavailable
	case failure.KindUnsupportedOperation:
		return http.StatusNotImplemented
	case failure.KindInsufficientResources:
		return http.StatusInsufficientStorage
	default:
		return http.StatusInternalServerError
	}
}

func ReadJson[T any](r *http.Request) (T, error) {
	var req T
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		err = fmt.Errorf("failed to parse request: %w", err)
	}
	return req, err
}
