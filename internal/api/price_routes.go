package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/kjannette/bitcoin-trend/internal/models"
)

func parseTimestamp(name, raw string) (uint64, error) {
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer timestamp, got %q", name, raw)
	}
	return v, nil
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	begin, err := parseTimestamp("begin", r.PathValue("begin"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseTimestamp("end", r.PathValue("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	buckets, err := s.prices.Resample(r.Context(), begin, end)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrInvalidRange):
		writeError(w, http.StatusBadRequest, models.ErrInvalidRange.Error())
		return
	default:
		s.log.Error("range query failed",
			zap.String("request_id", RequestIDFrom(r.Context())),
			zap.Uint64("begin", begin),
			zap.Uint64("end", end),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "Database error: "+storeErrorKind(err))
		return
	}

	writeJSON(w, http.StatusOK, buckets)
}

// storeErrorKind names the store failure without leaking driver detail to clients.
func storeErrorKind(err error) string {
	if errors.Is(err, models.ErrStoreUnavailable) {
		return models.ErrStoreUnavailable.Error()
	}
	return models.ErrStoreQueryFailed.Error()
}
