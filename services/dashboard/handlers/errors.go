// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/BeringQuant/BeringFOSS/services/dashboard/datatypes"
	"github.com/BeringQuant/BeringFOSS/services/research/snapshot"
	"github.com/BeringQuant/BeringFOSS/services/research/state"
)

// respondError writes the uniform error envelope.
func respondError(c *gin.Context, status int, msg string, err error) {
	resp := datatypes.ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	c.JSON(status, resp)
}

// statusFor maps domain sentinel errors to HTTP status codes. Unmapped
// errors are internal.
func statusFor(err error) int {
	switch {
	case errors.Is(err, state.ErrNotInitialized),
		errors.Is(err, state.ErrCheckpointNotFound),
		errors.Is(err, snapshot.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, state.ErrCheckpointCorrupt):
		return http.StatusConflict
	case errors.Is(err, state.ErrInvalidField):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
