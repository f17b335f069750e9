// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BeringQuant/BeringFOSS/pkg/validation"
	"github.com/BeringQuant/BeringFOSS/services/dashboard/datatypes"
	"github.com/BeringQuant/BeringFOSS/services/dashboard/observability"
	rdt "github.com/BeringQuant/BeringFOSS/services/research/datatypes"
)

// defaultChartDays is one trading year of chart data.
const defaultChartDays = 252

// BarReader serves historical bars for charting. The time series
// mirror implements it; a NopSink yields empty sets when the mirror is
// disabled.
type BarReader interface {
	QueryBars(ctx context.Context, ticker string, days int, endDate time.Time) ([]rdt.MarketBar, error)
}

// HandleGetBars serves chart data for one ticker.
func HandleGetBars(reader BarReader) gin.HandlerFunc {
	metrics := observability.InitMetrics()

	return func(c *gin.Context) {
		start := time.Now()

		ticker := c.Query("ticker")
		if err := validation.ValidateTicker(ticker); err != nil {
			respondError(c, http.StatusBadRequest, "invalid ticker", err)
			metrics.RecordRequest("bars", false, time.Since(start).Seconds())
			return
		}

		days := defaultChartDays
		if raw := c.Query("days"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 || n > 3650 {
				respondError(c, http.StatusBadRequest, "days must be an integer between 1 and 3650", err)
				metrics.RecordRequest("bars", false, time.Since(start).Seconds())
				return
			}
			days = n
		}

		bars, err := reader.QueryBars(c.Request.Context(), ticker, days, time.Now().UTC())
		if err != nil {
			respondError(c, http.StatusInternalServerError, "bar query failed", err)
			metrics.RecordRequest("bars", false, time.Since(start).Seconds())
			return
		}
		if bars == nil {
			bars = []rdt.MarketBar{}
		}

		metrics.RecordRequest("bars", true, time.Since(start).Seconds())
		c.JSON(http.StatusOK, datatypes.BarsResponse{
			Ticker: ticker,
			Days:   days,
			Bars:   bars,
		})
	}
}
