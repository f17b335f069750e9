// Copyright (C) 2025 Bering Quant (oss@beringquant.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

// Algorithm version strings stamped into computed results. Bump whenever
// the corresponding computation changes, so snapshots hashed under the
// old algorithm stay distinguishable from new ones.
const (
	MetricsAlgoVersion = "metrics_v1.0.0"
	RiskAlgoVersion    = "risk_v1.0.0"
	RiskRulesVersion   = "risk_rules_v1"
)
