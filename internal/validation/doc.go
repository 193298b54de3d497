// Shelfwatch - Library Audit and Security Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/shelfwatch

// Package validation wraps go-playground/validator v10 in a thread-safe
// singleton used for configuration structs and query options.
//
// Besides the built-in rules, the validator knows the pipeline's enums and
// address formats:
//
//	type SearchOptions struct {
//	    RiskLevels []models.RiskLevel `validate:"dive,risklevel"`
//	    IPAddress  string             `validate:"omitempty,ip_or_cidr"`
//	    Limit      int                `validate:"gte=0,lte=1000"`
//	}
//
//	if err := validation.ValidateStruct(&opts); err != nil {
//	    var verr *validation.Error
//	    if errors.As(err, &verr) {
//	        for field, msg := range verr.Fields() { ... }
//	    }
//	}
//
// Field names in errors come from the koanf tag when one is present, so a
// bad configuration value is reported under the key the operator set
// (e.g. "batch_size" rather than "BatchSize").
package validation
