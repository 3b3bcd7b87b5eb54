// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// abortWithFault maps a pipeline error onto its HTTP status. Fault
// messages are written for end users and safe to surface; anything else
// gets a generic body so internals never leak.
func abortWithFault(c *gin.Context, err error) {
	msg := "internal error"
	var f *datatypes.Fault
	if errors.As(err, &f) && f.Msg != "" {
		msg = f.Msg
	}
	c.JSON(datatypes.HTTPStatus(err), gin.H{"error": msg})
}
