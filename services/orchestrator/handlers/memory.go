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
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/facts"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/memory"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/middleware"
)

// GetMemory returns the caller's remembered facts. A user with no
// record yet gets an empty list, not an error.
func GetMemory(users memory.UserStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "GetMemory")
		defer span.End()

		userID := middleware.UserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		factList, err := facts.NewStore(users, userID, nil).Load(ctx)
		if err != nil {
			abortWithFault(c, err)
			return
		}
		if factList == nil {
			factList = []string{}
		}
		span.SetAttributes(attribute.Int("facts.count", len(factList)))
		c.JSON(http.StatusOK, datatypes.MemoryResponse{UserProfileFacts: factList})
	}
}
