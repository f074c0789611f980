package main

import (
	"net/http"

	"bitbucket.org/mmdatafocus/recon_backend/models"
	"bitbucket.org/mmdatafocus/recon_backend/suggest"
	"github.com/gin-gonic/gin"
)

func createReconciliationConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusinessId(c); !ok {
			return
		}
		var input models.NewReconciliationConfig
		if !bindJSON(c, &input) {
			return
		}
		cfg, err := models.CreateReconciliationConfig(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, cfg)
	}
}

func listReconciliationConfigsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusinessId(c); !ok {
			return
		}
		var name *string
		if v := c.Query("name"); v != "" {
			name = &v
		}
		configs, err := models.GetReconciliationConfigs(c.Request.Context(), name)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, configs)
	}
}

func getReconciliationConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusinessId(c); !ok {
			return
		}
		id, ok := parseIdParam(c, "id")
		if !ok {
			return
		}
		cfg, err := models.GetReconciliationConfig(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

func updateReconciliationConfigHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusinessId(c); !ok {
			return
		}
		id, ok := parseIdParam(c, "id")
		if !ok {
			return
		}
		var input models.NewReconciliationConfig
		if !bindJSON(c, &input) {
			return
		}
		cfg, err := models.UpdateReconciliationConfig(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, cfg)
	}
}

// getDataTableHandler returns one internal data table so clients can show
// its columns while building a database-backed config.
func getDataTableHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusinessId(c); !ok {
			return
		}
		id, ok := parseIdParam(c, "id")
		if !ok {
			return
		}
		table, err := models.GetDataTable(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, table)
	}
}

// suggestMappingsHandler asks the AI collaborator for column pairings.
// Suggestions are untrusted: every entry passes through ResolveMappings and
// the response separates what survived from what was rejected and why.
func suggestMappingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := requireBusinessId(c); !ok {
			return
		}
		id, ok := parseIdParam(c, "id")
		if !ok {
			return
		}
		if !suggest.Configured() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "mapping suggestions are not configured"})
			return
		}

		cfg, err := models.GetReconciliationConfig(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}

		suggestions, err := suggest.NewGeminiSuggester().
			SuggestMappings(c.Request.Context(), cfg.SourceAColumns, cfg.SourceBColumns)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}

		proposed := suggest.ToMappingEntries(suggestions, cfg.SourceAColumns)
		valid, rejected := models.ResolveMappings(cfg.SourceAColumns, cfg.SourceBColumns, proposed)

		c.JSON(http.StatusOK, gin.H{
			"suggestions": valid,
			"rejected":    rejected,
		})
	}
}
