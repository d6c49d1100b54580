package httpapi

import (
	"net/http"
	"time"

	"campaign-dialer/internal/reporting"

	"github.com/gin-gonic/gin"
)

// Outcomes summarizes ended calls over ?from=&to= (RFC 3339). The range
// defaults to the last 24 hours.
func (h Handlers) Outcomes(c *gin.Context) {
	to := h.now()
	from := to.Add(-24 * time.Hour)
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
		to = t
	}
	sum, err := h.Reporting.OutcomeSummary(c.Request.Context(), reporting.SummaryRequest{
		AccountID:  accountID(c),
		Range:      reporting.TimeRange{From: from, To: to},
		CampaignID: c.Query("campaign_id"),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}
