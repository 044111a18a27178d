package server

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	"github.com/utat-ss/test-software/internal/exchange"
	"github.com/utat-ss/test-software/internal/store"
)

var exchangeColumns = []string{
	"ID", "Command ID", "Opcode", "Name", "Arg1", "Arg2", "Outcome",
	"Status", "Response", "Data", "Attempts", "Error", "Duration (ms)", "Time",
}

// buildWorkbook renders exchange history and link statistics as xlsx
func buildWorkbook(records []store.ExchangeRecord, stats exchange.EngineStats) (*excelize.File, error) {
	f := excelize.NewFile()

	const sheet = "Exchanges"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	header := make([]interface{}, len(exchangeColumns))
	for i, col := range exchangeColumns {
		header[i] = col
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, err
	}

	for i, r := range records {
		row := []interface{}{
			r.ID, r.CommandID, fmt.Sprintf("0x%02X", r.Opcode), r.OpcodeName, r.Arg1, r.Arg2, r.Outcome,
			r.Status, r.Response, r.Data, r.Attempts, r.ErrorMsg, r.DurationMS,
			r.CreatedAt.Format(time.RFC3339),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, err
		}
	}

	const statsSheet = "Link Stats"
	if _, err := f.NewSheet(statsSheet); err != nil {
		return nil, err
	}
	rows := [][]interface{}{
		{"Metric", "Value"},
		{"Command ID", int(stats.CommandID)},
		{"In flight", stats.InFlight},
		{"Exchanges", stats.Exchanges},
		{"Exhausted", stats.Exhausted},
		{"Rejected", stats.Rejected},
		{"Corruption", stats.Corruption},
		{"Anomalies", stats.Anomalies},
		{"Resyncs", stats.Resyncs},
		{"Uplink total", stats.Loss.TotalUplink},
		{"Uplink dropped", stats.Loss.DroppedUplink},
		{"Downlink total", stats.Loss.TotalDownlink},
		{"Downlink dropped", stats.Loss.DroppedDownlink},
		{"Loss", stats.Loss.String()},
	}
	for i := range rows {
		if err := f.SetSheetRow(statsSheet, "A"+strconv.Itoa(i+1), &rows[i]); err != nil {
			return nil, err
		}
	}

	return f, nil
}

func (s *Server) handleExportExchanges(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is not configured"})
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(maxHistoryLimit)))
	if err != nil || limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	records, err := s.history.Recent(c.Request.Context(), limit, c.Query("outcome"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	stats, err := s.Stats(c.Request.Context())
	if err != nil {
		c.JSON(statusForError(err), gin.H{"error": err.Error()})
		return
	}

	f, err := buildWorkbook(records, stats)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()

	filename := fmt.Sprintf("exchanges_%s_%s.xlsx", s.config.StationID, time.Now().Format("20060102_150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	if err := f.Write(c.Writer); err != nil {
		c.Status(http.StatusInternalServerError)
	}
}
