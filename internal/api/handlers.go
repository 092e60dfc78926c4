package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/store"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": s.now().UTC()})
}

func (s *Server) status(c *gin.Context) {
	out := gin.H{"meta": s.Meta}
	if s.State != nil {
		out["engine"] = s.State.State()
	}
	if s.Hub != nil {
		out["ws_clients"] = s.Hub.Clients()
	}
	doc, err := s.Store.Load(c.Request.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("status without store data")
		out["store"] = "data unavailable"
		c.JSON(http.StatusOK, out)
		return
	}
	out["store"] = gin.H{
		"counts":       doc.Counts(),
		"last_updated": doc.Metadata.LastUpdated,
		"version":      doc.Metadata.Version,
		"bookmarks":    len(doc.Bookmarks()),
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) stats(c *gin.Context) {
	doc, err := s.Store.Load(c.Request.Context())
	if err != nil {
		s.unavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"statistics":   doc.Statistics,
		"daily_stats":  doc.DailyStats,
		"symbol_stats": doc.SymbolStats,
	})
}

// listSignals supports ?status=OPEN|PARTIAL|CLOSED|active, ?symbol= and ?limit=.
func (s *Server) listSignals(c *gin.Context) {
	doc, err := s.Store.Load(c.Request.Context())
	if err != nil {
		s.unavailable(c, err)
		return
	}
	status := strings.ToUpper(strings.TrimSpace(c.Query("status")))
	symbol := strings.ToUpper(strings.TrimSpace(c.Query("symbol")))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	out := make([]*signal.Signal, 0)
	all := doc.All()
	// newest first
	for i := len(all) - 1; i >= 0; i-- {
		sig := all[i]
		switch {
		case status == "ACTIVE" && !sig.Active():
			continue
		case status != "" && status != "ACTIVE" && string(sig.Status) != status:
			continue
		case symbol != "" && sig.Symbol != symbol:
			continue
		}
		out = append(out, sig)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "signals": out})
}

func (s *Server) getSignal(c *gin.Context) {
	id := c.Param("id")
	sig, err := s.Store.Signal(c.Request.Context(), id)
	if err == nil {
		c.JSON(http.StatusOK, sig)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.unavailable(c, err)
		return
	}
	if s.Archive != nil {
		if archived, aerr := s.Archive.Get(c.Request.Context(), id); aerr == nil {
			c.JSON(http.StatusOK, archived)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "signal not found"})
}

func (s *Server) updates(c *gin.Context) {
	if s.Ledger == nil {
		s.unavailable(c, nil)
		return
	}
	updates := s.Ledger.Snapshot()
	c.JSON(http.StatusOK, gin.H{"count": len(updates), "updates": updates})
}

// dailyReport answers ?date=YYYY-MM-DD, defaulting to today (UTC).
func (s *Server) dailyReport(c *gin.Context) {
	day := s.now().UTC()
	if raw := c.Query("date"); raw != "" {
		parsed, err := time.Parse(store.DayLayout, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		day = parsed
	}
	doc, err := s.Store.Load(c.Request.Context())
	if err != nil {
		s.unavailable(c, err)
		return
	}
	out := gin.H{"report": doc.DailyReport(day)}
	if s.Archive != nil {
		if sum, err := s.Archive.DailySummary(c.Request.Context(), day); err == nil {
			out["archived"] = sum
		} else {
			s.log.Warn().Err(err).Msg("archive summary unavailable")
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) exportCSV(c *gin.Context) {
	doc, err := s.Store.Load(c.Request.Context())
	if err != nil {
		s.unavailable(c, err)
		return
	}
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="signals.csv"`)
	c.Status(http.StatusOK)
	if err := doc.WriteCSV(c.Writer); err != nil {
		s.log.Warn().Err(err).Msg("csv export failed")
	}
}
