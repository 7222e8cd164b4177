package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/david/opportunity-oasis/internal/db"
	"github.com/david/opportunity-oasis/internal/metrics"
	"github.com/david/opportunity-oasis/internal/models"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const notifyTimeout = 30 * time.Second

// listParamsFromQuery reads page, pageSize, sortField, sortDirection and search.
// Missing paging values fall back to the defaults; malformed ones are errors.
func listParamsFromQuery(c echo.Context) (db.ListParams, error) {
	params := db.ListParams{
		Page:          1,
		PageSize:      db.DefaultPageSize,
		SortField:     c.QueryParam("sortField"),
		SortDirection: c.QueryParam("sortDirection"),
		Search:        c.QueryParam("search"),
	}
	if v := strings.TrimSpace(c.QueryParam("page")); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return params, &models.ValidationError{Field: "page", Message: "must be an integer"}
		}
		params.Page = p
	}
	if v := strings.TrimSpace(c.QueryParam("pageSize")); v != "" {
		ps, err := strconv.Atoi(v)
		if err != nil {
			return params, &models.ValidationError{Field: "pageSize", Message: "must be an integer"}
		}
		params.PageSize = ps
	}
	return params, nil
}

func (s *Server) handleListOpportunities(c echo.Context) error {
	params, err := listParamsFromQuery(c)
	if err != nil {
		return s.respondError(c, err)
	}

	result, err := s.store.List(c.Request().Context(), params)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleGetOpportunity(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return s.respondError(c, err)
	}
	opp, err := s.store.GetByID(c.Request().Context(), id)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, opp)
}

func (s *Server) handleCreateOpportunity(c echo.Context) error {
	var draft models.Draft
	if err := c.Bind(&draft); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	opp, err := s.store.Create(c.Request().Context(), draft)
	if err != nil {
		return s.respondError(c, err)
	}

	s.logger.Info("opportunity created", zap.Int64("id", opp.ID), zap.String("name", opp.Name))
	s.notifyCreated(*opp)
	return c.JSON(http.StatusCreated, opp)
}

// notifyCreated emails the new opportunity in the background. Failures are
// logged and dropped.
func (s *Server) notifyCreated(opp models.Opportunity) {
	if s.sink == nil || s.composer == nil {
		return
	}
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()

		msg, err := s.composer.NewOpportunity(opp)
		if err == nil {
			err = s.sink.Send(ctx, msg)
		}
		if err != nil {
			metrics.NotificationsFailed.Inc()
			s.logger.Warn("new opportunity email not sent", zap.Int64("id", opp.ID), zap.Error(err))
		}
	}()
}

func (s *Server) handleUpdateOpportunity(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return s.respondError(c, err)
	}
	var patch models.Patch
	if err := c.Bind(&patch); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	opp, err := s.store.Update(c.Request().Context(), id, patch)
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, opp)
}

func (s *Server) handleDeleteOpportunity(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return s.respondError(c, err)
	}
	deleted, err := s.store.Delete(c.Request().Context(), id)
	if err != nil {
		return s.respondError(c, err)
	}
	if !deleted {
		return s.respondError(c, db.ErrNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleGetStats(c echo.Context) error {
	stats, err := s.store.Stats(c.Request().Context())
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleRunReminders(c echo.Context) error {
	result, err := s.reminders.Run(c.Request().Context())
	if err != nil {
		return s.respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}
