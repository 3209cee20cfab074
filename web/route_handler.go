package web

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/RezaEskandarii/txlock/internal/deadlock"
	"github.com/RezaEskandarii/txlock/internal/editlock"
	"github.com/RezaEskandarii/txlock/internal/logging"
	"github.com/RezaEskandarii/txlock/internal/orders"
	"github.com/RezaEskandarii/txlock/internal/twophase"
	"github.com/RezaEskandarii/txlock/types"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	PageSize    = 15
	MaxPageSize = 200
)

type HttpRouteHandler struct {
	manager  *twophase.Manager
	sessions *editlock.Service
	detector *deadlock.Detector
	orders   *orders.Service
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	Port     uint

	echo *echo.Echo
}

func NewRouteHandler(
	manager *twophase.Manager,
	sessions *editlock.Service,
	detector *deadlock.Detector,
	orderService *orders.Service,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
	port uint,
) *HttpRouteHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	h := &HttpRouteHandler{
		manager:  manager,
		sessions: sessions,
		detector: detector,
		orders:   orderService,
		gatherer: gatherer,
		logger:   logger,
		Port:     port,
	}
	h.echo = h.routes()
	return h
}

// Handler returns the configured router.
func (h *HttpRouteHandler) Handler() http.Handler {
	return h.echo
}

func (h *HttpRouteHandler) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger(h.logger))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if h.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	api := e.Group("/api/v1", requireUser)

	api.POST("/edit-locks/:type/:id", h.acquireEditLock)
	api.DELETE("/edit-locks/:type/:id", h.releaseEditLock)
	api.GET("/edit-locks/:type/:id", h.checkEditLock)

	api.GET("/locks", h.listLocks)
	api.GET("/locks/:type/:id", h.resourceLock)
	api.GET("/deadlocks", h.deadlocks)

	// orders need a relational store; absent on a Redis-only deployment
	if h.orders != nil {
		api.POST("/orders", h.createOrder)
		api.GET("/orders/:id", h.getOrder)
		api.PATCH("/orders/:id", h.updateOrder)
	}

	return e
}

// Serve listens on Port until ctx is done, then shuts down gracefully.
func (h *HttpRouteHandler) Serve(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", h.Port)
	printBanner(addr)

	errCh := make(chan error, 1)
	go func() {
		if err := h.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return <-errCh
}

// resourceParams validates the :type and :id path parameters.
func resourceParams(c echo.Context) (resourceType, resourceID string, err error) {
	rt, err := orders.ParseResourceType(c.Param("type"))
	if err != nil {
		return "", "", err
	}
	id := c.Param("id")
	if id == "" {
		return "", "", errors.New("resource id is required")
	}
	return rt.String(), id, nil
}

type acquireEditLockRequest struct {
	TimeoutSeconds int `json:"timeout_seconds"`
}

func (h *HttpRouteHandler) acquireEditLock(c echo.Context) error {
	resourceType, resourceID, err := resourceParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req acquireEditLockRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return badRequest(c, "invalid request body")
		}
	}
	if req.TimeoutSeconds < 0 {
		return badRequest(c, "timeout_seconds must not be negative")
	}

	grant, err := h.sessions.Acquire(c.Request().Context(), resourceID, resourceType, currentUser(c),
		time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, grant)
}

func (h *HttpRouteHandler) releaseEditLock(c echo.Context) error {
	resourceType, resourceID, err := resourceParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	n, err := h.sessions.Release(c.Request().Context(), resourceID, resourceType, currentUser(c))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"released": n})
}

func (h *HttpRouteHandler) checkEditLock(c echo.Context) error {
	resourceType, resourceID, err := resourceParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	status, err := h.sessions.Check(c.Request().Context(), resourceID, resourceType, currentUser(c))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

type resourceLockResponse struct {
	Locked bool        `json:"locked"`
	Lock   *types.Lock `json:"lock,omitempty"`
}

func (h *HttpRouteHandler) resourceLock(c echo.Context) error {
	resourceType, resourceID, err := resourceParams(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	lock, err := h.manager.IsResourceLocked(c.Request().Context(), resourceID, resourceType)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, resourceLockResponse{Locked: lock != nil, Lock: lock})
}

func (h *HttpRouteHandler) listLocks(c echo.Context) error {
	page, size := pageParams(c)
	result, err := h.manager.ListActive(c.Request().Context(), page, size)
	if err != nil {
		return h.writeError(c, err)
	}
	if result.Items == nil {
		result.Items = []types.Lock{}
	}
	return c.JSON(http.StatusOK, result)
}

func (h *HttpRouteHandler) deadlocks(c echo.Context) error {
	report, err := h.detector.Scan(c.Request().Context())
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *HttpRouteHandler) createOrder(c echo.Context) error {
	var order types.Order
	if err := c.Bind(&order); err != nil {
		return badRequest(c, "invalid request body")
	}
	created, err := h.orders.CreateOrder(c.Request().Context(), currentUser(c), order)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *HttpRouteHandler) getOrder(c echo.Context) error {
	order, err := h.orders.GetOrder(c.Request().Context(), currentUser(c), c.Param("id"))
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func (h *HttpRouteHandler) updateOrder(c echo.Context) error {
	var patch types.OrderPatch
	if err := c.Bind(&patch); err != nil {
		return badRequest(c, "invalid request body")
	}
	order, err := h.orders.UpdateOrder(c.Request().Context(), currentUser(c), c.Param("id"), patch)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(http.StatusOK, order)
}

func pageParams(c echo.Context) (page, size int) {
	page, err := strconv.Atoi(c.QueryParam("page"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err = strconv.Atoi(c.QueryParam("page_size"))
	if err != nil || size < 1 {
		size = PageSize
	}
	return page, min(size, MaxPageSize)
}

func printBanner(addr string) {
	width := 46
	fmt.Println("##############################################")
	fmt.Printf("# %-*s #\n", width-4, "")
	fmt.Printf("# %-*s #\n", width-4, "txlock started")
	fmt.Printf("# %-*s #\n", width-4, fmt.Sprintf("API listening on %s", addr))
	fmt.Printf("# %-*s #\n", width-4, "")
	fmt.Println("##############################################")
}
