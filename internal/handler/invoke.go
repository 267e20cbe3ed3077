package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"serverless-launcher/internal/client"
	"serverless-launcher/internal/event"
	"serverless-launcher/internal/model"
	"serverless-launcher/internal/service"
)

type invoker interface {
	InvokeRaw(ctx context.Context, raw []byte) (*model.CanonicalResponse, error)
}

// InvokeHandler turns raw invocation payloads into canonical responses, both
// for the Lambda runtime loop and for the local invoke server.
type InvokeHandler struct {
	invoker invoker
	logger  *slog.Logger
	exit    func(int)
}

// NewInvokeHandler creates an InvokeHandler.
func NewInvokeHandler(svc *service.LauncherService, logger *slog.Logger) *InvokeHandler {
	return &InvokeHandler{
		invoker: svc,
		logger:  logger.With("component", "invoke_handler"),
		exit:    os.Exit,
	}
}

// Lambda is the function handed to the Lambda runtime. A panic while serving
// an invocation is logged and terminates the process with status 1 so the
// container is not reused in an unknown state.
func (h *InvokeHandler) Lambda(ctx context.Context, raw json.RawMessage) (resp *model.CanonicalResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("invocation panicked, exiting", "panic", fmt.Sprint(r))
			h.exit(1)
			resp, err = nil, fmt.Errorf("invocation panicked: %v", r)
		}
	}()

	resp, err = h.invoker.InvokeRaw(ctx, raw)
	if err != nil {
		h.logger.Error("invocation failed", "err", err)
		return nil, err
	}
	return resp, nil
}

// Invoke serves one invocation posted to the local invoke server. The request
// body is the raw envelope, exactly as the Lambda runtime would deliver it.
func (h *InvokeHandler) Invoke(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "could not read invocation payload",
		})
	}

	resp, err := h.invoker.InvokeRaw(c.Request().Context(), raw)
	if err != nil {
		return h.mapError(c, err)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return c.JSONBlob(http.StatusOK, data)
}

func (h *InvokeHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("invocation failed",
		"err", err,
		"path", c.Request().URL.Path,
	)

	var actionErr *event.UnsupportedActionError
	var encodingErr *event.UnsupportedEncodingError
	if errors.As(err, &actionErr) || errors.As(err, &encodingErr) || errors.Is(err, event.ErrMalformedEnvelope) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}

	var connErr *client.BackendConnectError
	if errors.As(err, &connErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "backend connection failed",
		})
	}

	if errors.Is(err, service.ErrBackendStartup) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "backend failed to start",
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "invocation failed",
	})
}
