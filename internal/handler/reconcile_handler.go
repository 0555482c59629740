package handler

import (
	"errors"
	"net/http"

	"github.com/blockserved/notice-service/internal/reconcile"
	"github.com/gin-gonic/gin"
)

type ReconcileHandler struct {
	reconciler *reconcile.Reconciler
}

func NewReconcileHandler(reconciler *reconcile.Reconciler) *ReconcileHandler {
	return &ReconcileHandler{reconciler: reconciler}
}

// Trigger runs a reconciliation pass synchronously and returns its
// report. The scheduled job covers routine drift; this endpoint is for
// operators who just restored a database.
func (h *ReconcileHandler) Trigger(c *gin.Context) {
	report, err := h.reconciler.Run(c.Request.Context())
	if err != nil {
		if errors.Is(err, reconcile.ErrAlreadyRunning) {
			ErrorResponse(c, http.StatusConflict, err.Error())
			return
		}
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	SuccessResponse(c, http.StatusOK, "reconciliation complete", report)
}
