package handler

import (
	"errors"
	"net/http"

	"github.com/blockserved/notice-service/internal/logic"
	"github.com/blockserved/notice-service/internal/model"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type ProcessServerHandler struct {
	serverLogic *logic.ProcessServerLogic
}

func NewProcessServerHandler(db *gorm.DB) *ProcessServerHandler {
	return &ProcessServerHandler{
		serverLogic: logic.NewProcessServerLogic(db),
	}
}

// Register files a process-server application, starting in pending
// status until an operator approves it.
func (h *ProcessServerHandler) Register(c *gin.Context) {
	var server model.ProcessServer
	if err := c.ShouldBindJSON(&server); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.serverLogic.Register(&server); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	SuccessResponse(c, http.StatusCreated, "registration filed", server)
}

// Approve activates a pending registration and assigns its server id.
func (h *ProcessServerHandler) Approve(c *gin.Context) {
	address := c.Param("address")

	server, err := h.serverLogic.Approve(address)
	if err != nil {
		if errors.Is(err, logic.ErrServerNotFound) {
			ErrorResponse(c, http.StatusNotFound, "no registration for address")
			return
		}
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	SuccessResponse(c, http.StatusOK, "process server approved", server)
}

// Get returns one registration.
func (h *ProcessServerHandler) Get(c *gin.Context) {
	server, err := h.serverLogic.Get(c.Param("address"))
	if err != nil {
		if errors.Is(err, logic.ErrServerNotFound) {
			ErrorResponse(c, http.StatusNotFound, "no registration for address")
			return
		}
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	SuccessResponse(c, http.StatusOK, "ok", server)
}

// List returns registrations, optionally filtered by status.
func (h *ProcessServerHandler) List(c *gin.Context) {
	servers, err := h.serverLogic.List(c.Query("status"))
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	SuccessResponse(c, http.StatusOK, "ok", gin.H{
		"servers": servers,
		"total":   len(servers),
	})
}
