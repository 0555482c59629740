package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/blockserved/notice-service/internal/logic"
	"github.com/blockserved/notice-service/internal/notice"
	"github.com/blockserved/notice-service/internal/tron"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type NoticeHandler struct {
	workflow      *notice.Workflow
	recordLogic   *logic.ServiceRecordLogic
	caseLogic     *logic.CaseLogic
	serverLogic   *logic.ProcessServerLogic
	serverAddress string
}

// NewNoticeHandler binds the issuance endpoints to the wallet this
// service signs with.
func NewNoticeHandler(db *gorm.DB, workflow *notice.Workflow, serverAddress string) *NoticeHandler {
	return &NoticeHandler{
		workflow:      workflow,
		recordLogic:   logic.NewServiceRecordLogic(db),
		caseLogic:     logic.NewCaseLogic(db),
		serverLogic:   logic.NewProcessServerLogic(db),
		serverAddress: serverAddress,
	}
}

// ServeNotice runs a full issuance: encrypt, pin, fee, mint, record.
// The document field is base64 in the JSON body.
func (h *NoticeHandler) ServeNotice(c *gin.Context) {
	var req notice.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.serverLogic.RequireApproved(h.serverAddress); err != nil {
		if errors.Is(err, logic.ErrServerNotApproved) || errors.Is(err, logic.ErrServerNotFound) {
			ErrorResponse(c, http.StatusForbidden, "service wallet is not an approved process server")
			return
		}
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := h.workflow.Serve(c.Request.Context(), &req)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, notice.ErrInsufficientEnergy):
			status = http.StatusServiceUnavailable
		case errors.Is(err, notice.ErrConfirmTimeout):
			status = http.StatusGatewayTimeout
		}
		ErrorResponse(c, status, err.Error())
		return
	}

	SuccessResponse(c, http.StatusCreated, "notice served", result)
}

// RetryPending resubmits a stuck mint after checking whether the
// earlier broadcast actually landed.
func (h *NoticeHandler) RetryPending(c *gin.Context) {
	pendingId := c.Param("id")

	result, err := h.workflow.Retry(c.Request.Context(), pendingId)
	if err != nil {
		if errors.Is(err, notice.ErrPendingNotFound) {
			ErrorResponse(c, http.StatusNotFound, "pending mint not found")
			return
		}
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	SuccessResponse(c, http.StatusOK, "pending mint resolved", result)
}

// GetNoticesByRecipient lists records where the given wallet is a
// recipient.
func (h *NoticeHandler) GetNoticesByRecipient(c *gin.Context) {
	address := c.Param("address")
	if _, err := tron.ParseAddress(address); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "invalid recipient address")
		return
	}

	records, err := h.recordLogic.FindByRecipient(address)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	SuccessResponse(c, http.StatusOK, "ok", gin.H{
		"records": records,
		"total":   len(records),
	})
}

// GetNoticesByServer lists records issued by a process server.
func (h *NoticeHandler) GetNoticesByServer(c *gin.Context) {
	address := c.Param("address")
	if _, err := tron.ParseAddress(address); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "invalid server address")
		return
	}

	records, err := h.recordLogic.FindByServer(address)
	if err != nil {
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	SuccessResponse(c, http.StatusOK, "ok", gin.H{
		"records": records,
		"total":   len(records),
	})
}

// GetNoticeByToken resolves a record by either of its token ids.
func (h *NoticeHandler) GetNoticeByToken(c *gin.Context) {
	tokenId, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || tokenId <= 0 {
		ErrorResponse(c, http.StatusBadRequest, "invalid token id")
		return
	}

	record, err := h.recordLogic.FindByToken(tokenId)
	if err != nil {
		if errors.Is(err, logic.ErrRecordNotFound) {
			ErrorResponse(c, http.StatusNotFound, "no record for token")
			return
		}
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	SuccessResponse(c, http.StatusOK, "ok", record)
}

// AcceptNoticeRequest carries the recipient's acceptance transaction.
type AcceptNoticeRequest struct {
	TxId string `json:"tx_id" binding:"required"`
}

// AcceptNotice flips the acceptance flag after the recipient accepted
// on chain. The caller must present the acceptance transaction; the
// flag only flips once the receipt proves a NoticeAccepted event for
// this alert.
func (h *NoticeHandler) AcceptNotice(c *gin.Context) {
	alertId, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || alertId <= 0 {
		ErrorResponse(c, http.StatusBadRequest, "invalid alert token id")
		return
	}

	var req AcceptNoticeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "tx_id is required")
		return
	}

	recipient, err := h.workflow.VerifyAcceptance(c.Request.Context(), req.TxId, alertId)
	if err != nil {
		if errors.Is(err, notice.ErrAcceptanceNotProven) {
			ErrorResponse(c, http.StatusUnprocessableEntity, err.Error())
			return
		}
		ErrorResponse(c, http.StatusBadGateway, err.Error())
		return
	}

	if err := h.recordLogic.MarkAccepted(alertId); err != nil {
		if errors.Is(err, logic.ErrRecordNotFound) {
			ErrorResponse(c, http.StatusNotFound, "no record for alert token")
			return
		}
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	SuccessResponse(c, http.StatusOK, "acceptance recorded", gin.H{
		"alert_token_id": alertId,
		"recipient":      recipient,
	})
}

// GetCase returns a prepared case for this service's wallet.
func (h *NoticeHandler) GetCase(c *gin.Context) {
	caseNumber := c.Param("number")

	record, err := h.caseLogic.Get(caseNumber, h.serverAddress)
	if err != nil {
		if errors.Is(err, logic.ErrCaseNotFound) {
			ErrorResponse(c, http.StatusNotFound, "case not found")
			return
		}
		ErrorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	SuccessResponse(c, http.StatusOK, "ok", record)
}
