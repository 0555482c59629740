package logic

import (
	"errors"
	"fmt"

	"github.com/blockserved/notice-service/internal/model"
	"github.com/blockserved/notice-service/internal/tron"
	"gorm.io/gorm"
)

var (
	// ErrServerNotFound is returned for unknown wallet addresses.
	ErrServerNotFound = errors.New("process server not found")
	// ErrServerNotApproved gates issuance on registration state.
	ErrServerNotApproved = errors.New("process server is not approved")
)

// ProcessServerLogic manages registered process-server identities.
type ProcessServerLogic struct {
	db *gorm.DB
}

func NewProcessServerLogic(db *gorm.DB) *ProcessServerLogic {
	return &ProcessServerLogic{db: db}
}

// Register creates a pending registration. The wallet address is
// validated before it becomes a primary key.
func (l *ProcessServerLogic) Register(server *model.ProcessServer) error {
	if _, err := tron.ParseAddress(server.WalletAddress); err != nil {
		return fmt.Errorf("invalid wallet address: %w", err)
	}
	if server.AgencyName == "" {
		return errors.New("agency name is required")
	}

	server.Status = model.ProcessServerStatusPending
	server.ServerId = 0
	if err := l.db.Create(server).Error; err != nil {
		return fmt.Errorf("failed to register process server: %w", err)
	}
	return nil
}

// Approve activates a registration and assigns the next server id.
func (l *ProcessServerLogic) Approve(walletAddress string) (*model.ProcessServer, error) {
	var server model.ProcessServer
	err := l.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&server, "wallet_address = ?", walletAddress).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrServerNotFound
			}
			return err
		}

		var maxId int64
		if err := tx.Model(&model.ProcessServer{}).
			Select("COALESCE(MAX(server_id), 0)").Scan(&maxId).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{
			"status":    model.ProcessServerStatusApproved,
			"server_id": maxId + 1,
		}
		if err := tx.Model(&server).Updates(updates).Error; err != nil {
			return err
		}
		server.Status = model.ProcessServerStatusApproved
		server.ServerId = maxId + 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &server, nil
}

// Get resolves a registration by wallet address.
func (l *ProcessServerLogic) Get(walletAddress string) (*model.ProcessServer, error) {
	var server model.ProcessServer
	err := l.db.First(&server, "wallet_address = ?", walletAddress).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrServerNotFound
	}
	if err != nil {
		return nil, err
	}
	return &server, nil
}

// RequireApproved resolves a registration and enforces that it may
// issue notices.
func (l *ProcessServerLogic) RequireApproved(walletAddress string) (*model.ProcessServer, error) {
	server, err := l.Get(walletAddress)
	if err != nil {
		return nil, err
	}
	if server.Status != model.ProcessServerStatusApproved &&
		server.Status != model.ProcessServerStatusActive {
		return nil, ErrServerNotApproved
	}
	return server, nil
}

// List returns registrations, optionally filtered by status.
func (l *ProcessServerLogic) List(status string) ([]model.ProcessServer, error) {
	var servers []model.ProcessServer
	query := l.db.Order("created_at desc")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}
