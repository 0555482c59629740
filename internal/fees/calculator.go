// Package fees computes the TRX value (in SUN) attached to a mint.
package fees

import (
	"context"
	"fmt"
	"time"

	"github.com/blockserved/notice-service/internal/logger"
	"github.com/blockserved/notice-service/internal/tron"
	"github.com/sethvargo/go-retry"
)

// ChainReader is the subset of ledger reads the calculator needs.
type ChainReader interface {
	IsFeeExempt(ctx context.Context, sender tron.Address) (bool, error)
	ServiceFee(ctx context.Context) (int64, error)
	CreationFee(ctx context.Context) (int64, error)
	SponsorshipFee(ctx context.Context) (int64, error)
}

// Breakdown is one computed fee with its components.
type Breakdown struct {
	ServiceFee     int64 `json:"service_fee"`
	CreationFee    int64 `json:"creation_fee"`
	SponsorshipFee int64 `json:"sponsorship_fee"`
	Exempt         bool  `json:"exempt"`
	Total          int64 `json:"total"`
	// UsedFallback is set when chain reads failed and the configured
	// default was used instead.
	UsedFallback bool `json:"used_fallback"`
}

// Calculator reads the current fee schedule from the contract.
type Calculator struct {
	reader      ChainReader
	fallbackSun int64
	log         *logger.Logger
}

func NewCalculator(reader ChainReader, fallbackSun int64, log *logger.Logger) *Calculator {
	return &Calculator{reader: reader, fallbackSun: fallbackSun, log: log}
}

// readWithRetry retries a single fee read a bounded number of times
// before giving up.
func readWithRetry(ctx context.Context, name string, fn func(context.Context) (int64, error)) (int64, error) {
	var value int64
	backoff := retry.WithMaxRetries(3, retry.NewExponential(300*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return retry.RetryableError(err)
		}
		value = v
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("fee read %s failed: %w", name, err)
	}
	return value, nil
}

// Calculate returns the total value for a mint by the given sender.
// Exempt senders skip the service fee; the sponsorship component is
// charged only when the sponsor flag is set. If any read still fails
// after retries, the configured default total is used and flagged.
func (c *Calculator) Calculate(ctx context.Context, sender tron.Address, sponsorFees bool) (*Breakdown, error) {
	exempt, err := c.exemptWithRetry(ctx, sender)
	if err != nil {
		return c.fallback(sponsorFees, err), nil
	}

	service, err := readWithRetry(ctx, "serviceFee", c.reader.ServiceFee)
	if err != nil {
		return c.fallback(sponsorFees, err), nil
	}
	creation, err := readWithRetry(ctx, "creationFee", c.reader.CreationFee)
	if err != nil {
		return c.fallback(sponsorFees, err), nil
	}
	sponsorship, err := readWithRetry(ctx, "sponsorshipFee", c.reader.SponsorshipFee)
	if err != nil {
		return c.fallback(sponsorFees, err), nil
	}

	b := &Breakdown{
		ServiceFee:     service,
		CreationFee:    creation,
		SponsorshipFee: sponsorship,
		Exempt:         exempt,
	}
	b.Total = creation
	if !exempt {
		b.Total += service
	}
	if sponsorFees {
		b.Total += sponsorship
	}
	return b, nil
}

func (c *Calculator) exemptWithRetry(ctx context.Context, sender tron.Address) (bool, error) {
	var exempt bool
	backoff := retry.WithMaxRetries(3, retry.NewExponential(300*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		v, err := c.reader.IsFeeExempt(ctx, sender)
		if err != nil {
			return retry.RetryableError(err)
		}
		exempt = v
		return nil
	})
	return exempt, err
}

func (c *Calculator) fallback(sponsorFees bool, cause error) *Breakdown {
	c.log.Warn("Fee reads failed, falling back to configured default %d SUN: %v", c.fallbackSun, cause)
	return &Breakdown{
		Total:        c.fallbackSun,
		UsedFallback: true,
	}
}
